package writers

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
)

// TradesWriter exports the trade list of a run as CSV, one row per finished
// trade.
type TradesWriter struct {
	outputPath string
}

// NewTradesWriter creates a writer for the given output file.
func NewTradesWriter(outputPath string) *TradesWriter {
	return &TradesWriter{outputPath: outputPath}
}

// Write creates the output file and writes every record.
func (w *TradesWriter) Write(records []types.TradeRecord) error {
	file, err := createOutputFile(w.outputPath)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"id", "symbol", "direction", "state", "open_time", "close_time",
		"open_price", "close_price", "volume", "realized_pnl", "percent_change", "close_reason",
	}
	if err := writer.Write(header); err != nil {
		return errors.Wrap(errors.ErrCodeExportFailed, "failed to write trades header", err)
	}

	for _, record := range records {
		row := []string{
			record.ID,
			record.Symbol,
			record.Direction,
			record.State,
			formatTime(record.OpenTime),
			formatTime(record.CloseTime),
			formatFloat(record.OpenPrice),
			formatFloat(record.ClosePrice),
			formatFloat(record.Volume),
			formatFloat(record.RealizedPnL),
			formatFloat(record.PercentChange),
			record.CloseReason,
		}

		if err := writer.Write(row); err != nil {
			return errors.Wrap(errors.ErrCodeExportFailed, "failed to write trade row", err)
		}
	}

	writer.Flush()

	if err := writer.Error(); err != nil {
		return errors.Wrap(errors.ErrCodeExportFailed, "failed to flush trades file", err)
	}

	return nil
}

func createOutputFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeExportFailed, "failed to create results directory", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeExportFailed, err, "failed to create %s", path)
	}

	return file, nil
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}

	return ts.Format(time.RFC3339)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
