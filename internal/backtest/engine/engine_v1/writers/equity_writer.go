package writers

import (
	"encoding/csv"

	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
)

// EquityWriter exports the sampled equity curve as CSV.
type EquityWriter struct {
	outputPath string
}

// NewEquityWriter creates a writer for the given output file.
func NewEquityWriter(outputPath string) *EquityWriter {
	return &EquityWriter{outputPath: outputPath}
}

// Write creates the output file and writes every sample.
func (w *EquityWriter) Write(points []types.EquityPoint) error {
	file, err := createOutputFile(w.outputPath)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err := writer.Write([]string{"time", "equity"}); err != nil {
		return errors.Wrap(errors.ErrCodeExportFailed, "failed to write equity header", err)
	}

	for _, point := range points {
		row := []string{formatTime(point.Time), formatFloat(point.Equity)}
		if err := writer.Write(row); err != nil {
			return errors.Wrap(errors.ErrCodeExportFailed, "failed to write equity row", err)
		}
	}

	writer.Flush()

	if err := writer.Error(); err != nil {
		return errors.Wrap(errors.ErrCodeExportFailed, "failed to flush equity file", err)
	}

	return nil
}
