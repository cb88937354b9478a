package feeder

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
)

// CSVFeeder replays tick rows from one or more CSV files. Each row is
// "timestamp,price,volume" with an RFC3339 timestamp; a header row is
// detected and skipped. Files are replayed in lexical path order, so
// per-period file naming (SYMBOL_2020.csv, SYMBOL_2021.csv) keeps the
// stream in timestamp order.
type CSVFeeder struct {
	symbol string
	paths  []string
	log    *logger.Logger
}

// NewCSVFeeder expands the glob pattern and prepares a replay for the given
// symbol. The pattern must match at least one file.
func NewCSVFeeder(symbol string, pattern string, log *logger.Logger) (*CSVFeeder, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeFeedOpenFailed, err, "invalid data glob %q", pattern)
	}

	if len(paths) == 0 {
		return nil, errors.Newf(errors.ErrCodeFeedOpenFailed, "no data files match %q", pattern)
	}

	sort.Strings(paths)

	return &CSVFeeder{
		symbol: symbol,
		paths:  paths,
		log:    log,
	}, nil
}

// Count walks every file once and returns the number of data rows.
func (f *CSVFeeder) Count() (int, error) {
	total := 0

	for _, path := range f.paths {
		n, err := f.countFile(path)
		if err != nil {
			return 0, err
		}

		total += n
	}

	return total, nil
}

// Stream implements Feeder.
func (f *CSVFeeder) Stream(ctx context.Context, sink Sink, onRow OnRow) error {
	total, err := f.Count()
	if err != nil {
		return err
	}

	current := 0

	for _, path := range f.paths {
		if err := f.streamFile(ctx, path, sink, onRow, &current, total); err != nil {
			return err
		}
	}

	return nil
}

func (f *CSVFeeder) countFile(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeFeedOpenFailed, err, "failed to open %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 3
	count := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return 0, errors.Wrapf(errors.ErrCodeFeedParseFailed, err, "failed to read %s", path)
		}

		if isHeaderRow(record) {
			continue
		}

		count++
	}

	return count, nil
}

func (f *CSVFeeder) streamFile(ctx context.Context, path string, sink Sink, onRow OnRow, current *int, total int) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeFeedOpenFailed, err, "failed to open %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 3

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return errors.Wrapf(errors.ErrCodeFeedParseFailed, err, "failed to read %s", path)
		}

		if isHeaderRow(record) {
			continue
		}

		tick, err := parseTickRow(record)
		if err != nil {
			return errors.Wrapf(errors.ErrCodeFeedParseFailed, err, "bad row in %s", path)
		}

		if err := sink.NewTick(f.symbol, tick); err != nil {
			return err
		}

		*current++

		if onRow != nil {
			if err := onRow(*current, total); err != nil {
				return err
			}
		}
	}
}

func parseTickRow(record []string) (types.Tick, error) {
	ts, err := time.Parse(time.RFC3339, record[0])
	if err != nil {
		return types.Tick{}, err
	}

	price, err := strconv.ParseFloat(record[1], 64)
	if err != nil {
		return types.Tick{}, err
	}

	volume, err := strconv.ParseFloat(record[2], 64)
	if err != nil {
		return types.Tick{}, err
	}

	return types.Tick{
		Quote:  types.Quote{Time: ts, Price: price},
		Volume: volume,
	}, nil
}

// isHeaderRow treats any row whose first field is not an RFC3339 timestamp
// as a header.
func isHeaderRow(record []string) bool {
	_, err := time.Parse(time.RFC3339, record[0])

	return err != nil
}
