package feeder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
)

type recordingSink struct {
	symbols []string
	ticks   []types.Tick
	fail    error
}

func (s *recordingSink) NewTick(symbol string, tick types.Tick) error {
	if s.fail != nil {
		return s.fail
	}

	s.symbols = append(s.symbols, symbol)
	s.ticks = append(s.ticks, tick)

	return nil
}

func writeDataFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestCSVFeederStream(t *testing.T) {
	dir := t.TempDir()
	writeDataFile(t, dir, "acme_1.csv", `timestamp,price,volume
2024-03-12T10:00:00Z,100.5,2
2024-03-12T10:01:00Z,101,1
`)
	writeDataFile(t, dir, "acme_2.csv", `2024-03-12T10:02:00Z,99,3
`)

	feeder, err := NewCSVFeeder("ACME", filepath.Join(dir, "*.csv"), logger.NewNopLogger())
	require.NoError(t, err)

	total, err := feeder.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	sink := &recordingSink{}

	var progress []int

	err = feeder.Stream(context.Background(), sink, func(current, total int) error {
		progress = append(progress, current)
		assert.Equal(t, 3, total)

		return nil
	})
	require.NoError(t, err)

	require.Len(t, sink.ticks, 3)
	assert.Equal(t, []string{"ACME", "ACME", "ACME"}, sink.symbols)
	assert.Equal(t, []int{1, 2, 3}, progress)

	first := sink.ticks[0]
	assert.Equal(t, time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC), first.Time)
	assert.InDelta(t, 100.5, first.Price, 1e-9)
	assert.InDelta(t, 2, first.Volume, 1e-9)
}

func TestCSVFeederNoMatch(t *testing.T) {
	_, err := NewCSVFeeder("ACME", filepath.Join(t.TempDir(), "*.csv"), logger.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeFeedOpenFailed))
}

func TestCSVFeederBadRow(t *testing.T) {
	dir := t.TempDir()
	writeDataFile(t, dir, "bad.csv", `2024-03-12T10:00:00Z,not-a-price,1
`)

	feeder, err := NewCSVFeeder("ACME", filepath.Join(dir, "*.csv"), logger.NewNopLogger())
	require.NoError(t, err)

	err = feeder.Stream(context.Background(), &recordingSink{}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeFeedParseFailed))
}

func TestCSVFeederSinkErrorAborts(t *testing.T) {
	dir := t.TempDir()
	writeDataFile(t, dir, "data.csv", `2024-03-12T10:00:00Z,100,1
2024-03-12T10:01:00Z,101,1
`)

	feeder, err := NewCSVFeeder("ACME", filepath.Join(dir, "*.csv"), logger.NewNopLogger())
	require.NoError(t, err)

	sinkErr := errors.New(errors.ErrCodeStaleUpdate, "stale tick")
	err = feeder.Stream(context.Background(), &recordingSink{fail: sinkErr}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStaleUpdate))
}

func TestCSVFeederCancelled(t *testing.T) {
	dir := t.TempDir()
	writeDataFile(t, dir, "data.csv", `2024-03-12T10:00:00Z,100,1
`)

	feeder, err := NewCSVFeeder("ACME", filepath.Join(dir, "*.csv"), logger.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = feeder.Stream(ctx, &recordingSink{}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
