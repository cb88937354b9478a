package writers

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickforge/replay/internal/types"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)

	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)

	return rows
}

func TestTradesWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "trades.csv")
	open := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

	records := []types.TradeRecord{
		{
			ID:            "t1",
			Symbol:        "ACME",
			Direction:     "LONG",
			State:         "CLOSED",
			OpenTime:      open,
			CloseTime:     open.Add(time.Hour),
			OpenPrice:     100.005,
			ClosePrice:    109.995,
			Volume:        1,
			RealizedPnL:   9.99,
			PercentChange: 9.98950052,
			CloseReason:   "take_profit",
		},
	}

	require.NoError(t, NewTradesWriter(path).Write(records))

	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, "t1", rows[1][0])
	assert.Equal(t, "2024-03-12T10:00:00Z", rows[1][4])
	assert.Equal(t, "9.99", rows[1][9])
	assert.Equal(t, "take_profit", rows[1][11])
}

func TestTradesWriterEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")

	require.NoError(t, NewTradesWriter(path).Write(nil))

	rows := readCSV(t, path)
	require.Len(t, rows, 1) // header only
}

func TestEquityWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equity.csv")
	base := time.Date(2024, 3, 12, 10, 5, 0, 0, time.UTC)

	points := []types.EquityPoint{
		{Time: base, Equity: 100000},
		{Time: base.Add(5 * time.Minute), Equity: 100009.99},
	}

	require.NoError(t, NewEquityWriter(path).Write(points))

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"time", "equity"}, rows[0])
	assert.Equal(t, "2024-03-12T10:05:00Z", rows[1][0])
	assert.Equal(t, "100009.99", rows[2][1])
}
