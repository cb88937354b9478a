package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickforge/replay/internal/aggregator"
	"github.com/tickforge/replay/pkg/errors"
	"gopkg.in/yaml.v3"
)

func TestConfigParsing(t *testing.T) {
	content := `
initial_capital: 50000
stale_policy: live
instruments:
  - symbol: EURUSD
    tick_size: 0.0001
    lot_size: 100000
    timeframes: [1, 5, 60]
    history_capacity: 512
    session:
      accept_from: "09:30"
      reject_from: "16:00"
`

	config := EmptyConfig()
	require.NoError(t, yaml.Unmarshal([]byte(content), &config))
	require.NoError(t, config.Validate())

	assert.InDelta(t, 50000, config.InitialCapital, 1e-9)
	assert.Equal(t, aggregator.StalePolicyLive, config.StalePolicy)
	require.Len(t, config.Instruments, 1)

	inst := config.Instruments[0]
	assert.Equal(t, "EURUSD", inst.Symbol)
	assert.Equal(t, []int{1, 5, 60}, inst.Timeframes)
	require.True(t, inst.Session.IsSome())

	filter, err := inst.timeFilter()
	require.NoError(t, err)
	require.True(t, filter.IsSome())
	assert.Equal(t, 9*time.Hour+30*time.Minute, filter.Unwrap().AcceptFrom)
	assert.Equal(t, 16*time.Hour, filter.Unwrap().RejectFrom)
}

func TestConfigValidation(t *testing.T) {
	base := func() BacktesterV1Config {
		return BacktesterV1Config{
			InitialCapital: 1000,
			StalePolicy:    aggregator.StalePolicyBacktest,
			Instruments: []InstrumentConfig{
				{
					Symbol:     "ACME",
					TickSize:   0.01,
					LotSize:    1,
					Timeframes: []int{5},
				},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*BacktesterV1Config)
	}{
		{
			name:   "no capital",
			mutate: func(c *BacktesterV1Config) { c.InitialCapital = 0 },
		},
		{
			name:   "no instruments",
			mutate: func(c *BacktesterV1Config) { c.Instruments = nil },
		},
		{
			name:   "unknown stale policy",
			mutate: func(c *BacktesterV1Config) { c.StalePolicy = "paper" },
		},
		{
			name:   "unsupported timeframe",
			mutate: func(c *BacktesterV1Config) { c.Instruments[0].Timeframes = []int{7} },
		},
		{
			name:   "zero tick size",
			mutate: func(c *BacktesterV1Config) { c.Instruments[0].TickSize = 0 },
		},
		{
			name: "empty session window",
			mutate: func(c *BacktesterV1Config) {
				c.Instruments[0].Session = sessionOpt("16:00", "09:30")
			},
		},
		{
			name: "malformed session time",
			mutate: func(c *BacktesterV1Config) {
				c.Instruments[0].Session = sessionOpt("half past nine", "16:00")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := base()
			tt.mutate(&config)
			require.Error(t, config.Validate())
		})
	}

	valid := base()
	require.NoError(t, valid.Validate())
}

func sessionOpt(acceptFrom, rejectFrom string) optional.Option[SessionConfig] {
	return optional.Some(SessionConfig{AcceptFrom: acceptFrom, RejectFrom: rejectFrom})
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "00:00", want: 0},
		{input: "09:30", want: 9*time.Hour + 30*time.Minute},
		{input: "23:59", want: 23*time.Hour + 59*time.Minute},
		{input: "24:00", wantErr: true},
		{input: "12:60", wantErr: true},
		{input: "noon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseTimeOfDay(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfiguration))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateSchema(t *testing.T) {
	config := EmptyConfig()

	schema, err := config.GenerateSchema()
	require.NoError(t, err)
	require.NotNil(t, schema)

	b, ok := NewBacktesterV1().(*BacktesterV1)
	require.True(t, ok)

	out, err := b.GetConfigSchema()
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "initial_capital"))
	assert.True(t, strings.Contains(out, "instruments"))
}
