package engine

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/moznion/go-optional"
	"github.com/tickforge/replay/internal/aggregator"
	"github.com/tickforge/replay/internal/market"
	"github.com/tickforge/replay/internal/timeframe"
	"github.com/tickforge/replay/pkg/errors"
)

var validate = validator.New()

// SessionConfig is an intraday trading window, "HH:MM" offsets from
// midnight. Updates outside [accept_from, reject_from) are ignored by the
// instrument's aggregators.
type SessionConfig struct {
	AcceptFrom string `yaml:"accept_from" json:"accept_from" validate:"required" jsonschema:"title=Accept From,description=Start of the intraday window (inclusive) as HH:MM"`
	RejectFrom string `yaml:"reject_from" json:"reject_from" validate:"required" jsonschema:"title=Reject From,description=End of the intraday window (exclusive) as HH:MM"`
}

// InstrumentConfig declares one tradable instrument.
type InstrumentConfig struct {
	Symbol          string                         `yaml:"symbol" json:"symbol" validate:"required" jsonschema:"title=Symbol,description=Instrument symbol"`
	TickSize        float64                        `yaml:"tick_size" json:"tick_size" validate:"required,gt=0" jsonschema:"title=Tick Size,description=Minimal price increment,minimum=0"`
	LotSize         float64                        `yaml:"lot_size" json:"lot_size" validate:"required,gt=0" jsonschema:"title=Lot Size,description=Contract size of one volume unit,minimum=0"`
	Timeframes      []int                          `yaml:"timeframes" json:"timeframes" validate:"required,min=1,dive,gt=0" jsonschema:"title=Timeframes,description=Bar granularities in minutes; the finest drives matching"`
	HistoryCapacity int                            `yaml:"history_capacity" json:"history_capacity" jsonschema:"title=History Capacity,description=Closed bars kept per timeframe,minimum=0"`
	Session         optional.Option[SessionConfig] `yaml:"session" json:"session" jsonschema:"title=Session,description=Optional intraday trading window"`
}

// BacktesterV1Config is the engine configuration.
type BacktesterV1Config struct {
	InitialCapital float64                `yaml:"initial_capital" json:"initial_capital" validate:"required,gt=0" jsonschema:"title=Initial Capital,description=Starting cash balance,minimum=0"`
	StalePolicy    aggregator.StalePolicy `yaml:"stale_policy" json:"stale_policy" jsonschema:"title=Stale Policy,description=backtest treats stale updates as fatal; live drops them,enum=backtest,enum=live"`
	Instruments    []InstrumentConfig     `yaml:"instruments" json:"instruments" validate:"required,min=1,dive" jsonschema:"title=Instruments,description=Instruments available to the run"`
}

// EmptyConfig returns a zero configuration with the default stale policy.
func EmptyConfig() BacktesterV1Config {
	return BacktesterV1Config{
		InitialCapital: 0,
		StalePolicy:    aggregator.StalePolicyBacktest,
		Instruments:    nil,
	}
}

// UnmarshalYAML implements custom unmarshaling for InstrumentConfig so the
// optional session maps onto optional.Option.
func (c *InstrumentConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type Config struct {
		Symbol          string         `yaml:"symbol"`
		TickSize        float64        `yaml:"tick_size"`
		LotSize         float64        `yaml:"lot_size"`
		Timeframes      []int          `yaml:"timeframes"`
		HistoryCapacity int            `yaml:"history_capacity"`
		Session         *SessionConfig `yaml:"session"`
	}

	var config Config
	if err := unmarshal(&config); err != nil {
		return err
	}

	c.Symbol = config.Symbol
	c.TickSize = config.TickSize
	c.LotSize = config.LotSize
	c.Timeframes = config.Timeframes
	c.HistoryCapacity = config.HistoryCapacity

	if config.Session != nil {
		c.Session = optional.Some(*config.Session)
	}

	return nil
}

// Validate checks the configuration; every failure is a fatal setup error.
func (c *BacktesterV1Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid engine config", err)
	}

	if c.StalePolicy != aggregator.StalePolicyBacktest && c.StalePolicy != aggregator.StalePolicyLive {
		return errors.Newf(errors.ErrCodeInvalidConfiguration, "unknown stale policy %q", c.StalePolicy)
	}

	for _, inst := range c.Instruments {
		if _, err := inst.marketConfig(); err != nil {
			return err
		}
	}

	return nil
}

// marketConfig converts the declaration into the hub's instrument config.
func (c InstrumentConfig) marketConfig() (market.InstrumentConfig, error) {
	granularities := make([]timeframe.Granularity, 0, len(c.Timeframes))

	for _, minutes := range c.Timeframes {
		g := timeframe.Granularity(minutes)
		if err := g.Validate(); err != nil {
			return market.InstrumentConfig{}, err
		}

		granularities = append(granularities, g)
	}

	filter, err := c.timeFilter()
	if err != nil {
		return market.InstrumentConfig{}, err
	}

	return market.InstrumentConfig{
		Symbol:          c.Symbol,
		TickSize:        c.TickSize,
		LotSize:         c.LotSize,
		Timeframes:      granularities,
		HistoryCapacity: c.HistoryCapacity,
		Filter:          filter,
	}, nil
}

func (c InstrumentConfig) timeFilter() (optional.Option[aggregator.TimeFilter], error) {
	if c.Session.IsNone() {
		return optional.None[aggregator.TimeFilter](), nil
	}

	session := c.Session.Unwrap()

	acceptFrom, err := parseTimeOfDay(session.AcceptFrom)
	if err != nil {
		return optional.None[aggregator.TimeFilter](), err
	}

	rejectFrom, err := parseTimeOfDay(session.RejectFrom)
	if err != nil {
		return optional.None[aggregator.TimeFilter](), err
	}

	if rejectFrom <= acceptFrom {
		return optional.None[aggregator.TimeFilter](), errors.Newf(errors.ErrCodeInvalidConfiguration,
			"session window %s-%s is empty", session.AcceptFrom, session.RejectFrom)
	}

	return optional.Some(aggregator.TimeFilter{
		AcceptFrom: acceptFrom,
		RejectFrom: rejectFrom,
	}), nil
}

// parseTimeOfDay converts "HH:MM" into an offset from midnight.
func parseTimeOfDay(s string) (time.Duration, error) {
	var hours, minutes int

	if _, err := fmt.Sscanf(s, "%d:%d", &hours, &minutes); err != nil {
		return 0, errors.Newf(errors.ErrCodeInvalidConfiguration, "bad time of day %q, want HH:MM", s)
	}

	if hours < 0 || hours > 23 || minutes < 0 || minutes > 59 {
		return 0, errors.Newf(errors.ErrCodeInvalidConfiguration, "time of day %q out of range", s)
	}

	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
}

// GenerateSchema generates a JSON schema for the engine configuration.
func (c *BacktesterV1Config) GenerateSchema() (*jsonschema.Schema, error) {
	sessionReflector := jsonschema.Reflector{ExpandedStruct: true}
	sessionSchema := sessionReflector.Reflect(&SessionConfig{})

	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(optional.Option[SessionConfig]{}) {
				return sessionSchema
			}

			return nil
		},
	}

	return reflector.Reflect(c), nil
}
