// Package market owns the tradable instruments and routes raw updates into
// their per-timeframe aggregators.
package market

import (
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/tickforge/replay/internal/aggregator"
	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/timeframe"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
)

// InstrumentConfig describes one tradable symbol.
type InstrumentConfig struct {
	Symbol          string                                `yaml:"symbol" validate:"required"`
	TickSize        float64                               `yaml:"tick_size" validate:"required,gt=0"`
	LotSize         float64                               `yaml:"lot_size" validate:"required,gt=0"`
	Timeframes      []timeframe.Granularity               `yaml:"timeframes" validate:"required,min=1"`
	HistoryCapacity int                                   `yaml:"history_capacity"`
	Filter          optional.Option[aggregator.TimeFilter] `yaml:"-"`
}

// Instrument fans every update out to all of its aggregators in a fixed
// order: the base (finest) timeframe first, then coarser ones ascending. It
// separately tracks best bid/ask and the last traded tick for matching.
type Instrument struct {
	symbol   string
	tickSize float64
	lotSize  float64

	// aggregators sorted by granularity ascending; aggregators[0] is the base.
	aggregators []*aggregator.BarAggregator
	byGran      map[timeframe.Granularity]*aggregator.BarAggregator

	bestBid  float64
	bestAsk  float64
	lastTick optional.Option[types.Tick]
}

// NewInstrument validates sizes and builds one aggregator per configured
// timeframe. Configuration failures are fatal at setup time.
func NewInstrument(cfg InstrumentConfig, policy aggregator.StalePolicy, log *logger.Logger) (*Instrument, error) {
	if cfg.Symbol == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfiguration, "instrument symbol is required")
	}

	if cfg.TickSize <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidTickSize, "%s: tick size must be positive, got %f", cfg.Symbol, cfg.TickSize)
	}

	if cfg.LotSize <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidLotSize, "%s: lot size must be positive, got %f", cfg.Symbol, cfg.LotSize)
	}

	if len(cfg.Timeframes) == 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "%s: at least one timeframe is required", cfg.Symbol)
	}

	capacity := cfg.HistoryCapacity
	if capacity == 0 {
		capacity = 1024
	}

	grans := make([]timeframe.Granularity, len(cfg.Timeframes))
	copy(grans, cfg.Timeframes)
	sort.Slice(grans, func(i, j int) bool { return grans[i] < grans[j] })

	inst := &Instrument{
		symbol:   cfg.Symbol,
		tickSize: cfg.TickSize,
		lotSize:  cfg.LotSize,
		byGran:   make(map[timeframe.Granularity]*aggregator.BarAggregator, len(grans)),
	}

	for _, g := range grans {
		if _, exists := inst.byGran[g]; exists {
			return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "%s: duplicate timeframe %d", cfg.Symbol, int(g))
		}

		agg, err := aggregator.NewBarAggregator(aggregator.Config{
			Symbol:          cfg.Symbol,
			Granularity:     g,
			HistoryCapacity: capacity,
			Filter:          cfg.Filter,
			Policy:          policy,
		}, log)
		if err != nil {
			return nil, err
		}

		inst.aggregators = append(inst.aggregators, agg)
		inst.byGran[g] = agg
	}

	return inst, nil
}

// Symbol returns the instrument identity.
func (i *Instrument) Symbol() string { return i.symbol }

// TickSize returns the minimum price increment.
func (i *Instrument) TickSize() float64 { return i.tickSize }

// LotSize returns the contract size used for P&L scaling.
func (i *Instrument) LotSize() float64 { return i.lotSize }

// Base returns the finest-resolution aggregator.
func (i *Instrument) Base() *aggregator.BarAggregator {
	return i.aggregators[0]
}

// Aggregator returns the aggregator for the given granularity.
func (i *Instrument) Aggregator(g timeframe.Granularity) (*aggregator.BarAggregator, error) {
	agg, ok := i.byGran[g]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnsupportedGranularity, "%s: no %d-minute timeframe configured", i.symbol, int(g))
	}

	return agg, nil
}

// Aggregators returns all aggregators in fan-out order.
func (i *Instrument) Aggregators() []*aggregator.BarAggregator {
	return i.aggregators
}

// NewTick routes a traded tick to every timeframe and records it as the last
// traded quote.
func (i *Instrument) NewTick(tick types.Tick) error {
	for _, agg := range i.aggregators {
		if err := agg.NewTick(tick); err != nil {
			return err
		}
	}

	i.lastTick = optional.Some(tick)

	return nil
}

// NewQuote routes a volume-less quote to every timeframe.
func (i *Instrument) NewQuote(quote types.Quote) error {
	for _, agg := range i.aggregators {
		if err := agg.NewQuote(quote); err != nil {
			return err
		}
	}

	return nil
}

// AggregateBar routes an already-closed finer bar to every timeframe coarser
// than the bar itself.
func (i *Instrument) AggregateBar(bar types.Bar, barGranularity timeframe.Granularity) error {
	for _, agg := range i.aggregators {
		if agg.Granularity() <= barGranularity {
			continue
		}

		if err := agg.AggregateBar(bar); err != nil {
			return err
		}
	}

	return nil
}

// NotifyTime advances every timeframe's clock.
func (i *Instrument) NotifyTime(ts time.Time) error {
	for _, agg := range i.aggregators {
		if err := agg.NotifyTime(ts); err != nil {
			return err
		}
	}

	return nil
}

// SetBestBidAsk records the current top of book.
func (i *Instrument) SetBestBidAsk(bid, ask float64) error {
	if bid <= 0 || ask <= 0 || bid > ask {
		return errors.Newf(errors.ErrCodeInvalidQuote, "%s: invalid top of book bid=%f ask=%f", i.symbol, bid, ask)
	}

	i.bestBid = bid
	i.bestAsk = ask

	return nil
}

// BestBid returns the current best bid, zero if never set.
func (i *Instrument) BestBid() float64 { return i.bestBid }

// BestAsk returns the current best ask, zero if never set.
func (i *Instrument) BestAsk() float64 { return i.bestAsk }

// HasQuote reports whether a top of book has been observed.
func (i *Instrument) HasQuote() bool { return i.bestBid > 0 && i.bestAsk > 0 }

// LastTick returns the most recent traded tick, if any.
func (i *Instrument) LastTick() optional.Option[types.Tick] {
	return i.lastTick
}
