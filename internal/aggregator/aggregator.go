// Package aggregator converts a stream of ticks, quotes, or finer-grained
// closed bars into ordered OHLCV bars at one fixed granularity.
//
// For every incoming update the aggregator emits, in this order: bar-close
// for the previous period if the update crossed its boundary, then either
// bar-open (the update starts a new period) or bar-update (the update belongs
// to the current one). The close notification never mutates the bar it
// reports; freezing into history happens after all close handlers ran.
package aggregator

import (
	"time"

	"github.com/moznion/go-optional"
	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/series"
	"github.com/tickforge/replay/internal/timeframe"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
	"go.uber.org/zap"
)

// StalePolicy controls what happens when an update carries a timestamp from
// the past. Backtesting aborts the run; live feeds log and drop, since real
// feeds occasionally deliver out of order.
type StalePolicy string

const (
	StalePolicyBacktest StalePolicy = "backtest"
	StalePolicyLive     StalePolicy = "live"
)

// TimeFilter is an intraday accept window. Updates whose time of day falls
// before AcceptFrom or at/after RejectFrom are ignored: they still advance
// the ordering check but emit no events and leave the bar untouched.
type TimeFilter struct {
	AcceptFrom time.Duration // offset from midnight, inclusive
	RejectFrom time.Duration // offset from midnight, exclusive end
}

// Accepts reports whether ts falls inside the window.
func (f TimeFilter) Accepts(ts time.Time) bool {
	midnight := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
	tod := ts.Sub(midnight)

	return tod >= f.AcceptFrom && tod < f.RejectFrom
}

// Handlers for the three bar events plus the explicit time notification.
// A handler returning a non-nil error aborts the update that produced it.
type (
	BarOpenHandler   func(quote types.Quote) error
	BarCloseHandler  func(bar types.Bar) error
	BarUpdateHandler func(bar types.Bar) error
	TimeHandler      func(ts time.Time) error
)

// Subscription deregisters a handler when released. Releasing twice is safe.
type Subscription struct {
	release func()
}

// Release removes the handler from the aggregator.
func (s *Subscription) Release() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

type subscriber[H any] struct {
	id      int
	handler H
}

// BarAggregator owns the bar-in-progress and closed history for one
// instrument-timeframe pair. Not safe for concurrent use; the engine
// serializes all updates.
type BarAggregator struct {
	symbol   string
	boundary *timeframe.Boundary
	series   *series.BarSeries
	filter   optional.Option[TimeFilter]
	policy   StalePolicy
	log      *logger.Logger

	lastTime time.Time
	nextID   int

	openSubs   []subscriber[BarOpenHandler]
	closeSubs  []subscriber[BarCloseHandler]
	updateSubs []subscriber[BarUpdateHandler]
	timeSubs   []subscriber[TimeHandler]
}

// Config carries the aggregator construction parameters.
type Config struct {
	Symbol          string
	Granularity     timeframe.Granularity
	HistoryCapacity int
	Filter          optional.Option[TimeFilter]
	Policy          StalePolicy
}

// NewBarAggregator validates the granularity and history capacity up front;
// both failures are fatal configuration errors.
func NewBarAggregator(cfg Config, log *logger.Logger) (*BarAggregator, error) {
	boundary, err := timeframe.NewBoundary(cfg.Granularity)
	if err != nil {
		return nil, err
	}

	hist, err := series.NewBarSeries(cfg.HistoryCapacity)
	if err != nil {
		return nil, err
	}

	policy := cfg.Policy
	if policy == "" {
		policy = StalePolicyBacktest
	}

	return &BarAggregator{
		symbol:   cfg.Symbol,
		boundary: boundary,
		series:   hist,
		filter:   cfg.Filter,
		policy:   policy,
		log:      log,
	}, nil
}

// Symbol returns the instrument symbol this aggregator belongs to.
func (a *BarAggregator) Symbol() string {
	return a.symbol
}

// Granularity returns the timeframe this aggregator produces.
func (a *BarAggregator) Granularity() timeframe.Granularity {
	return a.boundary.Granularity()
}

// Series exposes the bar history for read access.
func (a *BarAggregator) Series() *series.BarSeries {
	return a.series
}

// LastTime returns the most recent timestamp this aggregator has seen.
func (a *BarAggregator) LastTime() time.Time {
	return a.lastTime
}

// OnBarOpen subscribes to new-period events.
func (a *BarAggregator) OnBarOpen(h BarOpenHandler) *Subscription {
	id := a.nextID
	a.nextID++
	a.openSubs = append(a.openSubs, subscriber[BarOpenHandler]{id: id, handler: h})

	return &Subscription{release: func() {
		a.openSubs = removeSub(a.openSubs, id)
	}}
}

// OnBarClose subscribes to period-finished events.
func (a *BarAggregator) OnBarClose(h BarCloseHandler) *Subscription {
	id := a.nextID
	a.nextID++
	a.closeSubs = append(a.closeSubs, subscriber[BarCloseHandler]{id: id, handler: h})

	return &Subscription{release: func() {
		a.closeSubs = removeSub(a.closeSubs, id)
	}}
}

// OnBarUpdate subscribes to intra-period refreshes of the live bar.
func (a *BarAggregator) OnBarUpdate(h BarUpdateHandler) *Subscription {
	id := a.nextID
	a.nextID++
	a.updateSubs = append(a.updateSubs, subscriber[BarUpdateHandler]{id: id, handler: h})

	return &Subscription{release: func() {
		a.updateSubs = removeSub(a.updateSubs, id)
	}}
}

// OnTime subscribes to explicit time notifications.
func (a *BarAggregator) OnTime(h TimeHandler) *Subscription {
	id := a.nextID
	a.nextID++
	a.timeSubs = append(a.timeSubs, subscriber[TimeHandler]{id: id, handler: h})

	return &Subscription{release: func() {
		a.timeSubs = removeSub(a.timeSubs, id)
	}}
}

func removeSub[H any](subs []subscriber[H], id int) []subscriber[H] {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}

	return subs
}

// NewTick consumes one traded tick. Ticks sharing a timestamp are legal and
// processed in call order.
func (a *BarAggregator) NewTick(tick types.Tick) error {
	if !tick.IsValid() {
		return errors.Newf(errors.ErrCodeInvalidTick, "%s: invalid tick at %s", a.symbol, tick.Time)
	}

	return a.process(tick.Time, tick.Price, tick.Volume)
}

// NewQuote consumes a volume-less price observation. It shapes the bar but
// contributes nothing to its volume.
func (a *BarAggregator) NewQuote(quote types.Quote) error {
	if !quote.IsValid() {
		return errors.Newf(errors.ErrCodeInvalidQuote, "%s: invalid quote at %s", a.symbol, quote.Time)
	}

	return a.process(quote.Time, quote.Price, 0)
}

// AggregateBar consumes an already-closed bar of a strictly finer timeframe.
// Finer bars must be strictly ordered: two bars with the same period start
// would double-count volume.
func (a *BarAggregator) AggregateBar(bar types.Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}

	return a.processBar(bar)
}

// NotifyTime advances the clock without a price. If the current period ended
// before ts, the live bar is closed and frozen; no new bar opens until the
// next priced update arrives.
func (a *BarAggregator) NotifyTime(ts time.Time) error {
	if ts.Before(a.lastTime) {
		return a.handleStale(ts)
	}

	a.lastTime = ts

	// The time path is never filtered: an overdue bar must close even when
	// the clock has moved past the intraday window.
	if !a.boundary.Upper().IsZero() && a.boundary.IsNewPeriod(ts) {
		if err := a.closeCurrent(); err != nil {
			return err
		}
	}

	for _, s := range a.timeSubs {
		if err := s.handler(ts); err != nil {
			return err
		}
	}

	return nil
}

// process handles ticks and quotes. Updates sharing a timestamp are legal;
// only a step backwards violates ordering.
func (a *BarAggregator) process(ts time.Time, price, volume float64) error {
	if ts.Before(a.lastTime) {
		return a.handleStale(ts)
	}

	a.lastTime = ts

	if accepted := a.filterAccepts(ts); !accepted {
		return nil
	}

	if a.boundary.IsNewPeriod(ts) {
		if err := a.closeCurrent(); err != nil {
			return err
		}

		lower := a.boundary.Advance(ts)
		a.series.Open(types.NewBarFromQuote(lower, price, volume))

		return a.emitOpen(types.Quote{Time: ts, Price: price})
	}

	bar, _ := a.series.Current()
	bar.Aggregate(price, volume)
	a.series.Update(bar)

	return a.emitUpdate(bar)
}

// processBar merges a finer closed bar into the current period, preserving
// the finer bar's full OHLC shape instead of collapsing it to one price.
func (a *BarAggregator) processBar(fine types.Bar) error {
	ts := fine.Time

	if !ts.After(a.lastTime) {
		return a.handleStale(ts)
	}

	a.lastTime = ts

	if accepted := a.filterAccepts(ts); !accepted {
		return nil
	}

	if a.boundary.IsNewPeriod(ts) {
		if err := a.closeCurrent(); err != nil {
			return err
		}

		lower := a.boundary.Advance(ts)
		seeded := types.Bar{
			Time:   lower,
			Open:   fine.Open,
			High:   fine.High,
			Low:    fine.Low,
			Close:  fine.Close,
			Volume: fine.Volume,
		}
		a.series.Open(seeded)

		return a.emitOpen(types.Quote{Time: ts, Price: fine.Open})
	}

	bar, _ := a.series.Current()
	bar.Aggregate(fine.High, 0)
	bar.Aggregate(fine.Low, 0)
	bar.Aggregate(fine.Close, fine.Volume)
	a.series.Update(bar)

	return a.emitUpdate(bar)
}

// closeCurrent reports the live bar to close subscribers with its aggregated
// state untouched, then freezes it into history.
func (a *BarAggregator) closeCurrent() error {
	bar, ok := a.series.Current()
	if !ok {
		return nil
	}

	for _, s := range a.closeSubs {
		if err := s.handler(bar); err != nil {
			return err
		}
	}

	a.series.Freeze()

	return nil
}

func (a *BarAggregator) emitOpen(quote types.Quote) error {
	for _, s := range a.openSubs {
		if err := s.handler(quote); err != nil {
			return err
		}
	}

	return nil
}

func (a *BarAggregator) emitUpdate(bar types.Bar) error {
	for _, s := range a.updateSubs {
		if err := s.handler(bar); err != nil {
			return err
		}
	}

	return nil
}

func (a *BarAggregator) filterAccepts(ts time.Time) bool {
	if a.filter.IsNone() {
		return true
	}

	return a.filter.Unwrap().Accepts(ts)
}

func (a *BarAggregator) handleStale(ts time.Time) error {
	if a.policy == StalePolicyLive {
		a.log.Warn("Dropping stale update",
			zap.String("symbol", a.symbol),
			zap.Int("granularity", int(a.boundary.Granularity())),
			zap.Time("update_time", ts),
			zap.Time("last_time", a.lastTime),
		)

		return nil
	}

	return errors.Newf(errors.ErrCodeStaleUpdate,
		"%s: update at %s is not after last seen %s", a.symbol, ts, a.lastTime)
}
