package market

import (
	"time"

	"github.com/tickforge/replay/internal/aggregator"
	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/timeframe"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
	"go.uber.org/zap"
)

// Hub owns the instrument set, routes updates by symbol, and enforces a
// global non-decreasing timestamp across everything it routes. Per-instrument
// ordering is checked again, more strictly, inside each aggregator.
type Hub struct {
	instruments map[string]*Instrument
	order       []string // registration order, for deterministic iteration
	policy      aggregator.StalePolicy
	lastTime    time.Time
	log         *logger.Logger
}

// NewHub creates an empty hub with the given stale-update policy.
func NewHub(policy aggregator.StalePolicy, log *logger.Logger) *Hub {
	return &Hub{
		instruments: make(map[string]*Instrument),
		policy:      policy,
		log:         log,
	}
}

// Register adds an instrument. Registering the same symbol twice is a
// configuration error.
func (h *Hub) Register(inst *Instrument) error {
	if _, exists := h.instruments[inst.Symbol()]; exists {
		return errors.Newf(errors.ErrCodeDuplicateInstrument, "instrument %s already registered", inst.Symbol())
	}

	h.instruments[inst.Symbol()] = inst
	h.order = append(h.order, inst.Symbol())

	return nil
}

// Get returns the instrument for a symbol. Unknown symbols are an explicit
// error, never a sentinel.
func (h *Hub) Get(symbol string) (*Instrument, error) {
	inst, ok := h.instruments[symbol]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnknownInstrument, "unknown instrument: %s", symbol)
	}

	return inst, nil
}

// Instruments returns all instruments in registration order.
func (h *Hub) Instruments() []*Instrument {
	out := make([]*Instrument, 0, len(h.order))
	for _, symbol := range h.order {
		out = append(out, h.instruments[symbol])
	}

	return out
}

// LastTime returns the latest timestamp routed through the hub.
func (h *Hub) LastTime() time.Time {
	return h.lastTime
}

// NewTick routes a traded tick to its instrument.
func (h *Hub) NewTick(symbol string, tick types.Tick) error {
	inst, err := h.Get(symbol)
	if err != nil {
		return err
	}

	accept, err := h.checkClock(tick.Time)
	if err != nil {
		return err
	}

	if !accept {
		return nil
	}

	return inst.NewTick(tick)
}

// NewQuote routes a volume-less quote to its instrument.
func (h *Hub) NewQuote(symbol string, quote types.Quote) error {
	inst, err := h.Get(symbol)
	if err != nil {
		return err
	}

	accept, err := h.checkClock(quote.Time)
	if err != nil {
		return err
	}

	if !accept {
		return nil
	}

	return inst.NewQuote(quote)
}

// AggregateBar routes an already-closed finer bar to its instrument.
func (h *Hub) AggregateBar(symbol string, bar types.Bar, barGranularity timeframe.Granularity) error {
	inst, err := h.Get(symbol)
	if err != nil {
		return err
	}

	accept, err := h.checkClock(bar.Time)
	if err != nil {
		return err
	}

	if !accept {
		return nil
	}

	return inst.AggregateBar(bar, barGranularity)
}

// SetBestBidAsk records the top of book for one instrument. Quotes carry no
// timestamp, so the global clock is untouched.
func (h *Hub) SetBestBidAsk(symbol string, bid, ask float64) error {
	inst, err := h.Get(symbol)
	if err != nil {
		return err
	}

	return inst.SetBestBidAsk(bid, ask)
}

// NotifyTime advances the clock of one instrument.
func (h *Hub) NotifyTime(symbol string, ts time.Time) error {
	inst, err := h.Get(symbol)
	if err != nil {
		return err
	}

	accept, err := h.checkClock(ts)
	if err != nil {
		return err
	}

	if !accept {
		return nil
	}

	return inst.NotifyTime(ts)
}

// NotifyTimeAll advances the clock of every instrument in registration order.
func (h *Hub) NotifyTimeAll(ts time.Time) error {
	accept, err := h.checkClock(ts)
	if err != nil {
		return err
	}

	if !accept {
		return nil
	}

	for _, symbol := range h.order {
		if err := h.instruments[symbol].NotifyTime(ts); err != nil {
			return err
		}
	}

	return nil
}

// checkClock enforces the global monotonic-timestamp invariant across all
// routed updates. A stale update in live mode is logged and dropped, never
// routed to the instrument; in backtest mode it is a fatal error.
func (h *Hub) checkClock(ts time.Time) (bool, error) {
	if ts.Before(h.lastTime) {
		if h.policy == aggregator.StalePolicyLive {
			h.log.Warn("Dropping update behind global clock",
				zap.Time("update_time", ts),
				zap.Time("global_time", h.lastTime),
			)

			return false, nil
		}

		return false, errors.Newf(errors.ErrCodeTimeRegression,
			"update at %s is behind the global clock %s", ts, h.lastTime)
	}

	h.lastTime = ts

	return true, nil
}
