package trade

import (
	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/market"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
	"go.uber.org/zap"
)

// StatusHandler receives every trade state transition.
type StatusHandler func(t *Trade)

// Subscription deregisters a status handler when released.
type Subscription struct {
	release func()
}

// Release removes the handler from the registry.
func (s *Subscription) Release() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// NewTradeParams carries everything needed to create a market trade.
type NewTradeParams struct {
	Instrument *market.Instrument
	Direction  Direction
	Volume     float64
	Open       types.Quote
	StopLoss   optional.Option[StopLevel]
	TakeProfit optional.Option[StopLevel]
	Executor   Executor
}

type statusSubscriber struct {
	id      int
	handler StatusHandler
}

// Registry creates trades and owns them for their whole lifetime. It keeps
// the open subset current and broadcasts every status change in subscription
// order.
type Registry struct {
	trades map[string]*Trade
	order  []string
	subs   []statusSubscriber
	nextID int
	log    *logger.Logger
}

// NewRegistry creates an empty trade registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		trades: make(map[string]*Trade),
		log:    log,
	}
}

// NewMarketTrade creates a trade in PendingOpen state. All further
// transitions are driven by the execution engine feeding deals.
func (r *Registry) NewMarketTrade(params NewTradeParams) (*Trade, error) {
	if params.Instrument == nil {
		return nil, errors.New(errors.ErrCodeInvalidParameter, "trade requires an instrument")
	}

	if params.Direction != DirectionLong && params.Direction != DirectionShort {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "invalid trade direction: %q", params.Direction)
	}

	if params.Volume <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidVolume, "trade volume must be positive, got %f", params.Volume)
	}

	if !params.Open.IsValid() {
		return nil, errors.New(errors.ErrCodeInvalidQuote, "trade requires a valid planned open quote")
	}

	t := &Trade{
		id:               uuid.New().String(),
		instrument:       params.Instrument,
		direction:        params.Direction,
		plannedOpenQuote: params.Open,
		plannedVolume:    params.Volume,
		state:            StatePendingOpen,
		executor:         params.Executor,
		onChange:         r.notify,
	}

	if params.StopLoss.IsSome() {
		if err := t.SetStopLoss(params.StopLoss.Unwrap()); err != nil {
			return nil, err
		}
	}

	if params.TakeProfit.IsSome() {
		if err := t.SetTakeProfit(params.TakeProfit.Unwrap()); err != nil {
			return nil, err
		}
	}

	r.trades[t.id] = t
	r.order = append(r.order, t.id)

	r.log.Debug("Trade created",
		zap.String("trade_id", t.id),
		zap.String("symbol", params.Instrument.Symbol()),
		zap.String("direction", string(params.Direction)),
		zap.Float64("volume", params.Volume),
		zap.Float64("price", params.Open.Price),
	)

	return t, nil
}

// Get returns the trade with the given id; unknown ids are an explicit error.
func (r *Registry) Get(id string) (*Trade, error) {
	t, ok := r.trades[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeTradeNotFound, "unknown trade: %s", id)
	}

	return t, nil
}

// All returns every trade ever created, in creation order.
func (r *Registry) All() []*Trade {
	out := make([]*Trade, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.trades[id])
	}

	return out
}

// Open returns the trades that currently have market exposure, in creation
// order.
func (r *Registry) Open() []*Trade {
	var out []*Trade

	for _, id := range r.order {
		if t := r.trades[id]; t.HasMarketExposure() {
			out = append(out, t)
		}
	}

	return out
}

// OpenFor returns the open trades held in the given instrument.
func (r *Registry) OpenFor(symbol string) []*Trade {
	var out []*Trade

	for _, t := range r.Open() {
		if t.Instrument().Symbol() == symbol {
			out = append(out, t)
		}
	}

	return out
}

// HasOpen reports whether any trade has market exposure, optionally filtered
// to one instrument (empty symbol means any).
func (r *Registry) HasOpen(symbol string) bool {
	for _, t := range r.Open() {
		if symbol == "" || t.Instrument().Symbol() == symbol {
			return true
		}
	}

	return false
}

// Subscribe registers a status-changed handler and returns its release
// handle.
func (r *Registry) Subscribe(h StatusHandler) *Subscription {
	id := r.nextID
	r.nextID++
	r.subs = append(r.subs, statusSubscriber{id: id, handler: h})

	return &Subscription{release: func() {
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)

				break
			}
		}
	}}
}

func (r *Registry) notify(t *Trade) {
	for _, s := range r.subs {
		s.handler(t)
	}
}
