package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/tickforge/replay/internal/backtest/engine"
	"github.com/tickforge/replay/internal/market"
	"github.com/tickforge/replay/internal/trade"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
	"go.uber.org/zap"
)

// pendingStop is one armed stop order. The pool is a flat slice scanned on
// every base-bar event; runs carry a handful of these at most.
type pendingStop struct {
	id     string
	params engine.StopOrderParams
}

// PlaceStopOrder implements engine.Engine.
func (b *BacktesterV1) PlaceStopOrder(params engine.StopOrderParams) (string, error) {
	if !b.initialized {
		return "", errors.New(errors.ErrCodeInvalidConfiguration, "engine is not initialized")
	}

	if params.Direction != trade.DirectionLong && params.Direction != trade.DirectionShort {
		return "", errors.Newf(errors.ErrCodeInvalidStopOrder, "invalid stop order direction: %q", params.Direction)
	}

	if params.Volume <= 0 {
		return "", errors.Newf(errors.ErrCodeInvalidStopOrder, "stop order volume must be positive, got %f", params.Volume)
	}

	if params.TriggerPrice <= 0 {
		return "", errors.Newf(errors.ErrCodeInvalidStopOrder, "stop order trigger must be positive, got %f", params.TriggerPrice)
	}

	if params.TriggerSymbol == "" {
		params.TriggerSymbol = params.Symbol
	}

	if _, err := b.hub.Get(params.Symbol); err != nil {
		return "", err
	}

	if _, err := b.hub.Get(params.TriggerSymbol); err != nil {
		return "", err
	}

	order := pendingStop{
		id:     uuid.New().String(),
		params: params,
	}

	b.pendingStops = append(b.pendingStops, order)

	b.log.Debug("Stop order placed",
		zap.String("order_id", order.id),
		zap.String("symbol", params.Symbol),
		zap.String("direction", string(params.Direction)),
		zap.Float64("trigger", params.TriggerPrice),
	)

	return order.id, nil
}

// CancelStopOrder implements engine.Engine.
func (b *BacktesterV1) CancelStopOrder(id string) error {
	for i, order := range b.pendingStops {
		if order.id != id {
			continue
		}

		b.pendingStops = append(b.pendingStops[:i], b.pendingStops[i+1:]...)

		return nil
	}

	return errors.Newf(errors.ErrCodeStopOrderNotFound, "no pending stop order %s", id)
}

// DropAllStopOrders implements engine.Engine.
func (b *BacktesterV1) DropAllStopOrders() {
	if len(b.pendingStops) > 0 {
		b.log.Debug("Dropping pending stop orders", zap.Int("count", len(b.pendingStops)))
	}

	b.pendingStops = nil
}

// evaluateStopsAtPrice arms stop orders against a single opening price. A
// gap through the trigger enters at the opening price.
func (b *BacktesterV1) evaluateStopsAtPrice(inst *market.Instrument, quote types.Quote) error {
	i := 0

	for i < len(b.pendingStops) {
		order := b.pendingStops[i]

		if order.params.TriggerSymbol != inst.Symbol() || !windowAccepts(order, quote.Time) {
			i++

			continue
		}

		if !stopTriggered(order.params.Direction, quote.Price, order.params.TriggerPrice) {
			i++

			continue
		}

		b.pendingStops = append(b.pendingStops[:i], b.pendingStops[i+1:]...)

		if _, err := b.triggerStop(order); err != nil {
			return err
		}
	}

	return nil
}

// evaluateStopsAtBar arms stop orders against a finished bar's range. The
// entry fills at the trigger level; the entered trade's own levels are then
// resolved against the remainder of the same bar, with the same ambiguity
// rule as any open trade.
func (b *BacktesterV1) evaluateStopsAtBar(inst *market.Instrument, bar types.Bar) error {
	i := 0

	for i < len(b.pendingStops) {
		order := b.pendingStops[i]

		if order.params.TriggerSymbol != inst.Symbol() || !windowAccepts(order, bar.Time) {
			i++

			continue
		}

		touched := bar.High > order.params.TriggerPrice
		if order.params.Direction == trade.DirectionShort {
			touched = bar.Low < order.params.TriggerPrice
		}

		if !touched {
			i++

			continue
		}

		if err := checkOrderAmbiguity(order, bar); err != nil {
			return err
		}

		b.pendingStops = append(b.pendingStops[:i], b.pendingStops[i+1:]...)

		execInst, err := b.hub.Get(order.params.Symbol)
		if err != nil {
			return err
		}

		// Entry fills at the trigger level, not at the bar close.
		half := execInst.TickSize() / 2
		if err := execInst.SetBestBidAsk(order.params.TriggerPrice-half, order.params.TriggerPrice+half); err != nil {
			return err
		}

		t, err := b.triggerStop(order)
		if err != nil {
			return err
		}

		if err := b.resolveLevels(t, bar); err != nil {
			return err
		}
	}

	return nil
}

// checkOrderAmbiguity rejects a trigger bar that contains both of the
// order's own levels: the entered trade could not be resolved within it.
func checkOrderAmbiguity(order pendingStop, bar types.Bar) error {
	if order.params.StopLoss.IsNone() || order.params.TakeProfit.IsNone() {
		return nil
	}

	sl := order.params.StopLoss.Unwrap()
	tp := order.params.TakeProfit.Unwrap()

	if bar.Contains(sl) && bar.Contains(tp) {
		return errors.Newf(errors.ErrCodeIntrabarAmbiguity,
			"stop order %s: stop-loss %.5f and take-profit %.5f both inside trigger bar [%.5f, %.5f]",
			order.id, sl, tp, bar.Low, bar.High)
	}

	return nil
}

// triggerStop converts an armed order into a market trade.
func (b *BacktesterV1) triggerStop(order pendingStop) (*trade.Trade, error) {
	params := engine.TradeParams{
		Symbol:     order.params.Symbol,
		Volume:     order.params.Volume,
		StopLoss:   order.params.StopLoss,
		TakeProfit: order.params.TakeProfit,
	}

	var (
		t   *trade.Trade
		err error
	)

	if order.params.Direction == trade.DirectionLong {
		t, err = b.NewMarketLong(params)
	} else {
		t, err = b.NewMarketShort(params)
	}

	if err != nil {
		return nil, err
	}

	b.log.Debug("Stop order triggered",
		zap.String("order_id", order.id),
		zap.String("trade_id", t.ID()),
		zap.Float64("trigger", order.params.TriggerPrice),
	)

	return t, nil
}

// stopTriggered reports whether a price has crossed the trigger in the
// order's direction. The crossing is strict: a print exactly at the trigger
// level does not arm the order.
func stopTriggered(direction trade.Direction, price, trigger float64) bool {
	if direction == trade.DirectionLong {
		return price > trigger
	}

	return price < trigger
}

func windowAccepts(order pendingStop, ts time.Time) bool {
	if order.params.Window.IsNone() {
		return true
	}

	return order.params.Window.Unwrap().Accepts(ts)
}
