package engine

import (
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"github.com/tickforge/replay/internal/backtest/engine"
	"github.com/tickforge/replay/internal/market"
	"github.com/tickforge/replay/internal/trade"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
	"go.uber.org/zap"
)

const (
	dealPhaseOpen  = "open"
	dealPhaseClose = "close"
)

// NewMarketLong implements engine.Engine.
func (b *BacktesterV1) NewMarketLong(params engine.TradeParams) (*trade.Trade, error) {
	return b.newMarket(trade.DirectionLong, params)
}

// NewMarketShort implements engine.Engine.
func (b *BacktesterV1) NewMarketShort(params engine.TradeParams) (*trade.Trade, error) {
	return b.newMarket(trade.DirectionShort, params)
}

// newMarket opens a trade at the current best price of the instrument and
// fills it immediately in full. Longs buy at the ask, shorts sell at the
// bid.
func (b *BacktesterV1) newMarket(direction trade.Direction, params engine.TradeParams) (*trade.Trade, error) {
	if !b.initialized {
		return nil, errors.New(errors.ErrCodeInvalidConfiguration, "engine is not initialized")
	}

	inst, err := b.hub.Get(params.Symbol)
	if err != nil {
		return nil, err
	}

	if !inst.HasQuote() {
		return nil, errors.Newf(errors.ErrCodeNoQuote, "no best bid/ask for %s yet", params.Symbol)
	}

	price := inst.BestAsk()
	if direction == trade.DirectionShort {
		price = inst.BestBid()
	}

	t, err := b.registry.NewMarketTrade(trade.NewTradeParams{
		Instrument: inst,
		Direction:  direction,
		Volume:     params.Volume,
		Open:       types.Quote{Time: b.hub.LastTime(), Price: price},
		StopLoss:   levelOn(inst, params.StopLoss),
		TakeProfit: levelOn(inst, params.TakeProfit),
		Executor:   b,
	})
	if err != nil {
		return nil, err
	}

	if err := b.fillOpen(t); err != nil {
		return nil, err
	}

	return t, nil
}

// CloseTrade implements engine.Engine.
func (b *BacktesterV1) CloseTrade(id string, reason trade.CloseReason) error {
	t, err := b.registry.Get(id)
	if err != nil {
		return err
	}

	return t.CloseByMarket(reason)
}

// CloseAllTrades implements engine.Engine.
func (b *BacktesterV1) CloseAllTrades(reason trade.CloseReason) error {
	for _, t := range b.registry.Open() {
		if !t.HasMarketExposure() || t.CloseReason().IsSome() {
			continue
		}

		if err := t.CloseByMarket(reason); err != nil {
			return err
		}
	}

	return nil
}

// FulfillClose implements trade.Executor: the requested close fills at once,
// in full, at the planned close price.
func (b *BacktesterV1) FulfillClose(t *trade.Trade) error {
	closeQuote := t.PlannedClose()
	if closeQuote.IsNone() {
		return errors.Newf(errors.ErrCodeInvalidTransition, "trade %s has no planned close", t.ID())
	}

	quote := closeQuote.Unwrap()
	volume := t.FilledVolume()

	deal := b.nextDeal(quote, volume, t.Direction() == trade.DirectionShort)
	if err := t.DealFilled(deal); err != nil {
		return err
	}

	b.settleClose(t, deal)
	b.recordDeal(t, deal, dealPhaseClose)

	return nil
}

// fillOpen synthesizes the full opening fill for a freshly created trade.
func (b *BacktesterV1) fillOpen(t *trade.Trade) error {
	quote := t.PlannedOpen()

	deal := b.nextDeal(quote, t.PlannedVolume(), t.Direction() == trade.DirectionLong)
	if err := t.DealFilled(deal); err != nil {
		return err
	}

	b.settleOpen(t, deal)
	b.recordDeal(t, deal, dealPhaseOpen)

	return nil
}

func (b *BacktesterV1) nextDeal(quote types.Quote, volume float64, isBuy bool) types.Deal {
	b.dealSeq++

	return types.NewDeal(types.Tick{Quote: quote, Volume: volume}, b.dealSeq, isBuy)
}

// settleOpen debits the position cost for either direction; a short funds a
// mirrored position, so its cost basis is debited the same way.
func (b *BacktesterV1) settleOpen(t *trade.Trade, deal types.Deal) {
	cost := dealValue(deal.Price, deal.Volume, t.Instrument().LotSize())
	b.cash = b.cash.Sub(cost)
}

// settleClose credits the close. A long credits the sale proceeds; a short
// credits the mirrored value 2*open-price, which realizes open-close as
// profit on top of the debited basis.
func (b *BacktesterV1) settleClose(t *trade.Trade, deal types.Deal) {
	price := deal.Price
	if t.Direction() == trade.DirectionShort {
		price = 2*t.PlannedOpen().Price - deal.Price
	}

	b.cash = b.cash.Add(dealValue(price, deal.Volume, t.Instrument().LotSize()))
}

func dealValue(price, volume, lotSize float64) decimal.Decimal {
	return decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(volume)).
		Mul(decimal.NewFromFloat(lotSize))
}

func (b *BacktesterV1) recordDeal(t *trade.Trade, deal types.Deal, phase string) {
	record := types.DealRecord{
		Number:  deal.Number,
		TradeID: t.ID(),
		Symbol:  t.Instrument().Symbol(),
		Time:    deal.Time,
		Price:   deal.Price,
		Volume:  deal.Volume,
		IsBuy:   deal.IsBuyInitiated,
		Phase:   phase,
	}

	if err := b.journal.RecordDeal(record); err != nil {
		b.log.Error("Failed to journal deal", zap.Int64("deal", deal.Number), zap.Error(err))
	}
}

// Cash implements engine.Engine.
func (b *BacktesterV1) Cash() float64 {
	cash, _ := b.cash.Float64()

	return cash
}

// Equity implements engine.Engine: cash plus every open position marked at
// its current price. Longs mark at the bid; shorts mark at 2*open-ask, the
// mirror of the ask around the open, so a falling ask raises the mark.
func (b *BacktesterV1) Equity() (float64, error) {
	equity := b.cash

	for _, t := range b.registry.Open() {
		if t.FilledVolume() <= 0 {
			continue
		}

		inst := t.Instrument()
		if !inst.HasQuote() {
			return 0, errors.Newf(errors.ErrCodeNoQuote, "no best bid/ask for %s yet", inst.Symbol())
		}

		mark := inst.BestBid()
		if t.Direction() == trade.DirectionShort {
			mark = 2*t.PlannedOpen().Price - inst.BestAsk()
		}

		equity = equity.Add(dealValue(mark, t.FilledVolume(), inst.LotSize()))
	}

	value, _ := equity.Float64()

	return value, nil
}

// levelOn binds an optional level price to the traded instrument.
func levelOn(inst *market.Instrument, price optional.Option[float64]) optional.Option[trade.StopLevel] {
	if price.IsNone() {
		return optional.None[trade.StopLevel]()
	}

	return optional.Some(trade.StopLevel{Instrument: inst, Price: price.Unwrap()})
}

// levelPrice unpacks an optional stop level.
func levelPrice(level optional.Option[trade.StopLevel]) (float64, bool) {
	if level.IsNone() {
		return 0, false
	}

	return level.Unwrap().Price, true
}

// levelHitAtPrice tests the trade's levels against a single price, the way
// an opening quote is tested. The stop-loss wins when both sides would
// trigger at once.
func levelHitAtPrice(t *trade.Trade, price float64) (trade.CloseReason, bool) {
	sl, slSet := levelPrice(t.StopLoss())
	tp, tpSet := levelPrice(t.TakeProfit())

	if t.Direction() == trade.DirectionLong {
		if slSet && price <= sl {
			return trade.CloseReasonStopLoss, true
		}

		if tpSet && price >= tp {
			return trade.CloseReasonTakeProfit, true
		}

		return "", false
	}

	if slSet && price >= sl {
		return trade.CloseReasonStopLoss, true
	}

	if tpSet && price <= tp {
		return trade.CloseReasonTakeProfit, true
	}

	return "", false
}

// stopLossTouched reports whether the bar range reached the stop-loss.
func stopLossTouched(direction trade.Direction, bar types.Bar, level float64) bool {
	if direction == trade.DirectionLong {
		return bar.Low <= level
	}

	return bar.High >= level
}

// takeProfitTouched reports whether the bar range reached the take-profit.
func takeProfitTouched(direction trade.Direction, bar types.Bar, level float64) bool {
	if direction == trade.DirectionLong {
		return bar.High >= level
	}

	return bar.Low <= level
}
