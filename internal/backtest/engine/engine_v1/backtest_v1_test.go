package engine

import (
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/tickforge/replay/internal/backtest/engine"
	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/trade"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testConfig = `
initial_capital: 100000
stale_policy: backtest
instruments:
  - symbol: ACME
    tick_size: 0.01
    lot_size: 1
    timeframes: [5]
`

// BacktesterV1TestSuite drives the engine through its public surface, one
// instrument on a five minute base timeframe.
type BacktesterV1TestSuite struct {
	suite.Suite
	engine *BacktesterV1
}

func (s *BacktesterV1TestSuite) SetupTest() {
	b, ok := NewBacktesterV1().(*BacktesterV1)
	s.Require().True(ok)

	b.log = logger.NewNopLogger()
	s.Require().NoError(b.Initialize(testConfig))

	s.engine = b
}

func (s *BacktesterV1TestSuite) TearDownTest() {
	s.Require().NoError(s.engine.Close())
}

func (s *BacktesterV1TestSuite) tick(ts time.Time, price float64) error {
	return s.engine.NewTick("ACME", types.Tick{
		Quote:  types.Quote{Time: ts, Price: price},
		Volume: 1,
	})
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 12, hour, minute, 0, 0, time.UTC)
}

func (s *BacktesterV1TestSuite) TestLongLifecycle() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	t, err := s.engine.NewMarketLong(engine.TradeParams{Symbol: "ACME", Volume: 1})
	s.Require().NoError(err)
	s.Equal(trade.StateInMarket, t.State())
	s.InDelta(100.005, t.PlannedOpen().Price, 1e-9)
	s.InDelta(100000-100.005, s.engine.Cash(), 1e-9)

	equity, err := s.engine.Equity()
	s.Require().NoError(err)
	s.InDelta(99999.99, equity, 1e-9)

	// Next bar opens at 110; the close fills at the fresh best bid.
	s.Require().NoError(s.tick(at(10, 5), 110))
	s.Require().NoError(s.engine.CloseTrade(t.ID(), trade.CloseReasonStrategy))

	s.Equal(trade.StateClosed, t.State())

	pnl, err := t.RealizedProfit()
	s.Require().NoError(err)
	s.InDelta(9.99, pnl, 1e-9)
	s.InDelta(100009.99, s.engine.Cash(), 1e-9)

	stats, err := s.engine.Stats()
	s.Require().NoError(err)
	s.Equal(1, stats.TotalTrades)
	s.Equal(1, stats.Winning)
	s.InDelta(9.99, stats.RealizedPnL, 1e-9)
}

func (s *BacktesterV1TestSuite) TestShortLifecycle() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	t, err := s.engine.NewMarketShort(engine.TradeParams{Symbol: "ACME", Volume: 1})
	s.Require().NoError(err)
	s.InDelta(99.995, t.PlannedOpen().Price, 1e-9)

	// Shorts mark at the mirror of the ask around the open.
	equity, err := s.engine.Equity()
	s.Require().NoError(err)
	s.InDelta(99999.99, equity, 1e-9)

	s.Require().NoError(s.tick(at(10, 5), 90))
	s.Require().NoError(s.engine.CloseTrade(t.ID(), trade.CloseReasonStrategy))

	pnl, err := t.RealizedProfit()
	s.Require().NoError(err)
	s.InDelta(9.99, pnl, 1e-9)
	s.InDelta(100009.99, s.engine.Cash(), 1e-9)
}

func (s *BacktesterV1TestSuite) TestNoQuoteRejected() {
	_, err := s.engine.NewMarketLong(engine.TradeParams{Symbol: "ACME", Volume: 1})
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeNoQuote))
}

func (s *BacktesterV1TestSuite) TestIntrabarAmbiguityIsFatal() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	_, err := s.engine.NewMarketLong(engine.TradeParams{
		Symbol:     "ACME",
		Volume:     1,
		StopLoss:   optional.Some(95.0),
		TakeProfit: optional.Some(110.0),
	})
	s.Require().NoError(err)

	// The bar sweeps through both levels; the fill order is undecidable.
	s.Require().NoError(s.tick(at(10, 1), 90))
	s.Require().NoError(s.tick(at(10, 2), 120))

	err = s.tick(at(10, 5), 100)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeIntrabarAmbiguity))
	s.True(errors.IsFatal(err))
}

func (s *BacktesterV1TestSuite) TestStopLossFillsAtLevel() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	t, err := s.engine.NewMarketLong(engine.TradeParams{
		Symbol:   "ACME",
		Volume:   1,
		StopLoss: optional.Some(95.0),
	})
	s.Require().NoError(err)

	s.Require().NoError(s.tick(at(10, 1), 94))
	s.Require().NoError(s.tick(at(10, 5), 100))

	s.Equal(trade.StateClosed, t.State())
	s.Equal(trade.CloseReasonStopLoss, t.CloseReason().Unwrap())

	pnl, err := t.RealizedProfit()
	s.Require().NoError(err)
	s.InDelta(-5.01, pnl, 1e-9)

	stats, err := s.engine.Stats()
	s.Require().NoError(err)
	s.Equal(1, stats.Losing)
}

func (s *BacktesterV1TestSuite) TestTakeProfitFillsAtLevel() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	t, err := s.engine.NewMarketLong(engine.TradeParams{
		Symbol:     "ACME",
		Volume:     1,
		StopLoss:   optional.Some(95.0),
		TakeProfit: optional.Some(110.0),
	})
	s.Require().NoError(err)

	// Only the take-profit is inside the bar range, no ambiguity.
	s.Require().NoError(s.tick(at(10, 1), 112))
	s.Require().NoError(s.tick(at(10, 5), 111))

	s.Equal(trade.StateClosed, t.State())
	s.Equal(trade.CloseReasonTakeProfit, t.CloseReason().Unwrap())

	pnl, err := t.RealizedProfit()
	s.Require().NoError(err)
	s.InDelta(9.99, pnl, 1e-9)
}

func (s *BacktesterV1TestSuite) TestGapOpenClosesAtOpenPrice() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	t, err := s.engine.NewMarketLong(engine.TradeParams{
		Symbol:   "ACME",
		Volume:   1,
		StopLoss: optional.Some(95.0),
	})
	s.Require().NoError(err)

	// The market gaps through the stop; the fill is at the open, not the
	// level that was jumped over.
	s.Require().NoError(s.tick(at(10, 5), 92))

	s.Equal(trade.StateClosed, t.State())
	s.Equal(trade.CloseReasonStopLoss, t.CloseReason().Unwrap())
	s.InDelta(91.995, t.PlannedClose().Unwrap().Price, 1e-9)
}

func (s *BacktesterV1TestSuite) TestStopOrderTriggersIntrabar() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	id, err := s.engine.PlaceStopOrder(engine.StopOrderParams{
		Direction:    trade.DirectionLong,
		Symbol:       "ACME",
		TriggerPrice: 105,
		Volume:       1,
	})
	s.Require().NoError(err)
	s.NotEmpty(id)

	s.Require().NoError(s.tick(at(10, 2), 106))
	s.Require().NoError(s.tick(at(10, 5), 106))

	open := s.engine.registry.Open()
	s.Require().Len(open, 1)
	s.Equal(trade.StateInMarket, open[0].State())
	s.InDelta(105.005, open[0].PlannedOpen().Price, 1e-9)
	s.Empty(s.engine.pendingStops)
}

func (s *BacktesterV1TestSuite) TestStopOrderHoldsAtExactTriggerPrice() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	_, err := s.engine.PlaceStopOrder(engine.StopOrderParams{
		Direction:    trade.DirectionLong,
		Symbol:       "ACME",
		TriggerPrice: 105,
		Volume:       1,
	})
	s.Require().NoError(err)

	// A print exactly at the trigger, intrabar and as the bar high, leaves
	// the order pending.
	s.Require().NoError(s.tick(at(10, 2), 105))
	s.Require().NoError(s.tick(at(10, 5), 105))

	s.Empty(s.engine.registry.Open())
	s.Len(s.engine.pendingStops, 1)

	// The first bar whose high strictly exceeds the trigger arms the order.
	s.Require().NoError(s.tick(at(10, 6), 105.01))
	s.Require().NoError(s.tick(at(10, 10), 104))

	open := s.engine.registry.Open()
	s.Require().Len(open, 1)
	s.InDelta(105.005, open[0].PlannedOpen().Price, 1e-9)
	s.Empty(s.engine.pendingStops)
}

func TestStopTriggerRequiresStrictCross(t *testing.T) {
	tests := []struct {
		name      string
		direction trade.Direction
		price     float64
		want      bool
	}{
		{"long at trigger", trade.DirectionLong, 105, false},
		{"long above trigger", trade.DirectionLong, 105.01, true},
		{"long below trigger", trade.DirectionLong, 104.99, false},
		{"short at trigger", trade.DirectionShort, 105, false},
		{"short below trigger", trade.DirectionShort, 104.99, true},
		{"short above trigger", trade.DirectionShort, 105.01, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stopTriggered(tt.direction, tt.price, 105))
		})
	}
}

func (s *BacktesterV1TestSuite) TestStopOrderGapTriggersAtOpen() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	_, err := s.engine.PlaceStopOrder(engine.StopOrderParams{
		Direction:    trade.DirectionLong,
		Symbol:       "ACME",
		TriggerPrice: 105,
		Volume:       1,
	})
	s.Require().NoError(err)

	s.Require().NoError(s.tick(at(10, 5), 110))

	open := s.engine.registry.Open()
	s.Require().Len(open, 1)
	s.InDelta(110.005, open[0].PlannedOpen().Price, 1e-9)
}

func (s *BacktesterV1TestSuite) TestStopOrderAmbiguousTriggerBarIsFatal() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	_, err := s.engine.PlaceStopOrder(engine.StopOrderParams{
		Direction:    trade.DirectionLong,
		Symbol:       "ACME",
		TriggerPrice: 105,
		Volume:       1,
		StopLoss:     optional.Some(102.0),
		TakeProfit:   optional.Some(108.0),
	})
	s.Require().NoError(err)

	s.Require().NoError(s.tick(at(10, 1), 101))
	s.Require().NoError(s.tick(at(10, 2), 109))

	err = s.tick(at(10, 5), 104)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeIntrabarAmbiguity))
}

func (s *BacktesterV1TestSuite) TestCancelStopOrder() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	id, err := s.engine.PlaceStopOrder(engine.StopOrderParams{
		Direction:    trade.DirectionShort,
		Symbol:       "ACME",
		TriggerPrice: 95,
		Volume:       1,
	})
	s.Require().NoError(err)

	s.Require().NoError(s.engine.CancelStopOrder(id))

	err = s.engine.CancelStopOrder(id)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeStopOrderNotFound))
}

func (s *BacktesterV1TestSuite) TestDropAllStopOrders() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	for _, trigger := range []float64{104, 106} {
		_, err := s.engine.PlaceStopOrder(engine.StopOrderParams{
			Direction:    trade.DirectionLong,
			Symbol:       "ACME",
			TriggerPrice: trigger,
			Volume:       1,
		})
		s.Require().NoError(err)
	}

	s.engine.DropAllStopOrders()
	s.Empty(s.engine.pendingStops)

	// Nothing left to trigger.
	s.Require().NoError(s.tick(at(10, 5), 120))
	s.Empty(s.engine.registry.Open())
}

func (s *BacktesterV1TestSuite) TestStopOrderValidation() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	_, err := s.engine.PlaceStopOrder(engine.StopOrderParams{
		Direction:    trade.DirectionLong,
		Symbol:       "ACME",
		TriggerPrice: 105,
		Volume:       0,
	})
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeInvalidStopOrder))

	_, err = s.engine.PlaceStopOrder(engine.StopOrderParams{
		Direction:    "SIDEWAYS",
		Symbol:       "ACME",
		TriggerPrice: 105,
		Volume:       1,
	})
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeInvalidStopOrder))

	_, err = s.engine.PlaceStopOrder(engine.StopOrderParams{
		Direction:    trade.DirectionLong,
		Symbol:       "GHOST",
		TriggerPrice: 105,
		Volume:       1,
	})
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeUnknownInstrument))
}

func (s *BacktesterV1TestSuite) TestTimedCallbackFiresOncePerDay() {
	fired := 0

	s.engine.ScheduleDailyCallback(10*time.Hour+2*time.Minute, "", func(symbol string, ts time.Time) error {
		fired++

		return nil
	})

	s.Require().NoError(s.tick(at(10, 0), 100))

	_, err := s.engine.NewMarketLong(engine.TradeParams{Symbol: "ACME", Volume: 1})
	s.Require().NoError(err)

	// Past due, open trade exists: fires exactly once for the day.
	s.Require().NoError(s.engine.NotifyTime("ACME", at(10, 3)))
	s.Equal(1, fired)

	s.Require().NoError(s.engine.NotifyTime("ACME", at(10, 4)))
	s.Equal(1, fired)

	nextDay := at(10, 3).AddDate(0, 0, 1)
	s.Require().NoError(s.engine.NotifyTime("ACME", nextDay))
	s.Equal(2, fired)
}

func (s *BacktesterV1TestSuite) TestTimedCallbackFiresLateAfterDataGapWithWarning() {
	core, logs := observer.New(zapcore.WarnLevel)
	s.engine.log = &logger.Logger{Logger: zap.New(core)}

	fired := 0

	s.engine.ScheduleDailyCallback(10*time.Hour+30*time.Minute, "", func(symbol string, ts time.Time) error {
		fired++

		return nil
	})

	s.Require().NoError(s.tick(at(10, 0), 100))

	_, err := s.engine.NewMarketLong(engine.TradeParams{Symbol: "ACME", Volume: 1})
	s.Require().NoError(err)

	// The first update after a data gap past the due time still fires the
	// callback, over a minute late.
	s.Require().NoError(s.engine.NotifyTime("ACME", at(11, 45)))
	s.Equal(1, fired)

	warnings := logs.FilterMessage("Timed callback firing late").All()
	s.Require().Len(warnings, 1)
	s.Equal(75*time.Minute, warnings[0].ContextMap()["lag"])
}

func (s *BacktesterV1TestSuite) TestTimedCallbackSkipsWithoutOpenTrades() {
	fired := 0

	s.engine.ScheduleDailyCallback(10*time.Hour+time.Minute, "", func(symbol string, ts time.Time) error {
		fired++

		return nil
	})

	s.Require().NoError(s.tick(at(10, 0), 100))
	s.Require().NoError(s.engine.NotifyTime("ACME", at(10, 2)))
	s.Equal(0, fired)

	// The due time passed without open trades; the day is consumed.
	_, err := s.engine.NewMarketLong(engine.TradeParams{Symbol: "ACME", Volume: 1})
	s.Require().NoError(err)
	s.Require().NoError(s.engine.NotifyTime("ACME", at(10, 4)))
	s.Equal(0, fired)
}

func (s *BacktesterV1TestSuite) TestCloseAllTrades() {
	s.Require().NoError(s.tick(at(10, 0), 100))

	first, err := s.engine.NewMarketLong(engine.TradeParams{Symbol: "ACME", Volume: 1})
	s.Require().NoError(err)

	second, err := s.engine.NewMarketShort(engine.TradeParams{Symbol: "ACME", Volume: 2})
	s.Require().NoError(err)

	s.Require().NoError(s.engine.CloseAllTrades(trade.CloseReasonEndOfSession))

	s.Equal(trade.StateClosed, first.State())
	s.Equal(trade.StateClosed, second.State())
	s.Equal(trade.CloseReasonEndOfSession, first.CloseReason().Unwrap())
}

func (s *BacktesterV1TestSuite) TestEquityCurveSampledOnBarClose() {
	s.Require().NoError(s.tick(at(10, 0), 100))
	s.Require().NoError(s.tick(at(10, 5), 101))
	s.Require().NoError(s.tick(at(10, 10), 102))

	curve := s.engine.EquityCurve()
	s.Require().Len(curve, 2)
	s.Equal(at(10, 5), curve[0].Time)
	s.Equal(at(10, 10), curve[1].Time)
	s.InDelta(100000, curve[0].Equity, 1e-9)
}

func (s *BacktesterV1TestSuite) TestUninitializedEngineRejectsOrders() {
	raw, ok := NewBacktesterV1().(*BacktesterV1)
	s.Require().True(ok)

	_, err := raw.NewMarketLong(engine.TradeParams{Symbol: "ACME", Volume: 1})
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

func TestBacktesterV1TestSuite(t *testing.T) {
	suite.Run(t, new(BacktesterV1TestSuite))
}
