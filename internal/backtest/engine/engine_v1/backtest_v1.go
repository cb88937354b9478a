package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tickforge/replay/internal/aggregator"
	"github.com/tickforge/replay/internal/backtest/engine"
	"github.com/tickforge/replay/internal/backtest/engine/engine_v1/writers"
	"github.com/tickforge/replay/internal/feeder"
	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/market"
	"github.com/tickforge/replay/internal/timeframe"
	"github.com/tickforge/replay/internal/trade"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// lateFireWarning is how far past its due time a timed callback may fire
// before the delay is logged.
const lateFireWarning = 60 * time.Second

type timedCallback struct {
	timeOfDay time.Duration
	symbol    string
	fn        engine.TimedCallback
	lastRun   time.Time // midnight of the last day already handled
}

// BacktesterV1 replays ticks through the instrument hub and fulfills every
// order synthetically: market orders fill in full at the planned price, stop
// levels resolve against bar ranges at bar close. It is strictly
// single-threaded; every mutation happens inside a hub update.
type BacktesterV1 struct {
	config         BacktesterV1Config
	resultsFolder  string
	log            *logger.Logger
	hub            *market.Hub
	registry       *trade.Registry
	journal        *Journal
	statusSub      *trade.Subscription
	subs           []*aggregator.Subscription
	cash           decimal.Decimal
	dealSeq        int64
	pendingStops   []pendingStop
	timedCallbacks []*timedCallback
	equityCurve    []types.EquityPoint
	initialized    bool
}

// NewBacktesterV1 creates an uninitialized engine.
func NewBacktesterV1() engine.Engine {
	return &BacktesterV1{
		config:         EmptyConfig(),
		resultsFolder:  "",
		log:            nil,
		hub:            nil,
		registry:       nil,
		journal:        nil,
		statusSub:      nil,
		subs:           nil,
		cash:           decimal.Zero,
		dealSeq:        0,
		pendingStops:   nil,
		timedCallbacks: nil,
		equityCurve:    nil,
		initialized:    false,
	}
}

// Initialize implements engine.Engine.
func (b *BacktesterV1) Initialize(config string) error {
	err := yaml.Unmarshal([]byte(config), &b.config)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse engine config", err)
	}

	if b.config.StalePolicy == "" {
		b.config.StalePolicy = aggregator.StalePolicyBacktest
	}

	if err := b.config.Validate(); err != nil {
		return err
	}

	if b.log == nil {
		var loggerError error

		b.log, loggerError = logger.NewLogger()
		if loggerError != nil {
			return loggerError
		}
	}

	b.hub = market.NewHub(b.config.StalePolicy, b.log)
	b.registry = trade.NewRegistry(b.log)

	for _, cfg := range b.config.Instruments {
		marketCfg, err := cfg.marketConfig()
		if err != nil {
			return err
		}

		inst, err := market.NewInstrument(marketCfg, b.config.StalePolicy, b.log)
		if err != nil {
			return err
		}

		if err := b.hub.Register(inst); err != nil {
			return err
		}

		b.wireInstrument(inst)
	}

	b.journal, err = NewJournal(b.log)
	if err != nil {
		return err
	}

	b.statusSub = b.registry.Subscribe(b.onTradeStatus)
	b.cash = decimal.NewFromFloat(b.config.InitialCapital)
	b.initialized = true

	b.log.Debug("Backtester initialized",
		zap.Int("instruments", len(b.config.Instruments)),
		zap.String("stale_policy", string(b.config.StalePolicy)),
	)

	return nil
}

// wireInstrument hooks the matching handlers into the instrument's base
// aggregator. Matching always runs on the finest timeframe.
func (b *BacktesterV1) wireInstrument(inst *market.Instrument) {
	base := inst.Base()

	b.subs = append(b.subs,
		base.OnBarOpen(func(quote types.Quote) error {
			return b.onBarOpen(inst, quote)
		}),
		base.OnBarClose(func(bar types.Bar) error {
			return b.onBarClose(inst, bar)
		}),
		base.OnTime(func(ts time.Time) error {
			return b.runTimedCallbacks(inst.Symbol(), ts)
		}),
	)
}

// SetResultsFolder implements engine.Engine.
func (b *BacktesterV1) SetResultsFolder(folder string) error {
	if folder == "" {
		return errors.New(errors.ErrCodeInvalidParameter, "results folder cannot be empty")
	}

	b.resultsFolder = folder

	return nil
}

// NewTick implements feeder.Sink by routing the tick through the hub.
func (b *BacktesterV1) NewTick(symbol string, tick types.Tick) error {
	return b.hub.NewTick(symbol, tick)
}

// NewQuote implements engine.Engine.
func (b *BacktesterV1) NewQuote(symbol string, quote types.Quote) error {
	return b.hub.NewQuote(symbol, quote)
}

// AggregateBar implements engine.Engine.
func (b *BacktesterV1) AggregateBar(symbol string, bar types.Bar, granularity timeframe.Granularity) error {
	return b.hub.AggregateBar(symbol, bar, granularity)
}

// SetBestBidAsk implements engine.Engine.
func (b *BacktesterV1) SetBestBidAsk(symbol string, bid, ask float64) error {
	return b.hub.SetBestBidAsk(symbol, bid, ask)
}

// NotifyTime implements engine.Engine.
func (b *BacktesterV1) NotifyTime(symbol string, ts time.Time) error {
	return b.hub.NotifyTime(symbol, ts)
}

// NotifyTimeAll implements engine.Engine.
func (b *BacktesterV1) NotifyTimeAll(ts time.Time) error {
	return b.hub.NotifyTimeAll(ts)
}

// Run implements engine.Engine.
func (b *BacktesterV1) Run(ctx context.Context, source feeder.Feeder, callbacks engine.LifecycleCallbacks) error {
	if !b.initialized {
		return errors.New(errors.ErrCodeInvalidConfiguration, "engine is not initialized")
	}

	total, err := source.Count()
	if err != nil {
		return err
	}

	if callbacks.OnRunStart != nil {
		if err := (*callbacks.OnRunStart)(total); err != nil {
			return err
		}
	}

	var runErr error

	defer func() {
		if callbacks.OnRunEnd != nil {
			(*callbacks.OnRunEnd)(runErr)
		}
	}()

	runErr = source.Stream(ctx, b, func(current, total int) error {
		if callbacks.OnProcessData != nil {
			return (*callbacks.OnProcessData)(current, total)
		}

		return nil
	})

	return runErr
}

// onBarOpen fires timed callbacks that came due, refreshes the best
// bid/ask around the opening quote and tests open trades and pending stop
// orders against the opening price. A gap fill executes at the open, not at
// the level the market jumped over.
func (b *BacktesterV1) onBarOpen(inst *market.Instrument, quote types.Quote) error {
	if err := b.runTimedCallbacks(inst.Symbol(), quote.Time); err != nil {
		return err
	}

	half := inst.TickSize() / 2
	if err := inst.SetBestBidAsk(quote.Price-half, quote.Price+half); err != nil {
		return err
	}

	for _, t := range b.registry.OpenFor(inst.Symbol()) {
		if !t.HasMarketExposure() || t.CloseReason().IsSome() {
			continue
		}

		if reason, hit := levelHitAtPrice(t, quote.Price); hit {
			if err := t.CloseByMarket(reason); err != nil {
				return err
			}
		}
	}

	return b.evaluateStopsAtPrice(inst, quote)
}

// onBarClose resolves stop levels against the finished bar's range and
// samples the equity curve. A bar that straddles both the stop-loss and the
// take-profit of one trade is unresolvable in a deterministic replay.
func (b *BacktesterV1) onBarClose(inst *market.Instrument, bar types.Bar) error {
	for _, t := range b.registry.OpenFor(inst.Symbol()) {
		if !t.HasMarketExposure() || t.CloseReason().IsSome() {
			continue
		}

		if err := b.resolveLevels(t, bar); err != nil {
			return err
		}
	}

	if err := b.evaluateStopsAtBar(inst, bar); err != nil {
		return err
	}

	b.sampleEquity(bar.Time.Add(inst.Base().Granularity().Duration()))

	return nil
}

// resolveLevels closes the trade at its stop-loss or take-profit when the
// bar touched one. Both levels strictly inside the bar is fatal: the tick
// path through the bar is unknown, so the fill order cannot be decided.
func (b *BacktesterV1) resolveLevels(t *trade.Trade, bar types.Bar) error {
	sl, slSet := levelPrice(t.StopLoss())
	tp, tpSet := levelPrice(t.TakeProfit())

	if slSet && tpSet && bar.Contains(sl) && bar.Contains(tp) {
		return errors.Newf(errors.ErrCodeIntrabarAmbiguity,
			"trade %s: stop-loss %.5f and take-profit %.5f both inside bar range [%.5f, %.5f]",
			t.ID(), sl, tp, bar.Low, bar.High)
	}

	if slSet && stopLossTouched(t.Direction(), bar, sl) {
		return b.closeAtLevel(t, trade.CloseReasonStopLoss, sl)
	}

	if tpSet && takeProfitTouched(t.Direction(), bar, tp) {
		return b.closeAtLevel(t, trade.CloseReasonTakeProfit, tp)
	}

	return nil
}

// closeAtLevel pins the instrument's quotes to the touched level and closes
// by market, so the fill happens at the level rather than the bar close.
func (b *BacktesterV1) closeAtLevel(t *trade.Trade, reason trade.CloseReason, level float64) error {
	inst := t.Instrument()

	half := inst.TickSize() / 2
	if err := inst.SetBestBidAsk(level-half, level+half); err != nil {
		return err
	}

	return t.CloseByMarket(reason)
}

// sampleEquity appends one equity-curve point; instruments without a quote
// yet make the mark impossible, so those samples are skipped.
func (b *BacktesterV1) sampleEquity(ts time.Time) {
	equity, err := b.Equity()
	if err != nil {
		b.log.Debug("Skipping equity sample", zap.Time("time", ts), zap.Error(err))

		return
	}

	b.equityCurve = append(b.equityCurve, types.EquityPoint{Time: ts, Equity: equity})
}

// ScheduleDailyCallback implements engine.Engine.
func (b *BacktesterV1) ScheduleDailyCallback(timeOfDay time.Duration, symbol string, fn engine.TimedCallback) {
	b.timedCallbacks = append(b.timedCallbacks, &timedCallback{
		timeOfDay: timeOfDay,
		symbol:    symbol,
		fn:        fn,
		lastRun:   time.Time{},
	})
}

// runTimedCallbacks fires every callback whose time of day has passed on a
// day it has not handled yet. A callback only fires while open trades exist;
// a due time that passes without open trades consumes the day. Data gaps
// make callbacks fire late, on the first update after the due time.
func (b *BacktesterV1) runTimedCallbacks(symbol string, ts time.Time) error {
	day := midnight(ts)

	for _, cb := range b.timedCallbacks {
		if cb.symbol != "" && cb.symbol != symbol {
			continue
		}

		if !cb.lastRun.Before(day) {
			continue
		}

		due := day.Add(cb.timeOfDay)
		if ts.Before(due) {
			continue
		}

		cb.lastRun = day

		if !b.registry.HasOpen(cb.symbol) {
			continue
		}

		if lag := ts.Sub(due); lag > lateFireWarning {
			b.log.Warn("Timed callback firing late",
				zap.String("symbol", symbol),
				zap.Time("due", due),
				zap.Duration("lag", lag),
			)
		}

		if err := cb.fn(symbol, ts); err != nil {
			return err
		}
	}

	return nil
}

func midnight(ts time.Time) time.Time {
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
}

// onTradeStatus journals every trade that reached a terminal state.
func (b *BacktesterV1) onTradeStatus(t *trade.Trade) {
	if !t.State().IsTerminal() {
		return
	}

	if err := b.journal.RecordTrade(b.tradeRecord(t)); err != nil {
		b.log.Error("Failed to journal trade", zap.String("trade_id", t.ID()), zap.Error(err))
	}
}

func (b *BacktesterV1) tradeRecord(t *trade.Trade) types.TradeRecord {
	record := types.TradeRecord{
		ID:            t.ID(),
		Symbol:        t.Instrument().Symbol(),
		Direction:     string(t.Direction()),
		State:         string(t.State()),
		OpenTime:      t.PlannedOpen().Time,
		CloseTime:     time.Time{},
		OpenPrice:     t.PlannedOpen().Price,
		ClosePrice:    0,
		Volume:        t.PlannedVolume(),
		RealizedPnL:   0,
		PercentChange: 0,
		CloseReason:   "",
	}

	if deals := t.OpenDeals(); len(deals) > 0 {
		record.OpenTime = deals[0].Time
		record.OpenPrice = deals[0].Price
	}

	if closeQuote := t.PlannedClose(); closeQuote.IsSome() {
		record.CloseTime = closeQuote.Unwrap().Time
		record.ClosePrice = closeQuote.Unwrap().Price
	}

	if deals := t.CloseDeals(); len(deals) > 0 {
		last := deals[len(deals)-1]
		record.CloseTime = last.Time
		record.ClosePrice = last.Price
	}

	if reason := t.CloseReason(); reason.IsSome() {
		record.CloseReason = string(reason.Unwrap())
	}

	if t.State() == trade.StateClosed {
		pnl, err := t.RealizedProfit()
		if err == nil {
			record.RealizedPnL = pnl
		}

		if record.OpenPrice > 0 {
			change := (record.ClosePrice - record.OpenPrice) / record.OpenPrice * 100
			if t.Direction() == trade.DirectionShort {
				change = -change
			}

			record.PercentChange = change
		}
	}

	return record
}

// Stats implements engine.Engine.
func (b *BacktesterV1) Stats() (types.RunStats, error) {
	if !b.initialized {
		return types.RunStats{}, errors.New(errors.ErrCodeInvalidConfiguration, "engine is not initialized")
	}

	return b.journal.Stats()
}

// EquityCurve returns the samples collected so far.
func (b *BacktesterV1) EquityCurve() []types.EquityPoint {
	return b.equityCurve
}

// WriteResults implements engine.Engine.
func (b *BacktesterV1) WriteResults() error {
	if !b.initialized {
		return errors.New(errors.ErrCodeInvalidConfiguration, "engine is not initialized")
	}

	if b.resultsFolder == "" {
		return errors.New(errors.ErrCodeInvalidParameter, "results folder is not set")
	}

	records, err := b.journal.Trades()
	if err != nil {
		return err
	}

	tradesWriter := writers.NewTradesWriter(filepath.Join(b.resultsFolder, "trades.csv"))
	if err := tradesWriter.Write(records); err != nil {
		return err
	}

	equityWriter := writers.NewEquityWriter(filepath.Join(b.resultsFolder, "equity.csv"))
	if err := equityWriter.Write(b.equityCurve); err != nil {
		return err
	}

	stats, err := b.journal.Stats()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(stats)
	if err != nil {
		return errors.Wrap(errors.ErrCodeExportFailed, "failed to marshal run stats", err)
	}

	statsPath := filepath.Join(b.resultsFolder, "stats.yaml")
	if err := os.WriteFile(statsPath, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeExportFailed, "failed to write run stats", err)
	}

	b.log.Info("Results written",
		zap.String("folder", b.resultsFolder),
		zap.Int("trades", len(records)),
	)

	return nil
}

// GetConfigSchema implements engine.Engine.
func (b *BacktesterV1) GetConfigSchema() (string, error) {
	schema, err := b.config.GenerateSchema()
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to marshal config schema", err)
	}

	return string(data), nil
}

// Close releases the journal and flushes the logger.
func (b *BacktesterV1) Close() error {
	if b.statusSub != nil {
		b.statusSub.Release()
	}

	for _, sub := range b.subs {
		sub.Release()
	}

	if b.journal != nil {
		return b.journal.Close()
	}

	return nil
}
