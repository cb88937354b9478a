package engine

import (
	"context"
	"time"

	"github.com/moznion/go-optional"
	"github.com/tickforge/replay/internal/aggregator"
	"github.com/tickforge/replay/internal/feeder"
	"github.com/tickforge/replay/internal/timeframe"
	"github.com/tickforge/replay/internal/trade"
	"github.com/tickforge/replay/internal/types"
)

// Lifecycle callback types for a replay run.
// Callbacks with an error return can abort execution by returning one.

// OnRunStartCallback is called once before the first tick is delivered.
// totalTicks is -1 when the source is unbounded.
type OnRunStartCallback func(totalTicks int) error

// OnProcessDataCallback is called after each delivered tick.
type OnProcessDataCallback func(current int, total int) error

// OnRunEndCallback is called when the run finishes (always called via defer).
type OnRunEndCallback func(err error)

// LifecycleCallbacks holds the run lifecycle callbacks.
// All fields are pointers - nil means no callback will be invoked.
type LifecycleCallbacks struct {
	OnRunStart    *OnRunStartCallback
	OnProcessData *OnProcessDataCallback
	OnRunEnd      *OnRunEndCallback
}

// TradeParams describes a market order. Stop-loss and take-profit prices,
// when present, are levels on the traded instrument.
type TradeParams struct {
	Symbol     string
	Volume     float64
	StopLoss   optional.Option[float64]
	TakeProfit optional.Option[float64]
}

// StopOrderParams describes a pending stop order. The order arms when the
// trigger instrument's price crosses TriggerPrice in the order's direction,
// then opens a market trade on Symbol. An optional validity window limits
// triggering to a time-of-day range.
type StopOrderParams struct {
	Direction     trade.Direction
	Symbol        string
	TriggerSymbol string // empty means Symbol
	TriggerPrice  float64
	Volume        float64
	StopLoss      optional.Option[float64]
	TakeProfit    optional.Option[float64]
	Window        optional.Option[aggregator.TimeFilter]
}

// TimedCallback fires at a configured time of day while open trades exist.
type TimedCallback func(symbol string, ts time.Time) error

// Engine is the single-threaded replay engine: it owns the instrument hub,
// the trade registry and the cash ledger, fulfills every order synthetically
// and reports the finished run.
//
//nolint:interfacebloat // Engine is a core interface that naturally requires multiple methods
type Engine interface {
	// Initialize the engine with the given YAML configuration content.
	Initialize(config string) error
	// SetResultsFolder sets the output directory for run results.
	SetResultsFolder(folder string) error
	// NewTick routes a traded tick into the hub.
	NewTick(symbol string, tick types.Tick) error
	// NewQuote routes a price-only update into the hub.
	NewQuote(symbol string, quote types.Quote) error
	// AggregateBar routes an externally aggregated bar into the hub.
	AggregateBar(symbol string, bar types.Bar, granularity timeframe.Granularity) error
	// SetBestBidAsk installs the instrument's best bid/ask directly.
	SetBestBidAsk(symbol string, bid, ask float64) error
	// NotifyTime advances one instrument's clock without price information.
	NotifyTime(symbol string, ts time.Time) error
	// NotifyTimeAll advances every instrument's clock.
	NotifyTimeAll(ts time.Time) error
	// NewMarketLong opens a long market trade at the current best ask.
	NewMarketLong(params TradeParams) (*trade.Trade, error)
	// NewMarketShort opens a short market trade at the current best bid.
	NewMarketShort(params TradeParams) (*trade.Trade, error)
	// CloseTrade requests a market close of the given trade.
	CloseTrade(id string, reason trade.CloseReason) error
	// CloseAllTrades closes every trade that still has market exposure.
	CloseAllTrades(reason trade.CloseReason) error
	// PlaceStopOrder adds a pending stop order and returns its id.
	PlaceStopOrder(params StopOrderParams) (string, error)
	// CancelStopOrder removes a pending stop order by id.
	CancelStopOrder(id string) error
	// DropAllStopOrders removes every pending stop order.
	DropAllStopOrders()
	// ScheduleDailyCallback registers a callback fired once per day at the
	// given offset from midnight, only while open trades exist. An empty
	// symbol matches every instrument.
	ScheduleDailyCallback(timeOfDay time.Duration, symbol string, fn TimedCallback)
	// Cash returns the settled cash balance.
	Cash() float64
	// Equity returns cash plus the marked value of all open positions.
	Equity() (float64, error)
	// Run streams the source through the hub until it is drained or fails.
	// The context can be used to cancel the run.
	Run(ctx context.Context, source feeder.Feeder, callbacks LifecycleCallbacks) error
	// Stats returns the run statistics accumulated so far.
	Stats() (types.RunStats, error)
	// WriteResults exports the trade list, equity curve and run stats to the
	// results folder.
	WriteResults() error
	// GetConfigSchema returns the JSON schema of the engine configuration.
	GetConfigSchema() (string, error)
}
