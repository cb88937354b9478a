package feeder

import (
	"context"

	"github.com/tickforge/replay/internal/types"
)

// Sink receives decoded ticks. The backtest engine implements it by routing
// every tick through the instrument hub.
type Sink interface {
	NewTick(symbol string, tick types.Tick) error
}

// OnRow is invoked after each delivered row. total is -1 when the source is
// unbounded. Returning a non-nil error aborts the stream.
type OnRow func(current int, total int) error

// Feeder streams ticks from some source into a Sink, in timestamp order.
type Feeder interface {
	// Count returns the total number of rows the feeder will deliver, or -1
	// when the source is unbounded (live feeds).
	Count() (int, error)
	// Stream delivers every row to the sink. The context cancels the stream.
	// onRow may be nil.
	Stream(ctx context.Context, sink Sink, onRow OnRow) error
}
