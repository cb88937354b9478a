// Package timeframe computes the half-open period [lower, upper) a timestamp
// belongs to for a fixed aggregation granularity, and tracks crossings into
// the next period.
package timeframe

import (
	"time"

	"github.com/tickforge/replay/pkg/errors"
)

// Granularity is an aggregation period length in minutes.
type Granularity int

// Granularities that evenly divide an hour or a day. Anything else would
// produce periods that drift across hour boundaries.
const (
	M1  Granularity = 1
	M2  Granularity = 2
	M3  Granularity = 3
	M4  Granularity = 4
	M5  Granularity = 5
	M6  Granularity = 6
	M10 Granularity = 10
	M12 Granularity = 12
	M15 Granularity = 15
	M20 Granularity = 20
	M30 Granularity = 30
	H1  Granularity = 60
	H2  Granularity = 120
	H3  Granularity = 180
	H4  Granularity = 240
	H6  Granularity = 360
	H8  Granularity = 480
	D1  Granularity = 1440
)

var supported = map[Granularity]bool{
	M1: true, M2: true, M3: true, M4: true, M5: true, M6: true,
	M10: true, M12: true, M15: true, M20: true, M30: true,
	H1: true, H2: true, H3: true, H4: true, H6: true, H8: true, D1: true,
}

// Supported returns all valid granularities in ascending order.
func Supported() []Granularity {
	return []Granularity{M1, M2, M3, M4, M5, M6, M10, M12, M15, M20, M30, H1, H2, H3, H4, H6, H8, D1}
}

// Validate returns a fatal configuration error for granularities outside the
// supported set.
func (g Granularity) Validate() error {
	if !supported[g] {
		return errors.Newf(errors.ErrCodeUnsupportedGranularity, "unsupported granularity: %d minutes", int(g))
	}

	return nil
}

// Duration returns the period length.
func (g Granularity) Duration() time.Duration {
	return time.Duration(g) * time.Minute
}

// PeriodStart returns the lower bound of the period containing ts. For
// sub-hour granularities the minute of the hour is rounded down to a multiple
// of g; for hour-and-above granularities the hour of the day is rounded down
// to a multiple of g/60 and minutes are cleared.
func PeriodStart(g Granularity, ts time.Time) time.Time {
	if g < H1 {
		minute := ts.Minute() - ts.Minute()%int(g)

		return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), minute, 0, 0, ts.Location())
	}

	hours := int(g) / 60
	hour := ts.Hour() - ts.Hour()%hours

	return time.Date(ts.Year(), ts.Month(), ts.Day(), hour, 0, 0, 0, ts.Location())
}

// PeriodBounds returns the half-open period [lower, upper) containing ts.
// The upper bound is computed with calendar-aware rollover, so minute, hour,
// day, month and year carries all behave.
func PeriodBounds(g Granularity, ts time.Time) (time.Time, time.Time) {
	lower := PeriodStart(g, ts)
	upper := lower.Add(g.Duration())

	return lower, upper
}

// Boundary tracks the current period of one aggregator. The zero upper bound
// means no period has been entered yet.
type Boundary struct {
	granularity Granularity
	upper       time.Time
}

// NewBoundary validates the granularity once; construction failure is fatal
// and must not be retried with the same value.
func NewBoundary(g Granularity) (*Boundary, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	return &Boundary{granularity: g}, nil
}

// Granularity returns the period length this boundary tracks.
func (b *Boundary) Granularity() Granularity {
	return b.granularity
}

// Upper returns the cached upper bound of the current period, zero if no
// period was entered yet.
func (b *Boundary) Upper() time.Time {
	return b.upper
}

// IsNewPeriod reports whether ts falls at or past the current period's upper
// bound. An uninitialized boundary always reports a new period.
func (b *Boundary) IsNewPeriod(ts time.Time) bool {
	if b.upper.IsZero() {
		return true
	}

	return !ts.Before(b.upper)
}

// Advance moves the boundary to the period containing ts and returns its
// lower bound. Call only after IsNewPeriod reported true.
func (b *Boundary) Advance(ts time.Time) time.Time {
	lower, upper := PeriodBounds(b.granularity, ts)
	b.upper = upper

	return lower
}
