// Package series stores the bar history of one instrument-timeframe pair: a
// bounded ring of closed bars plus the single live bar being aggregated.
package series

import (
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
)

// BarSeries is owned exclusively by its aggregator. The live bar is visible
// from the moment it opens and is overwritten in place until it closes.
type BarSeries struct {
	closed   []types.Bar
	head     int // index of the slot the next closed bar goes into
	size     int
	current  types.Bar
	hasLive  bool
	capacity int
}

// NewBarSeries creates a series keeping up to capacity closed bars.
func NewBarSeries(capacity int) (*BarSeries, error) {
	if capacity < 1 {
		return nil, errors.Newf(errors.ErrCodeSeriesCapacity, "series capacity must be at least 1, got %d", capacity)
	}

	return &BarSeries{
		closed:   make([]types.Bar, capacity),
		capacity: capacity,
	}, nil
}

// Open installs a new live bar. Any previous live bar must have been frozen
// with Freeze first.
func (s *BarSeries) Open(bar types.Bar) {
	s.current = bar
	s.hasLive = true
}

// Current returns the live bar and whether one is open.
func (s *BarSeries) Current() (types.Bar, bool) {
	return s.current, s.hasLive
}

// Update overwrites the live bar in place.
func (s *BarSeries) Update(bar types.Bar) {
	s.current = bar
}

// Freeze copies the live bar into the closed history and clears the live
// slot. After freezing, the bar can no longer be mutated.
func (s *BarSeries) Freeze() {
	if !s.hasLive {
		return
	}

	s.closed[s.head] = s.current
	s.head = (s.head + 1) % s.capacity

	if s.size < s.capacity {
		s.size++
	}

	s.hasLive = false
}

// Len returns the number of closed bars retained.
func (s *BarSeries) Len() int {
	return s.size
}

// Capacity returns the maximum number of closed bars retained.
func (s *BarSeries) Capacity() int {
	return s.capacity
}

// Closed returns the i-th most recent closed bar; i=0 is the newest.
func (s *BarSeries) Closed(i int) (types.Bar, bool) {
	if i < 0 || i >= s.size {
		return types.Bar{}, false
	}

	idx := (s.head - 1 - i + s.capacity*2) % s.capacity

	return s.closed[idx], true
}

// History returns all retained closed bars, oldest first.
func (s *BarSeries) History() []types.Bar {
	out := make([]types.Bar, 0, s.size)
	for i := s.size - 1; i >= 0; i-- {
		bar, _ := s.Closed(i)
		out = append(out, bar)
	}

	return out
}
