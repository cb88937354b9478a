package types

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tickforge/replay/pkg/errors"
)

func TestQuoteIsValid(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		quote Quote
		want  bool
	}{
		{name: "valid", quote: Quote{Time: ts, Price: 100.5}, want: true},
		{name: "zero time", quote: Quote{Price: 100.5}, want: false},
		{name: "zero price", quote: Quote{Time: ts}, want: false},
		{name: "negative price", quote: Quote{Time: ts, Price: -1}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.quote.IsValid())
		})
	}
}

func TestTickIsValid(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	valid := Tick{Quote: Quote{Time: ts, Price: 100}, Volume: 2}
	assert.True(t, valid.IsValid())

	// A zero-volume tick is a quote, not a trade.
	quoteOnly := Tick{Quote: Quote{Time: ts, Price: 100}, Volume: 0}
	assert.False(t, quoteOnly.IsValid())
}

func TestNewDeal(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := Tick{Quote: Quote{Time: ts, Price: 101.25}, Volume: 4}

	deal := NewDeal(tick, 7, true)
	assert.Equal(t, int64(7), deal.Number)
	assert.True(t, deal.IsBuyInitiated)
	assert.Equal(t, 101.25, deal.Price)
	assert.Equal(t, 4.0, deal.Volume)
}

func TestPlaceholderBar(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	bar := Bar{Time: start, High: math.Inf(-1), Low: math.Inf(1)}

	assert.True(t, bar.IsPlaceholder())
	assert.Error(t, bar.Validate())

	bar = NewBarFromQuote(start, 100, 1)
	assert.False(t, bar.IsPlaceholder())
	assert.NoError(t, bar.Validate())
}

func TestBarAggregate(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	bar := NewBarFromQuote(start, 100, 1)

	bar.Aggregate(103, 2)
	bar.Aggregate(99, 3)
	bar.Aggregate(101, 0.5)

	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 103.0, bar.High)
	assert.Equal(t, 99.0, bar.Low)
	assert.Equal(t, 101.0, bar.Close)
	assert.Equal(t, 6.5, bar.Volume)
	assert.NoError(t, bar.Validate())
}

func TestBarValidateRejectsBrokenRange(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	bar := Bar{Time: start, Open: 100, High: 99, Low: 101, Close: 100, Volume: 1}

	err := bar.Validate()
	assert.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidBar, errors.GetCode(err))
}

func TestBarContains(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	bar := NewBarFromQuote(start, 100, 1)
	bar.Aggregate(110, 1)
	bar.Aggregate(90, 1)

	assert.True(t, bar.Contains(95))
	assert.False(t, bar.Contains(90), "boundary is not inside")
	assert.False(t, bar.Contains(110), "boundary is not inside")
	assert.False(t, bar.Contains(120))
}
