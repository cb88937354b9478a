package types

import (
	"math"
	"time"

	"github.com/tickforge/replay/pkg/errors"
)

// Bar is one OHLCV period. Time is the start of the period.
type Bar struct {
	Time   time.Time `yaml:"time" json:"time" csv:"time"`
	Open   float64   `yaml:"open" json:"open" csv:"open"`
	High   float64   `yaml:"high" json:"high" csv:"high"`
	Low    float64   `yaml:"low" json:"low" csv:"low"`
	Close  float64   `yaml:"close" json:"close" csv:"close"`
	Volume float64   `yaml:"volume" json:"volume" csv:"volume"`
}

// NewBarFromQuote seeds a freshly opened bar from the first update of its
// period. Volume is the tick volume for traded ticks and zero for pure quotes.
func NewBarFromQuote(periodStart time.Time, price, volume float64) Bar {
	return Bar{
		Time:   periodStart,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: volume,
	}
}

// Aggregate folds one update into the bar in place.
func (b *Bar) Aggregate(price, volume float64) {
	b.High = math.Max(b.High, price)
	b.Low = math.Min(b.Low, price)
	b.Close = price
	b.Volume += volume
}

// IsPlaceholder reports whether the bar was opened but never aggregated.
func (b Bar) IsPlaceholder() bool {
	return math.IsInf(b.High, -1) || math.IsInf(b.Low, 1)
}

// Contains reports whether price falls strictly inside the bar's range.
func (b Bar) Contains(price float64) bool {
	return price > b.Low && price < b.High
}

// Validate checks the OHLC invariants of an aggregated bar.
func (b *Bar) Validate() error {
	if b.Time.IsZero() {
		return errors.New(errors.ErrCodeInvalidBar, "bar has no period start")
	}

	if b.IsPlaceholder() {
		return errors.New(errors.ErrCodeInvalidBar, "bar was never aggregated")
	}

	if b.Low > b.Open || b.Open > b.High || b.Low > b.Close || b.Close > b.High {
		return errors.Newf(errors.ErrCodeInvalidBar,
			"OHLC out of range: o=%f h=%f l=%f c=%f", b.Open, b.High, b.Low, b.Close)
	}

	if b.Volume < 0 {
		return errors.Newf(errors.ErrCodeInvalidVolume, "negative bar volume: %f", b.Volume)
	}

	return nil
}
