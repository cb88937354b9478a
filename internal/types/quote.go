package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tickforge/replay/pkg/errors"
)

// Quote is a single observed price at a point in time.
type Quote struct {
	Time  time.Time `yaml:"time" json:"time" csv:"time" validate:"required"`
	Price float64   `yaml:"price" json:"price" csv:"price" validate:"required,gt=0"`
}

// Tick is a traded quote: a price plus the volume that changed hands.
type Tick struct {
	Quote  `yaml:",inline" json:",inline"`
	Volume float64 `yaml:"volume" json:"volume" csv:"volume" validate:"required,gt=0"`
}

// DirectedTick is a tick annotated with the side that initiated it.
type DirectedTick struct {
	Tick           `yaml:",inline" json:",inline"`
	IsBuyInitiated bool `yaml:"is_buy_initiated" json:"is_buy_initiated" csv:"is_buy_initiated"`
}

// Deal is a directed tick with a monotonically assigned sequence number.
type Deal struct {
	DirectedTick `yaml:",inline" json:",inline"`
	Number       int64 `yaml:"number" json:"number" csv:"number" validate:"gte=0"`
}

// IsValid reports whether the quote carries a usable timestamp and price.
func (q Quote) IsValid() bool {
	return !q.Time.IsZero() && q.Price > 0
}

// Validate validates the Quote struct.
func (q *Quote) Validate() error {
	validate := validator.New()
	if err := validate.Struct(q); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidQuote, "invalid quote", err)
	}

	return nil
}

// IsValid reports whether the tick is a valid traded tick. A tick with zero
// volume is a quote, not a trade.
func (t Tick) IsValid() bool {
	return t.Quote.IsValid() && t.Volume > 0
}

// Validate validates the Tick struct.
func (t *Tick) Validate() error {
	validate := validator.New()
	if err := validate.Struct(t); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidTick, "invalid tick", err)
	}

	return nil
}

// NewDeal builds a deal from a tick with the given sequence number and side.
func NewDeal(tick Tick, number int64, isBuyInitiated bool) Deal {
	return Deal{
		DirectedTick: DirectedTick{
			Tick:           tick,
			IsBuyInitiated: isBuyInitiated,
		},
		Number: number,
	}
}
