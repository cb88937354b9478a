// Package trade models one concretely opened position as a partial-fill-aware
// state machine, and the registry that owns every trade for its lifetime.
package trade

import (
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"github.com/tickforge/replay/internal/market"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
)

// Direction of the position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// State of the trade lifecycle. PendingOpen is the only legal initial state;
// Closed, OpenFailed and CloseFailed are terminal.
type State string

const (
	StatePendingOpen  State = "PENDING_OPEN"
	StateOpening      State = "OPENING"
	StateInMarket     State = "IN_MARKET"
	StatePendingClose State = "PENDING_CLOSE"
	StateClosing      State = "CLOSING"
	StateClosed       State = "CLOSED"
	StateOpenFailed   State = "OPEN_FAILED"
	StateCloseFailed  State = "CLOSE_FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateOpenFailed || s == StateCloseFailed
}

// CloseReason records why a close was requested.
type CloseReason string

const (
	CloseReasonStopLoss     CloseReason = "stop_loss"
	CloseReasonTakeProfit   CloseReason = "take_profit"
	CloseReasonStrategy     CloseReason = "strategy"
	CloseReasonEndOfSession CloseReason = "end_of_session"
)

// FailureCode records the irrecoverable inconsistency that moved a trade into
// a failed terminal state.
type FailureCode string

const (
	FailureNone           FailureCode = ""
	FailureDealFailed     FailureCode = "deal_failed"
	FailureVolumeNegative FailureCode = "volume_negative"
	FailureVolumeExceeded FailureCode = "volume_exceeded"
	FailureWrongDirection FailureCode = "wrong_direction"
)

// StopLevel is a stop-loss or take-profit price bound to the instrument whose
// quotes it is compared against.
type StopLevel struct {
	Instrument *market.Instrument
	Price      float64
}

// Executor produces fills for a trade. The trade holds a non-owning backref
// that is released when the trade reaches a terminal state.
type Executor interface {
	// FulfillClose is invoked by CloseByMarket after the trade entered
	// PendingClose; the executor responds by feeding closing deals.
	FulfillClose(t *Trade) error
}

// Trade is one real, already-initiated position. All mutation goes through
// the guarded transition methods; the registry owns the trade for its whole
// lifetime and other components refer to it by ID.
type Trade struct {
	id         string
	instrument *market.Instrument
	direction  Direction

	plannedOpenQuote  types.Quote
	plannedVolume     float64
	plannedCloseQuote optional.Option[types.Quote]

	state       State
	filled      float64 // volume currently in market
	openDeals   []types.Deal
	closeDeals  []types.Deal
	stopLoss    optional.Option[StopLevel]
	takeProfit  optional.Option[StopLevel]
	closeReason optional.Option[CloseReason]
	failureCode FailureCode

	executor Executor
	onChange func(*Trade)
}

// ID returns the registry-assigned trade identity.
func (t *Trade) ID() string { return t.id }

// Instrument returns the instrument the position is held in.
func (t *Trade) Instrument() *market.Instrument { return t.instrument }

// Direction returns the position direction.
func (t *Trade) Direction() Direction { return t.direction }

// State returns the current lifecycle state.
func (t *Trade) State() State { return t.state }

// FilledVolume returns the volume currently in market.
func (t *Trade) FilledVolume() float64 { return t.filled }

// PlannedVolume returns the volume the trade was opened for.
func (t *Trade) PlannedVolume() float64 { return t.plannedVolume }

// PlannedOpen returns the quote the open was planned against.
func (t *Trade) PlannedOpen() types.Quote { return t.plannedOpenQuote }

// PlannedClose returns the quote the close was planned against, if a close
// was requested.
func (t *Trade) PlannedClose() optional.Option[types.Quote] { return t.plannedCloseQuote }

// StopLoss returns the current stop-loss level, if set.
func (t *Trade) StopLoss() optional.Option[StopLevel] { return t.stopLoss }

// TakeProfit returns the current take-profit level, if set.
func (t *Trade) TakeProfit() optional.Option[StopLevel] { return t.takeProfit }

// CloseReason returns why the close was requested, if one was.
func (t *Trade) CloseReason() optional.Option[CloseReason] { return t.closeReason }

// FailureCode returns the recorded inconsistency, FailureNone if healthy.
func (t *Trade) FailureCode() FailureCode { return t.failureCode }

// OpenDeals returns the accumulated opening fills.
func (t *Trade) OpenDeals() []types.Deal { return t.openDeals }

// CloseDeals returns the accumulated closing fills.
func (t *Trade) CloseDeals() []types.Deal { return t.closeDeals }

// inOpenPhase reports whether fills currently accumulate on the opening side.
func (t *Trade) inOpenPhase() bool {
	return t.state == StatePendingOpen || t.state == StateOpening
}

// inClosePhase reports whether fills currently accumulate on the closing side.
func (t *Trade) inClosePhase() bool {
	return t.state == StatePendingClose || t.state == StateClosing
}

// HasMarketExposure reports whether any volume is (or may be) in market.
func (t *Trade) HasMarketExposure() bool {
	if t.state == StateInMarket {
		return true
	}

	return t.filled > 0 && !t.state.IsTerminal()
}

// expectedBuy reports whether a fill in the current phase must be
// buy-initiated. Opening a long buys, closing it sells; shorts are mirrored.
func (t *Trade) expectedBuy() bool {
	if t.direction == DirectionLong {
		return t.inOpenPhase()
	}

	return t.inClosePhase()
}

// DealFilled folds one fill into the trade and advances the state machine.
// Volume inconsistencies move the trade into a failed terminal state and
// release the executor; they are contained, not propagated as run errors.
func (t *Trade) DealFilled(deal types.Deal) error {
	if t.state.IsTerminal() {
		return errors.Newf(errors.ErrCodeInvalidTransition, "trade %s: fill in terminal state %s", t.id, t.state)
	}

	if deal.Volume <= 0 {
		return errors.Newf(errors.ErrCodeFillFailed, "trade %s: fill volume must be positive, got %f", t.id, deal.Volume)
	}

	if deal.IsBuyInitiated != t.expectedBuy() {
		t.fail(FailureWrongDirection)

		return nil
	}

	switch {
	case t.inOpenPhase():
		t.openDeals = append(t.openDeals, deal)
		t.filled += deal.Volume

		switch {
		case t.filled == t.plannedVolume:
			t.transition(StateInMarket)
		case t.filled > t.plannedVolume:
			t.fail(FailureVolumeExceeded)
		default:
			t.transition(StateOpening)
		}
	case t.inClosePhase():
		t.closeDeals = append(t.closeDeals, deal)
		t.filled -= deal.Volume

		switch {
		case t.filled == 0:
			t.closeTerminal()
		case t.filled < 0:
			t.fail(FailureVolumeNegative)
		default:
			t.transition(StateClosing)
		}
	default:
		return errors.Newf(errors.ErrCodeInvalidTransition, "trade %s: fill in state %s", t.id, t.state)
	}

	return nil
}

// DealFailed records a failed fill: the trade moves to the failed terminal
// state of its current phase.
func (t *Trade) DealFailed() error {
	if t.state.IsTerminal() {
		return errors.Newf(errors.ErrCodeInvalidTransition, "trade %s: deal failure in terminal state %s", t.id, t.state)
	}

	t.fail(FailureDealFailed)

	return nil
}

// CloseByMarket requests an immediate close. It is only legal while the trade
// has market exposure; the planned close quote is taken from the opposite
// side of the book than the open, and the executor is asked for the closing
// fill.
func (t *Trade) CloseByMarket(reason CloseReason) error {
	if !t.HasMarketExposure() || t.inClosePhase() {
		return errors.Newf(errors.ErrCodeInvalidTransition,
			"trade %s: close requested in state %s with %f in market", t.id, t.state, t.filled)
	}

	if !t.instrument.HasQuote() {
		return errors.Newf(errors.ErrCodeNoQuote, "trade %s: no top of book for %s", t.id, t.instrument.Symbol())
	}

	price := t.instrument.BestBid()
	if t.direction == DirectionShort {
		price = t.instrument.BestAsk()
	}

	t.plannedCloseQuote = optional.Some(types.Quote{Time: t.instrument.Base().LastTime(), Price: price})
	t.closeReason = optional.Some(reason)
	t.transition(StatePendingClose)

	if t.executor == nil {
		return nil
	}

	return t.executor.FulfillClose(t)
}

// SetStopLoss installs or moves the stop-loss. The level must be strictly on
// the losing side of the current best price; a level that would trigger
// immediately is rejected rather than clamped.
func (t *Trade) SetStopLoss(level StopLevel) error {
	if err := t.checkLevelMutable(); err != nil {
		return err
	}

	if level.Instrument == nil || !level.Instrument.HasQuote() {
		return errors.Newf(errors.ErrCodeInvalidStopLoss, "trade %s: stop-loss has no priced instrument", t.id)
	}

	if t.direction == DirectionLong && level.Price >= level.Instrument.BestBid() {
		return errors.Newf(errors.ErrCodeInvalidStopLoss,
			"trade %s: long stop-loss %f is not below bid %f", t.id, level.Price, level.Instrument.BestBid())
	}

	if t.direction == DirectionShort && level.Price <= level.Instrument.BestAsk() {
		return errors.Newf(errors.ErrCodeInvalidStopLoss,
			"trade %s: short stop-loss %f is not above ask %f", t.id, level.Price, level.Instrument.BestAsk())
	}

	t.stopLoss = optional.Some(level)

	return nil
}

// SetTakeProfit installs or moves the take-profit, mirroring SetStopLoss on
// the profit side.
func (t *Trade) SetTakeProfit(level StopLevel) error {
	if err := t.checkLevelMutable(); err != nil {
		return err
	}

	if level.Instrument == nil || !level.Instrument.HasQuote() {
		return errors.Newf(errors.ErrCodeInvalidTakeProfit, "trade %s: take-profit has no priced instrument", t.id)
	}

	if t.direction == DirectionLong && level.Price <= level.Instrument.BestAsk() {
		return errors.Newf(errors.ErrCodeInvalidTakeProfit,
			"trade %s: long take-profit %f is not above ask %f", t.id, level.Price, level.Instrument.BestAsk())
	}

	if t.direction == DirectionShort && level.Price >= level.Instrument.BestBid() {
		return errors.Newf(errors.ErrCodeInvalidTakeProfit,
			"trade %s: short take-profit %f is not below bid %f", t.id, level.Price, level.Instrument.BestBid())
	}

	t.takeProfit = optional.Some(level)

	return nil
}

func (t *Trade) checkLevelMutable() error {
	if t.inClosePhase() || t.state.IsTerminal() {
		return errors.Newf(errors.ErrCodeInvalidTransition,
			"trade %s: protection level change after close request, state %s", t.id, t.state)
	}

	return nil
}

// RealizedProfit computes the realized result from the opening and closing
// fills, sign-adjusted for direction and scaled by lot size. It is only
// defined once the trade is Closed.
func (t *Trade) RealizedProfit() (float64, error) {
	if t.state != StateClosed {
		return 0, errors.Newf(errors.ErrCodeTradeNotClosed, "trade %s: realized profit in state %s", t.id, t.state)
	}

	sum := func(deals []types.Deal) decimal.Decimal {
		total := decimal.Zero
		for _, d := range deals {
			total = total.Add(decimal.NewFromFloat(d.Price).Mul(decimal.NewFromFloat(d.Volume)))
		}

		return total
	}

	opened := sum(t.openDeals)
	closed := sum(t.closeDeals)

	profit := closed.Sub(opened)
	if t.direction == DirectionShort {
		profit = opened.Sub(closed)
	}

	result, _ := profit.Mul(decimal.NewFromFloat(t.instrument.LotSize())).Float64()

	return result, nil
}

// fail moves the trade to the failed terminal state of its current phase and
// releases the executor backref without calling into it.
func (t *Trade) fail(code FailureCode) {
	t.failureCode = code

	if t.inClosePhase() {
		t.transition(StateCloseFailed)
	} else {
		t.transition(StateOpenFailed)
	}

	t.executor = nil
}

func (t *Trade) closeTerminal() {
	t.transition(StateClosed)
	t.executor = nil
}

func (t *Trade) transition(next State) {
	t.state = next

	if t.onChange != nil {
		t.onChange(t)
	}
}
