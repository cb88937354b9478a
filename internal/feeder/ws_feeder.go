package feeder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/types"
	"github.com/tickforge/replay/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 10 * time.Second

	// maximum size of a single incoming message
	defaultReadLimit = 1 << 20
)

// tickMessage is the wire format for live tick feeds.
type tickMessage struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"time"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
}

// WSFeeder consumes a live tick stream over a WebSocket connection. It is
// the live-mode counterpart of CSVFeeder: same Sink, same single-threaded
// delivery, unbounded row count. Subscribe messages, when configured, are
// sent right after the handshake.
type WSFeeder struct {
	endpoint  string
	subscribe [][]byte
	log       *logger.Logger
}

// NewWSFeeder prepares a live feed from the given WebSocket endpoint.
func NewWSFeeder(endpoint string, subscribe [][]byte, log *logger.Logger) *WSFeeder {
	return &WSFeeder{
		endpoint:  endpoint,
		subscribe: subscribe,
		log:       log,
	}
}

// Count implements Feeder; a live stream has no known size.
func (f *WSFeeder) Count() (int, error) {
	return -1, nil
}

// Stream dials the endpoint and delivers decoded ticks until the context is
// cancelled, the peer closes, or the sink rejects an update.
func (f *WSFeeder) Stream(ctx context.Context, sink Sink, onRow OnRow) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, f.endpoint, nil)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeFeedOpenFailed, err, "failed to dial %s", f.endpoint)
	}
	defer conn.Close()

	conn.SetReadLimit(defaultReadLimit)

	for _, msg := range f.subscribe {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return errors.Wrap(errors.ErrCodeFeedOpenFailed, "failed to send subscribe message", err)
		}
	}

	// Unblock the read loop when the context is cancelled.
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	f.log.Info("live feed connected", zap.String("endpoint", f.endpoint))

	current := 0

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.log.Info("live feed closed by peer")

				return nil
			}

			return errors.Wrap(errors.ErrCodeFeedClosed, "live feed read failed", err)
		}

		var msg tickMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(errors.ErrCodeFeedParseFailed, "bad tick message", err)
		}

		tick := types.Tick{
			Quote:  types.Quote{Time: msg.Time, Price: msg.Price},
			Volume: msg.Volume,
		}

		if err := sink.NewTick(msg.Symbol, tick); err != nil {
			return err
		}

		current++

		if onRow != nil {
			if err := onRow(current, -1); err != nil {
				return err
			}
		}
	}
}
