package realtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"claude-bridge/internal/reconnect"
)

// Dialer maintains a WebSocket connection to a bridge server, redialing
// with backoff whenever the connection drops. Headless consumers (log
// shippers, dashboards) use it instead of hand-rolling reconnect loops.
type Dialer struct {
	url    string
	policy *reconnect.Policy

	// OnConnect runs on every (re)established connection before the read
	// loop starts, typically to re-send session.attach frames.
	OnConnect func(conn *websocket.Conn) error
}

// NewDialer creates a dialer for url.
func NewDialer(url string, cfg reconnect.Config) *Dialer {
	return &Dialer{
		url:    url,
		policy: reconnect.NewPolicy(cfg),
	}
}

// Run connects and keeps reading until ctx is canceled or the retry
// budget is exhausted. Every received frame is handed to onMessage.
func (d *Dialer) Run(ctx context.Context, onMessage func([]byte)) error {
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
		if err != nil {
			if waitErr := d.backoff(ctx, err); waitErr != nil {
				return waitErr
			}
			continue
		}

		d.policy.Reset()

		if d.OnConnect != nil {
			if err := d.OnConnect(conn); err != nil {
				conn.Close()
				if waitErr := d.backoff(ctx, err); waitErr != nil {
					return waitErr
				}
				continue
			}
		}

		readErr := d.readLoop(ctx, conn, onMessage)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if waitErr := d.backoff(ctx, readErr); waitErr != nil {
			return waitErr
		}
	}
}

// backoff waits out the next retry delay. It returns an error when no
// further attempt is allowed.
func (d *Dialer) backoff(ctx context.Context, cause error) error {
	if !d.policy.ShouldRetry() {
		return fmt.Errorf("giving up after %d attempts: %w", d.policy.Attempts(), cause)
	}
	delay := d.policy.NextDelay()
	d.policy.RecordAttempt()
	log.Printf("dialer: connection to %s lost (%v), retrying in %s", d.url, cause, delay)

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dialer) readLoop(ctx context.Context, conn *websocket.Conn, onMessage func([]byte)) error {
	// Unblock ReadMessage when the context is canceled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}
