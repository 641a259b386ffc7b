// Package telemetry implements a fire-and-forget event channel: producers
// push typed events over a bounded, lossy queue; a single background
// consumer drains them to an upstream sink. Fully disabled via settings or
// the Q_DISABLE_TELEMETRY environment variable.
package telemetry

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// disabledClientID is the fixed sentinel id used when telemetry is
// disabled, so no real client id is ever generated or sent.
const disabledClientID = "00000000-0000-0000-0000-000000000000"

// softCap bounds how many events can queue before the oldest is dropped.
// Telemetry is explicitly lossy: a slow or wedged sink must never apply
// backpressure to the rest of the program.
const softCap = 4096

// Event is one telemetry record.
type Event struct {
	Name       string
	Attributes map[string]string
	Time       time.Time
}

// Sink receives events from the consumer goroutine. Implementations should
// not block indefinitely; the channel does not apply any timeout of its own
// beyond the shutdown drain window.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NopSink discards every event. Used when telemetry is disabled.
type NopSink struct{}

func (NopSink) Send(context.Context, Event) error { return nil }

// Channel owns the background consumer and the client id used to tag
// outbound events.
type Channel struct {
	sink     Sink
	clientID string
	enabled  bool

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a telemetry channel. If enabled is false or
// Q_DISABLE_TELEMETRY is set, the channel uses a NopSink and the sentinel
// client id, and Emit becomes a no-op (still safe to call).
func New(enabled bool, clientID string, sink Sink) *Channel {
	if os.Getenv("Q_DISABLE_TELEMETRY") != "" {
		enabled = false
	}
	if !enabled {
		clientID = disabledClientID
		sink = NopSink{}
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	c := &Channel{
		sink:     sink,
		clientID: clientID,
		enabled:  enabled,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// ClientID returns the telemetry client id (the sentinel value when
// disabled).
func (c *Channel) ClientID() string { return c.clientID }

// Enabled reports whether telemetry is actively sending events.
func (c *Channel) Enabled() bool { return c.enabled }

// Emit enqueues an event without blocking. If the queue is at softCap, the
// oldest queued event is dropped to make room — telemetry loss is
// acceptable, producer stalls are not.
func (c *Channel) Emit(name string, attrs map[string]string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= softCap {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, Event{Name: name, Attributes: attrs, Time: time.Now()})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// run is the single background consumer task. It drains the queue in FIFO
// order whenever notified, guaranteeing send-order delivery.
func (c *Channel) run() {
	defer close(c.done)
	for range c.notify {
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			e := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.sink.Send(ctx, e)
			cancel()
		}
		c.mu.Lock()
		if c.closed && len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// Close stops accepting new events and waits up to 1s for the consumer to
// drain the remaining queue before returning.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	close(c.notify)

	timeout := time.NewTimer(time.Second)
	defer timeout.Stop()

	select {
	case <-c.done:
		return nil
	case <-timeout.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
