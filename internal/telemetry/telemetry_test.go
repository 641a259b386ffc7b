package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Send(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestChannel_DeliversInSendOrder(t *testing.T) {
	sink := &recordingSink{}
	ch := New(true, "test-client", sink)

	for i := 0; i < 10; i++ {
		ch.Emit("event", map[string]string{"i": string(rune('0' + i))})
	}

	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	for i, e := range events {
		want := string(rune('0' + i))
		if e.Attributes["i"] != want {
			t.Fatalf("event %d out of order: got %q want %q", i, e.Attributes["i"], want)
		}
	}
}

func TestChannel_DisabledUsesSentinelAndDropsEvents(t *testing.T) {
	sink := &recordingSink{}
	ch := New(false, "", sink)

	if ch.ClientID() != disabledClientID {
		t.Fatalf("expected sentinel client id, got %q", ch.ClientID())
	}
	if ch.Enabled() {
		t.Fatalf("expected disabled channel")
	}

	ch.Emit("should-not-send", nil)
	ch.Close(context.Background())

	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no events sent while disabled")
	}
}

func TestChannel_CloseDrainsWithinOneSecond(t *testing.T) {
	sink := &recordingSink{}
	ch := New(true, "client", sink)
	ch.Emit("e1", nil)

	start := time.Now()
	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("close took too long: %v", elapsed)
	}
}

func TestChannel_EmitAfterCloseIsNoop(t *testing.T) {
	sink := &recordingSink{}
	ch := New(true, "client", sink)
	ch.Close(context.Background())

	ch.Emit("late", nil)
	time.Sleep(10 * time.Millisecond)

	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no events emitted after close")
	}
}
