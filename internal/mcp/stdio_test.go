//go:build unix

package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// newTestStdioTransport starts a shell subprocess acting as a fake MCP
// server, exercising the subprocess
// plumbing with real processes rather than mocks.
func newTestStdioTransport(t *testing.T, script string) *StdioTransport {
	t.Helper()
	tr, err := NewStdioTransport("/bin/sh", []string{"-c", script}, nil, "")
	if err != nil {
		t.Fatalf("NewStdioTransport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestStdioTransport_CorrelatesOutOfOrderResponses(t *testing.T) {
	// The server reads two request lines, emits a notification, then
	// answers them in reverse order: id2 first, id1 second. Send must
	// still return the right result to the right caller.
	script := `
while IFS= read -r line1 && IFS= read -r line2; do
  id1=$(echo "$line1" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  id2=$(echo "$line2" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  echo '{"jsonrpc":"2.0","method":"notifications/progress","params":{"step":1}}'
  echo "{\"jsonrpc\":\"2.0\",\"id\":$id2,\"result\":{\"order\":\"second\"}}"
  echo "{\"jsonrpc\":\"2.0\",\"id\":$id1,\"result\":{\"order\":\"first\"}}"
done
`
	tr := newTestStdioTransport(t, script)

	var notifMu sync.Mutex
	var notifs []string
	tr.SetNotificationHandler(func(method string, params json.RawMessage) {
		notifMu.Lock()
		defer notifMu.Unlock()
		notifs = append(notifs, method)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id1, id2 := int64(1), int64(2)
	var wg sync.WaitGroup
	results := make(map[int64]*JSONRPCResponse)
	var resMu sync.Mutex

	for _, id := range []int64{id1, id2} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			resp, err := tr.Send(ctx, &JSONRPCRequest{JSONRPC: "2.0", ID: &id, Method: "ping"})
			if err != nil {
				t.Errorf("Send(id=%d): %v", id, err)
				return
			}
			resMu.Lock()
			results[id] = resp
			resMu.Unlock()
		}(id)
	}
	wg.Wait()

	var r1, r2 struct {
		Order string `json:"order"`
	}
	if err := json.Unmarshal(results[id1].Result, &r1); err != nil {
		t.Fatalf("unmarshal id1 result: %v", err)
	}
	if err := json.Unmarshal(results[id2].Result, &r2); err != nil {
		t.Fatalf("unmarshal id2 result: %v", err)
	}
	if r1.Order != "first" {
		t.Errorf("id1 response = %q, want %q", r1.Order, "first")
	}
	if r2.Order != "second" {
		t.Errorf("id2 response = %q, want %q", r2.Order, "second")
	}

	deadline := time.Now().Add(time.Second)
	for {
		notifMu.Lock()
		n := len(notifs)
		notifMu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	notifMu.Lock()
	defer notifMu.Unlock()
	if len(notifs) != 1 || notifs[0] != "notifications/progress" {
		t.Errorf("notifs = %v, want one notifications/progress", notifs)
	}
}

func TestStdioTransport_CloseSendsSIGTERM(t *testing.T) {
	// Ignores stdin entirely; only exits on SIGTERM. If Close() falls
	// through to the 5s Kill fallback, this test would still pass but
	// slowly — asserting on elapsed time catches a SIGTERM regression.
	script := `trap 'exit 0' TERM; while true; do sleep 0.1; done`
	tr, err := NewStdioTransport("/bin/sh", []string{"-c", script}, nil, "")
	if err != nil {
		t.Fatalf("NewStdioTransport: %v", err)
	}

	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed > 2*time.Second {
		t.Errorf("Close took %v, want well under the 5s Kill fallback (SIGTERM should have handled it)", elapsed)
	}
}

func TestStdioTransport_BrokenPipeFailsPendingSends(t *testing.T) {
	// Exits immediately without responding; the pending Send should
	// observe the reader stopping rather than blocking forever.
	tr := newTestStdioTransport(t, `exit 0`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := int64(1)
	_, err := tr.Send(ctx, &JSONRPCRequest{JSONRPC: "2.0", ID: &id, Method: "ping"})
	if err == nil {
		t.Fatal("Send: expected an error after subprocess exit, got nil")
	}
}
