package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
)

// Errors returned by the PKCE coordinator's Finish method.
var (
	ErrInvalidRequestID      = errors.New("pkce: request id does not match the active registration")
	ErrRegistrationCancelled = errors.New("pkce: registration was cancelled before completion")
)

// PKCERequestID identifies one registration attempt with the coordinator.
type PKCERequestID string

// PKCERegistration is one caller's request to host a local PKCE callback
// listener. The caller generates its own verifier/challenge/state (see
// generateCodeVerifier/generateCodeChallenge/generateState) before calling
// Start so it can build the authorization URL it shows the user.
type PKCERegistration struct {
	Config    *OAuthURLConfig
	State     string
	Verifier  string
	Challenge string
}

// NewPKCERegistration generates a fresh verifier/challenge/state triple and
// returns a registration ready for Start.
func NewPKCERegistration(cfg *OAuthURLConfig) (*PKCERegistration, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}
	return &PKCERegistration{
		Config:    cfg,
		State:     state,
		Verifier:  verifier,
		Challenge: generateCodeChallenge(verifier),
	}, nil
}

// pkceOutcome is what a registration resolves to: the code received on its
// own redirect URI, or an error, tagged with the request id that produced
// it so a superseded Finish() caller can detect the mismatch.
type pkceOutcome struct {
	requestID PKCERequestID
	code      string
	err       error
}

// pkceFuture is a single-assignment result slot broadcast via channel
// close, so any number of Finish() callers (a loser's stale caller, the
// winner's caller, both observing the same registration) can read the same
// outcome instead of racing to drain a single buffered value.
type pkceFuture struct {
	done   chan struct{}
	once   sync.Once
	result pkceOutcome
}

func newPKCEFuture() *pkceFuture {
	return &pkceFuture{done: make(chan struct{})}
}

// resolve sets the outcome and unblocks every Finish() waiting on done.
// Only the first call has effect — later calls (e.g. the server's own
// post-Serve cleanup after a callback already resolved it) are no-ops.
func (f *pkceFuture) resolve(o pkceOutcome) {
	f.once.Do(func() {
		f.result = o
		close(f.done)
	})
}

type pkceStart struct {
	requestID PKCERequestID
	reg       *PKCERegistration
	listener  net.Listener
	future    *pkceFuture
}

// PKCECoordinator serializes concurrent PKCE login attempts. The OS only
// offers one practical loopback port range for the callback redirect, so at
// most one registration may hold an active HTTP listener at a time; a
// second Start supersedes (and cancels) the first. Model per spec §4.H: a
// single background task owns the lifetime, talking to callers only
// through channels — no exported mutable state.
type PKCECoordinator struct {
	mu        sync.Mutex
	requestID PKCERequestID
	future    *pkceFuture

	// events carries both `new` and `cancel` signals on a single channel so
	// the background worker observes them in the order callers sent them.
	// Two separate channels read by the same select would let Go pick
	// between simultaneously-ready cases arbitrarily, so a Start()
	// immediately followed by a Cancel() could have the cancel processed
	// before the new listener is even registered.
	events chan pkceEvent
	once   sync.Once
}

type pkceEvent struct {
	start  *pkceStart // nil for a plain cancel event
	cancel bool
}

var defaultPKCECoordinator = &PKCECoordinator{
	events: make(chan pkceEvent, 4),
}

// DefaultPKCECoordinator returns the process-wide PKCE coordinator. A single
// instance must be shared by every login attempt in the process for the
// single-flight guarantee to mean anything.
func DefaultPKCECoordinator() *PKCECoordinator { return defaultPKCECoordinator }

// NewPKCECoordinator builds an independent coordinator, for tests that need
// isolation from the process-wide singleton.
func NewPKCECoordinator() *PKCECoordinator {
	return &PKCECoordinator{
		events: make(chan pkceEvent, 4),
	}
}

func newPKCERequestID() PKCERequestID {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return PKCERequestID(base64.RawURLEncoding.EncodeToString(b))
}

// Start registers a new PKCE attempt. It immediately supersedes any
// currently-active registration (the previous one's local listener is torn
// down and its Finish() callers receive ErrRegistrationCancelled, unless
// they already observed a result). Returns the request id Finish needs and
// the automatic (localhost redirect) authorization URL, whose redirect_uri
// carries the port bound for the callback listener.
func (c *PKCECoordinator) Start(reg *PKCERegistration, opts LoginOptions) (PKCERequestID, string, error) {
	c.once.Do(func() { go c.run() })

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", "", fmt.Errorf("pkce: starting callback listener: %w", err)
	}

	id := newPKCERequestID()
	future := newPKCEFuture()

	c.mu.Lock()
	c.requestID = id
	c.future = future
	c.mu.Unlock()

	port := listener.Addr().(*net.TCPAddr).Port
	authURL := buildAuthURL(reg.Config, reg.Challenge, reg.State, port, false, opts)

	c.events <- pkceEvent{start: &pkceStart{requestID: id, reg: reg, listener: listener, future: future}}
	go serveOneCallback(listener, reg.State, id, future)

	return id, authURL, nil
}

// Finish blocks on the current active registration's outcome — which may
// already belong to a registration that superseded the one identified by
// id, matching spec §4.H's "blocks on the current finished receiver"
// wording. Any number of callers may Finish concurrently against the same
// future; all observe the same resolved outcome. If the outcome's request
// id doesn't match, ErrInvalidRequestID is returned; if the registration
// was cancelled before a result arrived, ErrRegistrationCancelled is
// returned.
func (c *PKCECoordinator) Finish(ctx context.Context, id PKCERequestID) (string, error) {
	c.mu.Lock()
	future := c.future
	c.mu.Unlock()

	if future == nil {
		return "", ErrInvalidRequestID
	}

	select {
	case <-future.done:
		if future.result.requestID != id {
			return "", ErrInvalidRequestID
		}
		return future.result.code, future.result.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel terminates any in-flight registration. Safe to call when idle.
func (c *PKCECoordinator) Cancel() {
	c.once.Do(func() { go c.run() })
	c.events <- pkceEvent{cancel: true}
}

// run is the single background task owning the coordinator's lifetime. It
// tracks only the listener belonging to the currently active registration
// so it can close it when superseded or cancelled. Reading both `new` and
// `cancel` signals off the single events channel guarantees they're
// processed in the order callers sent them.
func (c *PKCECoordinator) run() {
	var active net.Listener
	for ev := range c.events {
		if ev.start != nil {
			if active != nil {
				active.Close()
			}
			active = ev.start.listener
			continue
		}
		if active != nil {
			active.Close()
			active = nil
		}
	}
}

// serveOneCallback runs a single-shot HTTP server on listener, accepting
// exactly one /callback request matching state, then resolves future with
// the outcome (success or error). If the listener is closed out from under
// it (superseded or cancelled) before a request arrives, Serve returns with
// an error and future resolves to ErrRegistrationCancelled — a no-op if a
// callback already resolved it first.
func serveOneCallback(listener net.Listener, state string, id PKCERequestID, future *pkceFuture) {
	mux := http.NewServeMux()
	server := &http.Server{Handler: mux}
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			future.resolve(pkceOutcome{requestID: id, err: fmt.Errorf("pkce: state mismatch")})
			go server.Shutdown(context.Background())
			return
		}
		if errMsg := r.URL.Query().Get("error"); errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			future.resolve(pkceOutcome{requestID: id, err: fmt.Errorf("pkce: authorization error: %s", errMsg)})
			go server.Shutdown(context.Background())
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			future.resolve(pkceOutcome{requestID: id, err: fmt.Errorf("pkce: no authorization code in callback")})
			go server.Shutdown(context.Background())
			return
		}
		w.WriteHeader(http.StatusOK)
		future.resolve(pkceOutcome{requestID: id, code: code})
		go server.Shutdown(context.Background())
	})

	_ = server.Serve(listener)
	future.resolve(pkceOutcome{requestID: id, err: ErrRegistrationCancelled})
}

// LoginViaCoordinator runs a full PKCE login through the shared
// PKCECoordinator instead of OAuthFlow.Login's one-shot local server. This is
// the path used whenever a login might race another (e.g. a second `qterm
// login` invoked from another terminal, or a retry after a dropped
// callback): the coordinator guarantees only one callback listener is ever
// bound, cancelling the loser instead of leaking a listening socket.
func LoginViaCoordinator(ctx context.Context, coord *PKCECoordinator, cfg *OAuthURLConfig, opts LoginOptions) (*LoginResult, error) {
	reg, err := NewPKCERegistration(cfg)
	if err != nil {
		return nil, err
	}

	id, authURL, err := coord.Start(reg, opts)
	if err != nil {
		return nil, err
	}

	fmt.Println("Opening browser for authentication...")
	if err := openBrowser(authURL); err != nil {
		fmt.Printf("Could not open browser automatically: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "\nIf the browser doesn't open, visit this URL:\n%s\n\n", authURL)

	code, err := coord.Finish(ctx, id)
	if err != nil {
		return nil, err
	}

	// The redirect_uri must match exactly what the authorization request
	// carried; Start() always uses the localhost form since LoginViaCoordinator
	// never falls back to manual code entry.
	redirectURI, err := redirectURIFromAuthURL(authURL)
	if err != nil {
		return nil, err
	}

	tokenResp, err := exchangeCode(ctx, code, reg.Verifier, reg.State, redirectURI, cfg.ClientID, cfg.TokenURL)
	if err != nil {
		return nil, err
	}

	return finishLogin(ctx, cfg, tokenResp)
}

// redirectURIFromAuthURL extracts the redirect_uri query parameter that
// Start embedded in the authorization URL, so the token exchange can send
// back the exact value the authorization server already validated.
func redirectURIFromAuthURL(authURL string) (string, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", fmt.Errorf("pkce: parsing authorization URL: %w", err)
	}
	redirectURI := u.Query().Get("redirect_uri")
	if redirectURI == "" {
		return "", fmt.Errorf("pkce: authorization URL missing redirect_uri")
	}
	return redirectURI, nil
}
