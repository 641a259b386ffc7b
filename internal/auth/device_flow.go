package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DeviceSession is the transient state returned by starting a device-code
// login: a code to show the user, a URL to visit, and the interval the
// authorization server wants between poll attempts.
type DeviceSession struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	ExpiresAt       time.Time
	StartURL        string
	Region          string
}

// deviceCodeResponse is the JSON body returned by the device authorization
// endpoint.
type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
}

// deviceTokenErrorResponse is the error shape the token endpoint returns
// while a device-code grant is still pending, slowed down, or has expired.
type deviceTokenErrorResponse struct {
	Error string `json:"error"`
}

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// DeviceFlowCoordinator runs the device-code OAuth alternative to the PKCE
// browser-redirect flow: useful when the CLI can't host a local callback
// listener the user's browser can reach (a remote shell, a sandboxed
// container). Unlike PKCECoordinator it needs no single-flight guarantee —
// each call to Start owns its own device-code session independently; the
// authorization server itself is the single point of truth for whether a
// user_code is still valid.
type DeviceFlowCoordinator struct {
	config *OAuthURLConfig
}

// NewDeviceFlowCoordinator builds a coordinator using the given OAuth URL
// configuration (see GetOAuthConfig).
func NewDeviceFlowCoordinator(cfg *OAuthURLConfig) *DeviceFlowCoordinator {
	return &DeviceFlowCoordinator{config: cfg}
}

// Start requests a device code from the authorization server and returns
// the session the caller should display to the user (user_code and
// verification_uri) before calling Poll.
func (d *DeviceFlowCoordinator) Start(ctx context.Context) (*DeviceSession, error) {
	body := map[string]string{
		"client_id": d.config.ClientID,
		"scope":     strings.Join(DefaultScopes, " "),
	}
	bodyJSON, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, "POST", d.config.DeviceCodeURL, strings.NewReader(string(bodyJSON)))
	if err != nil {
		return nil, fmt.Errorf("creating device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading device code response: %w", err)
	}

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("device code request failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var parsed deviceCodeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing device code response: %w", err)
	}

	interval := time.Duration(parsed.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &DeviceSession{
		DeviceCode:      parsed.DeviceCode,
		UserCode:        parsed.UserCode,
		VerificationURI: parsed.VerificationURI,
		Interval:        interval,
		ExpiresAt:       time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}

// Poll repeatedly exchanges the device code for tokens at the server's
// advised interval until the grant completes, fails, or ctx is cancelled
// (e.g. the user hits Ctrl-C). authorization_pending keeps polling at the
// current interval; slow_down backs the interval off by 5s per the OAuth
// device flow spec. Any other error response, or the session's own expiry,
// ends the poll.
func (d *DeviceFlowCoordinator) Poll(ctx context.Context, session *DeviceSession) (*LoginResult, error) {
	interval := session.Interval

	for {
		if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
			return nil, fmt.Errorf("device code expired before authorization completed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		tokenResp, pending, slowDown, err := d.pollOnce(ctx, session)
		if err != nil {
			return nil, err
		}
		if slowDown {
			interval += 5 * time.Second
			continue
		}
		if pending {
			continue
		}

		result, err := finishLogin(ctx, d.config, tokenResp)
		if err != nil {
			return nil, err
		}
		result.Tokens.OAuthFlow = "device"
		result.Tokens.StartURL = session.StartURL
		result.Tokens.Region = session.Region
		return result, nil
	}
}

// pollOnce makes a single poll request, distinguishing the two continuable
// error codes (authorization_pending, slow_down) from a terminal success or
// failure.
func (d *DeviceFlowCoordinator) pollOnce(ctx context.Context, session *DeviceSession) (tokenResp *TokenResponse, pending bool, slowDown bool, err error) {
	body := map[string]string{
		"grant_type":  deviceGrantType,
		"device_code": session.DeviceCode,
		"client_id":   d.config.ClientID,
	}
	bodyJSON, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, "POST", d.config.TokenURL, strings.NewReader(string(bodyJSON)))
	if err != nil {
		return nil, false, false, fmt.Errorf("creating device token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, false, false, fmt.Errorf("device token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, false, fmt.Errorf("reading device token response: %w", err)
	}

	if resp.StatusCode == 200 {
		var parsed TokenResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, false, false, fmt.Errorf("parsing device token response: %w", err)
		}
		return &parsed, false, false, nil
	}

	var errResp deviceTokenErrorResponse
	_ = json.Unmarshal(respBody, &errResp)
	switch errResp.Error {
	case "authorization_pending":
		return nil, true, false, nil
	case "slow_down":
		return nil, false, true, nil
	case "":
		return nil, false, false, fmt.Errorf("device token poll failed (%d): %s", resp.StatusCode, string(respBody))
	default:
		return nil, false, false, fmt.Errorf("device authorization failed: %s", errResp.Error)
	}
}
