package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the interface for sending JSON-RPC messages to an MCP server.
type Transport interface {
	// Send sends a JSON-RPC request and returns the response.
	Send(ctx context.Context, req *JSONRPCRequest) (*JSONRPCResponse, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, req *JSONRPCRequest) error

	// Close shuts down the transport.
	Close() error
}

// DefaultRequestTimeout bounds a single request/response round trip when
// the server config doesn't override it.
const DefaultRequestTimeout = 60 * time.Second

// MCPClient communicates with a single MCP server over a Transport.
type MCPClient struct {
	transport  Transport
	serverName string
	nextID     atomic.Int64
	mu         sync.Mutex
	timeout    time.Duration

	// Capabilities negotiated during initialization.
	capabilities ServerCapabilities
	serverInfo   ServerInfo
}

// NewMCPClient creates a new MCP client for the named server.
func NewMCPClient(serverName string, transport Transport) *MCPClient {
	c := &MCPClient{
		transport:  transport,
		serverName: serverName,
		timeout:    DefaultRequestTimeout,
	}
	c.nextID.Store(1)
	return c
}

// SetTimeout overrides the per-request timeout, e.g. from the server's
// config entry.
func (c *MCPClient) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// ServerName returns the configured name of this server.
func (c *MCPClient) ServerName() string {
	return c.serverName
}

// ServerInfoResult returns the server's self-reported info after initialization.
func (c *MCPClient) ServerInfoResult() ServerInfo {
	return c.serverInfo
}

// Capabilities returns the negotiated server capabilities.
func (c *MCPClient) Capabilities() ServerCapabilities {
	return c.capabilities
}

// Initialize performs the MCP initialization handshake: send "initialize",
// verify the reply's JSON-RPC major.minor matches ours (SIGTERM + a
// NegotiationError on mismatch), then send "initialized".
func (c *MCPClient) Initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo: ClientInfo{
			Name:    "qterm",
			Version: "1.0.0",
		},
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal initialize params: %w", err)
	}

	resp, err := c.send(ctx, "initialize", paramsJSON)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if mismatch := negotiationMismatch(resp.JSONRPC); mismatch {
		c.transport.Close()
		return &NegotiationError{ClientVersion: jsonRPCVersion, ServerVersion: resp.JSONRPC}
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.capabilities = result.Capabilities
	c.serverInfo = result.ServerInfo

	// Send initialized notification.
	notif := &JSONRPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  "notifications/initialized",
	}
	if err := c.transport.Notify(ctx, notif); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// negotiationMismatch reports whether serverVersion's major.minor differs
// from the client's jsonRPCVersion. An empty/unparseable server version is
// treated as a mismatch, not silently accepted.
func negotiationMismatch(serverVersion string) bool {
	return majorMinor(serverVersion) != majorMinor(jsonRPCVersion)
}

func majorMinor(version string) string {
	parts := splitVersion(version)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}

func splitVersion(version string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(version); i++ {
		if version[i] == '.' {
			parts = append(parts, version[start:i])
			start = i + 1
		}
	}
	parts = append(parts, version[start:])
	return parts
}

// ListTools discovers tools from the server, transparently following
// nextCursor pagination.
func (c *MCPClient) ListTools(ctx context.Context) ([]MCPToolDef, error) {
	resp, err := c.callPaginated(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var result ToolsListResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool executes a tool on the server.
func (c *MCPClient) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params := ToolCallParams{
		Name:      name,
		Arguments: args,
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal tool call params: %w", err)
	}

	resp, err := c.call(ctx, "tools/call", paramsJSON)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	return resp, nil
}

// ListResources lists resources from the server, following pagination.
func (c *MCPClient) ListResources(ctx context.Context) ([]MCPResource, error) {
	resp, err := c.callPaginated(ctx, "resources/list", nil)
	if err != nil {
		return nil, fmt.Errorf("resources/list: %w", err)
	}
	var result ResourcesListResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ListResourceTemplates lists parameterized resource templates, following
// pagination.
func (c *MCPClient) ListResourceTemplates(ctx context.Context) ([]MCPResourceTemplate, error) {
	resp, err := c.callPaginated(ctx, "resourceTemplates/list", nil)
	if err != nil {
		return nil, fmt.Errorf("resourceTemplates/list: %w", err)
	}
	var result ResourceTemplatesListResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resourceTemplates/list result: %w", err)
	}
	return result.ResourceTemplates, nil
}

// ListPrompts lists prompt templates, following pagination.
func (c *MCPClient) ListPrompts(ctx context.Context) ([]MCPPrompt, error) {
	resp, err := c.callPaginated(ctx, "prompts/list", nil)
	if err != nil {
		return nil, fmt.Errorf("prompts/list: %w", err)
	}
	var result PromptsListResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

// ReadResource reads a resource from the server.
func (c *MCPClient) ReadResource(ctx context.Context, uri string) ([]MCPResourceContent, error) {
	params := ResourceReadParams{URI: uri}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal resource read params: %w", err)
	}

	resp, err := c.call(ctx, "resources/read", paramsJSON)
	if err != nil {
		return nil, fmt.Errorf("resources/read: %w", err)
	}

	var result ResourceReadResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/read result: %w", err)
	}

	return result.Contents, nil
}

// SubscribeResource subscribes to changes on a resource.
func (c *MCPClient) SubscribeResource(ctx context.Context, uri string) error {
	params := ResourceSubscribeParams{URI: uri}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal subscribe params: %w", err)
	}

	_, err = c.call(ctx, "resources/subscribe", paramsJSON)
	if err != nil {
		return fmt.Errorf("resources/subscribe: %w", err)
	}

	return nil
}

// UnsubscribeResource unsubscribes from changes on a resource.
func (c *MCPClient) UnsubscribeResource(ctx context.Context, uri string) error {
	params := ResourceUnsubscribeParams{URI: uri}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal unsubscribe params: %w", err)
	}

	_, err = c.call(ctx, "resources/unsubscribe", paramsJSON)
	if err != nil {
		return fmt.Errorf("resources/unsubscribe: %w", err)
	}

	return nil
}

// Close shuts down the transport.
func (c *MCPClient) Close() error {
	return c.transport.Close()
}

// send issues a JSON-RPC request and returns the full response envelope,
// for callers (Initialize) that need fields beyond Result.
func (c *MCPClient) send(ctx context.Context, method string, params json.RawMessage) (*JSONRPCResponse, error) {
	c.mu.Lock()
	id := c.nextID.Add(1) - 1
	c.mu.Unlock()

	req := &JSONRPCRequest{
		JSONRPC: jsonRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  params,
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.transport.Send(sendCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s after %s", ErrTransportTimeout, method, c.timeout)
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// call sends a JSON-RPC request and returns the result payload.
func (c *MCPClient) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	resp, err := c.send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// callPaginated issues method repeatedly, feeding back nextCursor, until
// the server stops returning one. The inner list (found under method's
// canonical key in paginatedListKey) is accumulated and returned as a
// single synthesized `{"<key>": [...]}` result, matching the shape callers
// already unmarshal for the non-paginated case.
func (c *MCPClient) callPaginated(ctx context.Context, method string, extraParams map[string]any) (json.RawMessage, error) {
	listKey, ok := paginatedListKey[method]
	if !ok {
		return nil, fmt.Errorf("%s is not a paginated method", method)
	}

	accumulated := []json.RawMessage{}
	cursor := ""
	for {
		params := map[string]any{}
		for k, v := range extraParams {
			params[k] = v
		}
		if cursor != "" {
			params["cursor"] = cursor
		}
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}

		resp, err := c.call(ctx, method, paramsJSON)
		if err != nil {
			return nil, err
		}

		var page map[string]json.RawMessage
		if err := json.Unmarshal(resp, &page); err != nil {
			return nil, fmt.Errorf("unmarshal %s page: %w", method, err)
		}

		if raw, ok := page[listKey]; ok {
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("unmarshal %s.%s: %w", method, listKey, err)
			}
			accumulated = append(accumulated, items...)
		}

		var cursorPage struct {
			NextCursor string `json:"nextCursor"`
		}
		if err := json.Unmarshal(resp, &cursorPage); err != nil {
			return nil, fmt.Errorf("unmarshal %s cursor: %w", method, err)
		}
		if cursorPage.NextCursor == "" {
			break
		}
		cursor = cursorPage.NextCursor
	}

	items, err := json.Marshal(accumulated)
	if err != nil {
		return nil, err
	}
	combined := map[string]json.RawMessage{listKey: items}
	return json.Marshal(combined)
}
