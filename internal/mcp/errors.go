package mcp

import (
	"errors"
	"fmt"
)

// Error taxonomy for the MCP client and its transports.
var (
	ErrBrokenPipe        = errors.New("mcp: transport broken pipe")
	ErrTransportTimeout  = errors.New("mcp: transport timed out")
	ErrUnexpectedMsgType = errors.New("mcp: unexpected message type")
	ErrMissingMethod     = errors.New("mcp: notification missing method")
)

// NegotiationError is returned when the server's JSON-RPC version doesn't
// match the client's during the initialize handshake. The transport is
// already torn down (SIGTERM sent) by the time this is returned.
type NegotiationError struct {
	ClientVersion string
	ServerVersion string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("mcp: negotiation failed: client jsonrpc %s, server %s", e.ClientVersion, e.ServerVersion)
}
