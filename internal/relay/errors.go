package relay

import "errors"

var (
	// ErrProxyOffline is returned when no channel is registered for the proxy.
	ErrProxyOffline = errors.New("proxy agent is not connected")
	// ErrCommandTimeout is returned when no result arrives within the timeout.
	ErrCommandTimeout = errors.New("relay command timed out")
	// ErrMalformedResult is returned when a command_result lacks required fields.
	ErrMalformedResult = errors.New("malformed command result")
	// ErrAgentDisconnected is returned for commands pending on a channel that closed.
	ErrAgentDisconnected = errors.New("proxy agent disconnected")
	// ErrMalformedFrame is returned by Receive for a frame that is not a JSON
	// envelope. The connection itself is still usable.
	ErrMalformedFrame = errors.New("malformed relay frame")
	// ErrUnauthorized is returned by dialers when the hub rejects the handshake.
	ErrUnauthorized = errors.New("relay handshake rejected")
)
