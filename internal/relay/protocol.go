package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event names carried in the envelope.
const (
	EventExecuteCommand        = "execute_command"
	EventCommandResult         = "command_result"
	EventCommandResultReceived = "command_result_received"
)

// Handshake credentials, presented as headers or query parameters.
const (
	HeaderProxyID = "X-Proxy-Id"
	HeaderAPIKey  = "X-Api-Key"
	QueryProxyID  = "proxyId"
	QueryAPIKey   = "apiKey"
)

// Envelope is the JSON frame exchanged on the relay channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// CommandRequest is the execute_command payload. Timeout is in milliseconds.
type CommandRequest struct {
	CommandID  string `json:"commandId"`
	ServerID   uint   `json:"serverId"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Command    string `json:"command"`
	Timeout    int64  `json:"timeout,omitempty"`
}

// TimeoutDuration returns the request timeout, or fallback when unset.
func (r CommandRequest) TimeoutDuration(fallback time.Duration) time.Duration {
	if r.Timeout > 0 {
		return time.Duration(r.Timeout) * time.Millisecond
	}
	return fallback
}

// Result is the outcome of a relayed command.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// CommandResult is the command_result payload.
type CommandResult struct {
	CommandID string          `json:"commandId"`
	Result    json.RawMessage `json:"result"`
}

// Ack is the command_result_received payload.
type Ack struct {
	Success bool `json:"success"`
}

// wireResult uses pointers so absent fields can be told apart from zero values.
type wireResult struct {
	Stdout   *string `json:"stdout"`
	Stderr   *string `json:"stderr"`
	ExitCode *int    `json:"exitCode"`
}

// DecodeResult validates that stdout, stderr and exitCode are all present.
func DecodeResult(raw json.RawMessage) (Result, error) {
	var w wireResult
	if len(raw) == 0 {
		return Result{}, fmt.Errorf("%w: empty result", ErrMalformedResult)
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if w.Stdout == nil || w.Stderr == nil || w.ExitCode == nil {
		return Result{}, fmt.Errorf("%w: stdout, stderr and exitCode are required", ErrMalformedResult)
	}
	return Result{Stdout: *w.Stdout, Stderr: *w.Stderr, ExitCode: *w.ExitCode}, nil
}

// Encode wraps v in an envelope for event.
func Encode(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// NewCommandID returns a millisecond timestamp joined with a random suffix.
func NewCommandID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
