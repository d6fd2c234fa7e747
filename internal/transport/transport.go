// Package transport runs a command on a registered server, either over a
// pooled direct SSH session or relayed through the server's proxy agent.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/agent462/drover/internal/executor"
	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/model"
	"github.com/agent462/drover/internal/relay"
	"github.com/agent462/drover/internal/ssh"
)

const probeTimeout = 15 * time.Second

// ServerSource resolves servers and records their probed status.
type ServerSource interface {
	FindServer(ctx context.Context, id uint) (*model.Server, error)
	UpdateServerStatus(ctx context.Context, id uint, status model.ServerStatus) error
}

// SSHRunner runs commands over pooled direct sessions. *ssh.Pool implements it.
type SSHRunner interface {
	Run(ctx context.Context, key string, target ssh.Target, command string) *ssh.Result
}

// Relay sends commands to proxy agents. *relay.Hub implements it.
type Relay interface {
	SendCommand(ctx context.Context, proxyID string, req relay.CommandRequest) (relay.Result, error)
}

// Output is the folded result of Exec.
type Output struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Transport dispatches commands by the server's connection type.
type Transport struct {
	servers ServerSource
	ssh     SSHRunner
	relay   Relay
	logger  *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a Transport.
func New(servers ServerSource, sshRunner SSHRunner, r Relay, opts ...Option) *Transport {
	t := &Transport{servers: servers, ssh: sshRunner, relay: r}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrDefault(t.logger)
	return t
}

// Run executes command on the server. Command failures come back as a
// non-zero ExitCode; anything that kept the command from running (unknown
// server, unreachable host, offline proxy, relay timeout) is set as Err.
//
// For direct servers timeout is soft: exceeding it is logged and the call
// keeps waiting. For proxied servers it is a hard deadline, defaulting to
// the relay's own.
func (t *Transport) Run(ctx context.Context, serverID uint, command string, timeout time.Duration) *executor.HostResult {
	srv, err := t.servers.FindServer(ctx, serverID)
	if err != nil {
		return &executor.HostResult{ServerID: serverID, ExitCode: -1, Err: fmt.Errorf("server %d: %w", serverID, err)}
	}

	if srv.ConnectionType == model.ConnectionProxy {
		return t.runRelayed(ctx, srv, command, timeout)
	}
	return t.runDirect(ctx, srv, command, timeout)
}

func (t *Transport) runDirect(ctx context.Context, srv *model.Server, command string, timeout time.Duration) *executor.HostResult {
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			t.logger.Warn("command exceeded its timeout, still waiting",
				"server_id", srv.ID, "timeout", timeout)
		})
		defer timer.Stop()
	}

	target := ssh.Target{
		Host:       srv.Host,
		Port:       srv.Port,
		User:       srv.Username,
		Password:   srv.Password,
		PrivateKey: srv.PrivateKey,
	}
	res := t.ssh.Run(ctx, strconv.FormatUint(uint64(srv.ID), 10), target, command)
	return &executor.HostResult{
		ServerID: srv.ID,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Err:      res.Err,
	}
}

func (t *Transport) runRelayed(ctx context.Context, srv *model.Server, command string, timeout time.Duration) *executor.HostResult {
	req := relay.CommandRequest{
		ServerID:   srv.ID,
		Host:       srv.Host,
		Port:       srv.Port,
		Username:   srv.Username,
		Password:   srv.Password,
		PrivateKey: srv.PrivateKey,
		Command:    command,
		Timeout:    timeout.Milliseconds(),
	}
	res, err := t.relay.SendCommand(ctx, srv.ProxyID, req)
	if err != nil {
		return &executor.HostResult{
			ServerID: srv.ID,
			ExitCode: -1,
			Err:      fmt.Errorf("relay via proxy %s: %w", srv.ProxyID, err),
		}
	}
	return &executor.HostResult{
		ServerID: srv.ID,
		Stdout:   []byte(res.Stdout),
		Stderr:   []byte(res.Stderr),
		ExitCode: res.ExitCode,
	}
}

// Exec is Run folded into a plain result: connectivity failures become
// exit code 1 with the condition in Stderr.
func (t *Transport) Exec(ctx context.Context, serverID uint, command string, timeout time.Duration) Output {
	r := t.Run(ctx, serverID, command, timeout)
	if r.Err != nil {
		return Output{Stdout: string(r.Stdout), Stderr: r.Err.Error(), ExitCode: 1}
	}
	return Output{Stdout: string(r.Stdout), Stderr: string(r.Stderr), ExitCode: r.ExitCode}
}

// Probe checks connectivity to the server and records the result as its
// status. The error is non-nil only when the server cannot be loaded or
// the status cannot be saved.
func (t *Transport) Probe(ctx context.Context, serverID uint) (model.ServerStatus, error) {
	if _, err := t.servers.FindServer(ctx, serverID); err != nil {
		return model.ServerUnknown, fmt.Errorf("server %d: %w", serverID, err)
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	r := t.Run(pctx, serverID, ssh.HealthCheckCommand, probeTimeout)

	status := model.ServerOnline
	if r.Err != nil || r.ExitCode != 0 {
		status = model.ServerOffline
		t.logger.Info("server probe failed", "server_id", serverID, "exit_code", r.ExitCode, "err", r.Err)
	}
	if err := t.servers.UpdateServerStatus(ctx, serverID, status); err != nil {
		return status, fmt.Errorf("record status of server %d: %w", serverID, err)
	}
	return status, nil
}
