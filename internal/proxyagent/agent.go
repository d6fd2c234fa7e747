// Package proxyagent implements the agent side of the relay: it keeps a
// channel open to the core and runs the commands it receives over SSH.
package proxyagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/relay"
	"github.com/agent462/drover/internal/ssh"
)

const (
	defaultCommandTimeout = relay.DefaultCommandTimeout
	minBackoff            = time.Second
	maxBackoff            = 30 * time.Second
)

// Runner executes a command against a target. *ssh.Pool implements it.
type Runner interface {
	Run(ctx context.Context, key string, target ssh.Target, command string) *ssh.Result
}

// Config identifies the agent to the core.
type Config struct {
	ServerURL string
	ProxyID   string
	APIKey    string
}

// Agent maintains the relay channel and serves execute_command requests.
type Agent struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
	dial   func(ctx context.Context, url, proxyID, apiKey string) (*relay.Conn, error)

	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(lo, hi time.Duration) Option {
	return func(a *Agent) {
		if lo > 0 {
			a.minBackoff = lo
		}
		if hi >= a.minBackoff {
			a.maxBackoff = hi
		}
	}
}

// New creates an agent. It does not connect until Run is called.
func New(cfg Config, runner Runner, opts ...Option) *Agent {
	a := &Agent{
		cfg:        cfg,
		runner:     runner,
		dial:       relay.Dial,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrDefault(a.logger).With("proxy_id", cfg.ProxyID)
	return a
}

func (a *Agent) backoff() retry.Backoff {
	b := retry.NewExponential(a.minBackoff)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(a.maxBackoff, b)
}

// Run connects and serves until ctx ends. Dial failures are retried with
// exponential backoff; a dropped channel is redialed. A rejected handshake
// is permanent and returned.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
			conn, err := a.dial(ctx, a.cfg.ServerURL, a.cfg.ProxyID, a.cfg.APIKey)
			if err != nil {
				if errors.Is(err, relay.ErrUnauthorized) {
					return err
				}
				a.logger.Warn("relay dial failed, retrying", "err", err)
				return retry.RetryableError(err)
			}
			a.logger.Info("connected to relay", "url", a.cfg.ServerURL)
			a.serve(ctx, conn)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		a.logger.Warn("relay channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.minBackoff):
		}
	}
}

// serve reads frames until the channel fails or ctx ends. In-flight commands
// finish before it returns.
func (a *Agent) serve(ctx context.Context, conn *relay.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		env, err := conn.Receive()
		if errors.Is(err, relay.ErrMalformedFrame) {
			a.logger.Warn("dropping relay frame", "err", err)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Debug("relay read failed", "err", err)
			}
			return
		}
		switch env.Event {
		case relay.EventExecuteCommand:
			var req relay.CommandRequest
			if err := json.Unmarshal(env.Data, &req); err != nil {
				a.logger.Warn("undecodable execute_command", "err", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.execute(ctx, conn, req)
			}()
		case relay.EventCommandResultReceived:
			var ack relay.Ack
			if err := json.Unmarshal(env.Data, &ack); err == nil && !ack.Success {
				a.logger.Warn("core refused command result")
			}
		default:
			a.logger.Debug("ignoring relay event", "event", env.Event)
		}
	}
}

func (a *Agent) execute(ctx context.Context, conn *relay.Conn, req relay.CommandRequest) {
	log := a.logger.With("command_id", req.CommandID, "server_id", req.ServerID)

	ctx, cancel := context.WithTimeout(ctx, req.TimeoutDuration(defaultCommandTimeout))
	defer cancel()

	target := ssh.Target{
		Host:       req.Host,
		Port:       req.Port,
		User:       req.Username,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
	}
	start := time.Now()
	res := a.runner.Run(ctx, strconv.FormatUint(uint64(req.ServerID), 10), target, req.Command)

	result := relay.Result{
		Stdout:   string(res.Stdout),
		Stderr:   string(res.Stderr),
		ExitCode: res.ExitCode,
	}
	if res.Err != nil {
		result.Stderr = fmt.Sprintf("%s%v", result.Stderr, res.Err)
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		log.Warn("command failed", "err", res.Err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		log.Error("encode result", "err", err)
		return
	}
	if err := conn.Send(relay.EventCommandResult, relay.CommandResult{CommandID: req.CommandID, Result: raw}); err != nil {
		log.Warn("send command_result failed", "err", err)
		return
	}
	log.Debug("command finished", "exit_code", result.ExitCode, "duration", time.Since(start))
}
