package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// Result holds the outcome of one command on one host.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Err      error // connection errors; command failures are ExitCode
}

// dialResult holds the outcome of a Dial attempt, shared between goroutines
// waiting for the same key.
type dialResult struct {
	client *Client
	err    error
}

type pooled struct {
	client *Client
	target Target
}

// Pool manages one persistent SSH connection per key (a server ID).
// Connections are dialed lazily, health-checked before reuse, and replaced
// when the check fails or the target's connection details change.
type Pool struct {
	mu       sync.Mutex
	clients  map[string]pooled
	inflight map[string]chan dialResult // per-key dial coordination
	conf     ClientConfig
}

// NewPool creates a connection pool sharing conf across all hosts.
func NewPool(conf ClientConfig) *Pool {
	return &Pool{
		clients:  make(map[string]pooled),
		inflight: make(map[string]chan dialResult),
		conf:     conf,
	}
}

// Run executes command on the host identified by key, dialing target if no
// healthy pooled connection exists.
func (p *Pool) Run(ctx context.Context, key string, target Target, command string) *Result {
	client, err := p.get(ctx, key, target)
	if err != nil {
		return &Result{ExitCode: -1, Err: WrapConnectError(target.Host, fmt.Errorf("connect: %w", err))}
	}
	stdout, stderr, code, err := client.RunCommand(ctx, command)
	return &Result{Stdout: stdout, Stderr: stderr, ExitCode: code, Err: err}
}

func (p *Pool) get(ctx context.Context, key string, target Target) (*Client, error) {
	p.mu.Lock()
	entry, ok := p.clients[key]
	p.mu.Unlock()

	if ok {
		if entry.target == target && p.healthy(ctx, entry.client) {
			return entry.client, nil
		}
		p.evict(key, entry.client)
	}
	return p.dial(ctx, key, target)
}

func (p *Pool) healthy(ctx context.Context, client *Client) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return client.Ping(ctx) == nil
}

func (p *Pool) dial(ctx context.Context, key string, target Target) (*Client, error) {
	p.mu.Lock()

	// Another goroutine may have replaced the entry while we checked health.
	if entry, ok := p.clients[key]; ok && entry.target == target {
		p.mu.Unlock()
		return entry.client, nil
	}

	// Check if another goroutine is already dialing this key.
	if ch, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		select {
		case res := <-ch:
			// Put the result back so other waiters can also read it.
			ch <- res
			return res.client, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ch := make(chan dialResult, 1)
	p.inflight[key] = ch
	p.mu.Unlock()

	client, err := Dial(ctx, target, p.conf)

	p.mu.Lock()
	delete(p.inflight, key)
	if err == nil {
		p.clients[key] = pooled{client: client, target: target}
	}
	p.mu.Unlock()

	ch <- dialResult{client: client, err: err}
	return client, err
}

// evict removes client from the pool if it is still the entry for key.
func (p *Pool) evict(key string, client *Client) {
	p.mu.Lock()
	entry, ok := p.clients[key]
	if ok && entry.client == client {
		delete(p.clients, key)
	}
	p.mu.Unlock()
	client.Close()
}

// IsConnected reports whether a pooled connection exists for key.
func (p *Pool) IsConnected(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[key]
	return ok
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes all pooled connections and resets the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]pooled)
	p.mu.Unlock()

	var firstErr error
	for _, entry := range clients {
		if err := entry.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
