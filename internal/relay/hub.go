// Package relay correlates commands sent to remote proxy agents with the
// results they send back over a long-lived websocket channel.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent462/drover/internal/logging"
)

// Defaults used when options are not given.
const (
	DefaultCommandTimeout = 30 * time.Second
	DefaultPingInterval   = 25 * time.Second
)

// PresenceFunc is called when an agent connects (online=true) or its channel closes.
type PresenceFunc func(proxyID string, online bool)

// Hub accepts agent channels and dispatches commands over them.
type Hub struct {
	apiKey         string
	commandTimeout time.Duration
	pingInterval   time.Duration
	onPresence     PresenceFunc
	logger         *slog.Logger
	upgrader       websocket.Upgrader

	mu      sync.Mutex
	agents  map[string]*agent
	pending map[string]*pendingCommand
}

type agent struct {
	proxyID string
	conn    *Conn
}

type pendingCommand struct {
	owner *agent
	done  chan outcome
}

type outcome struct {
	result Result
	err    error
}

// Option configures a Hub.
type Option func(*Hub)

// WithCommandTimeout sets the timeout used when a request carries none.
func WithCommandTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.commandTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive interval. Reads time out after two missed pongs.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithPresenceFunc registers a connect/disconnect callback.
func WithPresenceFunc(fn PresenceFunc) Option {
	return func(h *Hub) { h.onPresence = fn }
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a hub that admits agents presenting apiKey.
// An empty apiKey admits nobody.
func NewHub(apiKey string, opts ...Option) *Hub {
	h := &Hub{
		apiKey:         apiKey,
		commandTimeout: DefaultCommandTimeout,
		pingInterval:   DefaultPingInterval,
		agents:         make(map[string]*agent),
		pending:        make(map[string]*pendingCommand),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDefault(h.logger)
	return h
}

func credentials(r *http.Request) (proxyID, apiKey string) {
	proxyID = r.Header.Get(HeaderProxyID)
	if proxyID == "" {
		proxyID = r.URL.Query().Get(QueryProxyID)
	}
	apiKey = r.Header.Get(HeaderAPIKey)
	if apiKey == "" {
		apiKey = r.URL.Query().Get(QueryAPIKey)
	}
	return proxyID, apiKey
}

func (h *Hub) authorized(apiKey string) bool {
	return h.apiKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(h.apiKey)) == 1
}

// ServeHTTP performs the handshake and runs the agent's read loop until the
// channel closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	proxyID, apiKey := credentials(r)
	if proxyID == "" || !h.authorized(apiKey) {
		h.logger.Warn("relay handshake rejected", "proxy_id", proxyID, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "require websocket upgrade", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("relay upgrade failed", "proxy_id", proxyID, "err", err)
		return
	}
	a := &agent{proxyID: proxyID, conn: NewConn(ws)}
	h.register(a)
	defer h.unregister(a)

	stop := make(chan struct{})
	defer close(stop)
	go h.keepalive(a, stop)

	h.readLoop(a)
}

func (h *Hub) register(a *agent) {
	h.mu.Lock()
	old := h.agents[a.proxyID]
	h.agents[a.proxyID] = a
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("proxy agent reconnected, closing previous channel", "proxy_id", a.proxyID)
		old.conn.Close()
	} else {
		h.logger.Info("proxy agent connected", "proxy_id", a.proxyID)
	}
	if h.onPresence != nil {
		h.onPresence(a.proxyID, true)
	}
}

// unregister removes a only if it is still the registered channel, and
// rejects every command pending on it.
func (h *Hub) unregister(a *agent) {
	a.conn.Close()

	h.mu.Lock()
	current := h.agents[a.proxyID] == a
	if current {
		delete(h.agents, a.proxyID)
	}
	var orphaned []*pendingCommand
	for id, p := range h.pending {
		if p.owner == a {
			delete(h.pending, id)
			orphaned = append(orphaned, p)
		}
	}
	h.mu.Unlock()

	for _, p := range orphaned {
		p.done <- outcome{err: fmt.Errorf("%w: %s", ErrAgentDisconnected, a.proxyID)}
	}
	if current {
		h.logger.Info("proxy agent disconnected", "proxy_id", a.proxyID, "rejected", len(orphaned))
		if h.onPresence != nil {
			h.onPresence(a.proxyID, false)
		}
	}
}

func (h *Hub) keepalive(a *agent, stop <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := a.conn.Ping(); err != nil {
				h.logger.Debug("relay ping failed", "proxy_id", a.proxyID, "err", err)
				a.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(a *agent) {
	ws := a.conn.WS()
	readWait := 2 * h.pingInterval
	ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		env, err := a.conn.Receive()
		if errors.Is(err, ErrMalformedFrame) {
			h.logger.Warn("dropping relay frame", "proxy_id", a.proxyID, "err", err)
			ws.SetReadDeadline(time.Now().Add(readWait))
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("relay read failed", "proxy_id", a.proxyID, "err", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(readWait))

		switch env.Event {
		case EventCommandResult:
			h.handleResult(a, env.Data)
		default:
			h.logger.Warn("unknown relay event", "proxy_id", a.proxyID, "event", env.Event)
		}
	}
}

func (h *Hub) handleResult(a *agent, data json.RawMessage) {
	var msg CommandResult
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("undecodable command_result", "proxy_id", a.proxyID, "err", err)
		a.conn.Send(EventCommandResultReceived, Ack{Success: false})
		return
	}

	res, err := DecodeResult(msg.Result)
	delivered := h.resolve(msg.CommandID, outcome{result: res, err: err})
	if !delivered {
		h.logger.Debug("command_result with no waiter", "proxy_id", a.proxyID, "command_id", msg.CommandID)
	}
	ack := Ack{Success: delivered && err == nil}
	if werr := a.conn.Send(EventCommandResultReceived, ack); werr != nil {
		h.logger.Debug("ack write failed", "proxy_id", a.proxyID, "err", werr)
	}
}

// resolve removes the pending entry for id and delivers o to its waiter.
// It reports false when the entry was already taken.
func (h *Hub) resolve(id string, o outcome) bool {
	h.mu.Lock()
	p, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()

	if ok {
		p.done <- o
	}
	return ok
}

// SendCommand relays req to proxyID and waits for the result, the timeout
// (req.Timeout, else the hub default), a write failure, the agent
// disconnecting, or ctx ending, whichever comes first.
func (h *Hub) SendCommand(ctx context.Context, proxyID string, req CommandRequest) (Result, error) {
	if req.CommandID == "" {
		req.CommandID = NewCommandID()
	}

	h.mu.Lock()
	a, ok := h.agents[proxyID]
	if !ok {
		h.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrProxyOffline, proxyID)
	}
	p := &pendingCommand{owner: a, done: make(chan outcome, 1)}
	h.pending[req.CommandID] = p
	h.mu.Unlock()

	timeout := req.TimeoutDuration(h.commandTimeout)
	log := h.logger.With("proxy_id", proxyID, "command_id", req.CommandID)
	log.Debug("relaying command", "server_id", req.ServerID, "timeout", timeout)

	if err := a.conn.Send(EventExecuteCommand, req); err != nil {
		h.resolve(req.CommandID, outcome{err: fmt.Errorf("send execute_command: %w", err)})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-p.done:
	case <-timer.C:
		h.resolve(req.CommandID, outcome{err: fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)})
		o = <-p.done
	case <-ctx.Done():
		h.resolve(req.CommandID, outcome{err: ctx.Err()})
		o = <-p.done
	}
	// Whoever removed the entry delivered exactly one outcome.
	if o.err != nil {
		log.Warn("relayed command failed", "err", o.err)
	}
	return o.result, o.err
}

// IsOnline reports whether proxyID currently has a registered channel.
func (h *Hub) IsOnline(proxyID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.agents[proxyID]
	return ok
}

// OnlineAgents returns the connected proxy IDs in sorted order.
func (h *Hub) OnlineAgents() []string {
	h.mu.Lock()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Pending returns the number of commands awaiting a result.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close closes every agent channel. Their read loops unregister them.
func (h *Hub) Close() {
	h.mu.Lock()
	agents := make([]*agent, 0, len(h.agents))
	for _, a := range h.agents {
		agents = append(agents, a)
	}
	h.mu.Unlock()
	for _, a := range agents {
		a.conn.Close()
	}
}
