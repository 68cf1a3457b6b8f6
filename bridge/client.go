// Package bridge connects the web application to its local agent. It
// discovers the agent on loopback ports when it can, falls back to a relay
// broker when it cannot, and exposes one transport-agnostic call interface
// either way.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testweaver/bridge/internal/logx"
	"github.com/testweaver/bridge/internal/reconnect"
	"github.com/testweaver/bridge/wire"
)

// Status is the externally visible connection state.
type Status string

const (
	StatusUninitialized   Status = "uninitialized"
	StatusDiscovering     Status = "discovering"
	StatusConnectedDirect Status = "connected_direct"
	StatusConnectedRelay  Status = "connected_relay"
	StatusDegraded        Status = "degraded"
	StatusReconnecting    Status = "reconnecting"
	StatusDisconnected    Status = "disconnected"
)

// failureThreshold is the number of consecutive health-check failures that
// flips the client to disconnected and triggers rediscovery.
const failureThreshold = 3

// Options configures a Client.
type Options struct {
	// Ports is the ordered candidate list for discovery; DefaultPorts
	// when empty.
	Ports []int
	// ProbeTimeout bounds each discovery and health probe.
	ProbeTimeout time.Duration
	// RelayURL enables relay fallback when set (ws:// or wss:// URL of
	// the broker's connect endpoint).
	RelayURL string
	// Session is the operator-supplied session identifier for relay mode.
	Session string
	// CallTimeout is the per-call reply deadline. Default 30s.
	CallTimeout time.Duration
	// HealthInterval is the transport re-verification period. Default 5s.
	HealthInterval time.Duration
	// OnStatusChange, when set, observes every status transition. Repeated
	// "still down" probes do not re-fire it.
	OnStatusChange func(Status)
}

// Client maintains the logical connection to the local agent.
type Client struct {
	opts    Options
	pending *pendingTable

	mu           sync.Mutex
	status       Status
	tr           transport
	endpoint     *Endpoint
	failures     int
	reconnecting bool
	closed       bool
	monCtx       context.Context
	monCancel    context.CancelFunc
}

// New returns an unconnected Client.
func New(opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	return &Client{
		opts:    opts,
		pending: newPendingTable(),
		status:  StatusUninitialized,
	}
}

// Connect runs mode selection: discovery first, relay fallback second. It
// also starts the background health monitor on first use. Returns
// ErrAgentNotFound when no agent is reachable and no relay is configured.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.monCtx == nil {
		c.monCtx, c.monCancel = context.WithCancel(context.Background())
		go c.monitor(c.monCtx)
	}
	c.mu.Unlock()
	return c.establish(ctx)
}

// establish attempts direct mode, then relay mode.
func (c *Client) establish(ctx context.Context) error {
	c.setStatus(StatusDiscovering)

	if ep, ok := Discover(ctx, c.opts.Ports, c.opts.ProbeTimeout); ok {
		tr := newDirectTransport(ep, c.pending, c.opts.CallTimeout)
		c.adopt(tr, &ep, StatusConnectedDirect)
		logx.Log.Info().Str("project", ep.Info.Project).Int("port", ep.Port).Msg("connected to local agent")
		return nil
	}

	if c.opts.RelayURL == "" || c.opts.Session == "" {
		c.setStatus(StatusDisconnected)
		return ErrAgentNotFound
	}
	tr, err := dialRelay(ctx, c.opts.RelayURL, c.opts.Session, c.pending, c.handleTransportFailure)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return fmt.Errorf("relay fallback: %w", err)
	}
	c.adopt(tr, nil, StatusConnectedRelay)
	logx.Log.Info().Str("session", c.opts.Session).Msg("connected through relay")
	return nil
}

func (c *Client) adopt(tr transport, ep *Endpoint, st Status) {
	c.mu.Lock()
	old := c.tr
	c.tr = tr
	c.endpoint = ep
	c.failures = 0
	c.setStatusLocked(st)
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
}

// IsConnected reports whether a transport is currently established.
func (c *Client) IsConnected() bool {
	st := c.Status()
	return st == StatusConnectedDirect || st == StatusConnectedRelay
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// AgentInfo returns the discovered agent metadata in direct mode.
func (c *Client) AgentInfo() (AgentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoint == nil {
		return AgentInfo{}, false
	}
	return c.endpoint.Info, true
}

// Call issues a correlated request and waits for the matching reply or the
// per-call deadline, whichever comes first. Concurrent calls are tracked
// independently by correlation id.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	tr := c.tr
	st := c.status
	c.mu.Unlock()
	if tr == nil || (st != StatusConnectedDirect && st != StatusConnectedRelay && st != StatusDegraded) {
		return nil, ErrNotConnected
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = b
	}
	id := uuid.NewString()
	env := wire.Envelope{Type: wire.TypeRPC, ID: id, Method: method, Params: raw}
	ch := c.pending.add(id, c.opts.CallTimeout)
	if err := tr.send(ctx, env); err != nil {
		c.pending.fail(id, fmt.Errorf("send: %w", err))
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.env.Payload, nil
	case <-ctx.Done():
		c.pending.fail(id, ctx.Err())
		res := <-ch
		if res.err != nil {
			return nil, res.err
		}
		return res.env.Payload, nil
	}
}

// Notify sends a fire-and-forget envelope; no reply is expected.
func (c *Client) Notify(ctx context.Context, typ string, payload any) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	return tr.send(ctx, wire.Envelope{Type: typ, Payload: raw})
}

// Reconnect tears down the current transport, rejects every pending call
// with a connection-closed error, clears cached state, and re-runs mode
// selection from scratch.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	tr := c.tr
	c.tr = nil
	c.endpoint = nil
	c.failures = 0
	c.setStatusLocked(StatusReconnecting)
	c.mu.Unlock()
	if tr != nil {
		tr.close()
	}
	c.pending.failAll(ErrClosed)
	return c.establish(ctx)
}

// Close shuts the client down and fails every pending call immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tr := c.tr
	c.tr = nil
	if c.monCancel != nil {
		c.monCancel()
	}
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	if tr != nil {
		tr.close()
	}
	c.pending.failAll(ErrClosed)
	return nil
}

// monitor periodically re-verifies the active transport.
func (c *Client) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		tr := c.tr
		c.mu.Unlock()
		if tr == nil {
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
		err := tr.healthy(hctx)
		cancel()
		if err == nil {
			c.healthOK(tr)
		} else {
			c.healthFail(err)
		}
	}
}

func (c *Client) healthOK(tr transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	if c.status == StatusDegraded {
		if tr.kind() == KindRelay {
			c.setStatusLocked(StatusConnectedRelay)
		} else {
			c.setStatusLocked(StatusConnectedDirect)
		}
	}
}

func (c *Client) healthFail(err error) {
	c.mu.Lock()
	c.failures++
	if c.failures < failureThreshold {
		if c.status == StatusConnectedDirect || c.status == StatusConnectedRelay {
			c.setStatusLocked(StatusDegraded)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	logx.Log.Warn().Err(err).Msg("transport unhealthy; reconnecting")
	c.teardownAndReconnect()
}

// handleTransportFailure runs when the relay read loop dies underneath us.
func (c *Client) handleTransportFailure(err error) {
	logx.Log.Warn().Err(err).Msg("transport failed; reconnecting")
	c.teardownAndReconnect()
}

// teardownAndReconnect transitions to disconnected, fails pending calls,
// and starts a single background reconnection loop. Safe to call repeatedly;
// repeated "still down" signals are no-ops.
func (c *Client) teardownAndReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	tr := c.tr
	c.tr = nil
	c.endpoint = nil
	c.reconnecting = true
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	if tr != nil {
		tr.close()
	}
	c.pending.failAll(ErrClosed)
	go c.autoReconnect()
}

func (c *Client) autoReconnect() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()
	c.mu.Lock()
	ctx := c.monCtx
	c.mu.Unlock()
	if ctx == nil {
		return
	}
	c.setStatus(StatusReconnecting)
	attempt := 0
	for {
		if err := c.establish(ctx); err == nil {
			return
		}
		delay := reconnect.Delay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.setStatusLocked(s)
	c.mu.Unlock()
}

// setStatusLocked changes the status and fires the observer on actual
// transitions only.
func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if cb := c.opts.OnStatusChange; cb != nil {
		go cb(s)
	}
}
