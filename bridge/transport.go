package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/testweaver/bridge/internal/logx"
	"github.com/testweaver/bridge/wire"
)

// Kinds of transport a connected client may be using.
const (
	KindDirect = "direct"
	KindRelay  = "relay"
)

const transportWriteTimeout = 2 * time.Second

// transport is a logical channel to the local agent. Inbound replies are fed
// into the shared correlation table; send never blocks on the reply.
type transport interface {
	kind() string
	send(ctx context.Context, env wire.Envelope) error
	healthy(ctx context.Context) error
	close()
}

// directTransport talks straight to a discovered loopback agent over plain
// HTTP request/response.
type directTransport struct {
	endpoint    Endpoint
	hc          *http.Client
	pending     *pendingTable
	callTimeout time.Duration

	// ctx bounds every in-flight exchange; close() cancels it so no
	// request outlives the transport.
	ctx    context.Context
	cancel context.CancelFunc
}

func newDirectTransport(endpoint Endpoint, pending *pendingTable, callTimeout time.Duration) *directTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &directTransport{
		endpoint:    endpoint,
		hc:          &http.Client{},
		pending:     pending,
		callTimeout: callTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (t *directTransport) kind() string { return KindDirect }

// send posts the envelope to the agent. For correlated envelopes the
// exchange completes in the background and resolves the pending entry; the
// per-call deadline in the table bounds the wait.
func (t *directTransport) send(ctx context.Context, env wire.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if env.ID == "" {
		// Fire-and-forget notification.
		go func() {
			if err := t.post(t.ctx, body, nil); err != nil {
				logx.Log.Debug().Err(err).Str("type", env.Type).Msg("notify failed")
			}
		}()
		return nil
	}
	go func() {
		reqCtx, cancel := context.WithTimeout(t.ctx, t.callTimeout)
		defer cancel()
		var reply wire.Envelope
		if err := t.post(reqCtx, body, &reply); err != nil {
			t.pending.fail(env.ID, fmt.Errorf("agent request: %w", err))
			return
		}
		t.pending.resolve(reply.ID, reply)
	}()
	return nil
}

func (t *directTransport) post(ctx context.Context, body []byte, reply *wire.Envelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.BaseURL()+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent status %s", resp.Status)
	}
	if reply == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(reply)
}

func (t *directTransport) healthy(ctx context.Context) error {
	_, err := probe(ctx, t.endpoint.Host, t.endpoint.Port)
	return err
}

func (t *directTransport) close() {
	t.cancel()
	t.hc.CloseIdleConnections()
}

// relayTransport is a websocket to the relay broker with role=web. Inbound
// envelopes carrying a correlation id resolve pending calls; everything else
// is ignored here.
type relayTransport struct {
	ws      *websocket.Conn
	pending *pendingTable
	writeMu sync.Mutex
	cancel  context.CancelFunc

	// onFailure runs once when the read loop ends for any reason other
	// than close().
	onFailure func(error)
	closedMu  sync.Mutex
	closed    bool
}

// dialRelay connects to the broker and waits for the welcome notification
// before declaring the transport established.
func dialRelay(ctx context.Context, relayURL, session string, pending *pendingTable, onFailure func(error)) (*relayTransport, error) {
	url := fmt.Sprintf("%s?role=%s&session=%s", relayURL, wire.RoleWeb, session)
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "no welcome")
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	var welcome wire.Envelope
	if err := json.Unmarshal(data, &welcome); err != nil || welcome.Type != wire.TypeWelcome {
		_ = ws.Close(websocket.StatusPolicyViolation, "expected welcome")
		return nil, fmt.Errorf("unexpected first message from relay")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t := &relayTransport{ws: ws, pending: pending, cancel: cancel, onFailure: onFailure}
	go t.readLoop(loopCtx)
	return t, nil
}

func (t *relayTransport) kind() string { return KindRelay }

func (t *relayTransport) readLoop(ctx context.Context) {
	for {
		_, data, err := t.ws.Read(ctx)
		if err != nil {
			t.closedMu.Lock()
			wasClosed := t.closed
			t.closedMu.Unlock()
			if !wasClosed && t.onFailure != nil {
				t.onFailure(err)
			}
			return
		}
		var env wire.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.ID == "" {
			logx.Log.Debug().Str("type", env.Type).Msg("relay notification ignored")
			continue
		}
		if !t.pending.resolve(env.ID, env) {
			logx.Log.Debug().Str("id", env.ID).Msg("reply for unknown call discarded")
		}
	}
}

func (t *relayTransport) send(ctx context.Context, env wire.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, transportWriteTimeout)
	defer cancel()
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.ws.Write(ctx, websocket.MessageText, b)
}

// healthy pings at the websocket level so health traffic never reaches the
// session peer.
func (t *relayTransport) healthy(ctx context.Context) error {
	return t.ws.Ping(ctx)
}

func (t *relayTransport) close() {
	t.closedMu.Lock()
	t.closed = true
	t.closedMu.Unlock()
	t.cancel()
	_ = t.ws.Close(websocket.StatusNormalClosure, "closing")
}
