package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/testweaver/bridge/internal/config"
	"github.com/testweaver/bridge/wire"
)

func newTestServer(t *testing.T) (*Broker, *httptest.Server) {
	t.Helper()
	b := NewBroker()
	var cfg config.RelayConfig
	cfg.SetDefaults()
	srv := httptest.NewServer(NewServer(cfg, b))
	t.Cleanup(srv.Close)
	return b, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay/connect?" + query
}

// dial connects with the given role and session and consumes the welcome
// notification.
func dial(t *testing.T, srv *httptest.Server, role, session string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv, "role="+role+"&session="+session), nil)
	if err != nil {
		t.Fatalf("dial %s/%s: %v", role, session, err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "done") })
	var env wire.Envelope
	if err := readEnvelope(ctx, c, &env); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if env.Type != wire.TypeWelcome || env.Role != role || env.Session != session || env.Timestamp == "" {
		t.Fatalf("unexpected welcome: %+v", env)
	}
	return c
}

func readEnvelope(ctx context.Context, c *websocket.Conn, env *wire.Envelope) error {
	_, data, err := c.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, env)
}

func TestHandshakeValidation(t *testing.T) {
	_, srv := newTestServer(t)
	cases := []string{
		"role=web",                    // missing session
		"session=abc",                 // missing role
		"role=admin&session=abc",      // unknown role
		"role=web&session=",           // empty session
	}
	for _, q := range cases {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c, _, err := websocket.Dial(ctx, wsURL(srv, q), nil)
		if err != nil {
			cancel()
			t.Fatalf("dial %q: %v", q, err)
		}
		_, _, err = c.Read(ctx)
		var ce websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != websocket.StatusPolicyViolation {
			t.Fatalf("%q: expected close 1008, got %v", q, err)
		}
		if ce.Reason != wire.ReasonInvalidParams {
			t.Fatalf("%q: reason = %q", q, ce.Reason)
		}
		cancel()
	}
}

func TestForwardBetweenRoles(t *testing.T) {
	b, srv := newTestServer(t)
	web := dial(t, srv, "web", "abc")
	cli := dial(t, srv, "cli", "abc")
	other := dial(t, srv, "cli", "other")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Raw bytes are delivered unmodified, including unknown fields.
	msg := []byte(`{"type":"ping","id":"1","extra":{"k":[1,2,3]}}`)
	if err := web.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, got, err := cli.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("forwarded message mutated: %s", got)
	}

	reply := []byte(`{"type":"ping","id":"1","payload":"pong"}`)
	if err := cli.Write(ctx, websocket.MessageText, reply); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	_, got, err = web.Read(ctx)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(got) != string(reply) {
		t.Fatalf("reply mutated: %s", got)
	}

	// Nothing leaked into the unrelated session.
	leakCtx, leakCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer leakCancel()
	if _, _, err := other.Read(leakCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unrelated session received data: %v", err)
	}

	if n := b.SessionCount(); n != 2 {
		t.Fatalf("session count = %d; want 2", n)
	}
}

func TestPeerAbsentRPCError(t *testing.T) {
	_, srv := newTestServer(t)
	web := dial(t, srv, "web", "solo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := web.Write(ctx, websocket.MessageText, []byte(`{"type":"rpc","id":"2"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	start := time.Now()
	var env wire.Envelope
	if err := readEnvelope(ctx, web, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != wire.TypeRPC || env.ID != "2" || env.Error != "No cli connection available" {
		t.Fatalf("unexpected reply: %+v", env)
	}
	// The reply is synthesized immediately, not after some timeout.
	if time.Since(start) > time.Second {
		t.Fatalf("error reply took %s", time.Since(start))
	}
}

// A peer that vanished without a close handshake may still occupy its role
// slot for a moment. A correlated rpc sent into that window must resolve
// with the synthesized error, not wait out the caller's deadline.
func TestPeerGoneRPCErrorBeforeDetach(t *testing.T) {
	_, srv := newTestServer(t)
	web := dial(t, srv, "web", "abc")
	cli := dial(t, srv, "cli", "abc")

	_ = cli.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := web.Write(ctx, websocket.MessageText, []byte(`{"type":"rpc","id":"9"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	start := time.Now()
	var env wire.Envelope
	if err := readEnvelope(ctx, web, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != wire.TypeRPC || env.ID != "9" || env.Error != "No cli connection available" {
		t.Fatalf("unexpected reply: %+v", env)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("error reply took %s", time.Since(start))
	}
}

func TestPeerAbsentNonRPCDropped(t *testing.T) {
	_, srv := newTestServer(t)
	web := dial(t, srv, "web", "solo")
	bystander := dial(t, srv, "web", "bystander")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := web.Write(ctx, websocket.MessageText, []byte(`{"type":"status"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// No reply on the sender and no delivery anywhere else.
	for _, c := range []*websocket.Conn{web, bystander} {
		rctx, rcancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if _, _, err := c.Read(rctx); !errors.Is(err, context.DeadlineExceeded) {
			rcancel()
			t.Fatalf("expected silence, got %v", err)
		}
		rcancel()
	}
}

func TestRoleReplacement(t *testing.T) {
	_, srv := newTestServer(t)
	first := dial(t, srv, "web", "abc")
	cli := dial(t, srv, "cli", "abc")
	second := dial(t, srv, "web", "abc")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The displaced connection is force-closed.
	_, _, err := first.Read(ctx)
	var ce websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.StatusNormalClosure {
		t.Fatalf("displaced close: %v", err)
	}
	if ce.Reason != wire.ReasonReplaced {
		t.Fatalf("displaced reason = %q", ce.Reason)
	}

	// Subsequent forwards target the replacement only.
	msg := []byte(`{"type":"note","text":"hello"}`)
	if err := cli.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, got, err := second.Read(ctx)
	if err != nil {
		t.Fatalf("read on replacement: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %s", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	b, srv := newTestServer(t)
	web := dial(t, srv, "web", "abc")
	cli := dial(t, srv, "cli", "abc")

	if n := b.SessionCount(); n != 1 {
		t.Fatalf("session count = %d; want 1", n)
	}
	snap := b.Snapshot()
	if len(snap) != 1 || snap[0].Session != "abc" || len(snap[0].Roles) != 2 {
		t.Fatalf("snapshot: %+v", snap)
	}

	_ = web.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool {
		s := b.Snapshot()
		return len(s) == 1 && len(s[0].Roles) == 1 && s[0].Roles[0] == wire.RoleCLI
	})

	_ = cli.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return b.SessionCount() == 0 })
}

func TestShutdownClosesAllWith1001(t *testing.T) {
	b, srv := newTestServer(t)
	conns := []*websocket.Conn{
		dial(t, srv, "web", "s1"),
		dial(t, srv, "cli", "s1"),
		dial(t, srv, "web", "s2"),
	}

	b.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, c := range conns {
		_, _, err := c.Read(ctx)
		var ce websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != websocket.StatusGoingAway {
			t.Fatalf("conn %d: expected close 1001, got %v", i, err)
		}
		if ce.Reason != wire.ReasonShutdown {
			t.Fatalf("conn %d: reason = %q", i, ce.Reason)
		}
	}
	if n := b.SessionCount(); n != 0 {
		t.Fatalf("session count after shutdown = %d", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}
