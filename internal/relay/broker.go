// Package relay implements the broker that pairs a web and a cli peer under
// a shared session id and forwards opaque envelopes between them.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/testweaver/bridge/internal/logx"
	"github.com/testweaver/bridge/internal/serverstate"
	"github.com/testweaver/bridge/wire"
)

const writeTimeout = 2 * time.Second

// conn is one role's connection within a session.
type conn struct {
	id   string
	role string
	ws   *websocket.Conn
	mu   sync.Mutex
}

func (c *conn) write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) writeEnvelope(ctx context.Context, env wire.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.write(ctx, b)
}

// session holds at most one connection per role. A session exists if and
// only if it holds at least one; it is removed the instant both are gone.
type session struct {
	web *conn
	cli *conn
}

func (s *session) get(role string) *conn {
	if role == wire.RoleWeb {
		return s.web
	}
	return s.cli
}

func (s *session) set(role string, c *conn) {
	if role == wire.RoleWeb {
		s.web = c
	} else {
		s.cli = c
	}
}

func (s *session) empty() bool { return s.web == nil && s.cli == nil }

// Broker owns the session table. All table mutations happen under a single
// lock so role-assign, role-clear, and delete-when-empty are atomic.
type Broker struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{sessions: map[string]*session{}}
}

// attach stores c under its role in the session, creating the session on
// first reference. The displaced occupant, if any, is returned so the caller
// can close it outside the lock.
func (b *Broker) attach(sid string, c *conn) *conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.sessions[sid]
	if sess == nil {
		sess = &session{}
		b.sessions[sid] = sess
		sessionsGauge.Inc()
	}
	displaced := sess.get(c.role)
	sess.set(c.role, c)
	if displaced == nil {
		connectionsGauge.WithLabelValues(c.role).Inc()
	}
	return displaced
}

// detach clears c's role entry if c is still the occupant, and deletes the
// session when no role remains.
func (b *Broker) detach(sid string, c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.sessions[sid]
	if sess == nil || sess.get(c.role) == nil || sess.get(c.role).id != c.id {
		return
	}
	sess.set(c.role, nil)
	connectionsGauge.WithLabelValues(c.role).Dec()
	if sess.empty() {
		delete(b.sessions, sid)
		sessionsGauge.Dec()
	}
}

// peer returns the connection occupying the opposite role, if any.
func (b *Broker) peer(sid string, c *conn) *conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.sessions[sid]
	if sess == nil {
		return nil
	}
	return sess.get(wire.PeerRole(c.role))
}

// SessionCount returns the number of live sessions.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// SessionInfo describes one live session for diagnostics.
type SessionInfo struct {
	Session string
	Roles   []string
}

// Snapshot lists live sessions and their occupied roles.
func (b *Broker) Snapshot() []SessionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SessionInfo, 0, len(b.sessions))
	for sid, sess := range b.sessions {
		info := SessionInfo{Session: sid}
		if sess.web != nil {
			info.Roles = append(info.Roles, wire.RoleWeb)
		}
		if sess.cli != nil {
			info.Roles = append(info.Roles, wire.RoleCLI)
		}
		out = append(out, info)
	}
	return out
}

// WSHandler accepts relay websocket connections. The handshake carries the
// role and session id as query parameters; a missing session, missing role,
// or unknown role closes the connection with 1008. originPatterns is passed
// through to the websocket accept so browser peers can connect cross-origin.
func (b *Broker) WSHandler(originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		role := r.URL.Query().Get("role")
		sid := r.URL.Query().Get("session")
		var opts *websocket.AcceptOptions
		if len(originPatterns) > 0 {
			opts = &websocket.AcceptOptions{OriginPatterns: originPatterns}
		}
		ws, err := websocket.Accept(w, r, opts)
		if err != nil {
			logx.Log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("ws accept")
			return
		}
		if sid == "" || !wire.ValidRole(role) {
			handshakeRejects.Inc()
			logx.Log.Warn().Str("remote", r.RemoteAddr).Str("role", role).Msg("invalid handshake parameters")
			_ = ws.Close(websocket.StatusPolicyViolation, wire.ReasonInvalidParams)
			return
		}

		c := &conn{id: uuid.NewString(), role: role, ws: ws}
		if displaced := b.attach(sid, c); displaced != nil {
			// Force-close the displaced occupant so it does not linger as a
			// half-open socket still holding resources.
			_ = displaced.ws.Close(websocket.StatusNormalClosure, wire.ReasonReplaced)
			logx.Log.Info().Str("session", sid).Str("role", role).Msg("replaced existing connection")
		}
		logx.Log.Info().Str("session", sid).Str("role", role).Str("remote", r.RemoteAddr).Msg("peer connected")

		ctx := r.Context()
		_ = c.writeEnvelope(ctx, wire.Envelope{
			Type:      wire.TypeWelcome,
			Role:      role,
			Session:   sid,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})

		defer func() {
			b.detach(sid, c)
			_ = ws.Close(websocket.StatusNormalClosure, "closing")
			logx.Log.Info().Str("session", sid).Str("role", role).Msg("peer disconnected")
		}()

		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			b.route(ctx, sid, c, data)
		}
	}
}

// route forwards data from c to its session peer, or synthesizes an error
// reply when the message is a correlated rpc and the peer is absent or its
// socket is no longer writable. The payload is never inspected beyond the
// type discriminator and id.
func (b *Broker) route(ctx context.Context, sid string, c *conn, data []byte) {
	var env struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	_ = json.Unmarshal(data, &env)

	if peer := b.peer(sid, c); peer != nil {
		err := peer.write(ctx, data)
		if err == nil {
			forwardedTotal.WithLabelValues(c.role).Inc()
			return
		}
		// A peer whose read loop has not detached yet still sits in the
		// table with a dead socket. The sender must not wait out its call
		// deadline for that, so a failed rpc forward gets the same
		// synthesized reply as an absent peer.
		logx.Log.Warn().Err(err).Str("session", sid).Str("role", peer.role).Msg("forward failed")
	}

	missing := wire.PeerRole(c.role)
	if env.Type == wire.TypeRPC && env.ID != "" {
		peerAbsentTotal.Inc()
		reply := wire.Envelope{Type: wire.TypeRPC, ID: env.ID, Error: wire.NoPeerError(missing)}
		if err := c.writeEnvelope(ctx, reply); err != nil {
			logx.Log.Warn().Err(err).Str("session", sid).Msg("error reply failed")
		}
		return
	}
	logx.Log.Debug().Str("session", sid).Str("type", env.Type).Str("missing", missing).Msg("dropped message without peer")
}

// Shutdown closes every open connection with 1001 so clients can tell an
// orderly shutdown from a crash, then clears the session table.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.sessions)*2)
	for _, sess := range b.sessions {
		if sess.web != nil {
			conns = append(conns, sess.web)
		}
		if sess.cli != nil {
			conns = append(conns, sess.cli)
		}
	}
	b.sessions = map[string]*session{}
	sessionsGauge.Set(0)
	connectionsGauge.Reset()
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, wire.ReasonShutdown)
	}
}

// StartDiagnostics periodically logs live sessions and their occupied roles
// until ctx ends. This is an operational aid, not part of the protocol.
func (b *Broker) StartDiagnostics(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := b.Snapshot()
				ev := logx.Log.Info().Int("sessions", len(snap))
				for _, s := range snap {
					ev = ev.Strs(s.Session, s.Roles)
				}
				ev.Msg("relay diagnostics")
			case <-ctx.Done():
				return
			}
		}
	}()
}
