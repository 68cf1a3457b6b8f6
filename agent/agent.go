// Package agent connects a local command-line agent to the relay broker as
// the cli role of a session, dispatching incoming calls to a caller-supplied
// handler. The handler owns file persistence and script execution; this
// package owns only the connection.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/testweaver/bridge/internal/logx"
	"github.com/testweaver/bridge/internal/reconnect"
	"github.com/testweaver/bridge/wire"
)

const (
	writeTimeout  = 2 * time.Second
	pingInterval  = 15 * time.Second
	defaultPerJob = 60 * time.Second
)

// Handler executes one method call from the web side.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, method, params)
}

// Options configures the relay connection.
type Options struct {
	// RelayURL is the broker's connect endpoint (ws:// or wss://).
	RelayURL string
	// Session is the shared session identifier; the web peer must use the
	// same one.
	Session string
	// Handler receives every rpc envelope.
	Handler Handler
	// RequestTimeout bounds one handler invocation. Default 60s.
	RequestTimeout time.Duration
	// Reconnect keeps retrying with backoff when the connection drops.
	Reconnect bool
}

// Run connects to the broker and serves until ctx ends. With
// opts.Reconnect it retries dropped connections on the backoff schedule;
// an orderly broker shutdown (1001) is also retried, so the agent survives
// broker restarts.
func Run(ctx context.Context, opts Options) error {
	if opts.Handler == nil {
		return errors.New("agent: nil handler")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultPerJob
	}
	return reconnect.Run(ctx, opts.Reconnect, func(runCtx context.Context) error {
		return connectAndServe(runCtx, opts)
	})
}

func connectAndServe(ctx context.Context, opts Options) error {
	url := fmt.Sprintf("%s?role=%s&session=%s", opts.RelayURL, wire.RoleCLI, opts.Session)
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer func() { _ = ws.Close(websocket.StatusInternalError, "closing") }()

	s := &server{ws: ws, handler: opts.Handler, timeout: opts.RequestTimeout}

	_, data, err := ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("await welcome: %w", err)
	}
	var welcome wire.Envelope
	if err := json.Unmarshal(data, &welcome); err != nil || welcome.Type != wire.TypeWelcome {
		return errors.New("unexpected first message from relay")
	}
	logx.Log.Info().Str("session", welcome.Session).Str("role", welcome.Role).Msg("attached to relay")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.Ping(pingCtx); err != nil {
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusGoingAway {
				logx.Log.Info().Str("reason", ce.Reason).Msg("relay shutting down")
			}
			return err
		}
		var env wire.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case wire.TypeRPC:
			go s.handleRPC(ctx, env)
		case wire.TypePing:
			go s.handlePing(ctx, env)
		default:
			logx.Log.Debug().Str("type", env.Type).Msg("ignoring envelope")
		}
	}
}

type server struct {
	ws      *websocket.Conn
	handler Handler
	timeout time.Duration
	writeMu sync.Mutex
}

func (s *server) write(ctx context.Context, env wire.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.Write(ctx, websocket.MessageText, b)
}

func (s *server) handleRPC(ctx context.Context, env wire.Envelope) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reply := wire.Envelope{Type: wire.TypeRPC, ID: env.ID}
	result, err := s.handler.Handle(callCtx, env.Method, env.Params)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Payload = result
	}
	if env.ID == "" {
		// Notification-shaped rpc; nothing to correlate a reply to.
		return
	}
	if err := s.write(ctx, reply); err != nil {
		logx.Log.Warn().Err(err).Str("method", env.Method).Msg("reply failed")
	}
}

// handlePing answers an application-level ping from the web peer so it can
// verify end-to-end session liveness through the broker.
func (s *server) handlePing(ctx context.Context, env wire.Envelope) {
	if env.ID == "" {
		return
	}
	pong, _ := json.Marshal("pong")
	reply := wire.Envelope{Type: wire.TypePing, ID: env.ID, Payload: pong}
	if err := s.write(ctx, reply); err != nil {
		logx.Log.Warn().Err(err).Msg("pong failed")
	}
}
