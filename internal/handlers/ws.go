package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webshell-dev/webshell/internal/logutil"
	"github.com/webshell-dev/webshell/internal/middleware"
	"github.com/webshell-dev/webshell/internal/terminal"
)

// TerminalManager is set from main.go during init.
var TerminalManager *terminal.Manager

// outboundQueueSize bounds envelopes waiting for the socket writer. A client
// that cannot keep up is disconnected rather than allowed to stall the pty
// readers feeding the queue.
const outboundQueueSize = 256

// wsConn is the server side of one websocket: a bounded outbound queue
// drained by a single sender goroutine, plus the set of terminals this
// socket is driving. The sinks map is touched only by the read loop.
type wsConn struct {
	conn     *websocket.Conn
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
	username string
	log      zerolog.Logger

	sinks map[string]*termSink
}

// termSink adapts one terminal's output stream to this connection's
// outbound queue. Identity matters: the manager detaches a sink only when
// the caller still owns the slot, so each (connection, terminal) pair gets
// its own value.
type termSink struct {
	c  *wsConn
	id string
}

func (s *termSink) Output(p []byte) {
	frame, err := json.Marshal(outboundEnvelope{
		Type: msgShellOutput,
		Data: outputPayload{ID: s.id, Output: string(p)},
	})
	if err != nil {
		return
	}
	s.c.enqueue(frame)
}

func (s *termSink) Exit(code *int) {
	frame, err := json.Marshal(outboundEnvelope{
		Type: msgShellExit,
		Data: exitPayload{ID: s.id, Code: code},
	})
	if err != nil {
		return
	}
	s.c.enqueue(frame)
}

// enqueue hands a serialized frame to the sender without ever blocking the
// caller. On overflow the whole connection is dropped; terminals survive
// for the reaper window, so a reconnecting client loses nothing but the
// buffered frames.
func (c *wsConn) enqueue(frame []byte) {
	select {
	case c.outbound <- frame:
	case <-c.closed:
	default:
		c.log.Warn().Msg("outbound queue overflow, dropping connection")
		c.shutdown()
	}
}

func (c *wsConn) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.CloseNow()
	})
}

func (c *wsConn) sendLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.outbound:
			if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				c.shutdown()
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *wsConn) sinkFor(id string) *termSink {
	if s, ok := c.sinks[id]; ok {
		return s
	}
	s := &termSink{c: c, id: id}
	c.sinks[id] = s
	return s
}

// TerminalSocket upgrades to the multiplexed terminal protocol. Auth has
// already happened in middleware; the principal's username scopes every
// terminal operation on this socket.
func TerminalSocket(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(1024 * 1024)

	c := &wsConn{
		conn:     conn,
		outbound: make(chan []byte, outboundQueueSize),
		closed:   make(chan struct{}),
		username: principal.Username,
		sinks:    make(map[string]*termSink),
		log: log.With().
			Str("conn", uuid.NewString()).
			Str("user", logutil.Sanitize(principal.Username)).
			Logger(),
	}
	c.log.Info().Msg("websocket connected")

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	go c.sendLoop(relayCtx)

	for {
		msgType, data, err := conn.Read(relayCtx)
		if err != nil {
			break
		}
		if msgType != websocket.MessageText {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.dispatch(relayCtx, env)
	}

	c.shutdown()
	for id, sink := range c.sinks {
		TerminalManager.Disconnect(id, sink)
	}
	SessionStore.Delete(principal.Token)
	c.log.Info().Msg("websocket disconnected, session revoked")
}

// dispatch routes one client envelope. Per-envelope failures are logged and
// dropped; only socket-level errors end the connection.
func (c *wsConn) dispatch(ctx context.Context, env envelope) {
	switch env.Type {
	case msgTermOpen:
		var p openPayload
		if json.Unmarshal(env.Data, &p) != nil || p.ID == "" {
			return
		}
		sink := c.sinkFor(p.ID)
		err := TerminalManager.Create(ctx, p.ID, c.username, p.Cols, p.Rows, sink)
		if errors.Is(err, terminal.ErrAlreadyExists) {
			// The terminal survived an earlier socket; take it over.
			if err := TerminalManager.Attach(p.ID, c.username, sink); err != nil {
				c.log.Warn().Err(err).Str("terminal", logutil.Sanitize(p.ID)).Msg("terminal attach failed")
				delete(c.sinks, p.ID)
				return
			}
			if err := TerminalManager.Resize(p.ID, c.username, p.Cols, p.Rows); err != nil {
				c.log.Debug().Err(err).Str("terminal", logutil.Sanitize(p.ID)).Msg("resize on attach failed")
			}
			return
		}
		if err != nil {
			c.log.Error().Err(err).Str("terminal", logutil.Sanitize(p.ID)).Msg("terminal open failed")
			delete(c.sinks, p.ID)
			return
		}

	case msgTermInput:
		var p inputPayload
		if json.Unmarshal(env.Data, &p) != nil || p.ID == "" {
			return
		}
		if !c.ensureAttached(p.ID) {
			return
		}
		if err := TerminalManager.SendInput(p.ID, c.username, []byte(p.Input)); err != nil {
			c.log.Debug().Err(err).Str("terminal", logutil.Sanitize(p.ID)).Msg("terminal input failed")
		}

	case msgTermResize:
		var p resizePayload
		if json.Unmarshal(env.Data, &p) != nil || p.ID == "" {
			return
		}
		if !c.ensureAttached(p.ID) {
			return
		}
		if err := TerminalManager.Resize(p.ID, c.username, p.Cols, p.Rows); err != nil {
			c.log.Debug().Err(err).Str("terminal", logutil.Sanitize(p.ID)).Msg("terminal resize failed")
		}

	case msgTermClose:
		var p closePayload
		if json.Unmarshal(env.Data, &p) != nil || p.ID == "" {
			return
		}
		if err := TerminalManager.Close(p.ID, c.username); err != nil {
			c.log.Debug().Err(err).Str("terminal", logutil.Sanitize(p.ID)).Msg("terminal close failed")
		}
		delete(c.sinks, p.ID)

	case msgShellOutput, msgShellExit:
		// Server-to-client tags arriving from the client are dropped.

	default:
		// Unknown tags are dropped.
	}
}

// ensureAttached makes this socket the terminal's output target before
// routing input or resize to a terminal it did not open. This is the
// reconnect path: the client resumes driving terminals from a previous
// socket without reopening them.
func (c *wsConn) ensureAttached(id string) bool {
	if _, ok := c.sinks[id]; ok {
		return true
	}
	sink := c.sinkFor(id)
	if err := TerminalManager.Attach(id, c.username, sink); err != nil {
		c.log.Debug().Err(err).Str("terminal", logutil.Sanitize(id)).Msg("terminal attach failed")
		delete(c.sinks, id)
		return false
	}
	c.log.Info().Str("terminal", logutil.Sanitize(id)).Msg("terminal reattached")
	return true
}
