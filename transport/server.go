// Package transport carries rpc frames over websocket connections. Each
// binary websocket message is exactly one frame.
package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// Path is the websocket endpoint.
	Path = "/rpc"
	// MaxMessageSize bounds one inbound websocket message.
	MaxMessageSize = 8 << 20

	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Handler turns one request frame into one reply frame.
type Handler interface {
	Handle(ctx context.Context, frame []byte) []byte
}

// Server accepts websocket connections and serves each one on its own
// goroutine. Requests on one connection are handled in order.
type Server struct {
	handler  Handler
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[uuid.UUID]*websocket.Conn
	wg    sync.WaitGroup
}

// NewServer returns a Server dispatching frames to h.
func NewServer(h Handler, log zerolog.Logger) *Server {
	return &Server{
		handler: h,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are local tools, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[uuid.UUID]*websocket.Conn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	id := uuid.New()
	s.track(id, conn)
	defer s.untrack(id)
	s.serveConn(r.Context(), id, conn)
}

func (s *Server) track(id uuid.UUID, conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[id] = conn
	s.wg.Add(1)
	s.mu.Unlock()
}

func (s *Server) untrack(id uuid.UUID) {
	s.mu.Lock()
	conn := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.wg.Done()
}

func (s *Server) serveConn(ctx context.Context, id uuid.UUID, conn *websocket.Conn) {
	log := s.log.With().Str("conn", id.String()).Logger()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("client connected")
	conn.SetReadLimit(MaxMessageSize)

	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("connection closed unexpectedly")
			}
			break
		}
		if kind != websocket.BinaryMessage {
			log.Debug().Int("kind", kind).Msg("ignoring non-binary message")
			continue
		}

		reply := s.handler.Handle(ctx, frame)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
			log.Warn().Err(err).Msg("failed to write reply")
			break
		}
	}
	log.Info().Msg("client disconnected")
}

// Serve accepts connections on ln until ctx is done, then closes every open
// connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(Path, s)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Str("path", Path).Msg("rpc listening")

	select {
	case err := <-errCh:
		return errors.Wrap(err, "rpc server stopped")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeAll()
	s.wg.Wait()
	if err != nil {
		return errors.Wrap(err, "rpc server shutdown")
	}
	return nil
}

// closeAll closes hijacked connections, which http.Server.Shutdown skips.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
}
