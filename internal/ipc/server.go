package ipc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the server lifecycle state.
type State int32

// Server states.
const (
	StateIdle State = iota
	StateListening
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultReadTimeout bounds the wait for a client's request.
const DefaultReadTimeout = 5 * time.Second

// HandlerFunc routes one forwarded argv. It runs on the connection's
// goroutine and must marshal onto the loop itself.
type HandlerFunc func(ctx context.Context, argv []string) Response

// Server accepts forwarded argv from secondary processes.
type Server struct {
	host        string
	port        int
	handler     HandlerFunc
	logger      zerolog.Logger
	readTimeout time.Duration
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	state    State
	ln       net.Listener
	srv      *http.Server
	served   chan struct{}
	inflight sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithReadTimeout bounds the wait for the request message.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// NewServer creates a server for host:port. Port 0 picks a free port.
func NewServer(host string, port int, handler HandlerFunc, opts ...ServerOption) *Server {
	s := &Server{
		host:        host,
		port:        port,
		handler:     handler,
		logger:      zerolog.Nop(),
		readTimeout: DefaultReadTimeout,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: DefaultReadTimeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the port and starts serving. A bind failure is returned as
// *PortInUseError.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrAlreadyListening
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return &PortInUseError{Port: s.port, Err: err}
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s, ReadHeaderTimeout: s.readTimeout}
	s.served = make(chan struct{})
	s.state = StateListening

	go func() {
		defer close(s.served)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("ipc server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("ipc server listening")
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closing reports whether shutdown has started.
func (s *Server) Closing() bool {
	st := s.State()
	return st == StateClosing || st == StateClosed
}

// BeginClose moves a listening server to Closing. New requests are answered
// with CodeClosing; accepted ones finish.
func (s *Server) BeginClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateListening {
		s.state = StateClosing
		s.logger.Debug().Msg("ipc server closing")
	}
}

// Close begins closing, waits for in-flight requests and shuts the listener
// down, all bounded by ctx.
func (s *Server) Close(ctx context.Context) error {
	s.BeginClose()

	s.mu.Lock()
	if s.state != StateClosing {
		s.mu.Unlock()
		return nil
	}
	srv := s.srv
	served := s.served
	s.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if serr := srv.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		_ = srv.Close()
	}
	<-served

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.logger.Info().Msg("ipc server closed")
	return err
}

// ServeHTTP upgrades the connection and handles exactly one request. The
// request is always read before replying so the client sees the response
// rather than a reset.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug().Err(err).Msg("reading ipc request")
		return
	}

	s.mu.Lock()
	accepted := s.state == StateListening
	if accepted {
		s.inflight.Add(1)
	}
	s.mu.Unlock()
	if !accepted {
		s.reply(conn, Closing())
		return
	}
	defer s.inflight.Done()

	req, err := DecodeRequest(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejecting ipc request")
		s.reply(conn, Fail(CodeProtocolError, err.Error()))
		return
	}

	resp := s.handler(r.Context(), req.Argv)
	s.logger.Debug().Strs("argv", req.Argv).Int("code", resp.Code).Msg("ipc request handled")
	s.reply(conn, resp)
}

func (s *Server) reply(conn *websocket.Conn, resp Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	if err := conn.WriteJSON(resp); err != nil {
		s.logger.Debug().Err(err).Msg("writing ipc response")
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
