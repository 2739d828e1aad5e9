package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Executor runs fn on the host main loop and waits for it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// Config is the listener configuration of the bridge.
type Config struct {
	Addr      string
	Token     string // empty disables host authentication
	SendQueue int
}

// Server accepts game host sessions over WebSocket. Hosts report marker and
// presence events; the server replies per request and pushes siege events.
type Server struct {
	cfg      Config
	hub      *Hub
	handler  *Handler
	exec     Executor
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a bridge server.
func NewServer(cfg Config, hub *Hub, handler *Handler, exec Executor) *Server {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	return &Server{
		cfg:     cfg,
		hub:     hub,
		handler: handler,
		exec:    exec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			// Хосты: серверные плагины, не браузеры.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Addr returns the listening address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens on cfg.Addr and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts host sessions on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/siege", s.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: handshakeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("bridge: shutdown", "error", err)
		}
	}()

	slog.Info("bridge listener started", "address", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving bridge: %w", err)
	}
	return nil
}

// Handler returns the WebSocket endpoint for host sessions.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			slog.Debug("bridge: upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer conn.Close()

		host, ok := s.handshake(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		// Hijacked соединение не закрывается http.Server.Shutdown.
		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		sess := &session{host: host, out: make(chan []byte, s.cfg.SendQueue)}
		s.hub.add(sess)
		defer s.hub.remove(sess)
		slog.Info("bridge: host connected", "host", host, "remote", r.RemoteAddr)

		go s.writeLoop(ctx, cancel, conn, sess)
		s.readLoop(ctx, conn, sess)

		slog.Info("bridge: host disconnected", "host", host)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}

	base, err := decodeBase(msg)
	if err != nil || base.Type != TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected hello")
		return "", false
	}
	if base.ProtocolVersion != ProtocolVersion {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return "", false
	}
	var hello HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "malformed hello")
		return "", false
	}
	if s.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(hello.Token), []byte(s.cfg.Token)) != 1 {
		closeWith(conn, websocket.ClosePolicyViolation, "bad token")
		return "", false
	}
	if hello.Host == "" {
		hello.Host = conn.RemoteAddr().String()
	}

	welcome := WelcomeMsg{
		Type:            TypeWelcome,
		ProtocolVersion: ProtocolVersion,
		ServerTime:      time.Now(),
		Sieges:          siegeViews(s.handler.registry.Sieges()),
	}
	if err := writeJSON(conn, welcome); err != nil {
		return "", false
	}
	return hello.Host, true
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session) {
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		base, err := decodeBase(msg)
		if err != nil || base.Type != TypeRequest {
			s.send(ctx, sess, ReplyMsg{Type: TypeReply, Seq: base.Seq, Code: CodeBadRequest, Error: "expected request"})
			continue
		}
		var req RequestMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			s.send(ctx, sess, ReplyMsg{Type: TypeReply, Seq: base.Seq, Code: CodeBadRequest, Error: "malformed request"})
			continue
		}

		result := make(chan ReplyMsg, 1)
		var reply ReplyMsg
		if err := s.exec.Do(ctx, func() { result <- s.handler.Handle(ctx, req) }); err != nil {
			reply = ReplyMsg{Type: TypeReply, Seq: req.Seq, Code: CodeUnavailable, Error: err.Error()}
		} else {
			reply = <-result
		}
		if !s.send(ctx, sess, reply) {
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-sess.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				slog.Debug("bridge: write failed", "host", sess.host, "error", err)
				cancel()
				return
			}
		}
	}
}

// send queues a reply; replies wait for room, unlike events.
func (s *Server) send(ctx context.Context, sess *session, reply ReplyMsg) bool {
	b, err := json.Marshal(reply)
	if err != nil {
		slog.Error("bridge: encoding reply", "seq", reply.Seq, "error", err)
		return true
	}
	select {
	case sess.out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
