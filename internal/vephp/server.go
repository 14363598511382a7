package vephp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/veloserve/veloserve/internal/protocol"
)

// ServerConfig configures the daemon's listening side.
type ServerConfig struct {
	// Addr is a Unix socket path (leading slash) or a TCP host:port.
	Addr string

	// MaxConns caps simultaneous connections; zero means unlimited.
	MaxConns int

	Logger *zap.Logger
}

// Server accepts engine connections and serves one protocol exchange per
// connection against the pool.
type Server struct {
	cfg    ServerConfig
	logger *zap.Logger
	pool   *Pool

	ln       net.Listener
	unixPath string
	closed   atomic.Bool
}

func NewServer(cfg ServerConfig, pool *Pool) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: cfg.Logger, pool: pool}
}

// Listen binds the socket. A stale Unix socket file from a previous run
// is removed first; the fresh socket is opened up to mode 0666 so a
// server running under another account can connect.
func (s *Server) Listen() error {
	var ln net.Listener
	var err error

	if strings.HasPrefix(s.cfg.Addr, "/") {
		if removeErr := os.Remove(s.cfg.Addr); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return fmt.Errorf("removing stale socket %s: %w", s.cfg.Addr, removeErr)
		}
		ln, err = net.Listen("unix", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("binding %s: %w", s.cfg.Addr, err)
		}
		if err := os.Chmod(s.cfg.Addr, 0o666); err != nil {
			ln.Close()
			return fmt.Errorf("chmod %s: %w", s.cfg.Addr, err)
		}
		s.unixPath = s.cfg.Addr
	} else {
		ln, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("binding %s: %w", s.cfg.Addr, err)
		}
	}

	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	s.ln = ln
	s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts until Close. Each connection gets its own goroutine; the
// protocol is strictly one request, one response, disconnect.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	// Generous deadline covering one full exchange including queue time.
	_ = conn.SetDeadline(time.Now().Add(5 * time.Minute))

	var req protocol.Request
	if err := protocol.ReadMessage(conn, &req); err != nil {
		s.logger.Warn("bad request frame", zap.Error(err))
		_ = protocol.WriteMessage(conn, protocol.ErrorResponse(fmt.Sprintf("malformed request: %v", err)))
		return
	}

	var resp *protocol.Response
	switch req.Kind {
	case protocol.KindExecute:
		resp = s.pool.Execute(&req)
	case protocol.KindHealthCheck:
		resp = &protocol.Response{OK: true}
	case protocol.KindStatus:
		resp = s.pool.Status()
	default:
		resp = protocol.ErrorResponse(fmt.Sprintf("unknown request kind %d", int(req.Kind)))
	}

	if err := protocol.WriteMessage(conn, resp); err != nil {
		s.logger.Warn("writing response frame",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}
}

// Close stops accepting and removes the Unix socket file.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.unixPath != "" {
		_ = os.Remove(s.unixPath)
	}
}
