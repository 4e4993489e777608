// Package tcpserver accepts controller connections and keeps at most one of
// them active: every accept closes the previous connection before the new one
// is installed.
package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/photoremote/idgenerator"
	"github.com/cyberinferno/photoremote/logger"
	"github.com/cyberinferno/photoremote/protocol"
)

// Status texts passed to OnStatus.
const (
	StatusAwaiting        = "awaiting connection"
	statusConnectedPrefix = "PC connected: "
)

// ConnectedStatus returns the status text for a newly accepted peer.
func ConnectedStatus(addr string) string {
	return statusConnectedPrefix + addr
}

// Handler serves one connection after its handshake. Serve blocks until the
// connection should be released; the server closes the connection afterwards.
type Handler interface {
	Serve(conn *Connection)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn *Connection)

// Serve implements Handler.
func (f HandlerFunc) Serve(conn *Connection) {
	f(conn)
}

// Stats holds connection counters.
type Stats struct {
	Accepted uint64
	Replaced uint64
}

// Server is a single-active-client TCP server. Configure the exported fields
// before Start.
type Server struct {
	Logger  logger.Logger
	Name    string
	Addr    string
	Handler Handler
	// Encoder writes the CONNECTED handshake. Nil selects the legacy format.
	Encoder *protocol.TransferEncoder
	// OnStatus is called synchronously on every connect and disconnect transition.
	OnStatus func(status string)
	// WriteTimeout bounds each socket write; zero disables it.
	WriteTimeout time.Duration

	ids     *idgenerator.Sequence
	running atomic.Bool
	wg      sync.WaitGroup

	// mu guards listener and active. install checks running under mu, so a
	// connection accepted while Stop runs is either seen by Stop or refused.
	mu       sync.Mutex
	listener net.Listener
	active   *Connection

	accepted atomic.Uint64
	replaced atomic.Uint64
}

// Start binds Addr and runs the accept loop in a goroutine. A bind failure is
// returned and never retried.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server %s already running", s.Name)
	}

	if s.Logger == nil {
		s.Logger = logger.NewNop()
	}
	if s.Encoder == nil {
		s.Encoder = protocol.NewTransferEncoder(protocol.FormatLegacy, 0)
	}
	if s.ids == nil {
		s.ids = idgenerator.NewSequence(0)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.running.Store(true)
	s.mu.Unlock()

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	s.status(StatusAwaiting)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	return nil
}

// Stop stops accepting, closes the active connection and waits for the
// connection goroutines to unwind. Safe to call when the server is not running.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	ln := s.listener
	active := s.active
	s.mu.Unlock()

	_ = ln.Close()
	if active != nil {
		_ = active.Close()
	}

	s.wg.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// Running reports whether the accept loop is running.
func (s *Server) Running() bool {
	return s.running.Load()
}

// ListenAddr returns the bound address, or nil before Start.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Active returns the installed connection, or nil when none is installed.
func (s *Server) Active() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// Stats returns a snapshot of the connection counters.
func (s *Server) Stats() Stats {
	return Stats{Accepted: s.accepted.Load(), Replaced: s.replaced.Load()}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for s.running.Load() {
		nc, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err})
			continue
		}

		conn := newConnection(s.ids.Next(), nc, s.WriteTimeout)
		if !s.install(conn) {
			return
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

// install closes the previous connection, if any, then makes conn the active
// one. Once the server is stopped conn is closed instead and install returns false.
func (s *Server) install(conn *Connection) bool {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		s.Logger.Info("connection refused, server stopped", logger.Field{Key: "remote", Value: conn.RemoteAddr()})
		return false
	}

	prev := s.active
	if prev != nil {
		_ = prev.Close()
		s.replaced.Add(1)
	}
	s.active = conn
	s.mu.Unlock()

	s.accepted.Add(1)

	if prev != nil {
		s.Logger.Info("replaced previous connection",
			logger.Field{Key: "previous", Value: prev.RemoteAddr()},
			logger.Field{Key: "remote", Value: conn.RemoteAddr()})
	}
	s.Logger.Info("connection accepted", logger.Field{Key: "remote", Value: conn.RemoteAddr()}, logger.Field{Key: "conn_id", Value: conn.ID()})
	s.status(ConnectedStatus(conn.RemoteAddr()))
	return true
}

func (s *Server) serve(conn *Connection) {
	defer s.wg.Done()
	defer s.release(conn)

	if err := s.Encoder.Reply(conn, protocol.MsgConnected); err != nil {
		s.Logger.Warn("handshake failed", logger.Field{Key: "remote", Value: conn.RemoteAddr()}, logger.Field{Key: "error", Value: err})
		return
	}

	if !conn.markActive() {
		return
	}

	if s.Handler != nil {
		s.Handler.Serve(conn)
	}
}

// release closes conn and clears the active slot if it still holds conn.
func (s *Server) release(conn *Connection) {
	_ = conn.Close()

	s.mu.Lock()
	wasActive := s.active == conn
	if wasActive {
		s.active = nil
	}
	s.mu.Unlock()

	s.Logger.Info("connection closed", logger.Field{Key: "remote", Value: conn.RemoteAddr()}, logger.Field{Key: "conn_id", Value: conn.ID()})
	if wasActive {
		s.status(StatusAwaiting)
	}
}

func (s *Server) status(text string) {
	if s.OnStatus != nil {
		s.OnStatus(text)
	}
}
