package tcpserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by writes on a connection that has been closed.
var ErrClosed = errors.New("tcpserver: connection closed")

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	// StateAccepted is set on accept, before the handshake is written.
	StateAccepted ConnState = iota
	// StateActive is set once the handshake was written.
	StateActive
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is one accepted controller connection. Reads belong to the
// goroutine serving the connection; writes from any goroutine are serialized
// by a per-connection write mutex.
type Connection struct {
	id           uint32
	conn         net.Conn
	remote       string
	writeTimeout time.Duration

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConnection(id uint32, conn net.Conn, writeTimeout time.Duration) *Connection {
	return &Connection{
		id:           id,
		conn:         conn,
		remote:       conn.RemoteAddr().String(),
		writeTimeout: writeTimeout,
	}
}

// ID returns the identifier the server assigned on accept.
func (c *Connection) ID() uint32 {
	return c.id
}

// RemoteAddr returns the peer address as "host:port".
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// markActive moves Accepted to Active. It reports false if the connection
// was closed in the meantime.
func (c *Connection) markActive() bool {
	return c.state.CompareAndSwap(int32(StateAccepted), int32(StateActive))
}

// Read reads the next chunk sent by the peer.
func (c *Connection) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

// Exclusive runs fn with the write lock held. Every write fn makes goes
// straight to the socket; nothing else is written to the connection until fn
// returns.
//
// Parameters:
//   - fn: Writes one logical message or sequence to w
//
// Returns:
//   - ErrClosed if the connection is closed, otherwise the error returned by fn
func (c *Connection) Exclusive(fn func(w io.Writer) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateClosed {
		return ErrClosed
	}

	return fn(deadlineWriter{c})
}

// Send writes data as one unit.
//
// Parameters:
//   - data: The bytes to send
//
// Returns:
//   - An error if the connection is closed or the write fails
func (c *Connection) Send(data []byte) error {
	return c.Exclusive(func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Close closes the socket. It is safe to call multiple times and from any
// goroutine; a blocked Read returns once the socket is closed.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

// deadlineWriter applies the connection write timeout to each write.
type deadlineWriter struct {
	c *Connection
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if w.c.writeTimeout > 0 {
		_ = w.c.conn.SetWriteDeadline(time.Now().Add(w.c.writeTimeout))
	}

	n, err := w.c.conn.Write(p)
	if err != nil && w.c.State() == StateClosed {
		return n, fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return n, err
}
