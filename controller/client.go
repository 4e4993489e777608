// Package controller is the PC side of photoremote: an event-driven TCP
// client that triggers captures on the device, answers to its replies and
// saves the photos it receives.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/photoremote/logger"
	"github.com/cyberinferno/photoremote/protocol"
)

var (
	// ErrNotConnected is returned by commands sent while disconnected.
	ErrNotConnected = errors.New("controller: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller: client closed")
	// ErrDisconnected is delivered to waiting Shoot calls when the connection drops.
	ErrDisconnected = errors.New("controller: connection lost")
)

// DeviceError is a failure the device reported with an ERROR notice.
type DeviceError struct {
	Reason string
}

func (e *DeviceError) Error() string {
	return "device error: " + e.Reason
}

// ConnectionState represents the current state of the client.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected
	Connecting                          // Dial in progress
	Connected                           // Connected to the device
	Closed                              // Closed for good
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted on every state change.
type ConnectionStateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error // Non-nil if the change was caused by an error
}

// MessageEvent is emitted for every decoded device message, including the
// parts of a photo transfer.
type MessageEvent struct {
	Message   protocol.Message
	Timestamp time.Time
}

// PhotoEvent is emitted once a transfer is complete.
type PhotoEvent struct {
	Ref       string
	Data      []byte
	Path      string // Saved file, empty when saving is disabled
	Timestamp time.Time
}

// ErrorEvent is emitted for transport and save failures.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

type (
	ConnectionStateHandler func(event ConnectionStateEvent)
	MessageHandler         func(event MessageEvent)
	PhotoHandler           func(event PhotoEvent)
	ErrorHandler           func(event ErrorEvent)
)

// Config holds the client settings.
type Config struct {
	// Address is the device "host:port".
	Address string
	// ConnectionTimeout bounds the dial.
	ConnectionTimeout time.Duration
	// WriteTimeout bounds each command write; zero disables it.
	WriteTimeout time.Duration
	// Heartbeat sends PING at this interval while connected; zero disables it.
	Heartbeat time.Duration
	// PhotosDir receives photo_<timestamp>_<n>.jpg files; empty disables saving.
	PhotosDir string
	// Format is the device's outbound wire format.
	Format protocol.Format
	// MaxPayload bounds the accepted photo size; zero selects protocol.DefaultMaxPayload.
	MaxPayload int
	// DisconnectGrace is the wait between sending DISCONNECT and closing the socket.
	DisconnectGrace time.Duration
}

// DefaultConfig returns a Config for address with a 10s connect timeout.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		DisconnectGrace:   100 * time.Millisecond,
		Format:            protocol.FormatLegacy,
	}
}

type shootResult struct {
	photo PhotoEvent
	err   error
}

type pendingPhoto struct {
	ref     string
	data    []byte
	hasData bool
}

// Client is an event-driven device client. Handlers run on the read goroutine
// and must not block.
type Client struct {
	config Config
	log    logger.Logger
	now    func() time.Time

	mu     sync.RWMutex
	conn   net.Conn
	state  ConnectionState
	closed bool

	onConnectionState ConnectionStateHandler
	onMessage         MessageHandler
	onPhoto           PhotoHandler
	onError           ErrorHandler

	writeMu sync.Mutex

	waitMu  sync.Mutex
	waiters []chan shootResult

	photoSeq atomic.Uint32
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// New creates a Client. It does not connect.
func New(config Config, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}

	return &Client{
		config: config,
		log:    log.With(logger.Field{Key: "component", Value: "controller"}, logger.Field{Key: "device", Value: config.Address}),
		now:    time.Now,
		state:  Disconnected,
	}
}

// OnConnectionState sets the handler for state changes.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnMessage sets the handler for decoded device messages.
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnPhoto sets the handler for completed photos.
func (c *Client) OnPhoto(handler PhotoHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPhoto = handler
}

// OnError sets the handler for errors.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials the device and starts reading. The device greets with
// CONNECTED, which is delivered as a MessageEvent.
//
// Parameters:
//   - ctx: Cancels the dial
//
// Returns:
//   - An error if the client is closed, already connected, or the dial fails
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return errors.New("already connected or connecting")
	}
	c.mu.Unlock()

	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		err = fmt.Errorf("connect to %s: %w", c.config.Address, err)
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.stopChan = stop
	c.mu.Unlock()

	c.setState(Connected, nil)
	c.log.Info("connected to device")

	c.wg.Add(1)
	go c.readLoop(conn, stop)

	if c.config.Heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeat(stop)
	}

	return nil
}

// TakePhoto sends TAKE_PHOTO. The photo arrives later as a PhotoEvent.
func (c *Client) TakePhoto() error {
	return c.send(protocol.CmdTakePhoto)
}

// Ping sends PING.
func (c *Client) Ping() error {
	return c.send(protocol.CmdPing)
}

// Shoot triggers one capture and waits until its photo or the device's error
// notice arrives.
//
// Parameters:
//   - ctx: Bounds the wait
//
// Returns:
//   - The received photo
//   - A *DeviceError for device-side failures, ErrDisconnected if the
//     connection drops, or ctx.Err()
func (c *Client) Shoot(ctx context.Context) (PhotoEvent, error) {
	ch := make(chan shootResult, 1)
	c.waitMu.Lock()
	c.waiters = append(c.waiters, ch)
	c.waitMu.Unlock()

	if err := c.TakePhoto(); err != nil {
		c.dropWaiter(ch)
		return PhotoEvent{}, err
	}

	select {
	case r := <-ch:
		return r.photo, r.err
	case <-ctx.Done():
		c.dropWaiter(ch)
		return PhotoEvent{}, ctx.Err()
	}
}

// Disconnect sends DISCONNECT, waits DisconnectGrace so the device reads it
// on its own, and closes the socket.
func (c *Client) Disconnect() error {
	if err := c.send(protocol.CmdDisconnect); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		c.log.Warn("disconnect notice failed", logger.Field{Key: "error", Value: err})
	}

	if c.config.DisconnectGrace > 0 {
		time.Sleep(c.config.DisconnectGrace)
	}

	c.dropConn(nil)
	c.wg.Wait()
	return nil
}

// Close closes the connection without notice. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.dropConn(nil)
	c.wg.Wait()
	c.setState(Closed, nil)

	return nil
}

func (c *Client) send(cmd string) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if _, err := conn.Write([]byte(cmd)); err != nil {
		err = fmt.Errorf("send %s: %w", cmd, err)
		c.emitError(err)
		return err
	}

	c.log.Debug("command sent", logger.Field{Key: "command", Value: cmd})
	return nil
}

func (c *Client) readLoop(conn net.Conn, stop chan struct{}) {
	defer c.wg.Done()

	dec := protocol.NewDecoder(conn, c.config.Format, c.config.MaxPayload)
	var pending pendingPhoto

	for {
		msg, err := dec.Next()
		if err != nil {
			select {
			case <-stop:
				c.dropConn(nil)
			default:
				if errors.Is(err, io.EOF) {
					c.log.Info("device closed the connection")
					c.dropConn(nil)
				} else {
					err = fmt.Errorf("read from device: %w", err)
					c.emitError(err)
					c.dropConn(err)
				}
			}
			c.failWaiters(ErrDisconnected)
			return
		}

		c.emitMessage(msg)
		c.handle(msg, &pending)
	}
}

func (c *Client) handle(msg protocol.Message, pending *pendingPhoto) {
	switch msg.Kind {
	case protocol.KindPhotoTaken:
		*pending = pendingPhoto{ref: msg.Ref}
	case protocol.KindPhotoData:
		pending.data = msg.Data
		pending.hasData = true
	case protocol.KindPhotoEnd:
		if !pending.hasData {
			c.log.Warn("transfer ended without data", logger.Field{Key: "ref", Value: pending.ref})
			*pending = pendingPhoto{}
			return
		}
		c.completePhoto(*pending)
		*pending = pendingPhoto{}
	case protocol.KindError:
		c.log.Warn("device reported an error", logger.Field{Key: "reason", Value: msg.Text})
		c.resolveWaiter(shootResult{err: &DeviceError{Reason: msg.Text}})
	case protocol.KindUnknown:
		c.log.Warn("unrecognized device message", logger.Field{Key: "text", Value: msg.Text})
	}
}

func (c *Client) completePhoto(p pendingPhoto) {
	ev := PhotoEvent{Ref: p.ref, Data: p.data, Timestamp: c.now()}

	if c.config.PhotosDir != "" {
		path, err := c.save(p.data, ev.Timestamp)
		if err != nil {
			c.emitError(err)
		} else {
			ev.Path = path
			c.log.Info("photo saved", logger.Field{Key: "path", Value: path}, logger.Field{Key: "bytes", Value: len(p.data)}, logger.Field{Key: "ref", Value: p.ref})
		}
	}

	c.mu.RLock()
	handler := c.onPhoto
	c.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}

	c.resolveWaiter(shootResult{photo: ev})
}

// PhotoFileName returns the name a received photo is saved under.
func PhotoFileName(t time.Time, n uint32) string {
	return fmt.Sprintf("photo_%s_%d.jpg", t.Format("20060102_150405"), n)
}

func (c *Client) save(data []byte, t time.Time) (string, error) {
	if err := os.MkdirAll(c.config.PhotosDir, 0o755); err != nil {
		return "", fmt.Errorf("create photos directory: %w", err)
	}

	path := filepath.Join(c.config.PhotosDir, PhotoFileName(t, c.photoSeq.Add(1)))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save photo: %w", err)
	}

	return path, nil
}

func (c *Client) heartbeat(stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.log.Warn("heartbeat failed", logger.Field{Key: "error", Value: err})
			}
		}
	}
}

// dropConn closes the current connection, if any, and moves to Disconnected.
func (c *Client) dropConn(cause error) {
	c.mu.Lock()
	conn := c.conn
	stop := c.stopChan
	c.conn = nil
	c.stopChan = nil
	wasConnected := c.state == Connected
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		c.setState(Disconnected, cause)
	}
}

func (c *Client) resolveWaiter(r shootResult) {
	c.waitMu.Lock()
	if len(c.waiters) == 0 {
		c.waitMu.Unlock()
		return
	}
	ch := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.waitMu.Unlock()

	ch <- r
}

func (c *Client) failWaiters(err error) {
	c.waitMu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.waitMu.Unlock()

	for _, ch := range waiters {
		ch <- shootResult{err: err}
	}
}

func (c *Client) dropWaiter(ch chan shootResult) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()

	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		handler(ConnectionStateEvent{State: state, Address: c.config.Address, Timestamp: c.now(), Error: err})
	}
}

func (c *Client) emitMessage(msg protocol.Message) {
	c.mu.RLock()
	handler := c.onMessage
	c.mu.RUnlock()

	if handler != nil {
		handler(MessageEvent{Message: msg, Timestamp: c.now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: c.now()})
	}
}
