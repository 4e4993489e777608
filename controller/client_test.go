package controller

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/photoremote/protocol"
)

type connSink struct {
	net.Conn
}

func (s connSink) Exclusive(fn func(w io.Writer) error) error {
	return fn(s.Conn)
}

// fakeDevice speaks the device side of the protocol on a loopback listener.
type fakeDevice struct {
	ln      net.Listener
	enc     *protocol.TransferEncoder
	photo   []byte
	failure string

	mu       sync.Mutex
	commands []string
}

func newFakeDevice(t *testing.T, format protocol.Format) *fakeDevice {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &fakeDevice{ln: ln, enc: protocol.NewTransferEncoder(format, time.Millisecond), photo: []byte("jpeg-data")}
	go d.serve()
	t.Cleanup(func() { _ = ln.Close() })

	return d
}

func (d *fakeDevice) addr() string {
	return d.ln.Addr().String()
}

func (d *fakeDevice) received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDevice) handle(conn net.Conn) {
	defer conn.Close()
	sink := connSink{conn}

	_ = d.enc.Reply(sink, protocol.MsgConnected)

	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		cmd := protocol.ParseCommand(buf[:n])
		d.mu.Lock()
		d.commands = append(d.commands, cmd.Raw)
		d.mu.Unlock()

		switch cmd.Kind {
		case protocol.CommandPing:
			_ = d.enc.Reply(sink, protocol.MsgPong)
		case protocol.CommandTakePhoto:
			_ = d.enc.Reply(sink, protocol.MsgCommandReceived)
			if d.failure != "" {
				_ = d.enc.Reply(sink, protocol.ErrorMessage(d.failure))
				continue
			}
			_ = d.enc.Send(sink, "ref-1", d.photo)
		case protocol.CommandDisconnect:
			return
		}
	}
}

func newTestClient(t *testing.T, d *fakeDevice, tweak func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig(d.addr())
	cfg.PhotosDir = t.TempDir()
	if tweak != nil {
		tweak(&cfg)
	}

	c := New(cfg, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Shoot(t *testing.T) {
	for _, format := range []protocol.Format{protocol.FormatLegacy, protocol.FormatFramed} {
		t.Run(format.String(), func(t *testing.T) {
			d := newFakeDevice(t, format)
			c := newTestClient(t, d, func(cfg *Config) { cfg.Format = format })

			var mu sync.Mutex
			var kinds []protocol.Kind
			c.OnMessage(func(ev MessageEvent) {
				mu.Lock()
				kinds = append(kinds, ev.Message.Kind)
				mu.Unlock()
			})

			require.NoError(t, c.Connect(context.Background()))
			assert.Equal(t, Connected, c.State())

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			photo, err := c.Shoot(ctx)
			require.NoError(t, err)
			assert.Equal(t, "ref-1", photo.Ref)
			assert.Equal(t, []byte("jpeg-data"), photo.Data)

			require.NotEmpty(t, photo.Path)
			assert.Regexp(t, `photo_\d{8}_\d{6}_1\.jpg$`, filepath.Base(photo.Path))
			saved, err := os.ReadFile(photo.Path)
			require.NoError(t, err)
			assert.Equal(t, []byte("jpeg-data"), saved)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []protocol.Kind{
				protocol.KindConnected,
				protocol.KindCommandReceived,
				protocol.KindPhotoTaken,
				protocol.KindPhotoData,
				protocol.KindPhotoEnd,
			}, kinds)
		})
	}
}

func TestClient_ShootDeviceError(t *testing.T) {
	d := newFakeDevice(t, protocol.FormatLegacy)
	d.failure = "sensor busy"
	c := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := c.Shoot(ctx)
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "sensor busy", devErr.Reason)
}

func TestClient_ShootTimeout(t *testing.T) {
	d := newFakeDevice(t, protocol.FormatLegacy)
	c := newTestClient(t, d, nil)

	_, err := c.Shoot(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))

	// Holding the command log stalls the device before it replies.
	d.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = c.Shoot(ctx)
	cancel()
	d.mu.Unlock()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.waitMu.Lock()
	assert.Empty(t, c.waiters)
	c.waitMu.Unlock()
}

func TestClient_PingAndDisconnect(t *testing.T) {
	d := newFakeDevice(t, protocol.FormatLegacy)
	c := newTestClient(t, d, nil)

	pongs := make(chan struct{}, 4)
	c.OnMessage(func(ev MessageEvent) {
		if ev.Message.Kind == protocol.KindPong {
			pongs <- struct{}{}
		}
	})

	var mu sync.Mutex
	var states []ConnectionState
	c.OnConnectionState(func(ev ConnectionStateEvent) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Ping())

	select {
	case <-pongs:
	case <-time.After(3 * time.Second):
		t.Fatal("no PONG")
	}

	require.NoError(t, c.Disconnect())
	assert.Equal(t, Disconnected, c.State())
	assert.Eventually(t, func() bool {
		got := d.received()
		return len(got) == 2 && got[1] == protocol.CmdDisconnect
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []ConnectionState{Connecting, Connected, Disconnected}, states)
	mu.Unlock()

	assert.ErrorIs(t, c.Ping(), ErrNotConnected)
	assert.NoError(t, c.Disconnect(), "disconnecting twice is harmless")
}

func TestClient_Heartbeat(t *testing.T) {
	d := newFakeDevice(t, protocol.FormatLegacy)
	c := newTestClient(t, d, func(cfg *Config) { cfg.Heartbeat = 20 * time.Millisecond })
	require.NoError(t, c.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		for _, cmd := range d.received() {
			if cmd == protocol.CmdPing {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := New(DefaultConfig(addr), nil)

	var got error
	c.OnError(func(ev ErrorEvent) { got = ev.Error })

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, got)
	assert.Equal(t, Disconnected, c.State())

	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestClient_DeviceGoesAway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = conn.Write([]byte(protocol.MsgConnected))
			accepted <- conn
		}
	}()

	c := New(DefaultConfig(ln.Addr().String()), nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	conn := <-accepted
	shot := make(chan error, 1)
	go func() {
		_, err := c.Shoot(context.Background())
		shot <- err
	}()

	require.Eventually(t, func() bool {
		c.waitMu.Lock()
		defer c.waitMu.Unlock()
		return len(c.waiters) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-shot:
		assert.True(t, errors.Is(err, ErrDisconnected))
	case <-time.After(3 * time.Second):
		t.Fatal("Shoot did not return")
	}
	assert.Eventually(t, func() bool { return c.State() == Disconnected }, time.Second, 5*time.Millisecond)
}

func TestPhotoFileName(t *testing.T) {
	ts := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	assert.Equal(t, "photo_20260506_070809_3.jpg", PhotoFileName(ts, 3))
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}
