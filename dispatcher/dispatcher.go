// Package dispatcher runs the per-connection command loop: it answers PING,
// acknowledges TAKE_PHOTO and hands the capture to a worker, and ends the
// session on DISCONNECT or when the peer goes away.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cyberinferno/photoremote/capture"
	"github.com/cyberinferno/photoremote/idgenerator"
	"github.com/cyberinferno/photoremote/logger"
	"github.com/cyberinferno/photoremote/orientation"
	"github.com/cyberinferno/photoremote/photostore"
	"github.com/cyberinferno/photoremote/protocol"
	"github.com/cyberinferno/photoremote/rotation"
	"github.com/cyberinferno/photoremote/safemap"
	"github.com/cyberinferno/photoremote/tcpserver"
	"github.com/cyberinferno/photoremote/workerpool"
)

// DefaultReadBufferSize is the size of one command read.
const DefaultReadBufferSize = 1024

// Reasons reported to the controller when a trigger cannot be queued.
const (
	ReasonQueueFull   = "capture queue full"
	ReasonUnavailable = "capture unavailable"
)

// Target resolves the connection a finished capture is delivered to.
// *tcpserver.Server implements it.
type Target interface {
	Active() *tcpserver.Connection
}

// OrientationSource reports the orientation used for rotation correction.
// *orientation.Tracker implements it.
type OrientationSource interface {
	Current() orientation.State
}

// TransferResult describes one finished capture task.
type TransferResult struct {
	Ref         string
	Bytes       int
	Orientation orientation.State
	Corrected   bool
	Delivered   bool
	Err         error
}

// Options configures a Dispatcher. Camera, Store, Encoder and Pool are required.
type Options struct {
	Logger      logger.Logger
	Camera      capture.Camera
	Store       photostore.Store
	Corrector   *rotation.Corrector
	Orientation OrientationSource
	Encoder     *protocol.TransferEncoder
	Pool        *workerpool.Pool
	Target      Target

	// ReadBufferSize is the size of one command read; zero selects DefaultReadBufferSize.
	ReadBufferSize int
	// DeleteAfterSend removes a photo from the store once it was transferred.
	DeleteAfterSend bool
	// OnTransfer is called from the worker after each capture task.
	OnTransfer func(TransferResult)
}

type inflightCapture struct {
	connID  uint32
	started time.Time
}

// Dispatcher implements tcpserver.Handler.
type Dispatcher struct {
	opts     Options
	log      logger.Logger
	taskIDs  *idgenerator.Sequence
	inflight safemap.SafeMap[uint32, inflightCapture]
}

// New returns a Dispatcher. Missing optional collaborators get defaults: a
// no-op logger, a quality-90 corrector and a fixed upright orientation.
//
// Parameters:
//   - opts: Collaborators and settings
//
// Returns:
//   - The Dispatcher, or an error if a required collaborator is missing
func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Camera == nil:
		return nil, errors.New("dispatcher: camera is required")
	case opts.Store == nil:
		return nil, errors.New("dispatcher: photo store is required")
	case opts.Encoder == nil:
		return nil, errors.New("dispatcher: encoder is required")
	case opts.Pool == nil:
		return nil, errors.New("dispatcher: worker pool is required")
	}

	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Corrector == nil {
		opts.Corrector = rotation.NewCorrector(rotation.DefaultQuality)
	}
	if opts.Orientation == nil {
		opts.Orientation = orientation.NewTracker(orientation.DefaultThreshold)
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}

	return &Dispatcher{
		opts:    opts,
		log:     opts.Logger.With(logger.Field{Key: "component", Value: "dispatcher"}),
		taskIDs: idgenerator.NewSequence(0),
	}, nil
}

// SetTarget sets the delivery target. Call before the server starts.
func (d *Dispatcher) SetTarget(t Target) {
	d.opts.Target = t
}

// InFlight returns the number of accepted triggers whose task has not finished.
func (d *Dispatcher) InFlight() int {
	return d.inflight.Len()
}

// Serve reads commands from conn until the peer disconnects, sends
// DISCONNECT or a read fails. Each read is one command.
func (d *Dispatcher) Serve(conn *tcpserver.Connection) {
	log := d.log.With(logger.Field{Key: "remote", Value: conn.RemoteAddr()}, logger.Field{Key: "conn_id", Value: conn.ID()})
	buf := make([]byte, d.opts.ReadBufferSize)

	for {
		n, err := conn.Read(buf)
		if n == 0 || err != nil {
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("read failed", logger.Field{Key: "error", Value: err})
			}
			return
		}

		cmd := protocol.ParseCommand(buf[:n])
		switch cmd.Kind {
		case protocol.CommandTakePhoto:
			d.handleTakePhoto(conn, log)
		case protocol.CommandPing:
			if err := d.opts.Encoder.Reply(conn, protocol.MsgPong); err != nil {
				log.Warn("pong failed", logger.Field{Key: "error", Value: err})
				return
			}
		case protocol.CommandDisconnect:
			log.Info("controller requested disconnect")
			return
		default:
			log.Warn("unrecognized command", logger.Field{Key: "command", Value: cmd.Raw})
		}
	}
}

func (d *Dispatcher) handleTakePhoto(conn *tcpserver.Connection, log logger.Logger) {
	if err := d.opts.Encoder.Reply(conn, protocol.MsgCommandReceived); err != nil {
		log.Warn("acknowledge failed", logger.Field{Key: "error", Value: err})
		return
	}

	taskID := d.taskIDs.Next()
	d.inflight.Store(taskID, inflightCapture{connID: conn.ID(), started: time.Now()})

	_, err := d.opts.Pool.Submit(func(ctx context.Context) error {
		defer d.inflight.Delete(taskID)
		return d.captureAndSend(ctx, taskID)
	})
	if err != nil {
		d.inflight.Delete(taskID)

		reason := ReasonUnavailable
		if errors.Is(err, workerpool.ErrQueueFull) {
			reason = ReasonQueueFull
		}
		log.Warn("capture rejected", logger.Field{Key: "reason", Value: reason})
		if err := d.opts.Encoder.Reply(conn, protocol.ErrorMessage(reason)); err != nil {
			log.Warn("error notice failed", logger.Field{Key: "error", Value: err})
		}
		return
	}

	log.Debug("capture queued", logger.Field{Key: "task_id", Value: taskID}, logger.Field{Key: "pending", Value: d.opts.Pool.Pending()})
}

// captureAndSend runs on a worker: capture, store, load back, correct and
// stream to whichever connection is active by then.
func (d *Dispatcher) captureAndSend(ctx context.Context, taskID uint32) error {
	log := d.log.With(logger.Field{Key: "task_id", Value: taskID})
	start := time.Now()
	if job, ok := d.inflight.Load(taskID); ok {
		log.Debug("capture started", logger.Field{Key: "queued_for", Value: time.Since(job.started).String()}, logger.Field{Key: "trigger_conn_id", Value: job.connID})
	}

	result := TransferResult{}
	defer func() {
		if d.opts.OnTransfer != nil {
			d.opts.OnTransfer(result)
		}
	}()

	photo, err := d.opts.Camera.Capture(ctx)
	if err == nil && len(photo.Data) == 0 {
		err = capture.ErrEmptyCapture
	}
	if err != nil {
		result.Err = err
		log.Error("capture failed", logger.Field{Key: "error", Value: err})
		d.notifyError(log, err.Error())
		return err
	}
	result.Ref = photo.Ref

	data, err := d.persist(ctx, photo)
	if err != nil {
		result.Err = err
		log.Error("photo store failed", logger.Field{Key: "ref", Value: photo.Ref}, logger.Field{Key: "error", Value: err})
		d.notifyError(log, err.Error())
		return err
	}

	state := d.opts.Orientation.Current()
	result.Orientation = state

	corrected, err := d.opts.Corrector.Correct(data, state)
	if err != nil {
		log.Warn("rotation failed, sending uncorrected", logger.Field{Key: "ref", Value: photo.Ref}, logger.Field{Key: "error", Value: err})
	} else {
		result.Corrected = rotation.ClockwiseDegrees(state) != 0
	}
	result.Bytes = len(corrected)

	conn := d.active()
	if conn == nil {
		log.Warn("no active connection, photo not sent", logger.Field{Key: "ref", Value: photo.Ref})
		return nil
	}

	if err := d.opts.Encoder.Send(conn, photo.Ref, corrected); err != nil {
		result.Err = err
		log.Error("photo transfer failed", logger.Field{Key: "ref", Value: photo.Ref}, logger.Field{Key: "error", Value: err})
		return err
	}
	result.Delivered = true

	log.Info("photo sent",
		logger.Field{Key: "ref", Value: photo.Ref},
		logger.Field{Key: "bytes", Value: len(corrected)},
		logger.Field{Key: "orientation", Value: state.String()},
		logger.Field{Key: "remote", Value: conn.RemoteAddr()},
		logger.Field{Key: "elapsed", Value: time.Since(start).String()})

	if d.opts.DeleteAfterSend {
		if err := d.opts.Store.Delete(ctx, photo.Ref); err != nil {
			log.Warn("photo cleanup failed", logger.Field{Key: "ref", Value: photo.Ref}, logger.Field{Key: "error", Value: err})
		}
	}

	return nil
}

// persist saves the photo and reads it back by reference.
func (d *Dispatcher) persist(ctx context.Context, photo capture.Photo) ([]byte, error) {
	if err := d.opts.Store.Save(ctx, photo.Ref, photo.Data); err != nil {
		return nil, fmt.Errorf("save photo: %w", err)
	}

	data, err := d.opts.Store.Load(ctx, photo.Ref)
	if err != nil {
		return nil, fmt.Errorf("load photo: %w", err)
	}

	return data, nil
}

func (d *Dispatcher) notifyError(log logger.Logger, reason string) {
	conn := d.active()
	if conn == nil {
		return
	}

	if err := d.opts.Encoder.Reply(conn, protocol.ErrorMessage(reason)); err != nil {
		log.Warn("error notice failed", logger.Field{Key: "error", Value: err})
	}
}

func (d *Dispatcher) active() *tcpserver.Connection {
	if d.opts.Target == nil {
		return nil
	}

	conn := d.opts.Target.Active()
	if conn == nil || conn.State() != tcpserver.StateActive {
		return nil
	}

	return conn
}
