// Package device assembles the photo-capture side from a config.Config: the
// TCP server, the command dispatcher, the orientation tracker and its sensor
// feed, the camera, the photo store and the worker pool.
package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/photoremote/capture"
	"github.com/cyberinferno/photoremote/config"
	"github.com/cyberinferno/photoremote/dispatcher"
	"github.com/cyberinferno/photoremote/idgenerator"
	"github.com/cyberinferno/photoremote/logger"
	"github.com/cyberinferno/photoremote/orientation"
	"github.com/cyberinferno/photoremote/photostore"
	"github.com/cyberinferno/photoremote/protocol"
	"github.com/cyberinferno/photoremote/rotation"
	"github.com/cyberinferno/photoremote/sensorfeed"
	"github.com/cyberinferno/photoremote/tcpserver"
	"github.com/cyberinferno/photoremote/workerpool"
)

// Option overrides a collaborator New would otherwise build from the config.
type Option func(*Device)

// WithCamera replaces the configured camera backend.
func WithCamera(cam capture.Camera) Option {
	return func(d *Device) { d.camera = cam }
}

// WithStore replaces the configured photo store.
func WithStore(store photostore.Store) Option {
	return func(d *Device) { d.store = store }
}

// WithSensorReader sets the stream read by the stdin sensor source.
func WithSensorReader(r io.Reader) Option {
	return func(d *Device) { d.sensorIn = r }
}

// WithMQTTClient makes the mqtt sensor source use an existing client.
func WithMQTTClient(client mqtt.Client) Option {
	return func(d *Device) { d.mqttClient = client }
}

// Device is the assembled device side.
type Device struct {
	cfg *config.Config
	log logger.Logger

	server     *tcpserver.Server
	dispatcher *dispatcher.Dispatcher
	tracker    *orientation.Tracker
	pool       *workerpool.Pool
	store      photostore.Store
	camera     capture.Camera
	encoder    *protocol.TransferEncoder

	sensorIn   io.Reader
	mqttClient mqtt.Client
	feed       *sensorfeed.MQTTFeed
	redis      *redis.Client

	cancel context.CancelFunc

	mu        sync.Mutex
	status    string
	listeners []func(string)
}

// New builds a Device. Nothing listens until Start.
//
// Parameters:
//   - cfg: Validated configuration
//   - log: Base logger
//   - opts: Collaborator overrides
//
// Returns:
//   - The Device, or an error if a backend cannot be built
func New(cfg *config.Config, log logger.Logger, opts ...Option) (*Device, error) {
	if log == nil {
		log = logger.NewNop()
	}

	d := &Device{cfg: cfg, log: log, status: tcpserver.StatusAwaiting, sensorIn: os.Stdin}
	for _, opt := range opts {
		opt(d)
	}

	format, err := protocol.ParseFormat(cfg.Protocol.WireFormat)
	if err != nil {
		return nil, err
	}
	d.encoder = protocol.NewTransferEncoder(format, cfg.Protocol.SegmentDelay)

	if d.camera == nil {
		if d.camera, err = newCamera(cfg.Capture); err != nil {
			return nil, err
		}
	}
	if d.store == nil {
		if d.store, err = d.newStore(cfg.Storage); err != nil {
			return nil, err
		}
	}

	d.tracker = orientation.NewTracker(cfg.Orientation.Threshold)
	d.tracker.OnChange(d.orientationChanged)

	d.pool = workerpool.New(cfg.Workers.Count, cfg.Workers.QueueSize, log)

	d.dispatcher, err = dispatcher.New(dispatcher.Options{
		Logger:          log,
		Camera:          d.camera,
		Store:           d.store,
		Corrector:       rotation.NewCorrector(cfg.Rotation.Quality),
		Orientation:     d.tracker,
		Encoder:         d.encoder,
		Pool:            d.pool,
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		DeleteAfterSend: cfg.Storage.DeleteAfterSend,
	})
	if err != nil {
		d.pool.Close()
		return nil, err
	}

	d.server = &tcpserver.Server{
		Logger:       log.With(logger.Field{Key: "component", Value: "server"}),
		Name:         "photoremote",
		Addr:         cfg.ListenAddress(),
		Handler:      d.dispatcher,
		Encoder:      d.encoder,
		OnStatus:     d.statusChanged,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	d.dispatcher.SetTarget(d.server)

	return d, nil
}

func newCamera(cfg config.CaptureConfig) (capture.Camera, error) {
	refs := idgenerator.NewRefGenerator(cfg.RefPrefix)

	switch cfg.Backend {
	case config.CaptureSynthetic:
		return capture.NewSyntheticCamera(cfg.Width, cfg.Height, cfg.Quality, refs), nil
	case config.CaptureDirectory:
		return capture.NewDirectoryCamera(cfg.Directory, refs), nil
	case config.CaptureCommand:
		return capture.NewCommandCamera(cfg.Command, cfg.Args, cfg.Timeout, refs), nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}

func (d *Device) newStore(cfg config.StorageConfig) (photostore.Store, error) {
	var store photostore.Store

	switch cfg.Backend {
	case config.StorageMemory:
		return photostore.NewMemoryStore(cfg.TTL, 2*cfg.TTL), nil
	case config.StorageDir:
		dir, err := photostore.NewDirStore(cfg.Directory)
		if err != nil {
			return nil, err
		}
		store = dir
	case config.StorageRedis:
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = photostore.NewRedisStore(d.redis, cfg.Redis.Prefix, cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	if cfg.CacheTTL > 0 {
		store = photostore.NewCachedStore(store, cfg.CacheTTL)
	}

	return store, nil
}

// OnStatus registers a listener for connection status texts.
func (d *Device) OnStatus(fn func(status string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Status returns the last connection status text.
func (d *Device) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Tracker returns the orientation tracker samples are fed into.
func (d *Device) Tracker() *orientation.Tracker {
	return d.tracker
}

// Server returns the TCP server.
func (d *Device) Server() *tcpserver.Server {
	return d.server
}

// Addr returns the bound listen address, or nil before Start.
func (d *Device) Addr() net.Addr {
	return d.server.ListenAddr()
}

// Start starts the sensor feed and the server.
//
// Parameters:
//   - ctx: Stops the sensor reader when done
//
// Returns:
//   - An error if the sensor feed or the listener cannot be started
func (d *Device) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	if err := d.startSensor(ctx); err != nil {
		d.cancel()
		return err
	}

	if err := d.server.Start(); err != nil {
		d.cancel()
		d.stopSensor()
		return err
	}

	ip, err := LocalIPv4()
	if err != nil {
		d.log.Warn("device address unknown", logger.Field{Key: "error", Value: err})
	} else {
		d.log.Info("device ready", logger.Field{Key: "ip", Value: ip}, logger.Field{Key: "addr", Value: d.server.ListenAddr().String()})
	}

	return nil
}

// Stop closes the server, drains the worker pool and stops the sensor feed.
func (d *Device) Stop() {
	if d.cancel != nil {
		d.cancel()
	}

	d.server.Stop()
	d.pool.Close()
	d.stopSensor()

	if d.redis != nil {
		_ = d.redis.Close()
	}
}

func (d *Device) startSensor(ctx context.Context) error {
	switch d.cfg.Sensor.Source {
	case config.SensorNone, "":
		return nil
	case config.SensorStdin:
		d.readSamples(ctx, d.sensorIn, "stdin")
		return nil
	case config.SensorFile:
		f, err := os.Open(d.cfg.Sensor.File)
		if err != nil {
			return fmt.Errorf("open sensor file: %w", err)
		}
		d.readSamples(ctx, f, d.cfg.Sensor.File)
		return nil
	case config.SensorMQTT:
		return d.startMQTT()
	default:
		return fmt.Errorf("unknown sensor source %q", d.cfg.Sensor.Source)
	}
}

func (d *Device) readSamples(ctx context.Context, r io.Reader, name string) {
	log := d.log.With(logger.Field{Key: "component", Value: "sensorfeed"}, logger.Field{Key: "source", Value: name})

	// Not waited for on Stop: a read from stdin cannot be interrupted.
	go func() {
		if c, ok := r.(io.Closer); ok && r != os.Stdin {
			defer c.Close()
		}

		if err := sensorfeed.ReadLines(ctx, r, d.tracker, log); err != nil && ctx.Err() == nil {
			log.Error("sensor stream failed", logger.Field{Key: "error", Value: err})
			return
		}
		log.Info("sensor stream ended")
	}()
}

func (d *Device) startMQTT() error {
	m := d.cfg.Sensor.MQTT
	enc, err := sensorfeed.ParseEncoding(m.Encoding)
	if err != nil {
		return err
	}

	opts := sensorfeed.MQTTOptions{
		Broker:      m.Broker,
		ClientID:    m.ClientID,
		SampleTopic: m.SampleTopic,
		StatusTopic: m.StatusTopic,
		QoS:         m.QoS,
		Encoding:    enc,
		Timeout:     m.Timeout,
	}

	var feed *sensorfeed.MQTTFeed
	if d.mqttClient != nil {
		feed = sensorfeed.NewMQTTFeedWithClient(d.mqttClient, opts, d.tracker, d.log)
	} else {
		feed = sensorfeed.NewMQTTFeed(opts, d.tracker, d.log)
	}

	d.mu.Lock()
	d.feed = feed
	d.mu.Unlock()

	if err := feed.Start(); err != nil {
		d.mu.Lock()
		d.feed = nil
		d.mu.Unlock()
		return err
	}

	return nil
}

func (d *Device) statusFeed() *sensorfeed.MQTTFeed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.feed
}

func (d *Device) stopSensor() {
	if feed := d.statusFeed(); feed != nil {
		feed.Stop()
	}
}

func (d *Device) statusChanged(status string) {
	d.mu.Lock()
	d.status = status
	listeners := append(([]func(string))(nil), d.listeners...)
	d.mu.Unlock()

	d.log.Info("status", logger.Field{Key: "status", Value: status})

	for _, fn := range listeners {
		fn(status)
	}

	if feed := d.statusFeed(); feed != nil {
		if err := feed.PublishStatus(status); err != nil {
			d.log.Warn("status publish failed", logger.Field{Key: "error", Value: err})
		}
	}
}

func (d *Device) orientationChanged(state orientation.State) {
	d.log.Info("orientation changed", logger.Field{Key: "orientation", Value: state.String()})

	if aware, ok := d.camera.(capture.OrientationAware); ok {
		aware.SetTargetRotation(state)
	}

	if feed := d.statusFeed(); feed != nil {
		if err := feed.PublishOrientation(state); err != nil {
			d.log.Warn("orientation publish failed", logger.Field{Key: "error", Value: err})
		}
	}
}
