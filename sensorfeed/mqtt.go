package sensorfeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/cyberinferno/photoremote/logger"
	"github.com/cyberinferno/photoremote/orientation"
)

// ErrNotConnected is returned by publishes while the broker is unreachable.
var ErrNotConnected = errors.New("sensorfeed: mqtt not connected")

// MQTTOptions configures an MQTTFeed.
type MQTTOptions struct {
	// Broker is host:port of the MQTT broker.
	Broker string
	// ClientID defaults to "photoremote-<uuid>".
	ClientID string
	// SampleTopic carries accelerometer samples.
	SampleTopic string
	// StatusTopic receives connection status and orientation events; empty disables publishing.
	StatusTopic string
	QoS         byte
	Encoding    Encoding
	// Timeout bounds connect, subscribe and publish waits.
	Timeout time.Duration
}

// Event is the JSON document published to the status topic.
type Event struct {
	Event       string `json:"event"`
	Status      string `json:"status,omitempty"`
	Orientation string `json:"orientation,omitempty"`
	Degrees     *int   `json:"degrees,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// MQTTStats holds feed counters.
type MQTTStats struct {
	Received  uint64
	Rejected  uint64
	Published uint64
}

// MQTTFeed subscribes to a sample topic and feeds a Sink. It also publishes
// device events to a status topic.
type MQTTFeed struct {
	opts   MQTTOptions
	client mqtt.Client
	sink   Sink
	log    logger.Logger
	now    func() time.Time

	connected atomic.Bool
	received  atomic.Uint64
	rejected  atomic.Uint64
	published atomic.Uint64

	stopOnce sync.Once
}

// NewMQTTFeed builds a feed with an auto-reconnecting paho client.
func NewMQTTFeed(opts MQTTOptions, sink Sink, log logger.Logger) *MQTTFeed {
	f := newFeed(opts, sink, log)

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s", f.opts.Broker))
	co.SetClientID(f.opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)

	co.OnConnect = func(c mqtt.Client) {
		f.connected.Store(true)
		f.log.Info("mqtt connection established", logger.Field{Key: "broker", Value: f.opts.Broker}, logger.Field{Key: "client_id", Value: f.opts.ClientID})
		// Subscriptions do not survive a clean-session reconnect.
		if err := f.subscribe(); err != nil {
			f.log.Error("mqtt subscribe failed", logger.Field{Key: "error", Value: err})
		}
	}
	co.OnConnectionLost = func(c mqtt.Client, err error) {
		f.connected.Store(false)
		f.log.Warn("mqtt connection lost, will auto-reconnect", logger.Field{Key: "error", Value: err})
	}

	f.client = mqtt.NewClient(co)
	return f
}

// NewMQTTFeedWithClient builds a feed over an existing client. The caller
// connects the client; Start only subscribes.
func NewMQTTFeedWithClient(client mqtt.Client, opts MQTTOptions, sink Sink, log logger.Logger) *MQTTFeed {
	f := newFeed(opts, sink, log)
	f.client = client
	f.connected.Store(client.IsConnected())
	return f
}

func newFeed(opts MQTTOptions, sink Sink, log logger.Logger) *MQTTFeed {
	if opts.ClientID == "" {
		opts.ClientID = "photoremote-" + uuid.NewString()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Encoding == "" {
		opts.Encoding = EncodingJSON
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &MQTTFeed{
		opts: opts,
		sink: sink,
		log:  log.With(logger.Field{Key: "component", Value: "sensorfeed"}),
		now:  time.Now,
	}
}

// Start connects, if the feed owns its client, and subscribes to the sample topic.
//
// Returns:
//   - An error if connecting or subscribing fails or times out
func (f *MQTTFeed) Start() error {
	if !f.client.IsConnected() {
		f.log.Info("connecting to mqtt broker", logger.Field{Key: "broker", Value: f.opts.Broker})

		token := f.client.Connect()
		if !token.WaitTimeout(f.opts.Timeout) {
			return errors.New("mqtt connection timeout")
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
		f.connected.Store(true)

		// OnConnect already subscribed.
		return nil
	}

	return f.subscribe()
}

func (f *MQTTFeed) subscribe() error {
	if f.opts.SampleTopic == "" {
		return nil
	}

	token := f.client.Subscribe(f.opts.SampleTopic, f.opts.QoS, f.handleMessage)
	if !token.WaitTimeout(f.opts.Timeout) {
		return errors.New("sample subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("sample subscription failed: %w", err)
	}

	f.log.Info("subscribed to samples", logger.Field{Key: "topic", Value: f.opts.SampleTopic})
	return nil
}

// handleMessage is the paho callback for sample messages.
func (f *MQTTFeed) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s, err := ParseSample(msg.Payload(), f.opts.Encoding)
	if err != nil {
		f.rejected.Add(1)
		f.log.Warn("dropping sample", logger.Field{Key: "topic", Value: msg.Topic()}, logger.Field{Key: "error", Value: err})
		return
	}

	f.received.Add(1)
	f.sink.Update(s.X, s.Y, s.Z)
}

// PublishStatus publishes a connection status text.
func (f *MQTTFeed) PublishStatus(status string) error {
	return f.publish(Event{Event: "status", Status: status})
}

// PublishOrientation publishes an orientation change.
func (f *MQTTFeed) PublishOrientation(state orientation.State) error {
	deg := state.Degrees()
	return f.publish(Event{Event: "orientation", Orientation: state.String(), Degrees: &deg})
}

func (f *MQTTFeed) publish(ev Event) error {
	if f.opts.StatusTopic == "" {
		return nil
	}
	if !f.connected.Load() {
		return ErrNotConnected
	}

	ev.Timestamp = f.now().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := f.client.Publish(f.opts.StatusTopic, f.opts.QoS, false, payload)
	if !token.WaitTimeout(f.opts.Timeout) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	f.published.Add(1)
	return nil
}

// Stats returns the feed counters.
func (f *MQTTFeed) Stats() MQTTStats {
	return MQTTStats{Received: f.received.Load(), Rejected: f.rejected.Load(), Published: f.published.Load()}
}

// Stop unsubscribes and disconnects with a 250ms grace period.
func (f *MQTTFeed) Stop() {
	f.stopOnce.Do(func() {
		if f.client.IsConnected() {
			if f.opts.SampleTopic != "" {
				f.client.Unsubscribe(f.opts.SampleTopic).WaitTimeout(f.opts.Timeout)
			}
			f.client.Disconnect(250)
			f.log.Info("mqtt disconnected")
		}
		f.connected.Store(false)
	})
}
