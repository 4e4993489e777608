package sensorfeed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cyberinferno/photoremote/orientation"
)

type recordingSink struct {
	mu      sync.Mutex
	samples []Sample
}

func (s *recordingSink) Update(x, y, z float64) orientation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, Sample{X: x, Y: y, Z: z})
	return orientation.Upright
}

func TestParseSample(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		s, err := ParseSample([]byte(`{"x":1.5,"y":-9.8,"z":0.1}`), EncodingJSON)
		require.NoError(t, err)
		assert.Equal(t, Sample{X: 1.5, Y: -9.8, Z: 0.1}, s)
	})

	t.Run("msgpack", func(t *testing.T) {
		payload, err := msgpack.Marshal(Sample{X: 7, Y: 0.5, Z: 3})
		require.NoError(t, err)
		s, err := ParseSample(payload, EncodingMsgpack)
		require.NoError(t, err)
		assert.Equal(t, Sample{X: 7, Y: 0.5, Z: 3}, s)
	})

	t.Run("text", func(t *testing.T) {
		for _, in := range []string{"1 2 3", "1,2,3", " 1, 2 ,3\n", "1\t2\t3"} {
			s, err := ParseSample([]byte(in), EncodingText)
			require.NoError(t, err, in)
			assert.Equal(t, Sample{X: 1, Y: 2, Z: 3}, s)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseSample([]byte("1 2"), EncodingText)
		assert.ErrorIs(t, err, ErrBadSample)
		_, err = ParseSample([]byte("a b c"), EncodingText)
		assert.ErrorIs(t, err, ErrBadSample)
		_, err = ParseSample([]byte("{"), EncodingJSON)
		assert.ErrorIs(t, err, ErrBadSample)
		_, err = ParseSample([]byte{0xc1}, EncodingMsgpack)
		assert.ErrorIs(t, err, ErrBadSample)
		_, err = ParseSample([]byte("1 2 3"), Encoding("xml"))
		assert.ErrorIs(t, err, ErrBadSample)
	})
}

func TestParseEncoding(t *testing.T) {
	e, err := ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, e)

	e, err = ParseEncoding("MsgPack")
	require.NoError(t, err)
	assert.Equal(t, EncodingMsgpack, e)

	_, err = ParseEncoding("cbor")
	assert.Error(t, err)
}

func TestReadLines(t *testing.T) {
	input := "# recorded samples\n0 9.8 0\n\nnot a sample\n9.8,0,0\n"
	sink := &recordingSink{}

	require.NoError(t, ReadLines(context.Background(), strings.NewReader(input), sink, nil))
	assert.Equal(t, []Sample{{Y: 9.8}, {X: 9.8}}, sink.samples)

	t.Run("drives a tracker", func(t *testing.T) {
		tracker := orientation.NewTracker(orientation.DefaultThreshold)
		require.NoError(t, ReadLines(context.Background(), strings.NewReader("9.8 0 0\n"), tracker, nil))
		assert.Equal(t, orientation.RotatedRight, tracker.Current())
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := ReadLines(ctx, strings.NewReader("1 2 3\n"), &recordingSink{}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// fakeMessage implements mqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// doneToken implements mqtt.Token for an already completed operation.
type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// fakeClient records subscriptions and publishes. Unused methods panic
// through the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	connected  bool
	publishErr error
	handlers   map[string]mqtt.MessageHandler
	published  []fakeMessage
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = map[string]mqtt.MessageHandler{}
	}
	c.handlers[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return doneToken{}
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return doneToken{err: c.publishErr}
	}
	c.published = append(c.published, fakeMessage{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) { c.connected = false }

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: payload})
}

func TestMQTTFeed(t *testing.T) {
	client := &fakeClient{connected: true}
	tracker := orientation.NewTracker(orientation.DefaultThreshold)
	feed := NewMQTTFeedWithClient(client, MQTTOptions{
		SampleTopic: "device/accel",
		StatusTopic: "device/status",
		Encoding:    EncodingJSON,
	}, tracker, nil)
	feed.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	require.NoError(t, feed.Start())
	require.Contains(t, client.handlers, "device/accel")

	t.Run("samples drive the tracker", func(t *testing.T) {
		client.deliver("device/accel", []byte(`{"x":0,"y":-9.8,"z":0}`))
		assert.Equal(t, orientation.UpsideDown, tracker.Current())

		client.deliver("device/accel", []byte("garbage"))
		assert.Equal(t, orientation.UpsideDown, tracker.Current())
		assert.Equal(t, MQTTStats{Received: 1, Rejected: 1}, feed.Stats())
	})

	t.Run("publishes status and orientation events", func(t *testing.T) {
		require.NoError(t, feed.PublishStatus("PC connected: 10.0.0.2:5555"))
		require.NoError(t, feed.PublishOrientation(orientation.RotatedLeft))

		require.Len(t, client.published, 2)
		assert.Equal(t, "device/status", client.published[0].topic)

		var status, orient map[string]any
		require.NoError(t, json.Unmarshal(client.published[0].payload, &status))
		require.NoError(t, json.Unmarshal(client.published[1].payload, &orient))
		assert.Equal(t, "status", status["event"])
		assert.Equal(t, "PC connected: 10.0.0.2:5555", status["status"])
		assert.Equal(t, "2026-03-04T05:06:07Z", status["timestamp"])
		assert.Equal(t, "rotated-left", orient["orientation"])
		assert.Equal(t, float64(90), orient["degrees"])
	})

	t.Run("publish errors are returned", func(t *testing.T) {
		client.publishErr = errors.New("broker gone")
		assert.ErrorContains(t, feed.PublishStatus("x"), "broker gone")
		client.publishErr = nil
	})

	t.Run("stop unsubscribes and disconnects", func(t *testing.T) {
		feed.Stop()
		feed.Stop()
		assert.NotContains(t, client.handlers, "device/accel")
		assert.False(t, client.IsConnected())
		assert.ErrorIs(t, feed.PublishStatus("late"), ErrNotConnected)
	})
}

func TestMQTTFeed_NoStatusTopic(t *testing.T) {
	client := &fakeClient{connected: true}
	feed := NewMQTTFeedWithClient(client, MQTTOptions{SampleTopic: "s"}, &recordingSink{}, nil)
	assert.NoError(t, feed.PublishStatus("ignored"))
	assert.Empty(t, client.published)
	assert.True(t, strings.HasPrefix(feed.opts.ClientID, "photoremote-"))
}
