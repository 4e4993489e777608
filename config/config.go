// Package config holds the photoremote configuration tree, loaded from YAML
// over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
	Orientation OrientationConfig `yaml:"orientation"`
	Rotation    RotationConfig    `yaml:"rotation"`
	Capture     CaptureConfig     `yaml:"capture"`
	Storage     StorageConfig     `yaml:"storage"`
	Workers     WorkersConfig     `yaml:"workers"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Logging     LoggingConfig     `yaml:"logging"`
	Controller  ControllerConfig  `yaml:"controller"`
}

// ServerConfig holds the device listener settings
type ServerConfig struct {
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	ReadBufferSize int           `yaml:"read_buffer_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// ProtocolConfig holds the outbound wire settings
type ProtocolConfig struct {
	WireFormat   string        `yaml:"wire_format"`
	SegmentDelay time.Duration `yaml:"segment_delay"`
	MaxPayload   int           `yaml:"max_payload"`
}

type OrientationConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type RotationConfig struct {
	Quality int `yaml:"quality"`
}

// CaptureConfig selects and configures the camera backend
type CaptureConfig struct {
	Backend   string        `yaml:"backend"`
	RefPrefix string        `yaml:"ref_prefix"`
	Width     int           `yaml:"width"`
	Height    int           `yaml:"height"`
	Quality   int           `yaml:"quality"`
	Directory string        `yaml:"directory"`
	Command   string        `yaml:"command"`
	Args      []string      `yaml:"args"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StorageConfig selects and configures the photo store
type StorageConfig struct {
	Backend         string        `yaml:"backend"`
	TTL             time.Duration `yaml:"ttl"`
	Directory       string        `yaml:"directory"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	DeleteAfterSend bool          `yaml:"delete_after_send"`
	Redis           RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// SensorConfig selects where accelerometer samples come from
type SensorConfig struct {
	Source string     `yaml:"source"`
	File   string     `yaml:"file"`
	MQTT   MQTTConfig `yaml:"mqtt"`
}

type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	SampleTopic string        `yaml:"sample_topic"`
	StatusTopic string        `yaml:"status_topic"`
	QoS         byte          `yaml:"qos"`
	Encoding    string        `yaml:"encoding"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

// ControllerConfig holds the PC-side client settings
type ControllerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	ShootTimeout   time.Duration `yaml:"shoot_timeout"`
	PhotosDir      string        `yaml:"photos_dir"`
}

// Backend names.
const (
	CaptureSynthetic = "synthetic"
	CaptureDirectory = "directory"
	CaptureCommand   = "command"

	StorageMemory = "memory"
	StorageDir    = "dir"
	StorageRedis  = "redis"

	SensorNone  = "none"
	SensorStdin = "stdin"
	SensorFile  = "file"
	SensorMQTT  = "mqtt"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "0.0.0.0",
			Port:           8080,
			ReadBufferSize: 1024,
			WriteTimeout:   30 * time.Second,
		},
		Protocol: ProtocolConfig{
			WireFormat:   "legacy",
			SegmentDelay: 50 * time.Millisecond,
			MaxPayload:   64 << 20,
		},
		Orientation: OrientationConfig{Threshold: 5.0},
		Rotation:    RotationConfig{Quality: 90},
		Capture: CaptureConfig{
			Backend: CaptureSynthetic,
			Width:   1280,
			Height:  960,
			Quality: 90,
			Command: "rpicam-jpeg",
			Args:    []string{"--nopreview", "--timeout", "1", "--rotation", "{rotation}", "--output", "-"},
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:   StorageMemory,
			TTL:       10 * time.Minute,
			Directory: "./captures",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "photoremote:photo:",
			},
		},
		Workers: WorkersConfig{Count: 1, QueueSize: 8},
		Sensor: SensorConfig{
			Source: SensorNone,
			MQTT: MQTTConfig{
				Broker:      "localhost:1883",
				SampleTopic: "photoremote/accelerometer",
				StatusTopic: "photoremote/status",
				Encoding:    "json",
				Timeout:     5 * time.Second,
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Controller: ControllerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			ConnectTimeout: 10 * time.Second,
			ShootTimeout:   30 * time.Second,
			PhotosDir:      "./photos",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result. An empty
// path returns the validated defaults.
//
// Parameters:
//   - path: Config file path, or ""
//
// Returns:
//   - The configuration, or an error if reading, parsing or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ReadBufferSize < 1 {
		errs = append(errs, fmt.Errorf("invalid read buffer size: %d", c.Server.ReadBufferSize))
	}

	switch strings.ToLower(c.Protocol.WireFormat) {
	case "legacy", "framed":
	default:
		errs = append(errs, fmt.Errorf("invalid wire format: %s", c.Protocol.WireFormat))
	}
	if c.Protocol.SegmentDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid segment delay: %s", c.Protocol.SegmentDelay))
	}

	if c.Orientation.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("invalid orientation threshold: %v", c.Orientation.Threshold))
	}
	if c.Rotation.Quality < 1 || c.Rotation.Quality > 100 {
		errs = append(errs, fmt.Errorf("invalid rotation quality: %d", c.Rotation.Quality))
	}

	switch c.Capture.Backend {
	case CaptureSynthetic:
	case CaptureDirectory:
		if c.Capture.Directory == "" {
			errs = append(errs, errors.New("capture directory required for directory backend"))
		}
	case CaptureCommand:
		if c.Capture.Command == "" {
			errs = append(errs, errors.New("capture command required for command backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid capture backend: %s", c.Capture.Backend))
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageDir:
		if c.Storage.Directory == "" {
			errs = append(errs, errors.New("storage directory required for dir backend"))
		}
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("redis address required for redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage backend: %s", c.Storage.Backend))
	}

	if c.Workers.Count < 1 {
		errs = append(errs, fmt.Errorf("invalid worker count: %d", c.Workers.Count))
	}
	if c.Workers.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("invalid queue size: %d", c.Workers.QueueSize))
	}

	switch c.Sensor.Source {
	case SensorNone, SensorStdin:
	case SensorFile:
		if c.Sensor.File == "" {
			errs = append(errs, errors.New("sensor file required for file source"))
		}
	case SensorMQTT:
		if c.Sensor.MQTT.Broker == "" || c.Sensor.MQTT.SampleTopic == "" {
			errs = append(errs, errors.New("mqtt broker and sample topic required for mqtt source"))
		}
		if c.Sensor.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("invalid mqtt qos: %d", c.Sensor.MQTT.QoS))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid sensor source: %s", c.Sensor.Source))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("invalid log level: %s", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("invalid log format: %s", c.Logging.Format))
	}

	if c.Controller.Port < 1 || c.Controller.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid controller port: %d", c.Controller.Port))
	}

	return errors.Join(errs...)
}

// ListenAddress returns the device listen address.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// ControllerAddress returns the device address the controller dials.
func (c *Config) ControllerAddress() string {
	return net.JoinHostPort(c.Controller.Host, strconv.Itoa(c.Controller.Port))
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
