// Package sensorfeed delivers accelerometer samples to the orientation
// tracker from a line stream or an MQTT topic.
package sensorfeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cyberinferno/photoremote/orientation"
)

// ErrBadSample is returned (wrapped) for payloads that are not a sample.
var ErrBadSample = errors.New("sensorfeed: bad sample")

// Sample is one accelerometer reading in m/s².
type Sample struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

// Sink consumes samples. *orientation.Tracker implements it.
type Sink interface {
	Update(x, y, z float64) orientation.State
}

// Encoding is the payload format of a sample.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
	EncodingText    Encoding = "text"
)

// ParseEncoding validates an encoding name. Empty selects EncodingJSON.
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(strings.ToLower(name)) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingMsgpack:
		return EncodingMsgpack, nil
	case EncodingText:
		return EncodingText, nil
	default:
		return "", fmt.Errorf("sensorfeed: unknown encoding %q", name)
	}
}

// ParseSample decodes one payload.
//
// Parameters:
//   - payload: The encoded sample
//   - enc: Payload format
//
// Returns:
//   - The sample, or an error wrapping ErrBadSample
func ParseSample(payload []byte, enc Encoding) (Sample, error) {
	var s Sample

	switch enc {
	case EncodingJSON, "":
		if err := json.Unmarshal(payload, &s); err != nil {
			return Sample{}, fmt.Errorf("%w: %v", ErrBadSample, err)
		}
	case EncodingMsgpack:
		if err := msgpack.Unmarshal(payload, &s); err != nil {
			return Sample{}, fmt.Errorf("%w: %v", ErrBadSample, err)
		}
	case EncodingText:
		return parseText(string(payload))
	default:
		return Sample{}, fmt.Errorf("%w: unknown encoding %q", ErrBadSample, enc)
	}

	return s, nil
}

// parseText accepts "x y z" or "x,y,z" with any surrounding whitespace.
func parseText(line string) (Sample, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if len(fields) != 3 {
		return Sample{}, fmt.Errorf("%w: want 3 values, got %d", ErrBadSample, len(fields))
	}

	var v [3]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: %q is not a number", ErrBadSample, f)
		}
		v[i] = n
	}

	return Sample{X: v[0], Y: v[1], Z: v[2]}, nil
}
