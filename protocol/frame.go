package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Frame tags of the framed wire format.
const (
	TagControl byte = 'C' // Control text (CONNECTED, COMMAND_RECEIVED, PONG, ERROR:...)
	TagNotify  byte = 'N' // Capture reference that opens a transfer
	TagPayload byte = 'P' // Photo bytes
	TagEnd     byte = 'E' // Transfer terminator, empty body
)

// frameHeaderSize is the length prefix plus the tag byte.
const frameHeaderSize = 5

// ErrFrameTooLarge is returned when a declared frame or payload length exceeds the decoder limit.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Format selects how outbound messages are laid out on the wire.
type Format int

const (
	// FormatLegacy writes bare control texts and newline-terminated transfer
	// lines around an unframed payload.
	FormatLegacy Format = iota
	// FormatFramed wraps every message as [uint32 LE length][tag][body], where
	// length counts the tag and the body.
	FormatFramed
)

// String returns the configuration name of the format.
func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatFramed:
		return "framed"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a configuration name to a Format. Empty selects FormatLegacy.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "", "legacy":
		return FormatLegacy, nil
	case "framed":
		return FormatFramed, nil
	default:
		return 0, fmt.Errorf("protocol: unknown wire format %q", name)
	}
}

// WriteFrame writes one frame. The header and the body go out as two writes
// so large payloads are not copied.
//
// Parameters:
//   - w: Destination stream
//   - tag: One of the Tag constants
//   - body: Frame body; may be empty
//
// Returns:
//   - An error if either write fails
func WriteFrame(w io.Writer, tag byte, body []byte) error {
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(body)+1))
	header[4] = tag

	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	if len(body) == 0 {
		return nil
	}

	_, err := w.Write(body)
	return err
}

// readFrame reads one frame, rejecting bodies above maxBody bytes.
func readFrame(r io.Reader, maxBody int) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}

	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, nil, errors.New("protocol: empty frame")
	}

	if uint64(length-1) > uint64(maxBody) {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length-1)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return 0, nil, fmt.Errorf("protocol: truncated frame: %w", err)
	}

	return frame[0], frame[1:], nil
}
