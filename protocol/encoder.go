package protocol

import (
	"fmt"
	"io"
	"strconv"
	"time"
)

// DefaultSegmentDelay is the pause the legacy format leaves after the data
// header and after the payload. Existing receivers split messages by read
// timing; the pause keeps the header, the payload and the terminator in
// separate reads for them.
const DefaultSegmentDelay = 50 * time.Millisecond

// Sink is an outbound stream whose writes can be grouped under one lock.
// Exclusive runs fn while holding the stream's write lock; nothing else is
// written to the stream until fn returns.
type Sink interface {
	Exclusive(fn func(w io.Writer) error) error
}

// TransferEncoder writes control replies and photo transfers in one wire format.
// It is stateless apart from its settings and safe for concurrent use.
type TransferEncoder struct {
	format Format
	delay  time.Duration
	sleep  func(time.Duration)
}

// NewTransferEncoder returns an encoder for format. delay is the legacy
// inter-segment pause; negative selects DefaultSegmentDelay. The framed format
// never pauses.
func NewTransferEncoder(format Format, delay time.Duration) *TransferEncoder {
	if delay < 0 {
		delay = DefaultSegmentDelay
	}
	if format == FormatFramed {
		delay = 0
	}

	return &TransferEncoder{format: format, delay: delay, sleep: time.Sleep}
}

// Format returns the wire format the encoder writes.
func (e *TransferEncoder) Format() Format {
	return e.format
}

// Reply writes one control message (CONNECTED, COMMAND_RECEIVED, PONG or an
// ERROR notice).
//
// Parameters:
//   - sink: The connection to write to
//   - msg: The control text
//
// Returns:
//   - An error if the write fails
func (e *TransferEncoder) Reply(sink Sink, msg string) error {
	return sink.Exclusive(func(w io.Writer) error {
		if e.format == FormatFramed {
			return WriteFrame(w, TagControl, []byte(msg))
		}

		_, err := io.WriteString(w, msg)
		return err
	})
}

// Send writes one complete photo transfer while holding the sink's write lock.
// In the legacy format the sequence is:
//
//	PHOTO_TAKEN:<ref>\n
//	PHOTO_DATA:<len>\n
//	(pause)
//	<len raw bytes>
//	(pause)
//	PHOTO_END\n
//
// The framed format writes a Notify, a Payload and an End frame. The first
// failing write aborts the transfer; nothing is retried.
//
// Parameters:
//   - sink: The connection to write to
//   - ref: The capture reference
//   - data: The photo bytes, written verbatim
//
// Returns:
//   - An error naming the failed step
func (e *TransferEncoder) Send(sink Sink, ref string, data []byte) error {
	return sink.Exclusive(func(w io.Writer) error {
		if e.format == FormatFramed {
			return e.sendFramed(w, ref, data)
		}

		return e.sendLegacy(w, ref, data)
	})
}

func (e *TransferEncoder) sendLegacy(w io.Writer, ref string, data []byte) error {
	if _, err := io.WriteString(w, PhotoTakenPrefix+ref+"\n"); err != nil {
		return fmt.Errorf("write photo notify: %w", err)
	}

	if _, err := io.WriteString(w, PhotoDataPrefix+strconv.Itoa(len(data))+"\n"); err != nil {
		return fmt.Errorf("write photo header: %w", err)
	}

	e.pause()
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write photo payload: %w", err)
	}

	e.pause()
	if _, err := io.WriteString(w, PhotoEndLine); err != nil {
		return fmt.Errorf("write photo end: %w", err)
	}

	return nil
}

func (e *TransferEncoder) sendFramed(w io.Writer, ref string, data []byte) error {
	if err := WriteFrame(w, TagNotify, []byte(ref)); err != nil {
		return fmt.Errorf("write photo notify: %w", err)
	}

	if err := WriteFrame(w, TagPayload, data); err != nil {
		return fmt.Errorf("write photo payload: %w", err)
	}

	if err := WriteFrame(w, TagEnd, nil); err != nil {
		return fmt.Errorf("write photo end: %w", err)
	}

	return nil
}

func (e *TransferEncoder) pause() {
	if e.delay > 0 {
		e.sleep(e.delay)
	}
}
