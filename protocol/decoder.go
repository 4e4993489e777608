package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxPayload bounds the photo size a Decoder accepts.
const DefaultMaxPayload = 64 << 20

// Kind identifies a decoded outbound message.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnected
	KindCommandReceived
	KindPong
	KindError
	KindPhotoTaken
	KindPhotoData
	KindPhotoEnd
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindCommandReceived:
		return "command-received"
	case KindPong:
		return "pong"
	case KindError:
		return "error"
	case KindPhotoTaken:
		return "photo-taken"
	case KindPhotoData:
		return "photo-data"
	case KindPhotoEnd:
		return "photo-end"
	default:
		return "unknown"
	}
}

// Message is one decoded device message. Text holds the error reason for
// KindError and the raw text for KindUnknown, Ref the capture reference for
// KindPhotoTaken and Data the payload for KindPhotoData.
type Message struct {
	Kind Kind
	Text string
	Ref  string
	Data []byte
}

// ErrMalformed is returned (wrapped) for header lines that cannot be parsed.
var ErrMalformed = errors.New("protocol: malformed message")

// Decoder reads device messages from a stream. Not safe for concurrent use.
type Decoder struct {
	r          *bufio.Reader
	format     Format
	maxPayload int
}

// NewDecoder returns a Decoder for the given format. maxPayload <= 0 selects
// DefaultMaxPayload.
func NewDecoder(r io.Reader, format Format, maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	return &Decoder{r: bufio.NewReaderSize(r, 64<<10), format: format, maxPayload: maxPayload}
}

// Next blocks until the next complete message is available.
//
// Returns:
//   - The message
//   - io.EOF when the stream ended cleanly between messages, or a read/parse error
func (d *Decoder) Next() (Message, error) {
	if d.format == FormatFramed {
		return d.nextFramed()
	}

	return d.nextLegacy()
}

func (d *Decoder) nextFramed() (Message, error) {
	tag, body, err := readFrame(d.r, d.maxPayload)
	if err != nil {
		return Message{}, err
	}

	switch tag {
	case TagControl:
		return controlMessage(string(body)), nil
	case TagNotify:
		return Message{Kind: KindPhotoTaken, Ref: string(body)}, nil
	case TagPayload:
		return Message{Kind: KindPhotoData, Data: body}, nil
	case TagEnd:
		return Message{Kind: KindPhotoEnd}, nil
	default:
		return Message{Kind: KindUnknown, Text: string(body)}, nil
	}
}

func controlMessage(text string) Message {
	switch {
	case text == MsgConnected:
		return Message{Kind: KindConnected}
	case text == MsgCommandReceived:
		return Message{Kind: KindCommandReceived}
	case text == MsgPong:
		return Message{Kind: KindPong}
	case strings.HasPrefix(text, MsgErrorPrefix):
		return Message{Kind: KindError, Text: strings.TrimPrefix(text, MsgErrorPrefix)}
	default:
		return Message{Kind: KindUnknown, Text: text}
	}
}

// legacyTokens are the message starts of the legacy format. No token is a
// prefix of another, so a progressive match is unambiguous.
var legacyTokens = []struct {
	text string
	kind Kind
}{
	{MsgConnected, KindConnected},
	{MsgCommandReceived, KindCommandReceived},
	{MsgPong, KindPong},
	{MsgErrorPrefix, KindError},
	{PhotoTakenPrefix, KindPhotoTaken},
	{PhotoDataPrefix, KindPhotoData},
	{PhotoEndLine, KindPhotoEnd},
}

func (d *Decoder) nextLegacy() (Message, error) {
	kind, err := d.matchToken()
	if err != nil {
		return Message{}, err
	}

	switch kind {
	case KindConnected, KindCommandReceived, KindPong:
		d.skipBufferedSpace()
		return Message{Kind: kind}, nil
	case KindPhotoEnd:
		return Message{Kind: kind}, nil
	case KindError:
		return Message{Kind: kind, Text: d.readBufferedLine()}, nil
	case KindPhotoTaken:
		line, err := d.readLine()
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: kind, Ref: line}, nil
	case KindPhotoData:
		return d.readPayload()
	default:
		return Message{Kind: KindUnknown, Text: d.readBufferedLine()}, nil
	}
}

// matchToken consumes the longest legacy token at the head of the stream. It
// peeks one byte at a time, so it never waits for bytes a shorter message does
// not have. An unknown start is left unconsumed and reported as KindUnknown.
func (d *Decoder) matchToken() (Kind, error) {
	for n := 1; ; n++ {
		head, err := d.r.Peek(n)
		if err != nil {
			if len(head) == 0 && errors.Is(err, io.EOF) {
				return KindUnknown, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return KindUnknown, io.ErrUnexpectedEOF
			}
			return KindUnknown, err
		}

		candidates := 0
		for _, tok := range legacyTokens {
			if len(tok.text) < n || tok.text[:n] != string(head) {
				continue
			}
			if len(tok.text) == n {
				_, _ = d.r.Discard(n)
				return tok.kind, nil
			}
			candidates++
		}

		if candidates == 0 {
			return KindUnknown, nil
		}
	}
}

func (d *Decoder) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}

	return strings.TrimRight(line, "\r\n"), nil
}

// readBufferedLine returns bytes up to a newline or the end of what has
// already arrived, whichever comes first. Legacy error notices carry no
// terminator, so arrival is the only boundary available.
func (d *Decoder) readBufferedLine() string {
	var buf bytes.Buffer
	for d.r.Buffered() > 0 {
		b, err := d.r.ReadByte()
		if err != nil || b == '\n' {
			break
		}
		buf.WriteByte(b)
	}

	return strings.TrimRight(buf.String(), "\r")
}

func (d *Decoder) skipBufferedSpace() {
	for d.r.Buffered() > 0 {
		next, err := d.r.Peek(1)
		if err != nil {
			return
		}
		switch next[0] {
		case '\n', '\r', ' ', '\t':
			_, _ = d.r.Discard(1)
		default:
			return
		}
	}
}

func (d *Decoder) readPayload() (Message, error) {
	line, err := d.readLine()
	if err != nil {
		return Message{}, err
	}

	size, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || size < 0 {
		return Message{}, fmt.Errorf("%w: photo size %q", ErrMalformed, line)
	}

	if size > d.maxPayload {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return Message{}, fmt.Errorf("protocol: truncated photo payload: %w", err)
	}

	return Message{Kind: KindPhotoData, Data: data}, nil
}
