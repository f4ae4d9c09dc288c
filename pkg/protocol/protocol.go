// Package protocol defines the envelope framing used between clients and
// the server.
//
// Every envelope travels as one frame:
//
//	[4-byte big-endian length N][kind(1) | body(N-1)]
//
// Kind 1 carries a model.Message, kind 2 a model.GroupDescriptor. Frames of
// any other kind are skipped so older servers tolerate newer clients.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
)

const (
	// FrameHeaderSize is the size of the length prefix.
	FrameHeaderSize = 4

	// DefaultMaxFrameSize bounds a single frame (16MB) so attachments fit.
	DefaultMaxFrameSize = 16 << 20
)

// Kind identifies the payload type carried by a frame.
type Kind byte

const (
	KindMessage Kind = 1
	KindGroup   Kind = 2
)

var (
	// ErrConnectionClosed means the peer went away: EOF, a truncated frame,
	// a reset, or a socket that was closed locally.
	ErrConnectionClosed = errors.New("protocol: connection closed")

	// ErrProtocol means the bytes on the wire do not form a valid frame.
	ErrProtocol = errors.New("protocol: malformed frame")

	// ErrWrite means a frame could not be written to the connection.
	ErrWrite = errors.New("protocol: write failed")
)

// Envelope carries exactly one of Message or Group.
type Envelope struct {
	Message *model.Message
	Group   *model.GroupDescriptor
}

// MessageEnvelope wraps a message.
func MessageEnvelope(m model.Message) Envelope {
	return Envelope{Message: &m}
}

// GroupEnvelope wraps a group descriptor.
func GroupEnvelope(g model.GroupDescriptor) Envelope {
	return Envelope{Group: &g}
}

// Kind returns the frame kind for the populated variant, or 0 if the
// envelope is empty or ambiguous.
func (e Envelope) Kind() Kind {
	switch {
	case e.Message != nil && e.Group == nil:
		return KindMessage
	case e.Group != nil && e.Message == nil:
		return KindGroup
	default:
		return 0
	}
}

// AppendFrame appends the complete frame for env to b.
func AppendFrame(b []byte, env Envelope) ([]byte, error) {
	kind := env.Kind()
	if kind == 0 {
		return b, fmt.Errorf("%w: envelope must carry exactly one payload", ErrProtocol)
	}

	start := len(b)
	b = append(b, 0, 0, 0, 0, byte(kind))
	switch kind {
	case KindMessage:
		b = AppendMessage(b, *env.Message)
	case KindGroup:
		b = AppendGroup(b, *env.Group)
	}

	n := len(b) - start - FrameHeaderSize
	binary.BigEndian.PutUint32(b[start:start+FrameHeaderSize], uint32(n)) //nolint:gosec // bounded by caller's max frame check
	return b, nil
}

// Encoder writes frames to an underlying writer. It is safe for concurrent
// use; each Encode issues a single Write so frames never interleave.
type Encoder struct {
	mu       sync.Mutex
	w        io.Writer
	maxFrame int
	buf      []byte
}

// NewEncoder returns an encoder with DefaultMaxFrameSize.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, maxFrame: DefaultMaxFrameSize}
}

// SetMaxFrameSize changes the largest frame the encoder will produce.
func (e *Encoder) SetMaxFrameSize(n int) {
	e.mu.Lock()
	e.maxFrame = n
	e.mu.Unlock()
}

// Encode writes env as one frame. It does not retry.
func (e *Encoder) Encode(env Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	frame, err := AppendFrame(e.buf[:0], env)
	if err != nil {
		return err
	}
	if len(frame)-FrameHeaderSize > e.maxFrame {
		return fmt.Errorf("%w: frame too large: %d bytes", ErrProtocol, len(frame)-FrameHeaderSize)
	}
	// Keep small buffers around; let attachment-sized ones go.
	if cap(frame) <= 64<<10 {
		e.buf = frame
	}

	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Decoder reads frames from an underlying reader. A Decoder is not safe for
// concurrent use and cannot be restarted after it returns an error.
type Decoder struct {
	r        *bufio.Reader
	maxFrame uint32
	header   [FrameHeaderSize]byte
	err      error
}

// NewDecoder returns a decoder with DefaultMaxFrameSize.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxFrame: DefaultMaxFrameSize}
}

// SetMaxFrameSize changes the largest frame the decoder accepts.
func (d *Decoder) SetMaxFrameSize(n int) {
	d.maxFrame = uint32(n) //nolint:gosec // configured value, always positive
}

// Next returns the next envelope. Frames of unknown kind are skipped.
// Errors wrap ErrConnectionClosed or ErrProtocol; once an error has been
// returned every later call returns the same error.
func (d *Decoder) Next() (Envelope, error) {
	if d.err != nil {
		return Envelope{}, d.err
	}
	for {
		env, ok, err := d.next()
		if err != nil {
			d.err = err
			return Envelope{}, err
		}
		if ok {
			return env, nil
		}
	}
}

func (d *Decoder) next() (Envelope, bool, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return Envelope{}, false, readError("read length", err)
	}
	length := binary.BigEndian.Uint32(d.header[:])
	if length == 0 {
		return Envelope{}, false, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	if length > d.maxFrame {
		return Envelope{}, false, fmt.Errorf("%w: frame too large: %d bytes", ErrProtocol, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return Envelope{}, false, readError("read payload", err)
	}

	r := NewReader(data[1:])
	switch Kind(data[0]) {
	case KindMessage:
		m := r.ReadMessage()
		if err := r.Finish(); err != nil {
			return Envelope{}, false, err
		}
		return Envelope{Message: &m}, true, nil
	case KindGroup:
		g := r.ReadGroup()
		if err := r.Finish(); err != nil {
			return Envelope{}, false, err
		}
		return Envelope{Group: &g}, true, nil
	default:
		return Envelope{}, false, nil
	}
}

// readError maps every transport read failure, including idle timeouts,
// to ErrConnectionClosed. The session is over either way.
func readError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectionClosed, op, err)
}

// IsClosedErr reports whether err means the connection is gone rather than
// something worth logging as a failure.
func IsClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
