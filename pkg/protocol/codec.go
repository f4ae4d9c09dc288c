package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
)

// Minimum encoded sizes, used to reject absurd element counts before
// allocating.
const (
	minStringSize  = 4
	minMessageSize = 8 + 3*minStringSize + 1
)

// AppendString appends a length-prefixed string.
func AppendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s))) //nolint:gosec // bounded by frame size
	return append(b, s...)
}

// AppendBytes appends a length-prefixed byte slice.
func AppendBytes(b []byte, p []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(p))) //nolint:gosec // bounded by frame size
	return append(b, p...)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// AppendMessage appends the body encoding of m.
//
//	int64 ts | str sender | str recipient | str text | u8 hasAttachment [| str name | bytes data]
func AppendMessage(b []byte, m model.Message) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(m.Timestamp)) //nolint:gosec // two's complement round-trips
	b = AppendString(b, m.Sender)
	b = AppendString(b, m.Recipient)
	b = AppendString(b, m.Text)
	b = appendBool(b, m.Attachment != nil)
	if m.Attachment != nil {
		b = AppendString(b, m.Attachment.Name)
		b = AppendBytes(b, m.Attachment.Data)
	}
	return b
}

// AppendGroup appends the body encoding of g.
//
//	str name | str creator | u8 kind | u32 n | n*str member | u32 m | m*message | u8 unread
func AppendGroup(b []byte, g model.GroupDescriptor) []byte {
	b = AppendString(b, g.Name)
	b = AppendString(b, g.Creator)
	b = append(b, byte(g.Kind))
	b = binary.BigEndian.AppendUint32(b, uint32(len(g.Members))) //nolint:gosec // bounded by frame size
	for _, member := range g.Members {
		b = AppendString(b, member)
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(g.History))) //nolint:gosec // bounded by frame size
	for _, m := range g.History {
		b = AppendMessage(b, m)
	}
	return appendBool(b, g.Unread)
}

// messageSize returns len(AppendMessage(nil, m)) without encoding.
func messageSize(m model.Message) int {
	n := 8 + 3*minStringSize + len(m.Sender) + len(m.Recipient) + len(m.Text) + 1
	if m.Attachment != nil {
		n += 2*minStringSize + len(m.Attachment.Name) + len(m.Attachment.Data)
	}
	return n
}

// FitGroup cuts g's history to the newest messages that keep its group
// frame within maxFrame payload bytes. It returns the fitted descriptor,
// which shares history with g, and the number of messages cut. A
// descriptor too large even without history is returned with none.
func FitGroup(g model.GroupDescriptor, maxFrame int) (model.GroupDescriptor, int) {
	history := g.History
	g.History = nil
	size := 1 + len(AppendGroup(nil, g))

	keep := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := messageSize(history[i])
		if size+n > maxFrame {
			break
		}
		size += n
		keep++
	}
	if keep > 0 {
		g.History = history[len(history)-keep:]
	}
	return g, len(history) - keep
}

// Reader decodes the body encoding from a byte slice. The first error
// sticks: later calls return zero values and Err reports the failure.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b. The decoded values never alias b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first decoding error, if any.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Finish returns Err, or ErrProtocol if unread bytes remain.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if n := r.Remaining(); n != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrProtocol, n)
	}
	return nil
}

func (r *Reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)
	}
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.Remaining() {
		r.fail("short %s: need %d bytes, have %d", what, n, r.Remaining())
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

// ReadUint8 reads one byte.
func (r *Reader) ReadUint8() uint8 {
	p := r.take(1, "uint8")
	if p == nil {
		return 0
	}
	return p[0]
}

// ReadBool reads a one-byte flag; any value other than 0 or 1 is malformed.
func (r *Reader) ReadBool() bool {
	v := r.ReadUint8()
	if v > 1 {
		r.fail("invalid bool %d", v)
	}
	return v == 1
}

// ReadUint32 reads a big-endian uint32.
func (r *Reader) ReadUint32() uint32 {
	p := r.take(4, "uint32")
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

// ReadInt64 reads a big-endian int64.
func (r *Reader) ReadInt64() int64 {
	p := r.take(8, "int64")
	if p == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(p)) //nolint:gosec // two's complement round-trips
}

// ReadString reads a length-prefixed string.
func (r *Reader) ReadString() string {
	n := r.ReadUint32()
	return string(r.take(int(n), "string"))
}

// ReadBytes reads a length-prefixed byte slice into a fresh copy. A zero length
// yields nil.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadUint32()
	p := r.take(int(n), "bytes")
	if len(p) == 0 {
		return nil
	}
	return append([]byte(nil), p...)
}

// count reads an element count and checks that the remaining input could
// hold that many elements of at least minSize bytes each.
func (r *Reader) count(minSize int, what string) int {
	n := int(r.ReadUint32())
	if r.err != nil {
		return 0
	}
	if n > r.Remaining()/minSize {
		r.fail("%s count %d exceeds input", what, n)
		return 0
	}
	return n
}

// ReadMessage reads a message body.
func (r *Reader) ReadMessage() model.Message {
	m := model.Message{
		Timestamp: r.ReadInt64(),
		Sender:    r.ReadString(),
		Recipient: r.ReadString(),
		Text:      r.ReadString(),
	}
	if r.ReadBool() {
		m.Attachment = &model.Attachment{
			Name: r.ReadString(),
			Data: r.ReadBytes(),
		}
	}
	if r.err != nil {
		return model.Message{}
	}
	return m
}

// ReadGroup reads a group descriptor body.
func (r *Reader) ReadGroup() model.GroupDescriptor {
	g := model.GroupDescriptor{
		Name:    r.ReadString(),
		Creator: r.ReadString(),
		Kind:    model.GroupKind(r.ReadUint8()),
	}
	if n := r.count(minStringSize, "member"); n > 0 {
		g.Members = make([]string, 0, n)
		for range n {
			g.Members = append(g.Members, r.ReadString())
		}
	}
	if n := r.count(minMessageSize, "history"); n > 0 {
		g.History = make([]model.Message, 0, n)
		for range n {
			g.History = append(g.History, r.ReadMessage())
		}
	}
	g.Unread = r.ReadBool()
	if r.err != nil {
		return model.GroupDescriptor{}
	}
	return g
}
