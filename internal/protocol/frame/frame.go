package frame

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/amqpwire/internal/protocol"
)

const (
	HeaderLen = 7
	Overhead  = HeaderLen + 1
	End       = 0xCE
	// MinSize is the smallest frame-max a peer may negotiate.
	MinSize = 4096
)

// Kind is the frame type octet. KindProtocolHeader never appears on the wire
// as an octet; it marks the 8-byte "AMQP" preamble.
type Kind uint8

const (
	KindProtocolHeader Kind = 0
	KindMethod         Kind = 1
	KindHeader         Kind = 2
	KindBody           Kind = 3
	KindHeartbeat      Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindProtocolHeader:
		return "protocol-header"
	case KindMethod:
		return "method"
	case KindHeader:
		return "header"
	case KindBody:
		return "body"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrShortHeader       = errors.New("frame: short frame header")
	ErrBadFrameEnd       = errors.New("frame: missing frame-end octet")
	ErrFrameTooLarge     = errors.New("frame: frame exceeds negotiated frame-max")
	ErrUnknownKind       = errors.New("frame: unknown frame type")
	ErrBadProtocolHeader = errors.New("frame: malformed protocol header")
	ErrHeartbeatChannel  = errors.New("frame: heartbeat on non-zero channel")
)

var protocolPrefix = []byte("AMQP")

// Frame is one decoded unit. Version is set only for KindProtocolHeader.
type Frame struct {
	Kind    Kind
	Channel uint16
	Payload []byte
	Version protocol.Version
}

func ProtocolHeader(v protocol.Version) Frame {
	return Frame{Kind: KindProtocolHeader, Version: v}
}

func Method(channel uint16, payload []byte) Frame {
	return Frame{Kind: KindMethod, Channel: channel, Payload: payload}
}

func Header(channel uint16, payload []byte) Frame {
	return Frame{Kind: KindHeader, Channel: channel, Payload: payload}
}

func Body(channel uint16, payload []byte) Frame {
	return Frame{Kind: KindBody, Channel: channel, Payload: payload}
}

func Heartbeat() Frame {
	return Frame{Kind: KindHeartbeat}
}

// Size is the encoded length of f including header and frame-end.
func (f Frame) Size() int {
	if f.Kind == KindProtocolHeader {
		return 8
	}
	return Overhead + len(f.Payload)
}

// Limits constrains frame sizes. MaxFrameSize counts header and frame-end;
// zero means unlimited.
type Limits struct {
	MaxFrameSize uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameSize: 128 * 1024}
}

func (l Limits) allows(payloadLen uint64) bool {
	return l.MaxFrameSize == 0 || payloadLen+Overhead <= uint64(l.MaxFrameSize)
}

// ReadFrame reads one frame. A broker answers an unsupported protocol header
// with its own header, so frames starting with 'A' decode as KindProtocolHeader.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	if hdr[0] == protocolPrefix[0] {
		var last [1]byte
		if _, err := io.ReadFull(r, last[:]); err != nil {
			return Frame{}, ErrBadProtocolHeader
		}
		if !bytes.Equal(hdr[:4], protocolPrefix) {
			return Frame{}, ErrBadProtocolHeader
		}
		return ProtocolHeader(protocol.Version{Major: hdr[5], Minor: hdr[6], Revision: last[0]}), nil
	}

	kind := Kind(hdr[0])
	switch kind {
	case KindMethod, KindHeader, KindBody, KindHeartbeat:
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownKind, hdr[0])
	}
	channel := binary.BigEndian.Uint16(hdr[1:3])
	size := binary.BigEndian.Uint32(hdr[3:7])
	if !limits.allows(uint64(size)) {
		return Frame{}, fmt.Errorf("%w: payload=%d max=%d", ErrFrameTooLarge, size, limits.MaxFrameSize)
	}
	if kind == KindHeartbeat && channel != 0 {
		return Frame{}, fmt.Errorf("%w: channel=%d", ErrHeartbeatChannel, channel)
	}

	buf := make([]byte, int(size)+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	if buf[size] != End {
		return Frame{}, fmt.Errorf("%w: got 0x%02x", ErrBadFrameEnd, buf[size])
	}
	return Frame{Kind: kind, Channel: channel, Payload: buf[:size]}, nil
}

// WriteFrame encodes f into one buffered write.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if f.Kind == KindProtocolHeader {
		_, err := w.Write(EncodeProtocolHeader(f.Version))
		return err
	}
	switch f.Kind {
	case KindMethod, KindHeader, KindBody, KindHeartbeat:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(f.Kind))
	}
	if f.Kind == KindHeartbeat && f.Channel != 0 {
		return fmt.Errorf("%w: channel=%d", ErrHeartbeatChannel, f.Channel)
	}
	if !limits.allows(uint64(len(f.Payload))) {
		return fmt.Errorf("%w: payload=%d max=%d", ErrFrameTooLarge, len(f.Payload), limits.MaxFrameSize)
	}

	bw := bufio.NewWriterSize(w, f.Size())
	var hdr [HeaderLen]byte
	hdr[0] = byte(f.Kind)
	binary.BigEndian.PutUint16(hdr[1:3], f.Channel)
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Payload)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := bw.Write(f.Payload); err != nil {
		return err
	}
	if err := bw.WriteByte(End); err != nil {
		return err
	}
	return bw.Flush()
}

func EncodeProtocolHeader(v protocol.Version) []byte {
	return []byte{'A', 'M', 'Q', 'P', 0, v.Major, v.Minor, v.Revision}
}

// SplitBody cuts body into content-body frames that each fit limits.
func SplitBody(channel uint16, body []byte, limits Limits) []Frame {
	if limits.MaxFrameSize == 0 || len(body) == 0 {
		return []Frame{Body(channel, body)}
	}
	chunk := int(limits.MaxFrameSize) - Overhead
	if chunk <= 0 {
		chunk = 1
	}
	frames := make([]Frame, 0, (len(body)+chunk-1)/chunk)
	for off := 0; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		frames = append(frames, Body(channel, body[off:end]))
	}
	return frames
}
