package amqp

import (
	"errors"
	"fmt"

	"github.com/danmuck/amqpwire/internal/protocol"
)

var (
	ErrProtocol  = errors.New("amqp: protocol error")
	ErrTransport = errors.New("amqp: transport error")
	ErrBroker    = errors.New("amqp: broker error")

	ErrClosed               = errors.New("amqp: connection closed")
	ErrVersionMismatch      = protocol.ErrVersionMismatch
	ErrMechanismUnsupported = errors.New("amqp: sasl mechanism not offered by broker")
	ErrUnexpectedMethod     = errors.New("amqp: unexpected method")
	ErrResponseTimeout      = errors.New("amqp: response timeout")
	ErrHeartbeatTimeout     = errors.New("amqp: heartbeat timeout")
	ErrChannelExists        = errors.New("amqp: channel already created")
	ErrNoMoreChannels       = errors.New("amqp: no more channels")
	ErrChannelClosed        = errors.New("amqp: channel closed")
	ErrFlowPaused           = errors.New("amqp: channel flow paused by broker")
)

// Kind classifies where a failure came from.
type Kind uint8

const (
	KindProtocol Kind = iota + 1
	KindTransport
	KindBroker
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindBroker:
		return "broker"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindProtocol:
		return ErrProtocol
	case KindTransport:
		return ErrTransport
	case KindBroker:
		return ErrBroker
	default:
		return nil
	}
}

// Error is the failure type surfaced by connections and channels. Broker
// errors carry the reply code and the failing method from Close.
type Error struct {
	Kind     Kind
	Code     uint16
	Text     string
	ClassID  uint16
	MethodID uint16
	Err      error
}

func (e *Error) Error() string {
	if e.Kind == KindBroker {
		name, err := protocol.ReplyName(e.Code)
		if err != nil {
			name = "UNKNOWN"
		}
		msg := fmt.Sprintf("amqp: broker error %d %s: %s", e.Code, name, e.Text)
		if e.ClassID != 0 {
			msg += fmt.Sprintf(" (method %d.%d)", e.ClassID, e.MethodID)
		}
		return msg
	}
	switch {
	case e.Text != "" && e.Err != nil:
		return fmt.Sprintf("amqp: %s error: %s: %v", e.Kind, e.Text, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("amqp: %s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("amqp: %s error: %s", e.Kind, e.Text)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the Kind sentinel, so errors.Is(err, ErrBroker) works.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Hard reports whether the reply code closes the whole connection.
func (e *Error) Hard() bool {
	return e.Kind == KindBroker && protocol.IsHardError(e.Code)
}

func protocolError(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Text: fmt.Sprintf(format, args...), Err: cause}
}

func transportError(cause error) *Error {
	return &Error{Kind: KindTransport, Err: cause}
}

func brokerError(code uint16, text string, classID, methodID uint16) *Error {
	return &Error{Kind: KindBroker, Code: code, Text: text, ClassID: classID, MethodID: methodID}
}
