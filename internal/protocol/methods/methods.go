// Package methods is the static AMQP 0-9-1 method table for the connection
// and channel classes.
package methods

import (
	"errors"
	"fmt"

	"github.com/danmuck/amqpwire/internal/protocol/wire"
)

var (
	ErrUnknownMethod   = errors.New("methods: unknown method")
	ErrMalformedMethod = errors.New("methods: malformed method payload")
)

const (
	ClassConnection uint16 = 10
	ClassChannel    uint16 = 20
)

// ID addresses one method on the wire.
type ID struct {
	Class  uint16
	Method uint16
}

func (id ID) String() string {
	if e, ok := table[id]; ok {
		return e.name
	}
	return fmt.Sprintf("%d.%d", id.Class, id.Method)
}

// Expectation records whether sending a method obliges the peer to answer.
type Expectation uint8

const (
	NoReply Expectation = iota
	ExpectsReply
)

func (e Expectation) String() string {
	if e == ExpectsReply {
		return "expects-reply"
	}
	return "no-reply"
}

// Method is implemented only by the structs in this package.
type Method interface {
	ID() ID
	write(w *wire.Writer) error
	read(r *wire.Reader) error
}

type entry struct {
	name    string
	expect  Expectation
	replies []ID
	alloc   func() Method
}

var (
	idConnectionStart    = ID{ClassConnection, 10}
	idConnectionStartOk  = ID{ClassConnection, 11}
	idConnectionSecure   = ID{ClassConnection, 20}
	idConnectionSecureOk = ID{ClassConnection, 21}
	idConnectionTune     = ID{ClassConnection, 30}
	idConnectionTuneOk   = ID{ClassConnection, 31}
	idConnectionOpen     = ID{ClassConnection, 40}
	idConnectionOpenOk   = ID{ClassConnection, 41}
	idConnectionClose    = ID{ClassConnection, 50}
	idConnectionCloseOk  = ID{ClassConnection, 51}
	idChannelOpen        = ID{ClassChannel, 10}
	idChannelOpenOk      = ID{ClassChannel, 11}
	idChannelFlow        = ID{ClassChannel, 20}
	idChannelFlowOk      = ID{ClassChannel, 21}
	idChannelClose       = ID{ClassChannel, 40}
	idChannelCloseOk     = ID{ClassChannel, 41}
)

var table = map[ID]entry{
	idConnectionStart: {"connection.start", ExpectsReply, []ID{idConnectionStartOk},
		func() Method { return &ConnectionStart{} }},
	idConnectionStartOk: {"connection.start-ok", ExpectsReply, []ID{idConnectionSecure, idConnectionTune},
		func() Method { return &ConnectionStartOk{} }},
	idConnectionSecure: {"connection.secure", ExpectsReply, []ID{idConnectionSecureOk},
		func() Method { return &ConnectionSecure{} }},
	idConnectionSecureOk: {"connection.secure-ok", ExpectsReply, []ID{idConnectionSecure, idConnectionTune},
		func() Method { return &ConnectionSecureOk{} }},
	idConnectionTune: {"connection.tune", ExpectsReply, []ID{idConnectionTuneOk},
		func() Method { return &ConnectionTune{} }},
	idConnectionTuneOk: {"connection.tune-ok", NoReply, nil,
		func() Method { return &ConnectionTuneOk{} }},
	idConnectionOpen: {"connection.open", ExpectsReply, []ID{idConnectionOpenOk},
		func() Method { return &ConnectionOpen{} }},
	idConnectionOpenOk: {"connection.open-ok", NoReply, nil,
		func() Method { return &ConnectionOpenOk{} }},
	idConnectionClose: {"connection.close", ExpectsReply, []ID{idConnectionCloseOk},
		func() Method { return &ConnectionClose{} }},
	idConnectionCloseOk: {"connection.close-ok", NoReply, nil,
		func() Method { return &ConnectionCloseOk{} }},
	idChannelOpen: {"channel.open", ExpectsReply, []ID{idChannelOpenOk},
		func() Method { return &ChannelOpen{} }},
	idChannelOpenOk: {"channel.open-ok", NoReply, nil,
		func() Method { return &ChannelOpenOk{} }},
	idChannelFlow: {"channel.flow", ExpectsReply, []ID{idChannelFlowOk},
		func() Method { return &ChannelFlow{} }},
	idChannelFlowOk: {"channel.flow-ok", NoReply, nil,
		func() Method { return &ChannelFlowOk{} }},
	idChannelClose: {"channel.close", ExpectsReply, []ID{idChannelCloseOk},
		func() Method { return &ChannelClose{} }},
	idChannelCloseOk: {"channel.close-ok", NoReply, nil,
		func() Method { return &ChannelCloseOk{} }},
}

// Known reports whether id is in the table.
func Known(id ID) bool {
	_, ok := table[id]
	return ok
}

// Name returns the dotted method name, or "class.method" digits when unknown.
func Name(id ID) string {
	return id.String()
}

// ExpectationOf reports whether the sender of id waits for a reply.
func ExpectationOf(id ID) Expectation {
	return table[id].expect
}

// Replies lists the methods that may answer id.
func Replies(id ID) []ID {
	e := table[id]
	out := make([]ID, len(e.replies))
	copy(out, e.replies)
	return out
}

// Encode serializes m as a method frame payload.
func Encode(m Method) ([]byte, error) {
	id := m.ID()
	if !Known(id) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, id)
	}
	w := wire.NewWriter()
	w.WriteShort(id.Class)
	w.WriteShort(id.Method)
	if err := m.write(w); err != nil {
		return nil, fmt.Errorf("encode %s: %w", id, err)
	}
	return w.Bytes(), nil
}

// PeekID reads the class and method ids without decoding arguments.
func PeekID(payload []byte) (ID, error) {
	r := wire.NewReader(payload)
	class, err := r.ReadShort()
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformedMethod, err)
	}
	method, err := r.ReadShort()
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformedMethod, err)
	}
	return ID{Class: class, Method: method}, nil
}

// Decode parses a method frame payload.
func Decode(payload []byte) (Method, error) {
	id, err := PeekID(payload)
	if err != nil {
		return nil, err
	}
	e, ok := table[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, id)
	}
	m := e.alloc()
	r := wire.NewReader(payload[4:])
	if err := m.read(r); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMethod, e.name, err)
	}
	return m, nil
}
