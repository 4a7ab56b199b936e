package methods

import "github.com/danmuck/amqpwire/internal/protocol/wire"

type ChannelOpen struct {
	OutOfBand string // reserved
}

func (*ChannelOpen) ID() ID { return idChannelOpen }

func (m *ChannelOpen) write(w *wire.Writer) error {
	return w.WriteShortstr(m.OutOfBand)
}

func (m *ChannelOpen) read(r *wire.Reader) (err error) {
	m.OutOfBand, err = r.ReadShortstr()
	return err
}

type ChannelOpenOk struct {
	ChannelID []byte // reserved
}

func (*ChannelOpenOk) ID() ID { return idChannelOpenOk }

func (m *ChannelOpenOk) write(w *wire.Writer) error {
	w.WriteLongstr(m.ChannelID)
	return nil
}

func (m *ChannelOpenOk) read(r *wire.Reader) (err error) {
	m.ChannelID, err = r.ReadLongstr()
	return err
}

// ChannelFlow asks the peer to pause (Active=false) or resume content.
type ChannelFlow struct {
	Active bool
}

func (*ChannelFlow) ID() ID { return idChannelFlow }

func (m *ChannelFlow) write(w *wire.Writer) error {
	w.WriteBit(m.Active)
	return nil
}

func (m *ChannelFlow) read(r *wire.Reader) (err error) {
	m.Active, err = r.ReadBit()
	return err
}

type ChannelFlowOk struct {
	Active bool
}

func (*ChannelFlowOk) ID() ID { return idChannelFlowOk }

func (m *ChannelFlowOk) write(w *wire.Writer) error {
	w.WriteBit(m.Active)
	return nil
}

func (m *ChannelFlowOk) read(r *wire.Reader) (err error) {
	m.Active, err = r.ReadBit()
	return err
}

type ChannelClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (*ChannelClose) ID() ID { return idChannelClose }

func (m *ChannelClose) write(w *wire.Writer) error {
	return writeClose(w, m.ReplyCode, m.ReplyText, m.ClassID, m.MethodID)
}

func (m *ChannelClose) read(r *wire.Reader) error {
	return readClose(r, &m.ReplyCode, &m.ReplyText, &m.ClassID, &m.MethodID)
}

type ChannelCloseOk struct{}

func (*ChannelCloseOk) ID() ID                   { return idChannelCloseOk }
func (*ChannelCloseOk) write(*wire.Writer) error { return nil }
func (*ChannelCloseOk) read(*wire.Reader) error  { return nil }
