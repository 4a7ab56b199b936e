package methods

import (
	"strings"

	"github.com/danmuck/amqpwire/internal/protocol/wire"
)

type ConnectionStart struct {
	VersionMajor     uint8
	VersionMinor     uint8
	ServerProperties wire.Table
	Mechanisms       string
	Locales          string
}

func (*ConnectionStart) ID() ID { return idConnectionStart }

// MechanismList splits the space-separated mechanisms field.
func (m *ConnectionStart) MechanismList() []string {
	return strings.Fields(m.Mechanisms)
}

// LocaleList splits the space-separated locales field.
func (m *ConnectionStart) LocaleList() []string {
	return strings.Fields(m.Locales)
}

func (m *ConnectionStart) write(w *wire.Writer) error {
	w.WriteOctet(m.VersionMajor)
	w.WriteOctet(m.VersionMinor)
	if err := w.WriteTable(m.ServerProperties); err != nil {
		return err
	}
	w.WriteLongstr([]byte(m.Mechanisms))
	w.WriteLongstr([]byte(m.Locales))
	return nil
}

func (m *ConnectionStart) read(r *wire.Reader) (err error) {
	if m.VersionMajor, err = r.ReadOctet(); err != nil {
		return err
	}
	if m.VersionMinor, err = r.ReadOctet(); err != nil {
		return err
	}
	if m.ServerProperties, err = r.ReadTable(); err != nil {
		return err
	}
	mech, err := r.ReadLongstr()
	if err != nil {
		return err
	}
	m.Mechanisms = string(mech)
	locales, err := r.ReadLongstr()
	if err != nil {
		return err
	}
	m.Locales = string(locales)
	return nil
}

type ConnectionStartOk struct {
	ClientProperties wire.Table
	Mechanism        string
	Response         []byte
	Locale           string
}

func (*ConnectionStartOk) ID() ID { return idConnectionStartOk }

func (m *ConnectionStartOk) write(w *wire.Writer) error {
	if err := w.WriteTable(m.ClientProperties); err != nil {
		return err
	}
	if err := w.WriteShortstr(m.Mechanism); err != nil {
		return err
	}
	w.WriteLongstr(m.Response)
	return w.WriteShortstr(m.Locale)
}

func (m *ConnectionStartOk) read(r *wire.Reader) (err error) {
	if m.ClientProperties, err = r.ReadTable(); err != nil {
		return err
	}
	if m.Mechanism, err = r.ReadShortstr(); err != nil {
		return err
	}
	if m.Response, err = r.ReadLongstr(); err != nil {
		return err
	}
	m.Locale, err = r.ReadShortstr()
	return err
}

type ConnectionSecure struct {
	Challenge []byte
}

func (*ConnectionSecure) ID() ID { return idConnectionSecure }

func (m *ConnectionSecure) write(w *wire.Writer) error {
	w.WriteLongstr(m.Challenge)
	return nil
}

func (m *ConnectionSecure) read(r *wire.Reader) (err error) {
	m.Challenge, err = r.ReadLongstr()
	return err
}

type ConnectionSecureOk struct {
	Response []byte
}

func (*ConnectionSecureOk) ID() ID { return idConnectionSecureOk }

func (m *ConnectionSecureOk) write(w *wire.Writer) error {
	w.WriteLongstr(m.Response)
	return nil
}

func (m *ConnectionSecureOk) read(r *wire.Reader) (err error) {
	m.Response, err = r.ReadLongstr()
	return err
}

// ConnectionTune carries the broker's proposed limits. Zero means no limit.
type ConnectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (*ConnectionTune) ID() ID { return idConnectionTune }

func (m *ConnectionTune) write(w *wire.Writer) error {
	w.WriteShort(m.ChannelMax)
	w.WriteLong(m.FrameMax)
	w.WriteShort(m.Heartbeat)
	return nil
}

func (m *ConnectionTune) read(r *wire.Reader) (err error) {
	return readTune(r, &m.ChannelMax, &m.FrameMax, &m.Heartbeat)
}

type ConnectionTuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (*ConnectionTuneOk) ID() ID { return idConnectionTuneOk }

func (m *ConnectionTuneOk) write(w *wire.Writer) error {
	w.WriteShort(m.ChannelMax)
	w.WriteLong(m.FrameMax)
	w.WriteShort(m.Heartbeat)
	return nil
}

func (m *ConnectionTuneOk) read(r *wire.Reader) error {
	return readTune(r, &m.ChannelMax, &m.FrameMax, &m.Heartbeat)
}

func readTune(r *wire.Reader, channelMax *uint16, frameMax *uint32, heartbeat *uint16) (err error) {
	if *channelMax, err = r.ReadShort(); err != nil {
		return err
	}
	if *frameMax, err = r.ReadLong(); err != nil {
		return err
	}
	*heartbeat, err = r.ReadShort()
	return err
}

type ConnectionOpen struct {
	VirtualHost  string
	Capabilities string // reserved
	Insist       bool   // reserved
}

func (*ConnectionOpen) ID() ID { return idConnectionOpen }

func (m *ConnectionOpen) write(w *wire.Writer) error {
	if err := w.WriteShortstr(m.VirtualHost); err != nil {
		return err
	}
	if err := w.WriteShortstr(m.Capabilities); err != nil {
		return err
	}
	w.WriteBit(m.Insist)
	return nil
}

func (m *ConnectionOpen) read(r *wire.Reader) (err error) {
	if m.VirtualHost, err = r.ReadShortstr(); err != nil {
		return err
	}
	if m.Capabilities, err = r.ReadShortstr(); err != nil {
		return err
	}
	m.Insist, err = r.ReadBit()
	return err
}

type ConnectionOpenOk struct {
	KnownHosts string // reserved
}

func (*ConnectionOpenOk) ID() ID { return idConnectionOpenOk }

func (m *ConnectionOpenOk) write(w *wire.Writer) error {
	return w.WriteShortstr(m.KnownHosts)
}

func (m *ConnectionOpenOk) read(r *wire.Reader) (err error) {
	m.KnownHosts, err = r.ReadShortstr()
	return err
}

// ConnectionClose names the failing method in ClassID/MethodID, or zeros.
type ConnectionClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (*ConnectionClose) ID() ID { return idConnectionClose }

func (m *ConnectionClose) write(w *wire.Writer) error {
	return writeClose(w, m.ReplyCode, m.ReplyText, m.ClassID, m.MethodID)
}

func (m *ConnectionClose) read(r *wire.Reader) error {
	return readClose(r, &m.ReplyCode, &m.ReplyText, &m.ClassID, &m.MethodID)
}

type ConnectionCloseOk struct{}

func (*ConnectionCloseOk) ID() ID                   { return idConnectionCloseOk }
func (*ConnectionCloseOk) write(*wire.Writer) error { return nil }
func (*ConnectionCloseOk) read(*wire.Reader) error  { return nil }

func writeClose(w *wire.Writer, code uint16, text string, classID, methodID uint16) error {
	w.WriteShort(code)
	if err := w.WriteShortstr(text); err != nil {
		return err
	}
	w.WriteShort(classID)
	w.WriteShort(methodID)
	return nil
}

func readClose(r *wire.Reader, code *uint16, text *string, classID, methodID *uint16) (err error) {
	if *code, err = r.ReadShort(); err != nil {
		return err
	}
	if *text, err = r.ReadShortstr(); err != nil {
		return err
	}
	if *classID, err = r.ReadShort(); err != nil {
		return err
	}
	*methodID, err = r.ReadShort()
	return err
}
