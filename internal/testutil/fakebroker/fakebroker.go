// Package fakebroker is a scripted in-memory broker for connection tests.
// A background reader drains client frames so client writes never block;
// heartbeats are counted, everything else is queued for Expect calls.
package fakebroker

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/amqpwire/internal/protocol"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/methods"
	"github.com/danmuck/amqpwire/internal/protocol/session"
	"github.com/danmuck/amqpwire/internal/protocol/wire"
	"github.com/danmuck/amqpwire/internal/transport"
)

const waitTimeout = 3 * time.Second

type Broker struct {
	t          testing.TB
	clientConn net.Conn
	serverConn net.Conn
	sock       *transport.Socket
	frames     chan frame.Frame
	heartbeats atomic.Int64
	readErr    chan error
}

// New returns a broker wired to one end of a net.Pipe. The other end is
// handed out by Dialer.
func New(t testing.TB) *Broker {
	t.Helper()
	client, server := net.Pipe()
	b := &Broker{
		t:          t,
		clientConn: client,
		serverConn: server,
		sock:       transport.New(server, session.Config{}),
		frames:     make(chan frame.Frame, 256),
		readErr:    make(chan error, 1),
	}
	b.sock.SetFrameMax(0)
	go b.readLoop()
	t.Cleanup(func() {
		_ = b.sock.Close()
		_ = client.Close()
	})
	return b
}

// Dialer returns a dial function producing the client end of the pipe.
func (b *Broker) Dialer() func(ctx context.Context, address string, cfg session.Config) (*transport.Socket, error) {
	return func(ctx context.Context, address string, cfg session.Config) (*transport.Socket, error) {
		return transport.New(b.clientConn, cfg), nil
	}
}

func (b *Broker) readLoop() {
	for {
		f, err := b.sock.Recv()
		if err != nil {
			b.readErr <- err
			close(b.frames)
			return
		}
		if f.Kind == frame.KindHeartbeat {
			b.heartbeats.Add(1)
			continue
		}
		b.frames <- f
	}
}

// Heartbeats returns how many heartbeat frames the client has sent.
func (b *Broker) Heartbeats() int {
	return int(b.heartbeats.Load())
}

// Next waits for the next non-heartbeat frame. ok is false on timeout or
// when the client hung up.
func (b *Broker) Next() (frame.Frame, bool) {
	select {
	case f, ok := <-b.frames:
		return f, ok
	case <-time.After(waitTimeout):
		b.t.Errorf("fakebroker: no frame from client within %s", waitTimeout)
		return frame.Frame{}, false
	}
}

// WaitHangup waits until the client closes its end.
func (b *Broker) WaitHangup() bool {
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-b.frames:
			if !ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// ExpectProtocolHeader reads the client's protocol header.
func (b *Broker) ExpectProtocolHeader() (protocol.Version, bool) {
	f, ok := b.Next()
	if !ok {
		return protocol.Version{}, false
	}
	if f.Kind != frame.KindProtocolHeader {
		b.t.Errorf("fakebroker: expected protocol header, got %s frame", f.Kind)
		return protocol.Version{}, false
	}
	return f.Version, true
}

// ExpectMethod reads the next frame and decodes it as a method on channel.
func (b *Broker) ExpectMethod(channel uint16) (methods.Method, bool) {
	f, ok := b.Next()
	if !ok {
		return nil, false
	}
	if f.Kind != frame.KindMethod || f.Channel != channel {
		b.t.Errorf("fakebroker: expected method on channel %d, got %s on %d", channel, f.Kind, f.Channel)
		return nil, false
	}
	m, err := methods.Decode(f.Payload)
	if err != nil {
		b.t.Errorf("fakebroker: decode method: %v", err)
		return nil, false
	}
	return m, true
}

// Expect reads the next method on channel and asserts its type.
func Expect[T methods.Method](b *Broker, channel uint16) (T, bool) {
	var zero T
	m, ok := b.ExpectMethod(channel)
	if !ok {
		return zero, false
	}
	v, ok := m.(T)
	if !ok {
		b.t.Errorf("fakebroker: expected %T on channel %d, got %s", zero, channel, methods.Name(m.ID()))
		return zero, false
	}
	return v, true
}

// Send writes m on channel.
func (b *Broker) Send(channel uint16, m methods.Method) bool {
	payload, err := methods.Encode(m)
	if err != nil {
		b.t.Errorf("fakebroker: encode %s: %v", methods.Name(m.ID()), err)
		return false
	}
	return b.SendFrame(frame.Method(channel, payload))
}

func (b *Broker) SendFrame(f frame.Frame) bool {
	if err := b.sock.Send(f); err != nil {
		b.t.Errorf("fakebroker: send %s frame: %v", f.Kind, err)
		return false
	}
	return true
}

// SendRaw writes bytes that bypass the frame encoder.
func (b *Broker) SendRaw(raw []byte) bool {
	if _, err := b.serverConn.Write(raw); err != nil {
		b.t.Errorf("fakebroker: raw write: %v", err)
		return false
	}
	return true
}

// Hangup closes the broker end of the pipe.
func (b *Broker) Hangup() {
	_ = b.sock.Close()
}

// Options shapes the Start and Tune the broker offers.
type Options struct {
	Mechanisms string
	Locales    string
	Tune       methods.ConnectionTune
	Properties wire.Table
}

func DefaultOptions() Options {
	return Options{
		Mechanisms: "AMQPLAIN PLAIN",
		Locales:    "en_US",
		Tune:       methods.ConnectionTune{ChannelMax: 2047, FrameMax: 131072, Heartbeat: 0},
		Properties: wire.Table{"product": "fakebroker", "version": "0.0.0"},
	}
}

// Start runs the opening half of the handshake up to and including reading
// Start-Ok.
func (b *Broker) Start(opts Options) (*methods.ConnectionStartOk, bool) {
	if _, ok := b.ExpectProtocolHeader(); !ok {
		return nil, false
	}
	if !b.Send(0, &methods.ConnectionStart{
		VersionMajor:     0,
		VersionMinor:     9,
		ServerProperties: opts.Properties,
		Mechanisms:       opts.Mechanisms,
		Locales:          opts.Locales,
	}) {
		return nil, false
	}
	return Expect[*methods.ConnectionStartOk](b, 0)
}

// Tune sends Tune and reads Tune-Ok and Open.
func (b *Broker) Tune(opts Options) (*methods.ConnectionTuneOk, *methods.ConnectionOpen, bool) {
	tune := opts.Tune
	if !b.Send(0, &tune) {
		return nil, nil, false
	}
	tuneOk, ok := Expect[*methods.ConnectionTuneOk](b, 0)
	if !ok {
		return nil, nil, false
	}
	open, ok := Expect[*methods.ConnectionOpen](b, 0)
	if !ok {
		return nil, nil, false
	}
	return tuneOk, open, true
}

// Handshake runs a full successful handshake.
func (b *Broker) Handshake(opts Options) bool {
	if _, ok := b.Start(opts); !ok {
		return false
	}
	if _, _, ok := b.Tune(opts); !ok {
		return false
	}
	return b.Send(0, &methods.ConnectionOpenOk{})
}

// ServeChannels answers Channel.Open and Channel.Close with their -Ok until
// the client hangs up or stop is closed. Other frames are dropped.
func (b *Broker) ServeChannels(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case f, ok := <-b.frames:
			if !ok {
				return
			}
			if f.Kind != frame.KindMethod {
				continue
			}
			m, err := methods.Decode(f.Payload)
			if err != nil {
				continue
			}
			switch m.(type) {
			case *methods.ChannelOpen:
				b.Send(f.Channel, &methods.ChannelOpenOk{ChannelID: []byte{}})
			case *methods.ChannelClose:
				b.Send(f.Channel, &methods.ChannelCloseOk{})
			case *methods.ConnectionClose:
				b.Send(0, &methods.ConnectionCloseOk{})
			}
		}
	}
}
