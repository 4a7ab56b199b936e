// Package amqp is the client connection engine: handshake, channel
// multiplexing, heartbeats and the synchronous channel-0 call.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/amqpwire/internal/auth"
	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/methods"
	"github.com/danmuck/amqpwire/internal/protocol/wire"
	"github.com/danmuck/amqpwire/internal/transport"
	"github.com/dustin/go-humanize"
	"github.com/pborman/uuid"
	"github.com/rs/zerolog/log"
)

// Connection is one AMQP 0-9-1 connection. It owns the socket, the channel
// table and the two background goroutines (receive loop and heartbeat).
type Connection struct {
	cfg   Config
	id    string
	sock  *transport.Socket
	state stateCell

	mu          sync.RWMutex
	tuning      Tuning
	serverProps wire.Table
	channels    map[uint16]Receiver
	nextChannel uint16

	callMu    sync.Mutex
	pendingMu sync.Mutex
	pending   *rpcSlot

	lastSent atomic.Int64
	lastRecv atomic.Int64

	errMu     sync.Mutex
	lastError error

	shutdownOnce sync.Once
	done         chan struct{}
}

// Dial connects, runs the handshake and returns an open connection.
// Handshake failures close the connection before returning.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	cfg = cfg.WithDefaults()
	sock, err := cfg.Dialer(ctx, cfg.Address(), cfg.Session)
	if err != nil {
		return nil, transportError(err)
	}
	c := newConnection(cfg, sock)
	if err := c.open(ctx); err != nil {
		c.fail(err)
		log.Warn().Msgf("amqp.Dial addr=%q conn=%s err=%v", cfg.Address(), c.id, err)
		return nil, err
	}
	return c, nil
}

func newConnection(cfg Config, sock *transport.Socket) *Connection {
	c := &Connection{
		cfg:         cfg,
		id:          uuid.New(),
		sock:        sock,
		channels:    make(map[uint16]Receiver),
		nextChannel: 1,
		done:        make(chan struct{}),
	}
	now := time.Now().UnixNano()
	c.lastSent.Store(now)
	c.lastRecv.Store(now)
	return c
}

func (c *Connection) open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()

	c.state.advance(StateOpening)
	go c.receiveLoop()

	reply, err := c.roundTrip(ctx, frame.ProtocolHeader(protocol.Version091), "protocol-header",
		[]methods.ID{(&methods.ConnectionStart{}).ID()})
	if err != nil {
		return err
	}
	start := reply.(*methods.ConnectionStart)
	c.setServerProperties(start.ServerProperties)

	got := protocol.Version{Major: start.VersionMajor, Minor: start.VersionMinor}
	if !protocol.Version091.Compatible(got) {
		return protocolError(ErrVersionMismatch, "broker offers %d-%d, client speaks %s",
			got.Major, got.Minor, protocol.Version091)
	}

	mech := c.cfg.Mechanism
	if !auth.Offered(mech, start.MechanismList()) {
		return protocolError(ErrMechanismUnsupported, "client mechanism %s, broker offers %q",
			mech.Type(), start.Mechanisms)
	}

	startOk := &methods.ConnectionStartOk{
		ClientProperties: c.cfg.clientProperties(c.id),
		Locale:           pickLocale(c.cfg.Locale, start.LocaleList()),
	}
	if err := mech.ConfigureStartOk(startOk); err != nil {
		return protocolError(err, "configure %s start-ok", mech.Type())
	}
	reply, err = c.call(ctx, startOk)
	if err != nil {
		return err
	}

	for {
		secure, ok := reply.(*methods.ConnectionSecure)
		if !ok {
			break
		}
		challenger, ok := mech.(auth.Challenger)
		if !ok {
			return protocolError(ErrUnexpectedMethod, "broker sent connection.secure but %s has no challenge step", mech.Type())
		}
		resp, err := challenger.Respond(secure.Challenge)
		if err != nil {
			return protocolError(err, "answer %s challenge", mech.Type())
		}
		if reply, err = c.call(ctx, &methods.ConnectionSecureOk{Response: resp}); err != nil {
			return err
		}
	}

	tune := reply.(*methods.ConnectionTune)
	t := Negotiate(Tuning{ChannelMax: tune.ChannelMax, FrameMax: tune.FrameMax, Heartbeat: tune.Heartbeat}, c.cfg.tuning())
	c.setTuning(t)
	c.sock.SetFrameMax(t.FrameMax)
	if _, err := c.call(ctx, &methods.ConnectionTuneOk{ChannelMax: t.ChannelMax, FrameMax: t.FrameMax, Heartbeat: t.Heartbeat}); err != nil {
		return err
	}
	c.state.advance(StateTuned)
	if t.Heartbeat > 0 {
		go c.heartbeatLoop(time.Duration(t.Heartbeat) * time.Second)
	}

	if _, err := c.call(ctx, &methods.ConnectionOpen{VirtualHost: c.cfg.VirtualHost}); err != nil {
		return err
	}
	if !c.state.advance(StateOpen) {
		return c.closedErr()
	}
	log.Info().
		Str("conn", c.id).
		Str("addr", c.cfg.Address()).
		Str("vhost", c.cfg.VirtualHost).
		Uint16("channel_max", t.ChannelMax).
		Str("frame_max", humanize.IBytes(uint64(t.FrameMax))).
		Uint16("heartbeat_s", t.Heartbeat).
		Msg("amqp.Connection.open")
	return nil
}

func pickLocale(want string, offered []string) string {
	if len(offered) == 0 || slices.Contains(offered, want) {
		return want
	}
	return offered[0]
}

// Close runs the client side of the close handshake. It is a no-op once the
// connection is closing; failures while closing are not reported.
func (c *Connection) Close(ctx context.Context, code uint16, text string) error {
	if !c.state.advance(StateClosing) {
		return nil
	}
	_, err := c.call(ctx, &methods.ConnectionClose{ReplyCode: code, ReplyText: text})
	c.shutdown(nil)
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrBroker) {
		return nil
	}
	return err
}

// CloseDefault closes with reply-success and the standard text.
func (c *Connection) CloseDefault() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ResponseTimeout)
	defer cancel()
	return c.Close(ctx, protocol.ReplySuccess, "client done")
}

// Send writes f and records outbound activity. Channels reach the socket
// through this method.
func (c *Connection) Send(f frame.Frame) error {
	if c.isDone() {
		return c.closedErr()
	}
	if err := c.send(f); err != nil {
		terr := transportError(err)
		if errors.Is(err, frame.ErrFrameTooLarge) {
			return protocolError(err, "send %s frame on channel %d", f.Kind, f.Channel)
		}
		c.fail(terr)
		return terr
	}
	return nil
}

func (c *Connection) send(f frame.Frame) error {
	c.lastSent.Store(time.Now().UnixNano())
	if err := c.sock.Send(f); err != nil {
		return err
	}
	observability.RecordFrame("out", f.Kind.String())
	return nil
}

// shutdown is the single teardown path. reason nil means a clean close.
func (c *Connection) shutdown(reason error) {
	c.shutdownOnce.Do(func() {
		if reason != nil {
			c.setLastError(reason)
		}
		c.state.advance(StateClosing)
		cause := reason
		if cause == nil {
			cause = ErrClosed
		}
		c.deliverError(cause)
		_ = c.sock.Close()

		for _, ch := range c.drainChannels() {
			if err := ch.Close(); err != nil && !errors.Is(err, ErrChannelClosed) {
				log.Debug().Msgf("amqp.Connection.shutdown conn=%s channel=%d close err=%v", c.id, ch.Number(), err)
			}
		}
		c.state.advance(StateClosed)
		close(c.done)

		observability.RecordClose(closeCause(reason))
		if reason != nil {
			log.Error().Str("conn", c.id).Err(reason).Msg("amqp.Connection.fail")
		} else {
			log.Info().Str("conn", c.id).Msg("amqp.Connection.closed")
		}
		if c.cfg.OnClosed != nil {
			c.cfg.OnClosed(reason)
		}
	})
}

func (c *Connection) fail(err error) {
	c.shutdown(err)
}

func closeCause(reason error) string {
	var e *Error
	switch {
	case reason == nil:
		return "client"
	case errors.Is(reason, ErrHeartbeatTimeout):
		return "heartbeat"
	case errors.Is(reason, ErrResponseTimeout):
		return "timeout"
	case errors.As(reason, &e):
		return e.Kind.String()
	default:
		return "other"
	}
}

func (c *Connection) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) closedErr() error {
	if err := c.LastError(); err != nil {
		return err
	}
	return ErrClosed
}

func (c *Connection) setLastError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastError = err
}

func (c *Connection) setTuning(t Tuning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tuning = t
}

func (c *Connection) setServerProperties(props wire.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverProps = props
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State { return c.state.load() }

func (c *Connection) Done() <-chan struct{} { return c.done }

// IsOpen reports whether channels may still send.
func (c *Connection) IsOpen() bool { return c.State() == StateOpen }

func (c *Connection) ChannelMax() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tuning.ChannelMax
}

func (c *Connection) FrameMax() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tuning.FrameMax
}

// Heartbeat returns the negotiated interval; zero when disabled.
func (c *Connection) Heartbeat() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.tuning.Heartbeat) * time.Second
}

func (c *Connection) ResponseTimeout() time.Duration { return c.cfg.ResponseTimeout }

func (c *Connection) ServerProperties() wire.Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverProps
}

func (c *Connection) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastError
}

func (c *Connection) String() string {
	return fmt.Sprintf("amqp.Connection{id=%s addr=%s state=%s}", c.id, c.cfg.Address(), c.State())
}
