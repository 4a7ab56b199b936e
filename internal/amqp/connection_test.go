package amqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/amqpwire/internal/auth"
	"github.com/danmuck/amqpwire/internal/protocol"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/methods"
	"github.com/danmuck/amqpwire/internal/testutil/fakebroker"
	"github.com/danmuck/amqpwire/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeRecorder captures OnClosed invocations.
type closeRecorder struct {
	mu      sync.Mutex
	calls   int
	reason  error
	invoked chan struct{}
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{invoked: make(chan struct{})}
}

func (r *closeRecorder) onClosed(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.reason = reason
	if r.calls == 1 {
		close(r.invoked)
	}
}

func (r *closeRecorder) wait(t *testing.T, within time.Duration) error {
	t.Helper()
	select {
	case <-r.invoked:
	case <-time.After(within):
		t.Fatalf("OnClosed not invoked within %s", within)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func testConfig(b *fakebroker.Broker, rec *closeRecorder) Config {
	cfg := DefaultConfig()
	cfg.Dialer = b.Dialer()
	cfg.Heartbeat = 0
	cfg.ResponseTimeout = 2 * time.Second
	cfg.HeartbeatTick = 20 * time.Millisecond
	if rec != nil {
		cfg.OnClosed = rec.onClosed
	}
	return cfg
}

// dialOpen runs a successful handshake against b and returns the connection.
func dialOpen(t *testing.T, b *fakebroker.Broker, opts fakebroker.Options, cfg Config) *Connection {
	t.Helper()
	brokerDone := make(chan bool, 1)
	go func() { brokerDone <- b.Handshake(opts) }()

	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, <-brokerDone, "broker handshake failed")
	return conn
}

func TestDialVersionMismatch(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	rec := newCloseRecorder()

	go func() {
		if _, ok := b.ExpectProtocolHeader(); ok {
			b.SendFrame(frame.ProtocolHeader(protocol.Version{Major: 1, Minor: 0, Revision: 0}))
		}
	}()

	conn, err := Dial(context.Background(), testConfig(b, rec))
	require.Nil(t, conn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionMismatch), "got %v", err)
	assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
	assert.Contains(t, err.Error(), "1-0-0")

	reason := rec.wait(t, time.Second)
	assert.True(t, errors.Is(reason, ErrVersionMismatch))
	assert.True(t, b.WaitHangup(), "client should hang up without sending Start-Ok")
}

func TestDialPlainAccepted(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	opts := fakebroker.DefaultOptions()
	opts.Tune.Heartbeat = 0

	type seen struct {
		startOk *methods.ConnectionStartOk
		tuneOk  *methods.ConnectionTuneOk
		open    *methods.ConnectionOpen
	}
	got := make(chan seen, 1)
	go func() {
		startOk, ok := b.Start(opts)
		if !ok {
			got <- seen{}
			return
		}
		tuneOk, open, ok := b.Tune(opts)
		if !ok {
			got <- seen{}
			return
		}
		b.Send(0, &methods.ConnectionOpenOk{})
		got <- seen{startOk, tuneOk, open}
	}()

	cfg := testConfig(b, nil)
	cfg.Mechanism = auth.Plain{Username: "guest", Password: "guest"}
	cfg.VirtualHost = "/prod"
	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	s := <-got
	require.NotNil(t, s.startOk)

	assert.Equal(t, "PLAIN", s.startOk.Mechanism)
	assert.Equal(t, []byte("\x00guest\x00guest"), s.startOk.Response)
	assert.Equal(t, "en_US", s.startOk.Locale)
	assert.Equal(t, Product, s.startOk.ClientProperties["product"])
	assert.Equal(t, conn.ID(), s.startOk.ClientProperties["connection_name"])
	assert.Equal(t, uint16(2047), s.tuneOk.ChannelMax)
	assert.Equal(t, uint32(131072), s.tuneOk.FrameMax)
	assert.Equal(t, uint16(0), s.tuneOk.Heartbeat)
	assert.Equal(t, "/prod", s.open.VirtualHost)

	assert.Equal(t, StateOpen, conn.State())
	assert.Equal(t, uint16(2047), conn.ChannelMax())
	assert.Equal(t, uint32(131072), conn.FrameMax())
	assert.Equal(t, time.Duration(0), conn.Heartbeat())
	assert.Equal(t, "fakebroker", conn.ServerProperties()["product"])
}

func TestDialMechanismNotOffered(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	opts := fakebroker.DefaultOptions()
	opts.Mechanisms = "EXTERNAL"

	go func() {
		if _, ok := b.ExpectProtocolHeader(); ok {
			b.Send(0, &methods.ConnectionStart{VersionMajor: 0, VersionMinor: 9, Mechanisms: opts.Mechanisms, Locales: "en_US"})
		}
	}()

	_, err := Dial(context.Background(), testConfig(b, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMechanismUnsupported), "got %v", err)
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.True(t, b.WaitHangup(), "no Start-Ok or Close expected")
}

func TestDialSecureChallenge(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	opts := fakebroker.DefaultOptions()
	opts.Mechanisms = "X-TOKEN"

	answered := make(chan []byte, 1)
	go func() {
		if _, ok := b.Start(opts); !ok {
			return
		}
		b.Send(0, &methods.ConnectionSecure{Challenge: []byte("nonce")})
		secureOk, ok := fakebroker.Expect[*methods.ConnectionSecureOk](b, 0)
		if !ok {
			return
		}
		answered <- secureOk.Response
		if _, _, ok := b.Tune(opts); ok {
			b.Send(0, &methods.ConnectionOpenOk{})
		}
	}()

	cfg := testConfig(b, nil)
	cfg.Mechanism = auth.FuncMechanism{
		Name:        "X-TOKEN",
		OnChallenge: func(c []byte) ([]byte, error) { return append([]byte("signed:"), c...), nil },
	}
	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("signed:nonce"), <-answered)
	assert.Equal(t, StateOpen, conn.State())
}

func TestChannelMaxTenRejectsChannelTwenty(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	opts := fakebroker.DefaultOptions()
	opts.Tune.ChannelMax = 10

	cfg := testConfig(b, nil)
	cfg.ChannelFactory = func(number uint16, link Link) Receiver { return &stubChannel{number: number} }
	conn := dialOpen(t, b, opts, cfg)
	require.Equal(t, uint16(10), conn.ChannelMax())

	_, err := conn.Channel(context.Background(), 20)
	require.True(t, errors.Is(err, ErrNoMoreChannels), "got %v", err)

	ch, err := conn.Channel(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, uint16(1), ch.Number())

	_, err = conn.Channel(context.Background(), 1)
	require.True(t, errors.Is(err, ErrChannelExists), "got %v", err)

	ch10, err := conn.Channel(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, uint16(10), ch10.Number())
	require.Equal(t, 2, conn.ChannelCount())
}

func TestBrokerCloseDuringOpen(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	opts := fakebroker.DefaultOptions()
	rec := newCloseRecorder()

	closeOk := make(chan bool, 1)
	go func() {
		if _, ok := b.Start(opts); !ok {
			closeOk <- false
			return
		}
		if _, _, ok := b.Tune(opts); !ok {
			closeOk <- false
			return
		}
		b.Send(0, &methods.ConnectionClose{
			ReplyCode: protocol.AccessRefused,
			ReplyText: "ACCESS_REFUSED - access to vhost '/' refused",
			ClassID:   10,
			MethodID:  40,
		})
		_, ok := fakebroker.Expect[*methods.ConnectionCloseOk](b, 0)
		closeOk <- ok
	}()

	conn, err := Dial(context.Background(), testConfig(b, rec))
	require.Nil(t, conn)
	require.Error(t, err)

	var amqpErr *Error
	require.True(t, errors.As(err, &amqpErr), "got %T", err)
	assert.Equal(t, KindBroker, amqpErr.Kind)
	assert.Equal(t, protocol.AccessRefused, amqpErr.Code)
	assert.Contains(t, amqpErr.Text, "ACCESS_REFUSED")
	assert.True(t, errors.Is(err, ErrBroker))
	assert.True(t, <-closeOk, "client must answer Close with Close-Ok")

	reason := rec.wait(t, time.Second)
	assert.True(t, errors.Is(reason, ErrBroker))
}

func TestHeartbeatSilenceClosesConnection(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	opts := fakebroker.DefaultOptions()
	opts.Tune.Heartbeat = 1
	rec := newCloseRecorder()

	cfg := testConfig(b, rec)
	cfg.Heartbeat = time.Second
	conn := dialOpen(t, b, opts, cfg)
	require.Equal(t, time.Second, conn.Heartbeat())
	ch := openScripted(t, b, conn, 1)

	reason := rec.wait(t, 5*time.Second)
	require.True(t, errors.Is(reason, ErrHeartbeatTimeout), "got %v", reason)
	require.True(t, errors.Is(reason, ErrTransport))
	assert.Contains(t, reason.Error(), "no frames from broker")
	assert.Equal(t, StateClosed, conn.State())
	assert.GreaterOrEqual(t, b.Heartbeats(), 1, "client should have sent a heartbeat while idle")
	assert.Equal(t, reason, conn.LastError())

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatalf("registered channel not closed after heartbeat timeout")
	}
	assert.ErrorIs(t, ch.Err(), ErrHeartbeatTimeout)
	assert.Equal(t, 0, conn.ChannelCount())
}

func TestBrokerCloseAfterOpen(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	rec := newCloseRecorder()
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, rec))
	ch1 := openScripted(t, b, conn, 1)
	ch2 := openScripted(t, b, conn, 2)

	blocked := make(chan error, 1)
	go func() {
		_, err := ch1.Flow(context.Background(), false)
		blocked <- err
	}()
	_, ok := fakebroker.Expect[*methods.ChannelFlow](b, 1)
	require.True(t, ok, "flow request should reach the broker")

	require.True(t, b.Send(0, &methods.ConnectionClose{
		ReplyCode: protocol.AccessRefused,
		ReplyText: "ACCESS_REFUSED - login revoked",
		ClassID:   20,
		MethodID:  20,
	}))
	_, ok = fakebroker.Expect[*methods.ConnectionCloseOk](b, 0)
	require.True(t, ok, "client must answer Close with Close-Ok")

	var callerErr error
	select {
	case callerErr = <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked channel caller not released")
	}
	require.ErrorIs(t, callerErr, ErrBroker)
	assert.Contains(t, callerErr.Error(), "ACCESS_REFUSED")

	reason := rec.wait(t, time.Second)
	var amqpErr *Error
	require.True(t, errors.As(reason, &amqpErr), "got %v", reason)
	assert.Equal(t, KindBroker, amqpErr.Kind)
	assert.Equal(t, protocol.AccessRefused, amqpErr.Code)
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, reason, conn.LastError())

	for _, ch := range []*Channel{ch1, ch2} {
		select {
		case <-ch.Done():
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after broker close", ch.Number())
		}
		assert.Equal(t, reason, ch.Err(), "channel %d", ch.Number())
	}
	assert.Equal(t, 0, conn.ChannelCount())
	assert.ErrorIs(t, conn.Send(frame.Heartbeat()), ErrBroker)
}

func TestInboundTrafficKeepsConnectionAlive(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	opts := fakebroker.DefaultOptions()
	opts.Tune.Heartbeat = 1

	cfg := testConfig(b, nil)
	cfg.Heartbeat = time.Second
	conn := dialOpen(t, b, opts, cfg)

	deadline := time.Now().Add(2500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.True(t, b.SendFrame(frame.Heartbeat()))
		time.Sleep(300 * time.Millisecond)
	}
	assert.Equal(t, StateOpen, conn.State())
}

func TestCloseGraceful(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	rec := newCloseRecorder()
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, rec))

	stop := make(chan struct{})
	defer close(stop)
	go b.ServeChannels(stop)

	ch, err := conn.OpenChannel(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.CloseDefault())
	assert.Equal(t, StateClosed, conn.State())
	assert.Nil(t, rec.wait(t, time.Second))
	assert.Nil(t, conn.LastError())
	assert.Equal(t, 0, conn.ChannelCount())

	select {
	case <-conn.Done():
	default:
		t.Fatalf("Done not closed")
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatalf("channel not closed with connection")
	}

	require.NoError(t, conn.CloseDefault(), "second close is a no-op")
	_, err = conn.Channel(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestCloseResponseTimeoutLeavesClosed(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	rec := newCloseRecorder()
	cfg := testConfig(b, rec)
	cfg.ResponseTimeout = 150 * time.Millisecond
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), cfg)

	err := conn.Close(context.Background(), protocol.ReplySuccess, "bye")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResponseTimeout), "got %v", err)
	assert.Equal(t, StateClosed, conn.State())

	reason := rec.wait(t, time.Second)
	assert.True(t, errors.Is(reason, ErrResponseTimeout))
}

func TestHandshakeResponseTimeout(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	rec := newCloseRecorder()
	cfg := testConfig(b, rec)
	cfg.ResponseTimeout = 100 * time.Millisecond

	go b.ExpectProtocolHeader()
	_, err := Dial(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResponseTimeout), "got %v", err)
	rec.wait(t, time.Second)
}

func TestBrokerHangupRoutesTransportError(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	rec := newCloseRecorder()
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, rec))

	b.Hangup()
	reason := rec.wait(t, 2*time.Second)
	assert.True(t, errors.Is(reason, ErrTransport), "got %v", reason)
	assert.Equal(t, StateClosed, conn.State())

	err := conn.Send(frame.Heartbeat())
	assert.True(t, errors.Is(err, ErrTransport), "send after failure returns the stored cause, got %v", err)
}

func TestFramesForUnknownChannelAreDropped(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, nil))

	require.True(t, b.SendFrame(frame.Body(42, []byte("stray"))))
	require.True(t, b.Send(0, &methods.ConnectionOpenOk{}), "unsolicited reply is logged and dropped")
	require.True(t, b.SendFrame(frame.Heartbeat()))
	assert.Equal(t, StateOpen, conn.State())
}

func TestMalformedFrameFailsConnection(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	rec := newCloseRecorder()
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, rec))

	require.True(t, b.SendFrame(frame.Body(0, []byte("x"))))
	require.True(t, b.SendFrame(frame.Heartbeat()))
	assert.Equal(t, StateOpen, conn.State(), "content frames on channel 0 are dropped")

	// frame type 9 does not exist
	require.True(t, b.SendRaw([]byte{9, 0, 0, 0, 0, 0, 0, frame.End}))
	reason := rec.wait(t, 2*time.Second)
	assert.True(t, errors.Is(reason, ErrProtocol), "got %v", reason)
	assert.True(t, errors.Is(reason, frame.ErrUnknownKind), "got %v", reason)
	assert.Equal(t, StateClosed, conn.State())
}

func TestStatusSnapshot(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	opts := fakebroker.DefaultOptions()
	opts.Tune.FrameMax = 8192
	conn := dialOpen(t, b, opts, testConfig(b, nil))

	s := conn.Status()
	assert.Equal(t, conn.ID(), s.ID)
	assert.Equal(t, "open", s.State)
	assert.Equal(t, uint32(8192), s.FrameMax)
	assert.Equal(t, 0, s.Channels)
	assert.Empty(t, s.LastError)
}
