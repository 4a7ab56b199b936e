package amqp

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/amqpwire/internal/protocol"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/methods"
	"github.com/danmuck/amqpwire/internal/testutil/fakebroker"
	"github.com/danmuck/amqpwire/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openScripted opens the next default channel with the broker answering
// Channel.Open on number.
func openScripted(t *testing.T, b *fakebroker.Broker, conn *Connection, number uint16) *Channel {
	t.Helper()
	answered := make(chan bool, 1)
	go func() {
		if _, ok := fakebroker.Expect[*methods.ChannelOpen](b, number); !ok {
			answered <- false
			return
		}
		answered <- b.Send(number, &methods.ChannelOpenOk{ChannelID: []byte{}})
	}()
	ch, err := conn.OpenChannel(context.Background())
	require.NoError(t, err)
	require.True(t, <-answered)
	require.Equal(t, number, ch.Number())
	return ch
}

func TestChannelOpenClose(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, nil))

	stop := make(chan struct{})
	defer close(stop)
	go b.ServeChannels(stop)

	ch, err := conn.OpenChannel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ch.Number())
	assert.Equal(t, 1, conn.ChannelCount())
	assert.NoError(t, ch.Err())

	require.NoError(t, ch.Close())
	assert.Equal(t, 0, conn.ChannelCount())
	assert.True(t, errors.Is(ch.Err(), ErrChannelClosed))
	assert.True(t, errors.Is(ch.Close(), ErrChannelClosed))
	assert.True(t, errors.Is(ch.Send(frame.Body(0, []byte("late"))), ErrChannelClosed))

	next, err := conn.OpenChannel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(2), next.Number(), "allocation keeps scanning upward")
}

func TestChannelRoutesContentFrames(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, nil))
	ch := openScripted(t, b, conn, 1)

	deliver := []byte{0, 60, 0, 60}
	require.True(t, b.SendFrame(frame.Method(1, deliver)))
	require.True(t, b.SendFrame(frame.Header(1, []byte{0, 60, 0, 0})))
	require.True(t, b.SendFrame(frame.Body(1, []byte("hello"))))

	want := []frame.Kind{frame.KindMethod, frame.KindHeader, frame.KindBody}
	for i, kind := range want {
		select {
		case f := <-ch.Frames():
			assert.Equal(t, kind, f.Kind, "frame %d", i)
			assert.Equal(t, uint16(1), f.Channel)
			if kind == frame.KindBody {
				assert.Equal(t, []byte("hello"), f.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d (%s) not routed", i, kind)
		}
	}
}

func TestBrokerChannelCloseFinishesChannel(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, nil))
	ch := openScripted(t, b, conn, 1)

	require.True(t, b.Send(1, &methods.ChannelClose{
		ReplyCode: protocol.NotFound,
		ReplyText: "NOT_FOUND - no queue 'jobs'",
		ClassID:   50,
		MethodID:  10,
	}))
	_, ok := fakebroker.Expect[*methods.ChannelCloseOk](b, 1)
	require.True(t, ok, "channel must acknowledge the broker close")

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel not finished after broker close")
	}
	var amqpErr *Error
	require.True(t, errors.As(ch.Err(), &amqpErr), "got %v", ch.Err())
	assert.Equal(t, KindBroker, amqpErr.Kind)
	assert.Equal(t, protocol.NotFound, amqpErr.Code)
	assert.False(t, amqpErr.Hard())
	assert.Equal(t, 0, conn.ChannelCount())
	assert.Equal(t, StateOpen, conn.State(), "soft errors leave the connection open")
}

func TestBrokerFlowPausesContent(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, nil))
	ch := openScripted(t, b, conn, 1)

	require.True(t, b.Send(1, &methods.ChannelFlow{Active: false}))
	flowOk, ok := fakebroker.Expect[*methods.ChannelFlowOk](b, 1)
	require.True(t, ok)
	assert.False(t, flowOk.Active)
	assert.False(t, ch.Active())

	err := ch.SendContent([]byte{0, 60, 0, 40}, []byte{0, 60, 0, 0}, []byte("x"))
	assert.True(t, errors.Is(err, ErrFlowPaused), "got %v", err)

	require.True(t, b.Send(1, &methods.ChannelFlow{Active: true}))
	_, ok = fakebroker.Expect[*methods.ChannelFlowOk](b, 1)
	require.True(t, ok)
	assert.True(t, ch.Active())
}

func TestClientFlowRequest(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, nil))
	ch := openScripted(t, b, conn, 1)

	go func() {
		flow, ok := fakebroker.Expect[*methods.ChannelFlow](b, 1)
		if ok {
			b.Send(1, &methods.ChannelFlowOk{Active: flow.Active})
		}
	}()
	active, err := ch.Flow(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSendContentSplitsBody(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	opts := fakebroker.DefaultOptions()
	opts.Tune.FrameMax = frame.MinSize
	conn := dialOpen(t, b, opts, testConfig(b, nil))
	require.Equal(t, uint32(frame.MinSize), conn.FrameMax())
	ch := openScripted(t, b, conn, 1)

	body := bytes.Repeat([]byte{0x5A}, 10000)
	require.NoError(t, ch.SendContent([]byte{0, 60, 0, 40}, []byte{0, 60, 0, 0}, body))

	method, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, frame.KindMethod, method.Kind)
	header, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, frame.KindHeader, header.Kind)

	var joined []byte
	for i := 0; i < 3; i++ {
		f, ok := b.Next()
		require.True(t, ok)
		require.Equal(t, frame.KindBody, f.Kind)
		require.Equal(t, uint16(1), f.Channel)
		require.LessOrEqual(t, f.Size(), frame.MinSize)
		joined = append(joined, f.Payload...)
	}
	assert.Equal(t, body, joined)
}

func TestOversizedFrameRejectedWithoutClosing(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	opts := fakebroker.DefaultOptions()
	opts.Tune.FrameMax = frame.MinSize
	conn := dialOpen(t, b, opts, testConfig(b, nil))
	ch := openScripted(t, b, conn, 1)

	err := ch.Send(frame.Body(1, make([]byte, frame.MinSize)))
	require.True(t, errors.Is(err, frame.ErrFrameTooLarge), "got %v", err)
	assert.Equal(t, StateOpen, conn.State())
}

func TestChannelCallTimeoutFinishesOnlyChannel(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	cfg := testConfig(b, nil)
	cfg.ResponseTimeout = 150 * time.Millisecond
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), cfg)
	ch := openScripted(t, b, conn, 1)

	_, err := ch.Flow(context.Background(), false)
	require.True(t, errors.Is(err, ErrResponseTimeout), "got %v", err)
	<-ch.Done()
	assert.Equal(t, 0, conn.ChannelCount())
	assert.Equal(t, StateOpen, conn.State())
}

func TestConnectionCloseClosesChannels(t *testing.T) {
	testlog.Start(t)
	b := fakebroker.New(t)
	rec := newCloseRecorder()
	conn := dialOpen(t, b, fakebroker.DefaultOptions(), testConfig(b, rec))

	stop := make(chan struct{})
	defer close(stop)
	go b.ServeChannels(stop)

	var chans []*Channel
	for i := 0; i < 3; i++ {
		ch, err := conn.OpenChannel(context.Background())
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	require.Equal(t, 3, conn.ChannelCount())

	require.NoError(t, conn.CloseDefault())
	assert.Nil(t, rec.wait(t, time.Second))
	assert.Equal(t, 0, conn.ChannelCount())
	for _, ch := range chans {
		select {
		case <-ch.Done():
		default:
			t.Fatalf("channel %d still open after connection close", ch.Number())
		}
	}
}
