package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/amqpwire/internal/protocol"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/methods"
	"github.com/rs/zerolog/log"
)

// DefaultChannelBuffer is the Frames() capacity of a default Channel.
const DefaultChannelBuffer = 64

// Channel is the default channel. It runs the channel-class handshake
// (open, flow, close) itself and forwards every other frame to Frames().
// Frames is never closed; watch Done.
type Channel struct {
	number uint16
	link   Link
	frames chan frame.Frame

	callMu    sync.Mutex
	sendMu    sync.Mutex
	pendingMu sync.Mutex
	pending   *rpcSlot

	active    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

func NewChannel(number uint16, link Link) *Channel {
	ch := &Channel{
		number: number,
		link:   link,
		frames: make(chan frame.Frame, DefaultChannelBuffer),
		done:   make(chan struct{}),
	}
	ch.active.Store(true)
	return ch
}

func (ch *Channel) Number() uint16 { return ch.number }

func (ch *Channel) Frames() <-chan frame.Frame { return ch.frames }

func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Active reports the broker's flow state.
func (ch *Channel) Active() bool { return ch.active.Load() }

// Err returns why the channel closed, or nil while open.
func (ch *Channel) Err() error {
	ch.errMu.Lock()
	defer ch.errMu.Unlock()
	return ch.err
}

// Open runs Channel.Open / Open-Ok.
func (ch *Channel) Open(ctx context.Context) error {
	_, err := ch.call(ctx, &methods.ChannelOpen{})
	return err
}

// Flow asks the broker to pause or resume delivery and returns its answer.
func (ch *Channel) Flow(ctx context.Context, active bool) (bool, error) {
	reply, err := ch.call(ctx, &methods.ChannelFlow{Active: active})
	if err != nil {
		return false, err
	}
	return reply.(*methods.ChannelFlowOk).Active, nil
}

// Send writes one frame on this channel.
func (ch *Channel) Send(f frame.Frame) error {
	if ch.isDone() {
		return ch.closedErr()
	}
	f.Channel = ch.number
	return ch.link.Send(f)
}

// SendContent writes a method, its content header and the body split to the
// negotiated frame-max, without other frames of this channel in between.
func (ch *Channel) SendContent(method, header, body []byte) error {
	if !ch.Active() {
		return fmt.Errorf("%w: channel %d", ErrFlowPaused, ch.number)
	}
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	if err := ch.Send(frame.Method(ch.number, method)); err != nil {
		return err
	}
	if err := ch.Send(frame.Header(ch.number, header)); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	for _, f := range frame.SplitBody(ch.number, body, frame.Limits{MaxFrameSize: ch.link.FrameMax()}) {
		if err := ch.Send(f); err != nil {
			return err
		}
	}
	return nil
}

// Receive handles channel-class methods and queues everything else.
func (ch *Channel) Receive(f frame.Frame) {
	if f.Kind == frame.KindMethod {
		if id, err := methods.PeekID(f.Payload); err == nil && id.Class == methods.ClassChannel {
			ch.handleControl(f)
			return
		}
	}
	select {
	case ch.frames <- f:
	case <-ch.done:
	}
}

func (ch *Channel) handleControl(f frame.Frame) {
	m, err := methods.Decode(f.Payload)
	if err != nil {
		log.Warn().Msgf("amqp.Channel.receive channel=%d err=%v dropped", ch.number, err)
		return
	}
	switch v := m.(type) {
	case *methods.ChannelClose:
		ch.reply(&methods.ChannelCloseOk{})
		ch.finish(brokerError(v.ReplyCode, v.ReplyText, v.ClassID, v.MethodID))
	case *methods.ChannelFlow:
		ch.active.Store(v.Active)
		ch.reply(&methods.ChannelFlowOk{Active: v.Active})
	default:
		if !ch.deliver(m) {
			log.Warn().Msgf("amqp.Channel.receive channel=%d method=%s dropped: no caller waiting",
				ch.number, methods.Name(m.ID()))
		}
	}
}

func (ch *Channel) reply(m methods.Method) {
	payload, err := methods.Encode(m)
	if err != nil {
		return
	}
	if err := ch.link.Send(frame.Method(ch.number, payload)); err != nil {
		log.Debug().Msgf("amqp.Channel.reply channel=%d method=%s err=%v", ch.number, methods.Name(m.ID()), err)
	}
}

// Close runs Channel.Close / Close-Ok while the connection is open and
// releases the channel number either way. Once the connection has failed the
// channel finishes with the connection's error.
func (ch *Channel) Close() error {
	if ch.isDone() {
		return ErrChannelClosed
	}
	if !ch.link.IsOpen() {
		ch.finish(ch.link.LastError())
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), ch.link.ResponseTimeout())
	defer cancel()
	_, err := ch.call(ctx, &methods.ChannelClose{ReplyCode: protocol.ReplySuccess, ReplyText: "client done"})
	ch.finish(nil)
	if err == nil || errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrBroker) {
		return nil
	}
	return err
}

func (ch *Channel) call(ctx context.Context, m methods.Method) (methods.Method, error) {
	payload, err := methods.Encode(m)
	if err != nil {
		return nil, protocolError(err, "encode %s", methods.Name(m.ID()))
	}
	ch.callMu.Lock()
	defer ch.callMu.Unlock()
	if ch.isDone() {
		return nil, ch.closedErr()
	}

	slot := newRPCSlot(methods.Replies(m.ID()))
	ch.pendingMu.Lock()
	ch.pending = slot
	ch.pendingMu.Unlock()
	defer func() {
		ch.pendingMu.Lock()
		if ch.pending == slot {
			ch.pending = nil
		}
		ch.pendingMu.Unlock()
	}()

	if err := ch.link.Send(frame.Method(ch.number, payload)); err != nil {
		return nil, err
	}
	timeout := ch.link.ResponseTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-slot.ch:
		return res.method, res.err
	case <-timer.C:
		err := &Error{
			Kind: KindTransport,
			Text: fmt.Sprintf("channel %d: no reply to %s within %s", ch.number, methods.Name(m.ID()), timeout),
			Err:  ErrResponseTimeout,
		}
		ch.finish(err)
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch.done:
		return nil, ch.closedErr()
	}
}

func (ch *Channel) deliver(m methods.Method) bool {
	ch.pendingMu.Lock()
	defer ch.pendingMu.Unlock()
	if ch.pending == nil || !ch.pending.accepts(m.ID()) {
		return false
	}
	ch.pending.ch <- rpcResult{method: m}
	ch.pending = nil
	return true
}

// finish closes the channel locally. reason nil means a clean close.
func (ch *Channel) finish(reason error) {
	ch.closeOnce.Do(func() {
		cause := reason
		if cause == nil {
			cause = ErrChannelClosed
		}
		ch.errMu.Lock()
		ch.err = cause
		ch.errMu.Unlock()

		ch.pendingMu.Lock()
		if ch.pending != nil {
			ch.pending.ch <- rpcResult{err: cause}
			ch.pending = nil
		}
		ch.pendingMu.Unlock()

		ch.link.Release(ch.number)
		close(ch.done)
		if reason != nil {
			log.Warn().Msgf("amqp.Channel.close channel=%d err=%v", ch.number, reason)
		}
	})
}

func (ch *Channel) isDone() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

func (ch *Channel) closedErr() error {
	if err := ch.Err(); err != nil {
		return err
	}
	return ErrChannelClosed
}
