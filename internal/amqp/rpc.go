package amqp

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/methods"
)

type rpcResult struct {
	method methods.Method
	err    error
}

// rpcSlot is the per-call reply mailbox. The buffer of one lets the receive
// loop deliver without blocking.
type rpcSlot struct {
	accept []methods.ID
	ch     chan rpcResult
}

func newRPCSlot(accept []methods.ID) *rpcSlot {
	return &rpcSlot{accept: accept, ch: make(chan rpcResult, 1)}
}

func (s *rpcSlot) accepts(id methods.ID) bool {
	return slices.Contains(s.accept, id)
}

type deliverOutcome int

const (
	deliverNoWaiter deliverOutcome = iota
	deliverAccepted
	deliverRejected
)

// call sends m on channel 0. Methods that expect a reply block until the
// reply, a routed error, the response timeout or ctx cancellation.
func (c *Connection) call(ctx context.Context, m methods.Method) (methods.Method, error) {
	payload, err := methods.Encode(m)
	if err != nil {
		return nil, protocolError(err, "encode %s", methods.Name(m.ID()))
	}
	f := frame.Method(0, payload)
	if methods.ExpectationOf(m.ID()) == methods.NoReply {
		if c.isDone() {
			return nil, c.closedErr()
		}
		if err := c.send(f); err != nil {
			terr := transportError(err)
			c.fail(terr)
			return nil, terr
		}
		return nil, nil
	}
	return c.roundTrip(ctx, f, methods.Name(m.ID()), methods.Replies(m.ID()))
}

// roundTrip holds callMu for the whole exchange so only one channel-0
// request is ever in flight.
func (c *Connection) roundTrip(ctx context.Context, f frame.Frame, name string, accept []methods.ID) (methods.Method, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if c.isDone() {
		return nil, c.closedErr()
	}

	slot := newRPCSlot(accept)
	c.setPending(slot)
	defer c.clearPending(slot)

	start := time.Now()
	if err := c.send(f); err != nil {
		terr := transportError(err)
		c.fail(terr)
		observability.RecordRPC(name, "transport", time.Since(start))
		return nil, terr
	}

	timer := time.NewTimer(c.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case res := <-slot.ch:
		outcome := "ok"
		if res.err != nil {
			outcome = "error"
		}
		observability.RecordRPC(name, outcome, time.Since(start))
		return res.method, res.err
	case <-timer.C:
		err := &Error{
			Kind: KindTransport,
			Text: fmt.Sprintf("no reply to %s within %s", name, c.cfg.ResponseTimeout),
			Err:  ErrResponseTimeout,
		}
		observability.RecordRPC(name, "timeout", time.Since(start))
		c.fail(err)
		return nil, err
	case <-ctx.Done():
		observability.RecordRPC(name, "canceled", time.Since(start))
		return nil, ctx.Err()
	case <-c.done:
		observability.RecordRPC(name, "closed", time.Since(start))
		return nil, c.closedErr()
	}
}

func (c *Connection) setPending(s *rpcSlot) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending = s
}

func (c *Connection) clearPending(s *rpcSlot) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == s {
		c.pending = nil
	}
}

// deliver hands m to the waiting caller if it is an accepted reply. The slot
// is consumed on acceptance.
func (c *Connection) deliver(m methods.Method) deliverOutcome {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == nil {
		return deliverNoWaiter
	}
	if !c.pending.accepts(m.ID()) {
		return deliverRejected
	}
	c.pending.ch <- rpcResult{method: m}
	c.pending = nil
	return deliverAccepted
}

func (c *Connection) deliverError(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == nil {
		return
	}
	c.pending.ch <- rpcResult{err: err}
	c.pending = nil
}
