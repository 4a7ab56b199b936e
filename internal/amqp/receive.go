package amqp

import (
	"errors"
	"time"

	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/methods"
	"github.com/rs/zerolog/log"
)

var frameErrors = []error{
	frame.ErrShortHeader,
	frame.ErrBadFrameEnd,
	frame.ErrFrameTooLarge,
	frame.ErrUnknownKind,
	frame.ErrBadProtocolHeader,
	frame.ErrHeartbeatChannel,
}

func (c *Connection) receiveLoop() {
	for {
		f, err := c.sock.Recv()
		if err != nil {
			if c.State() >= StateClosing {
				c.shutdown(nil)
				return
			}
			c.fail(classifyRecvError(err))
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())
		observability.RecordFrame("in", f.Kind.String())

		if f.Channel == 0 {
			c.dispatch(f)
			continue
		}
		c.route(f)
	}
}

func classifyRecvError(err error) *Error {
	for _, fe := range frameErrors {
		if errors.Is(err, fe) {
			return protocolError(err, "malformed frame")
		}
	}
	return transportError(err)
}

// route hands a frame to its channel. Unknown channels are dropped.
func (c *Connection) route(f frame.Frame) {
	c.mu.RLock()
	ch, ok := c.channels[f.Channel]
	c.mu.RUnlock()
	if !ok {
		log.Warn().Msgf("amqp.Connection.route conn=%s channel=%d kind=%s dropped: unknown channel",
			c.id, f.Channel, f.Kind)
		return
	}
	ch.Receive(f)
}

// dispatch services channel 0: handshake replies, pending calls, broker
// Close and heartbeats.
func (c *Connection) dispatch(f frame.Frame) {
	switch f.Kind {
	case frame.KindHeartbeat:
		observability.RecordHeartbeat("in")
		return
	case frame.KindProtocolHeader:
		c.fail(protocolError(ErrVersionMismatch, "broker speaks %s, client speaks %s",
			f.Version, protocol.Version091))
		return
	case frame.KindMethod:
	default:
		log.Warn().Msgf("amqp.Connection.dispatch conn=%s kind=%s dropped: content on channel 0", c.id, f.Kind)
		return
	}

	m, err := methods.Decode(f.Payload)
	if err != nil {
		if errors.Is(err, methods.ErrUnknownMethod) {
			log.Warn().Msgf("amqp.Connection.dispatch conn=%s err=%v dropped", c.id, err)
			return
		}
		c.fail(protocolError(err, "decode channel-0 method"))
		return
	}

	if closing, ok := m.(*methods.ConnectionClose); ok {
		c.handleBrokerClose(closing)
		return
	}

	switch c.deliver(m) {
	case deliverAccepted:
	case deliverRejected:
		c.fail(protocolError(ErrUnexpectedMethod, "received %s while waiting for a reply", methods.Name(m.ID())))
	case deliverNoWaiter:
		log.Warn().Msgf("amqp.Connection.dispatch conn=%s method=%s dropped: no caller waiting",
			c.id, methods.Name(m.ID()))
	}
}

func (c *Connection) handleBrokerClose(m *methods.ConnectionClose) {
	payload, err := methods.Encode(&methods.ConnectionCloseOk{})
	if err == nil {
		if err := c.send(frame.Method(0, payload)); err != nil {
			log.Debug().Msgf("amqp.Connection.handleBrokerClose conn=%s close-ok err=%v", c.id, err)
		}
	}
	c.fail(brokerError(m.ReplyCode, m.ReplyText, m.ClassID, m.MethodID))
}
