package amqp

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Receiver is what the connection needs from a channel implementation.
type Receiver interface {
	Number() uint16
	// Receive is called from the receive loop in arrival order. Blocking
	// here applies back-pressure to the whole connection.
	Receive(f frame.Frame)
	Close() error
}

// Opener is implemented by channels that run a handshake after they are
// registered.
type Opener interface {
	Open(ctx context.Context) error
}

// Link is the handle a channel uses to reach its connection. Channels keep
// only their number and this handle.
type Link interface {
	Send(f frame.Frame) error
	Release(number uint16)
	IsOpen() bool
	// LastError is the connection's terminal error, nil after a clean close.
	LastError() error
	FrameMax() uint32
	ResponseTimeout() time.Duration
}

// ChannelFactory builds the channel registered under number.
type ChannelFactory func(number uint16, link Link) Receiver

// DefaultChannelFactory builds a *Channel.
func DefaultChannelFactory(number uint16, link Link) Receiver {
	return NewChannel(number, link)
}

// Channel registers a new channel. number 0 picks the next free number.
func (c *Connection) Channel(ctx context.Context, number uint16) (Receiver, error) {
	if c.State() != StateOpen {
		return nil, c.closedErrOr(ErrClosed)
	}

	c.mu.Lock()
	if c.State() != StateOpen {
		c.mu.Unlock()
		return nil, c.closedErrOr(ErrClosed)
	}
	n, err := c.reserveLocked(number)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ch := c.cfg.ChannelFactory(n, c)
	c.channels[n] = ch
	c.mu.Unlock()
	observability.AddOpenChannels(1)

	if opener, ok := ch.(Opener); ok {
		if err := opener.Open(ctx); err != nil {
			c.Release(n)
			return nil, err
		}
	}
	log.Debug().Msgf("amqp.Connection.Channel conn=%s channel=%d", c.id, n)
	return ch, nil
}

// OpenChannel is Channel(ctx, 0) for the default factory.
func (c *Connection) OpenChannel(ctx context.Context) (*Channel, error) {
	r, err := c.Channel(ctx, 0)
	if err != nil {
		return nil, err
	}
	ch, ok := r.(*Channel)
	if !ok {
		return nil, fmt.Errorf("amqp: channel factory built %T, not *amqp.Channel", r)
	}
	return ch, nil
}

func (c *Connection) reserveLocked(number uint16) (uint16, error) {
	limit := c.tuning.ChannelMax
	if number != 0 {
		if number > limit {
			return 0, fmt.Errorf("%w: channel %d above channel-max %d", ErrNoMoreChannels, number, limit)
		}
		if _, used := c.channels[number]; used {
			return 0, fmt.Errorf("%w: channel %d", ErrChannelExists, number)
		}
		return number, nil
	}

	start := c.nextChannel
	if start == 0 || start > limit {
		start = 1
	}
	for i := 0; i < int(limit); i++ {
		n := uint16((int(start)-1+i)%int(limit) + 1)
		if _, used := c.channels[n]; used {
			continue
		}
		c.nextChannel = n + 1
		if c.nextChannel > limit || c.nextChannel == 0 {
			c.nextChannel = 1
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: all %d channels in use", ErrNoMoreChannels, limit)
}

// Release unregisters number. Unknown numbers are ignored.
func (c *Connection) Release(number uint16) {
	c.mu.Lock()
	_, ok := c.channels[number]
	delete(c.channels, number)
	c.mu.Unlock()
	if ok {
		observability.AddOpenChannels(-1)
	}
}

// ChannelCount returns the number of registered channels.
func (c *Connection) ChannelCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}

// drainChannels empties the table and returns what it held.
func (c *Connection) drainChannels() []Receiver {
	c.mu.Lock()
	out := make([]Receiver, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	c.channels = make(map[uint16]Receiver)
	c.mu.Unlock()
	if len(out) > 0 {
		observability.AddOpenChannels(-len(out))
	}
	return out
}

func (c *Connection) closedErrOr(fallback error) error {
	if err := c.LastError(); err != nil {
		return fmt.Errorf("%w: %v", fallback, err)
	}
	return fallback
}
