package amqp

import (
	"time"

	"github.com/danmuck/amqpwire/internal/protocol/wire"
)

// Status is a point-in-time view for admin endpoints and logs.
type Status struct {
	ID               string     `json:"id"`
	Address          string     `json:"address"`
	VirtualHost      string     `json:"virtual_host"`
	State            string     `json:"state"`
	ChannelMax       uint16     `json:"channel_max"`
	FrameMax         uint32     `json:"frame_max"`
	HeartbeatSeconds uint16     `json:"heartbeat_seconds"`
	Channels         int        `json:"channels"`
	LastSent         time.Time  `json:"last_sent"`
	LastReceived     time.Time  `json:"last_received"`
	ServerProperties wire.Table `json:"server_properties,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

func (c *Connection) Status() Status {
	c.mu.RLock()
	s := Status{
		ID:               c.id,
		Address:          c.cfg.Address(),
		VirtualHost:      c.cfg.VirtualHost,
		ChannelMax:       c.tuning.ChannelMax,
		FrameMax:         c.tuning.FrameMax,
		HeartbeatSeconds: c.tuning.Heartbeat,
		Channels:         len(c.channels),
		ServerProperties: c.serverProps,
	}
	c.mu.RUnlock()
	s.State = c.State().String()
	s.LastSent = time.Unix(0, c.lastSent.Load()).UTC()
	s.LastReceived = time.Unix(0, c.lastRecv.Load()).UTC()
	if err := c.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}
