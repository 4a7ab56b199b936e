package amqp

import (
	"context"
	"math"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/amqpwire/internal/auth"
	"github.com/danmuck/amqpwire/internal/protocol"
	"github.com/danmuck/amqpwire/internal/protocol/session"
	"github.com/danmuck/amqpwire/internal/protocol/wire"
	"github.com/danmuck/amqpwire/internal/transport"
)

const (
	Product = "amqpwire"
	Version = "0.1.0"

	DefaultVirtualHost     = "/"
	DefaultLocale          = "en_US"
	DefaultChannelMax      = math.MaxUint16
	DefaultFrameMax        = 128 * 1024
	DefaultHeartbeat       = 60 * time.Second
	DefaultResponseTimeout = 10 * time.Second
	DefaultHeartbeatTick   = time.Second
)

// DialFunc opens the framed transport. Tests swap it for an in-memory pipe.
type DialFunc func(ctx context.Context, address string, cfg session.Config) (*transport.Socket, error)

// Config is everything Dial needs. Heartbeat has one-second resolution and
// zero disables it; every other zero field takes its default.
type Config struct {
	Host             string
	Port             int
	VirtualHost      string
	Mechanism        auth.Mechanism
	Session          session.Config
	Heartbeat        time.Duration
	ResponseTimeout  time.Duration
	ChannelMax       uint16
	FrameMax         uint32
	ClientProperties wire.Table
	Locale           string
	// OnClosed runs once after the connection reaches StateClosed. reason is
	// nil for a client-initiated close.
	OnClosed       func(reason error)
	ChannelFactory ChannelFactory
	HeartbeatTick  time.Duration
	Dialer         DialFunc
}

func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            protocol.DefaultPort,
		VirtualHost:     DefaultVirtualHost,
		Mechanism:       auth.Plain{Username: "guest", Password: "guest"},
		Session:         session.DefaultConfig(),
		Heartbeat:       DefaultHeartbeat,
		ResponseTimeout: DefaultResponseTimeout,
		ChannelMax:      DefaultChannelMax,
		FrameMax:        DefaultFrameMax,
		Locale:          DefaultLocale,
		HeartbeatTick:   DefaultHeartbeatTick,
	}
}

// WithDefaults fills zero-valued fields. Heartbeat is left alone.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Session = c.Session.WithDefaults()
	if strings.TrimSpace(c.Host) == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = protocol.DefaultPort
		if c.Session.TLS.Enabled {
			c.Port = protocol.DefaultTLSPort
		}
	}
	if c.VirtualHost == "" {
		c.VirtualHost = def.VirtualHost
	}
	if c.Mechanism == nil {
		c.Mechanism = def.Mechanism
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = def.ResponseTimeout
	}
	if c.ChannelMax == 0 {
		c.ChannelMax = def.ChannelMax
	}
	if c.FrameMax == 0 {
		c.FrameMax = def.FrameMax
	}
	if c.Locale == "" {
		c.Locale = def.Locale
	}
	if c.HeartbeatTick <= 0 {
		c.HeartbeatTick = def.HeartbeatTick
	}
	if c.ChannelFactory == nil {
		c.ChannelFactory = DefaultChannelFactory
	}
	if c.Dialer == nil {
		c.Dialer = transport.Dial
	}
	return c
}

func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) tuning() Tuning {
	return Tuning{
		ChannelMax: c.ChannelMax,
		FrameMax:   c.FrameMax,
		Heartbeat:  heartbeatSeconds(c.Heartbeat),
	}
}

// heartbeatSeconds converts d to the wire's whole seconds, clamped to the
// short field.
func heartbeatSeconds(d time.Duration) uint16 {
	secs := d / time.Second
	switch {
	case secs <= 0:
		return 0
	case secs > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(secs)
	}
}

// clientProperties merges user properties over the defaults.
func (c Config) clientProperties(connectionName string) wire.Table {
	props := wire.Table{
		"product":         Product,
		"version":         Version,
		"platform":        "Go " + runtime.Version(),
		"connection_name": connectionName,
		"capabilities": wire.Table{
			"authentication_failure_close": true,
			"connection.blocked":           false,
			"consumer_cancel_notify":       true,
			"publisher_confirms":           true,
			"basic.nack":                   true,
		},
	}
	for k, v := range c.ClientProperties {
		props[k] = v
	}
	return props
}
