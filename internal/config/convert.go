package config

import (
	"strings"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/auth"
	"github.com/danmuck/amqpwire/internal/protocol/session"
	"github.com/danmuck/amqpwire/internal/protocol/wire"
)

// AMQPConfig converts p into a dial config. Unset fields keep the
// amqp.DefaultConfig values; heartbeat "0s" disables heartbeats.
func (p BrokerProfile) AMQPConfig() (amqp.Config, error) {
	if err := ValidateProfile(p); err != nil {
		return amqp.Config{}, err
	}
	cfg := amqp.DefaultConfig()
	cfg.Host = strings.TrimSpace(p.Host)
	cfg.Port = p.Port
	if p.VirtualHost != "" {
		cfg.VirtualHost = p.VirtualHost
	}

	mech, _ := auth.FromName(p.Mechanism, p.Username, p.Password)
	cfg.Mechanism = mech

	if strings.TrimSpace(p.Heartbeat) != "" {
		cfg.Heartbeat, _ = parseDuration(p.Heartbeat)
	}
	if strings.TrimSpace(p.ResponseTimeout) != "" {
		cfg.ResponseTimeout, _ = parseDuration(p.ResponseTimeout)
	}
	if p.ChannelMax > 0 {
		cfg.ChannelMax = p.ChannelMax
	}
	if p.FrameMax > 0 {
		cfg.FrameMax = p.FrameMax
	}
	if p.ConnectionName != "" {
		cfg.ClientProperties = wire.Table{"connection_name": p.ConnectionName}
	}

	cfg.Session = session.DefaultConfig()
	if p.ConnectAttempts != 0 {
		cfg.Session.MaxConnectAttempts = p.ConnectAttempts
	}
	if p.SecurityMode != "" {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(p.SecurityMode))
	}
	cfg.Session.TLS = session.TLSConfig{
		Enabled:    p.TLS.Enabled,
		Mutual:     p.TLS.Mutual,
		CAFile:     p.TLS.CAFile,
		CertFile:   p.TLS.CertFile,
		KeyFile:    p.TLS.KeyFile,
		ServerName: p.TLS.ServerName,
	}
	cfg.Session.Proxy = session.ProxyConfig{Address: strings.TrimSpace(p.Proxy)}
	return cfg, nil
}
