// Package transport owns the byte stream under one AMQP connection.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/session"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
)

var ErrClosed = errors.New("transport: socket closed")

// Socket frames a net.Conn. Send is safe for concurrent use; Recv must be
// called from a single goroutine.
type Socket struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeMu      sync.Mutex
	writeTimeout time.Duration
	frameMax     atomic.Uint32
	open         atomic.Bool
	closeOnce    sync.Once
}

// New wraps an established conn. frameMax starts at frame.MinSize until the
// connection is tuned.
func New(conn net.Conn, cfg session.Config) *Socket {
	s := &Socket{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: cfg.WriteTimeout,
	}
	s.frameMax.Store(frame.MinSize)
	s.open.Store(true)
	return s
}

// Dial connects to address, retrying with backoff per cfg.
func Dial(ctx context.Context, address string, cfg session.Config) (*Socket, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := dialOnce(ctx, address, cfg)
		if err == nil {
			log.Debug().Str("addr", address).Int("attempt", attempt).Bool("tls", cfg.TLS.Enabled).
				Msg("transport.Dial connected")
			return New(conn, cfg), nil
		}
		log.Warn().Msgf("transport.Dial attempt=%d addr=%q err=%v", attempt, address, err)
		if !cfg.ShouldRetry(attempt) || ctx.Err() != nil {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func dialOnce(ctx context.Context, address string, cfg session.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialTCP(ctx, dialer, address, cfg.Proxy)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func dialTCP(ctx context.Context, dialer *net.Dialer, address string, p session.ProxyConfig) (net.Conn, error) {
	if !p.Enabled() {
		return dialer.DialContext(ctx, "tcp", address)
	}
	var auth *proxy.Auth
	if p.Username != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	socks, err := proxy.SOCKS5("tcp", p.Address, auth, dialer)
	if err != nil {
		return nil, fmt.Errorf("transport: socks5 proxy %q: %w", p.Address, err)
	}
	if cd, ok := socks.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", address)
	}
	return socks.Dial("tcp", address)
}

// Send writes one frame under the write lock.
func (s *Socket) Send(f frame.Frame) error {
	if !s.open.Load() {
		return ErrClosed
	}
	limits := frame.Limits{MaxFrameSize: s.frameMax.Load()}
	if f.Kind == frame.KindProtocolHeader {
		limits = frame.Limits{}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := frame.WriteFrame(s.conn, f, limits); err != nil {
		if !s.open.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Recv blocks for the next frame.
func (s *Socket) Recv() (frame.Frame, error) {
	f, err := frame.ReadFrame(s.reader, frame.Limits{MaxFrameSize: s.frameMax.Load()})
	if err != nil && !s.open.Load() {
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return f, err
}

// SetFrameMax applies a negotiated frame-max to both directions. Zero lifts
// the limit.
func (s *Socket) SetFrameMax(n uint32) {
	s.frameMax.Store(n)
	log.Debug().Msgf("transport.Socket frame_max=%s", humanize.IBytes(uint64(n)))
}

func (s *Socket) FrameMax() uint32 {
	return s.frameMax.Load()
}

// Close is idempotent; it unblocks a pending Recv.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.open.Store(false)
		err = s.conn.Close()
	})
	return err
}

func (s *Socket) IsOpen() bool {
	return s.open.Load()
}

func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
