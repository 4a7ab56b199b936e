package amqp

import (
	"fmt"
	"time"

	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

type heartbeatAction int

const (
	heartbeatIdle heartbeatAction = iota
	heartbeatSend
	heartbeatDead
)

// checkHeartbeat decides one tick. Inbound silence of two intervals is fatal
// and wins over a due outbound beat.
func checkHeartbeat(now, lastSent, lastRecv time.Time, interval time.Duration) (heartbeatAction, time.Duration) {
	if interval <= 0 {
		return heartbeatIdle, 0
	}
	if silence := now.Sub(lastRecv); silence >= 2*interval {
		return heartbeatDead, silence
	}
	if now.Sub(lastSent) >= interval {
		return heartbeatSend, 0
	}
	return heartbeatIdle, 0
}

func (c *Connection) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(c.cfg.HeartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if c.State() >= StateClosing {
				return
			}
			action, silence := checkHeartbeat(now,
				time.Unix(0, c.lastSent.Load()), time.Unix(0, c.lastRecv.Load()), interval)
			switch action {
			case heartbeatSend:
				if err := c.send(frame.Heartbeat()); err != nil {
					c.fail(transportError(err))
					return
				}
				observability.RecordHeartbeat("out")
			case heartbeatDead:
				log.Warn().Msgf("amqp.Connection.heartbeat conn=%s silence=%s interval=%s", c.id, silence, interval)
				c.fail(&Error{
					Kind: KindTransport,
					Text: fmt.Sprintf("no frames from broker for %s (heartbeat %s)", silence.Round(time.Millisecond), interval),
					Err:  ErrHeartbeatTimeout,
				})
				return
			}
		}
	}
}
