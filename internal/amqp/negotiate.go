package amqp

// Tuning is the channel-max/frame-max/heartbeat triple of Connection.Tune.
// Heartbeat is in seconds.
type Tuning struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

// Negotiate picks the effective limits. Each value is the smaller of the two
// proposals. A broker zero for channel-max or frame-max means no limit, so
// the client value stands; a zero heartbeat from either side disables it.
func Negotiate(server, client Tuning) Tuning {
	out := Tuning{
		ChannelMax: client.ChannelMax,
		FrameMax:   client.FrameMax,
		Heartbeat:  min(server.Heartbeat, client.Heartbeat),
	}
	if server.ChannelMax != 0 && (client.ChannelMax == 0 || server.ChannelMax < client.ChannelMax) {
		out.ChannelMax = server.ChannelMax
	}
	if server.FrameMax != 0 && (client.FrameMax == 0 || server.FrameMax < client.FrameMax) {
		out.FrameMax = server.FrameMax
	}
	return out
}
