package protocol

import "errors"

var (
	ErrVersionMismatch  = errors.New("protocol: incompatible protocol version")
	ErrUnknownReplyCode = errors.New("protocol: unknown reply code")
)
