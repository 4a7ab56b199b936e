// Package protocol owns the AMQP 0-9-1 wire contract shared by the codec
// packages below it.
//
// Ownership boundary:
// - protocol version and header constants
// - reply-code table
// - frame/field/method primitives live in frame, wire and methods
package protocol
