// Package session owns client transport settings shared by the socket and
// connection layers.
//
// Ownership boundary:
// - dial/handshake/write timeouts
// - retry backoff
// - TLS and proxy settings plus their validation
package session
