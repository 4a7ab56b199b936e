// Package auth provides the SASL mechanisms offered in Connection.Start-Ok.
//
// It intentionally avoids credential storage and policy decisions.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/amqpwire/internal/protocol/methods"
	"github.com/danmuck/amqpwire/internal/protocol/wire"
)

var (
	ErrUnknownMechanism = errors.New("auth: unknown mechanism")
	ErrNoChallenge      = errors.New("auth: mechanism does not answer challenges")
)

// Mechanism fills the mechanism name and initial response of a Start-Ok.
type Mechanism interface {
	Type() string
	ConfigureStartOk(m *methods.ConnectionStartOk) error
}

// Challenger answers Connection.Secure challenges.
type Challenger interface {
	Respond(challenge []byte) ([]byte, error)
}

// Plain is RFC 4616 PLAIN with an empty authorization identity.
type Plain struct {
	Username string
	Password string
}

func (Plain) Type() string { return "PLAIN" }

func (p Plain) ConfigureStartOk(m *methods.ConnectionStartOk) error {
	m.Mechanism = p.Type()
	m.Response = []byte("\x00" + p.Username + "\x00" + p.Password)
	return nil
}

// AMQPlain sends LOGIN and PASSWORD as a field table without its length
// prefix.
type AMQPlain struct {
	Username string
	Password string
}

func (AMQPlain) Type() string { return "AMQPLAIN" }

func (a AMQPlain) ConfigureStartOk(m *methods.ConnectionStartOk) error {
	w := wire.NewWriter()
	if err := w.WriteTable(wire.Table{"LOGIN": a.Username, "PASSWORD": a.Password}); err != nil {
		return err
	}
	m.Mechanism = a.Type()
	m.Response = w.Bytes()[4:]
	return nil
}

// External defers identity to the transport, typically a TLS client cert.
type External struct{}

func (External) Type() string { return "EXTERNAL" }

func (e External) ConfigureStartOk(m *methods.ConnectionStartOk) error {
	m.Mechanism = e.Type()
	m.Response = []byte{}
	return nil
}

// FuncMechanism adapts functions into a Mechanism. OnChallenge may be nil.
type FuncMechanism struct {
	Name        string
	Initial     func() ([]byte, error)
	OnChallenge func(challenge []byte) ([]byte, error)
}

func (f FuncMechanism) Type() string { return f.Name }

func (f FuncMechanism) ConfigureStartOk(m *methods.ConnectionStartOk) error {
	m.Mechanism = f.Name
	m.Response = []byte{}
	if f.Initial == nil {
		return nil
	}
	resp, err := f.Initial()
	if err != nil {
		return err
	}
	m.Response = resp
	return nil
}

func (f FuncMechanism) Respond(challenge []byte) ([]byte, error) {
	if f.OnChallenge == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoChallenge, f.Name)
	}
	return f.OnChallenge(challenge)
}

// FromName builds a built-in mechanism by its wire name.
func FromName(name, username, password string) (Mechanism, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "PLAIN":
		return Plain{Username: username, Password: password}, nil
	case "AMQPLAIN":
		return AMQPlain{Username: username, Password: password}, nil
	case "EXTERNAL":
		return External{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMechanism, name)
	}
}

// Offered reports whether mech is in the broker's space-separated list.
func Offered(mech Mechanism, serverMechanisms []string) bool {
	for _, s := range serverMechanisms {
		if s == mech.Type() {
			return true
		}
	}
	return false
}
