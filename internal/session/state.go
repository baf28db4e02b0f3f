// Package session implements the per-connection stream negotiation state
// machine and the session actor described in spec §4.2: the goroutine that
// owns one client connection from the opening stream header through
// STARTTLS, SASL, resource binding, and into steady-state stanza exchange.
//
// The teacher's Session (mellium.im/xmpp) tracks progress with a
// SessionState bitmask (Secure|Authn|Ready|...) set incrementally by
// feature negotiators. The server side needs an explicit, enumerable state
// rather than a bitmask, since resumption and CSI buffering care about
// exact state (not just "are we past some bit"), so this package uses a
// named State enum with a small transition table instead.
package session

import "fmt"

// State is one node of the negotiation state machine (spec §4.2).
type State int

const (
	// StateInitial is the state before any stream header has been read.
	StateInitial State = iota
	// StateNegotiating is set once the opening <stream:stream> has been read
	// and the server is about to advertise features.
	StateNegotiating
	// StateStartTLS is set while a STARTTLS request is being processed.
	StateStartTLS
	// StateTLSEstablished is set once the connection has been upgraded and a
	// fresh stream header is expected.
	StateTLSEstablished
	// StateAuthenticating is set while a SASL exchange is in progress.
	StateAuthenticating
	// StateAuthenticated is set once SASL has succeeded and a fresh stream
	// header is expected before resource binding.
	StateAuthenticated
	// StateEstablished is set once a resource has been bound (or a previous
	// stream resumed) and stanzas may flow in both directions.
	StateEstablished
	// StateResuming is set while a <resume/> request (XEP-0198) is being
	// validated against a detached session.
	StateResuming
	// StateClosed is terminal; no further reads or writes are valid.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateNegotiating:
		return "negotiating"
	case StateStartTLS:
		return "starttls"
	case StateTLSEstablished:
		return "tls-established"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateEstablished:
		return "established"
	case StateResuming:
		return "resuming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions enumerates the edges allowed out of each state. Any edge not
// listed here is rejected by Machine.To with an error, rather than silently
// accepted, so a bug in the negotiation driver fails loudly instead of
// leaving a session in an inconsistent state.
var transitions = map[State][]State{
	StateInitial:         {StateNegotiating, StateClosed},
	StateNegotiating:     {StateStartTLS, StateAuthenticating, StateResuming, StateEstablished, StateClosed},
	StateStartTLS:        {StateTLSEstablished, StateClosed},
	StateTLSEstablished:  {StateNegotiating, StateClosed},
	StateAuthenticating:  {StateAuthenticated, StateNegotiating, StateClosed},
	StateAuthenticated:   {StateNegotiating, StateClosed},
	StateResuming:        {StateEstablished, StateNegotiating, StateClosed},
	StateEstablished:     {StateClosed},
	StateClosed:          nil,
}

// Machine is a small guard around State that rejects transitions not present
// in the table above.
type Machine struct {
	cur State
}

// NewMachine returns a Machine starting at StateInitial.
func NewMachine() *Machine {
	return &Machine{cur: StateInitial}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	return m.cur
}

// To attempts a transition to next, returning an error if it isn't a legal
// edge from the current state.
func (m *Machine) To(next State) error {
	for _, allowed := range transitions[m.cur] {
		if allowed == next {
			m.cur = next
			return nil
		}
	}
	return fmt.Errorf("session: illegal transition %s -> %s", m.cur, next)
}

// Is reports whether the machine is currently in state s.
func (m *Machine) Is(s State) bool {
	return m.cur == s
}
