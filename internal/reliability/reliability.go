// Package reliability implements XEP-0198-style stream management: the
// inbound/outbound stanza counters, the unacknowledged-stanza queue, and
// the detached-session store that backs stream resumption (spec §4.6).
package reliability

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"waddle.chat/xmppd/internal/stanza"
)

// State tracks one stream's send/receive counters and its queue of
// outbound stanzas not yet acknowledged by the peer. A session owns exactly
// one State once it reaches the Established state (spec §4.2).
type State struct {
	mu       sync.Mutex
	inCount  uint32
	outCount uint32
	unacked  *list.List // of stanza.Stanza, oldest first
	token    string
}

// New builds a fresh State with a random resumption token.
func New() *State {
	return &State{unacked: list.New(), token: uuid.NewString()}
}

// Token returns the opaque resumption identifier a client presents to
// Store.Take when reconnecting (spec §4.6's "resume with a prior token").
func (s *State) Token() string {
	return s.token
}

// RecordInbound bumps the inbound counter, wrapping per RFC per XEP-0198
// §4 (mod 2^32).
func (s *State) RecordInbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inCount++
}

// RecordOutbound bumps the outbound counter and appends s to the unacked
// queue.
func (s *State) RecordOutbound(st stanza.Stanza) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outCount++
	s.unacked.PushBack(st)
}

// RequestAck returns the current inbound count to report back to the peer
// in an `<a/>` stanza-management acknowledgment.
func (s *State) RequestAck() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inCount
}

// Ack removes every unacked stanza up to and including the h-th outbound
// stanza, per XEP-0198 §4's cumulative acknowledgment semantics.
func (s *State) Ack(h uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := h
	if acked > s.outCount {
		acked = s.outCount
	}
	for s.unacked.Len() > int(s.outCount-acked) {
		s.unacked.Remove(s.unacked.Front())
	}
}

// Unacked returns every stanza still awaiting acknowledgment, oldest first,
// for replay after a successful resume.
func (s *State) Unacked() []stanza.Stanza {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stanza.Stanza, 0, s.unacked.Len())
	for e := s.unacked.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(stanza.Stanza))
	}
	return out
}

// Detach freezes this State for offline storage and returns its token; the
// caller (session) drops its own reference afterward.
func (s *State) Detach() string {
	return s.token
}

// Detached is a State parked for possible resumption, with the deadline
// after which it expires (spec §4.6's "bounded resumption window").
type Detached struct {
	State   *State
	Address string // the bound full JID at the moment of detach
	Expires time.Time
}

// Store holds detached sessions keyed by resumption token and expires them
// after their window closes. A production deployment could back this with
// the SQL reference store named in SPEC_FULL.md's domain stack table; the
// in-memory Store here is the single-node default.
type Store struct {
	mu   sync.Mutex
	data map[string]Detached
}

// NewStore builds an empty detached-session store.
func NewStore() *Store {
	return &Store{data: make(map[string]Detached)}
}

// Put parks a detached session for later resumption.
func (st *Store) Put(d Detached) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.data[d.State.Token()] = d
}

// Take atomically removes and returns the detached session for token, if it
// exists and has not expired. A token may only ever be resumed once, per
// spec §4.6's anti-replay invariant.
func (st *Store) Take(token string) (Detached, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	d, ok := st.data[token]
	if !ok {
		return Detached{}, false
	}
	delete(st.data, token)
	if time.Now().After(d.Expires) {
		return Detached{}, false
	}
	return d, true
}

// Sweep drops every detached session past its expiry deadline; a caller
// runs this periodically (spec §4.6's expiry sweep).
func (st *Store) Sweep(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	dropped := 0
	for token, d := range st.data {
		if now.After(d.Expires) {
			delete(st.data, token)
			dropped++
		}
	}
	return dropped
}
