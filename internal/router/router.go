// Package router implements the process-wide address registry and delivery
// rules described in spec §4.4: resolving a stanza's `to` attribute to one
// or more local sessions (or an offline store), and consulting a blocklist
// collaborator before inbound delivery.
package router

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"waddle.chat/xmppd/internal/breaker"
	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/session"
	"waddle.chat/xmppd/internal/stanza"
	"waddle.chat/xmppd/internal/xlog"
)

// Blocklist is the external collaborator consulted before delivering an
// inbound stanza to a bound address (spec §1, §6).
type Blocklist interface {
	IsBlocked(ctx context.Context, owner, sender jid.Address) (bool, error)
}

// OfflineStore receives stanzas addressed to a bare JID with no connected
// resource, per spec §4.4's fan-out rule.
type OfflineStore interface {
	Enqueue(ctx context.Context, s stanza.Stanza) error
}

// Registry is the bare/full address table every established session
// registers into and every stanza is routed through.
type Registry struct {
	mu        sync.RWMutex
	full      map[string]session.Destination   // full JID string -> session
	bare      map[string][]session.Destination // bare JID string -> sessions, in binding order
	blocklist Blocklist
	offline   OfflineStore
	cb        *breaker.Breaker
	log       *xlog.Logger
}

// New builds an empty Registry. Blocklist calls are circuit-broken so a
// failing blocklist store degrades to fail-open instead of stalling every
// delivery behind a dead dependency.
func New(blocklist Blocklist, offline OfflineStore, log *xlog.Logger) *Registry {
	if log == nil {
		log = xlog.Discard()
	}
	return &Registry{
		full:      make(map[string]session.Destination),
		bare:      make(map[string][]session.Destination),
		blocklist: blocklist,
		offline:   offline,
		cb:        breaker.New("blocklist"),
		log:       log.With("component", "router"),
	}
}

// Bind registers dest under addr, failing with a conflict error if the exact
// full JID is already bound (spec §4.4's
// resource-conflict rule, enforced here rather than in session so that two
// sessions racing to bind the same resource are serialized by one lock).
func (r *Registry) Bind(addr jid.Address, dest session.Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := addr.String()
	if _, exists := r.full[key]; exists {
		return errors.Errorf("router: resource %q already bound", key)
	}
	r.full[key] = dest
	bareKey := jid.BareKey(addr)
	r.bare[bareKey] = append(r.bare[bareKey], dest)
	return nil
}

// Unbind removes addr from the registry; called when a session terminates.
func (r *Registry) Unbind(addr jid.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := addr.String()
	delete(r.full, key)
	bareKey := jid.BareKey(addr)
	list := r.bare[bareKey]
	for i, d := range list {
		if d.Address().String() == key {
			r.bare[bareKey] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.bare[bareKey]) == 0 {
		delete(r.bare, bareKey)
	}
}

// Sessions returns every destination currently bound under the bare JID of
// addr, in binding order.
func (r *Registry) Sessions(addr jid.Address) []session.Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.bare[jid.BareKey(addr)]
	out := make([]session.Destination, len(list))
	copy(out, list)
	return out
}

// Deliver resolves s's `to` address and hands it to the matching
// destination(s), consulting the blocklist first (spec §4.4, §6):
//   - a full JID with a bound session: deliver to that session only.
//   - a bare JID with a message or presence: deliver a copy to every bound
//     resource.
//   - a bare JID with an IQ: deliver to exactly one resource, the one bound
//     first. Presence priority is not tracked, so it plays no part in
//     choosing resources for messages or IQs.
//   - no matching local session: hand to the offline store if configured,
//     otherwise return ErrRecipientOffline.
func (r *Registry) Deliver(ctx context.Context, s stanza.Stanza) error {
	to := s.StanzaTo()
	if to.IsZero() {
		return errors.New("router: stanza has no destination")
	}
	if r.blocklist != nil {
		blocked, err := breaker.Do(r.cb, ctx, func(ctx context.Context) (bool, error) {
			return r.blocklist.IsBlocked(ctx, to, s.StanzaFrom())
		})
		if err != nil {
			r.log.Warn("blocklist check failed, failing open", "err", err)
		} else if blocked {
			return stanza.ErrServiceUnavailable
		}
	}

	if !to.IsBare() {
		if dest, ok := r.lookupFull(to); ok {
			return dest.Push(s)
		}
		return r.toOffline(ctx, s)
	}

	dests := r.Sessions(to)
	if len(dests) == 0 {
		return r.toOffline(ctx, s)
	}

	switch s.Kind() {
	case stanza.NamePresence:
		for _, d := range dests {
			if err := d.Push(s); err != nil {
				r.log.Warn("presence fan-out failed", "err", err)
			}
		}
		return nil
	case stanza.NameIQ:
		return dests[0].Push(s)
	default:
		// Messages to a bare JID go to every resource, matching the "no
		// negative priority" simplification spec §4.4 allows a deployment
		// without full presence-priority tracking to make.
		var firstErr error
		for _, d := range dests {
			if err := d.Push(s); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
}

func (r *Registry) lookupFull(addr jid.Address) (session.Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.full[addr.String()]
	return d, ok
}

// Lookup exposes the full-JID lookup to collaborators outside this package
// (the MUC processor resolves a joining occupant's destination this way,
// rather than muc importing router's unexported index).
func (r *Registry) Lookup(addr jid.Address) (session.Destination, bool) {
	return r.lookupFull(addr)
}

func (r *Registry) toOffline(ctx context.Context, s stanza.Stanza) error {
	if r.offline == nil {
		return stanza.ErrRecipientOffline
	}
	return r.offline.Enqueue(ctx, s)
}
