package muc

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/session"
	"waddle.chat/xmppd/internal/stanza"
	"waddle.chat/xmppd/internal/xlog"
)

// AffiliationStore is the external collaborator that persists long-lived
// room affiliations (spec §1, §6): the registry consults it on join and
// writes through it on an affiliation change.
type AffiliationStore interface {
	Affiliation(ctx context.Context, room, bare jid.Address) (Affiliation, error)
	SetAffiliation(ctx context.Context, room, bare jid.Address, aff Affiliation) error
}

// Authorizer is consulted before an affiliation or role change is applied,
// per spec §4.8: a moderator may kick a participant, but only an admin or
// owner may grant/revoke affiliations. The concrete authz.Engine satisfies
// this without muc importing the authz package.
type Authorizer interface {
	Check(ctx context.Context, subject, permission, object string) (bool, error)
}

// Occupant is one connected presence inside a room.
type Occupant struct {
	Nick        string
	Real        jid.Address // the occupant's real bare or full JID
	Affiliation Affiliation
	Role        Role
	dest        session.Destination
}

// Room holds the occupant list for one MUC address. All mutation goes
// through the owning Registry's lock; Room itself has no lock of its own.
type Room struct {
	Addr    jid.Address
	Subject string

	// MembersOnly gates Join to affiliations of at least member (spec
	// §4.5 step 3). Moderated makes an unaffiliated occupant's default
	// role visitor rather than participant; members stay participants.
	MembersOnly bool
	Moderated   bool

	occupants map[string]*Occupant // nick -> occupant
}

// Registry owns every room on this service's MUC subdomain.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]*Room // bare room JID -> Room
	affil     AffiliationStore
	authz     Authorizer
	log       *xlog.Logger
}

// New builds an empty Registry.
func New(affil AffiliationStore, authz Authorizer, log *xlog.Logger) *Registry {
	if log == nil {
		log = xlog.Discard()
	}
	return &Registry{
		rooms: make(map[string]*Room),
		affil: affil,
		authz: authz,
		log:   log.With("component", "muc"),
	}
}

// Join adds dest to roomAddr under nick, deriving the occupant's role from
// their stored affiliation (spec §4.5). A nick already in use by a
// different real JID is a conflict (spec's "one nick, one occupant"
// invariant); rejoining with the same real JID and nick is idempotent. A
// room that does not yet exist is created with open-creation semantics,
// assigning its creator the owner affiliation; created reports whether this
// call was the one that created it, so the caller knows to add the 201
// status code to the joiner's own presence.
func (r *Registry) Join(ctx context.Context, roomAddr jid.Address, nick string, real jid.Address, dest session.Destination) (occ *Occupant, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := jid.BareKey(roomAddr)
	room, ok := r.rooms[key]
	created = !ok
	if !ok {
		room = &Room{Addr: roomAddr.Bare(), occupants: make(map[string]*Occupant)}
		r.rooms[key] = room
	}

	if existing, ok := room.occupants[nick]; ok {
		if jid.BareKey(existing.Real) != jid.BareKey(real) {
			return nil, false, stanza.ErrConflict
		}
		existing.dest = dest
		return existing, false, nil
	}

	aff := AffiliationNone
	switch {
	case created:
		aff = AffiliationOwner
	case r.affil != nil:
		a, err := r.affil.Affiliation(ctx, roomAddr, real)
		if err == nil {
			aff = a
		}
	}
	if !created && room.MembersOnly && aff < AffiliationMember {
		return nil, false, stanza.ErrForbidden
	}
	role, err := DefaultRole(aff, room.Moderated)
	if err != nil {
		return nil, false, stanza.ErrForbidden
	}
	o := &Occupant{Nick: nick, Real: real, Affiliation: aff, Role: role, dest: dest}
	room.occupants[nick] = o
	if created && r.affil != nil {
		_ = r.affil.SetAffiliation(ctx, roomAddr, real, AffiliationOwner)
	}
	return o, created, nil
}

// Leave removes the occupant bound to nick in roomAddr, if any, and reports
// every occupant that was present beforehand (the leaver included) so the
// caller can broadcast the required unavailable presence (spec §4.5's
// Leave operation). A nick not currently in the room is a no-op.
func (r *Registry) Leave(roomAddr jid.Address, nick string) []*Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := jid.BareKey(roomAddr)
	room, ok := r.rooms[key]
	if !ok {
		return nil
	}
	if _, ok := room.occupants[nick]; !ok {
		return nil
	}
	recipients := make([]*Occupant, 0, len(room.occupants))
	for _, occ := range room.occupants {
		recipients = append(recipients, occ)
	}
	delete(room.occupants, nick)
	if len(room.occupants) == 0 {
		delete(r.rooms, key)
	}
	return recipients
}

// Subject returns the current subject of roomAddr, or "" if the room
// doesn't exist or has none set.
func (r *Registry) Subject(roomAddr jid.Address) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[jid.BareKey(roomAddr)]
	if !ok {
		return ""
	}
	return room.Subject
}

// Occupants returns a snapshot of every occupant currently in roomAddr.
func (r *Registry) Occupants(roomAddr jid.Address) []*Occupant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[jid.BareKey(roomAddr)]
	if !ok {
		return nil
	}
	out := make([]*Occupant, 0, len(room.occupants))
	for _, occ := range room.occupants {
		out = append(out, occ)
	}
	return out
}

// Broadcast sends s to every occupant in roomAddr, stamping the occupant's
// in-room JID (room@service/nick) as the sender per spec §4.5's anonymity
// rule: the real JID never leaves the room unless the room is non-anonymous,
// which is left to a higher-level moderation policy to decide per-occupant.
func (r *Registry) Broadcast(roomAddr jid.Address, s stanza.Stanza) {
	for _, occ := range r.Occupants(roomAddr) {
		addr, err := RoomJID(roomAddr, occ.Nick)
		if err != nil {
			continue
		}
		if err := occ.dest.Push(s.WithFrom(addr)); err != nil {
			r.log.Warn("broadcast to occupant failed", "nick", occ.Nick, "err", err)
		}
	}
}

// RoomJID builds the in-room address room@service/nick an occupant is known
// by to the rest of the room.
func RoomJID(roomAddr jid.Address, nick string) (jid.Address, error) {
	return jid.FromParts(roomAddr.Local(), roomAddr.Domain(), nick)
}

// SetAffiliation changes real's affiliation in roomAddr, first checking
// actor's permission to do so via the Authorizer (spec §4.8). An occupant
// currently present has their in-room Role re-derived to match.
func (r *Registry) SetAffiliation(ctx context.Context, roomAddr jid.Address, actor, real jid.Address, aff Affiliation) error {
	if r.authz != nil {
		ok, err := r.authz.Check(ctx, actor.String(), "set_affiliation", "room:"+jid.BareKey(roomAddr))
		if err != nil {
			return errors.Wrap(err, "muc: authorization check failed")
		}
		if !ok {
			return stanza.ErrForbidden
		}
	}
	if r.affil != nil {
		if err := r.affil.SetAffiliation(ctx, roomAddr, real, aff); err != nil {
			return errors.Wrap(err, "muc: persisting affiliation")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[jid.BareKey(roomAddr)]
	if !ok {
		return nil
	}
	for _, occ := range room.occupants {
		if jid.BareKey(occ.Real) == jid.BareKey(real) {
			occ.Affiliation = aff
			role, err := DefaultRole(aff, room.Moderated)
			if err != nil {
				delete(room.occupants, occ.Nick)
				continue
			}
			occ.Role = role
		}
	}
	return nil
}
