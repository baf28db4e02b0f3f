package muc

import (
	"context"
	"encoding/xml"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/pipeline"
	"waddle.chat/xmppd/internal/session"
	"waddle.chat/xmppd/internal/stanza"
)

// nsMUCUser is the XEP-0045 namespace carrying the status codes a join
// reply uses to tell the joiner which copy is their own (110) and whether
// the room was just created for them (201).
const nsMUCUser = "http://jabber.org/protocol/muc#user"

func statusPayload(codes ...string) stanza.Payload {
	inner := ""
	for _, c := range codes {
		inner += "<status code='" + c + "'/>"
	}
	return stanza.Payload{XMLName: xml.Name{Space: nsMUCUser, Local: "x"}, Inner: inner}
}

// DestLookup resolves a bound full JID back to its session, so the
// processor can hand the sender's own connection to Registry.Join without
// the muc package importing router directly. router.Registry satisfies
// this.
type DestLookup interface {
	Lookup(addr jid.Address) (session.Destination, bool)
}

// Processor intercepts stanzas addressed to the MUC subdomain before the
// ordinary router ever sees them (spec §4.5): presence becomes a
// join/leave, and groupchat messages are broadcast to the room's occupants
// instead of being delivered to a single bound session.
type Processor struct {
	pipeline.Base
	Subdomain string
	Registry  *Registry
	Lookup    DestLookup
}

// Name implements pipeline.Processor.
func (p *Processor) Name() string { return "muc" }

// Priority implements pipeline.Processor. Runs early, ahead of archiving
// and carbons, since a room stanza never reaches the ordinary router.
func (p *Processor) Priority() int { return -100 }

func (p *Processor) inRoom(to jid.Address) bool {
	return !to.IsZero() && to.Domain() == p.Subdomain
}

// Inbound implements pipeline.Processor.
func (p *Processor) Inbound(ctx *pipeline.Ctx, s stanza.Stanza) pipeline.Result {
	to := s.StanzaTo()
	if !p.inRoom(to) {
		return pipeline.ResultContinue()
	}

	switch v := s.(type) {
	case stanza.Presence:
		p.handlePresence(context.Background(), to, v)
	case stanza.Message:
		if v.Type == stanza.MessageGroupchat {
			p.Registry.Broadcast(to.Bare(), v)
		}
	}
	// A room stanza is always fully handled here; it never reaches the
	// ordinary bare/full-JID router.
	return pipeline.ResultDrop()
}

func (p *Processor) handlePresence(ctx context.Context, roomAddr jid.Address, pr stanza.Presence) {
	real := pr.From
	dest, ok := p.Lookup.Lookup(real)
	if !ok {
		return
	}
	nick := roomAddr.Resource()
	if nick == "" {
		return
	}
	bare := roomAddr.Bare()
	switch pr.Type {
	case stanza.PresenceUnavailable:
		p.leave(bare, nick)
	default:
		p.join(ctx, bare, nick, real, dest, pr)
	}
}

// join drives spec §4.5 step 5's ordered reply once Registry.Join succeeds:
// existing occupants' presence to the joiner, the joiner's own presence
// (carrying status 110, and 201 if the room was freshly created) to every
// occupant including the joiner, then the room subject to the joiner.
func (p *Processor) join(ctx context.Context, roomAddr jid.Address, nick string, real jid.Address, dest session.Destination, pr stanza.Presence) {
	occ, created, err := p.Registry.Join(ctx, roomAddr, nick, real, dest)
	if err != nil {
		_ = dest.Push(stanza.ToErrorStanza(pr, toStanzaError(err)))
		return
	}

	selfJID, err := RoomJID(roomAddr, occ.Nick)
	if err != nil {
		return
	}

	all := p.Registry.Occupants(roomAddr)
	others := make([]*Occupant, 0, len(all))
	for _, o := range all {
		if o.Nick != nick {
			others = append(others, o)
		}
	}

	// (a) existing occupants' presence to the joiner.
	for _, o := range others {
		addr, err := RoomJID(roomAddr, o.Nick)
		if err != nil {
			continue
		}
		_ = dest.Push(stanza.Presence{}.WithFrom(addr))
	}

	// (b) the joiner's own presence to every other occupant, unmarked...
	plain := stanza.Presence{}.WithFrom(selfJID)
	for _, o := range others {
		_ = o.dest.Push(plain)
	}
	// ...and, to the joiner themselves, carrying 110 (and 201 if new).
	codes := []string{"110"}
	if created {
		codes = append(codes, "201")
	}
	selfPresence := stanza.Presence{Payloads: []stanza.Payload{statusPayload(codes...)}}.WithFrom(selfJID)
	_ = dest.Push(selfPresence)

	// (c) the room subject, to the joiner.
	subject := p.Registry.Subject(roomAddr)
	msg := stanza.Message{
		Type:    stanza.MessageGroupchat,
		Subject: map[string]string{"": subject},
	}.WithFrom(roomAddr)
	_ = dest.Push(msg)
}

// leave broadcasts the unavailable presence spec §4.5's Leave operation
// requires, from the leaver's in-room JID, to every occupant that was
// present beforehand (the leaver's own copy included).
func (p *Processor) leave(roomAddr jid.Address, nick string) {
	recipients := p.Registry.Leave(roomAddr, nick)
	if len(recipients) == 0 {
		return
	}
	addr, err := RoomJID(roomAddr, nick)
	if err != nil {
		return
	}
	unavailable := stanza.Presence{Type: stanza.PresenceUnavailable}.WithFrom(addr)
	for _, o := range recipients {
		_ = o.dest.Push(unavailable)
	}
}

func toStanzaError(err error) stanza.Error {
	if se, ok := err.(stanza.Error); ok {
		return se
	}
	return stanza.ErrServiceUnavailable
}
