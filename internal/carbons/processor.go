package carbons

import (
	"encoding/xml"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/pipeline"
	"waddle.chat/xmppd/internal/session"
	"waddle.chat/xmppd/internal/stanza"
)

// Processor answers the carbons enable/disable IQ locally and replicates
// eligible outbound chat messages to a user's other resources (spec §4.3,
// priority after MUC and archiving so room traffic and already-archived
// copies never get carbon-wrapped).
type Processor struct {
	pipeline.Base
	Registry *Registry
	Router   Router
}

// Name implements pipeline.Processor.
func (p *Processor) Name() string { return "carbons" }

// Priority implements pipeline.Processor.
func (p *Processor) Priority() int { return -10 }

// Inbound answers `urn:xmpp:carbons:2` enable/disable IQs directly rather
// than letting them reach the ordinary router, matching the local-answer
// pattern internal/muc and internal/archive use for their own IQs.
func (p *Processor) Inbound(ctx *pipeline.Ctx, s stanza.Stanza) pipeline.Result {
	iq, ok := s.(stanza.IQ)
	if !ok || !iq.IsRequest() {
		return pipeline.ResultContinue()
	}
	switch iq.PayloadName() {
	case xmlNameEnable:
		p.Registry.set(iq.From, true)
	case xmlNameDisable:
		p.Registry.set(iq.From, false)
	default:
		return pipeline.ResultContinue()
	}
	if dest, ok := p.find(iq.From); ok {
		_ = dest.Push(stanza.IQ{ID: iq.ID, Type: stanza.IQResult, From: iq.To, To: iq.From})
	}
	return pipeline.ResultDrop()
}

// Outbound replicates an eligible one-to-one chat message to the sender's
// and the addressed resource's other carbons-enabled resources (spec §4.3's
// sent/received semantics), then lets the original delivery continue
// unchanged.
func (p *Processor) Outbound(ctx *pipeline.Ctx, s stanza.Stanza) pipeline.Result {
	msg, ok := s.(stanza.Message)
	if !ok || !eligible(msg) {
		return pipeline.ResultContinue()
	}
	recipient, _ := ctx.Get(pipeline.KeyRecipient)
	recipientAddr, ok := recipient.(jid.Address)
	if !ok || recipientAddr.IsZero() {
		return pipeline.ResultContinue()
	}

	to := msg.StanzaTo()
	from := msg.StanzaFrom()

	if to.IsBare() {
		// The router's bare-JID fan-out (internal/router) already pushes the
		// original to every resource under to; replicate the sent carbon
		// exactly once, on the first of those fan-out deliveries, rather
		// than once per resource.
		sessions := p.Router.Sessions(to)
		if len(sessions) == 0 || !sessions[0].Address().Equal(recipientAddr) {
			return pipeline.ResultContinue()
		}
	} else {
		// Addressed to one specific resource: every other resource of that
		// bare address gets nothing via ordinary routing, so it needs a
		// received carbon.
		p.replicate(to.Bare(), to, msg, xmlNameReceived)
	}

	p.replicate(from.Bare(), from, msg, xmlNameSent)
	return pipeline.ResultContinue()
}

// replicate pushes a kind-wrapped carbon of msg to every carbons-enabled
// resource bound under owner, except exclude itself.
func (p *Processor) replicate(owner, exclude jid.Address, msg stanza.Message, kind xml.Name) {
	for _, dest := range p.Router.Sessions(owner) {
		addr := dest.Address()
		if addr.Equal(exclude) || !p.Registry.Enabled(addr) {
			continue
		}
		_ = dest.Push(wrap(msg, addr, kind))
	}
}

func (p *Processor) find(addr jid.Address) (session.Destination, bool) {
	for _, dest := range p.Router.Sessions(addr) {
		if dest.Address().Equal(addr) {
			return dest, true
		}
	}
	return nil, false
}
