// Package carbons implements XEP-0280 message carbons: replicating a
// one-to-one chat message to a user's other resources so every device in a
// multi-client session sees both sides of a conversation, per spec §4.3's
// carbons replicator and the "exactly one carbon per other resource"
// invariant in §8.
package carbons

import (
	"bytes"
	"encoding/xml"
	"sync"

	"waddle.chat/xmppd/internal/codec"
	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/pipeline"
	"waddle.chat/xmppd/internal/session"
	"waddle.chat/xmppd/internal/stanza"
)

const (
	nsCarbons = "urn:xmpp:carbons:2"
	nsForward = "urn:xmpp:forward:0"
	nsHints   = "urn:xmpp:hints"
)

var (
	xmlNameEnable   = xml.Name{Space: nsCarbons, Local: "enable"}
	xmlNameDisable  = xml.Name{Space: nsCarbons, Local: "disable"}
	xmlNameSent     = xml.Name{Space: nsCarbons, Local: "sent"}
	xmlNameReceived = xml.Name{Space: nsCarbons, Local: "received"}
	xmlNamePrivate  = xml.Name{Space: nsCarbons, Local: "private"}
	xmlNameNoCopy   = xml.Name{Space: nsHints, Local: "no-copy"}
)

// Router is the narrow slice of the address registry carbons needs: every
// session bound under a bare address, in binding order. router.Registry
// satisfies this the same way it does for internal/muc's DestLookup.
type Router interface {
	Sessions(addr jid.Address) []session.Destination
}

// Registry tracks which full JIDs have enabled carbons (spec §4.3's
// per-session enable/disable IQ). It has no persistence: carbons state is
// stream-scoped and dies with the connection, same as CSI's active/inactive
// flag.
type Registry struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{enabled: make(map[string]bool)}
}

func (r *Registry) set(addr jid.Address, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[addr.String()] = v
}

// Enabled reports whether addr has carbons turned on.
func (r *Registry) Enabled(addr jid.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[addr.String()]
}

// Forget drops any enabled state for addr, so a later session bound to the
// same full JID starts with carbons off. Sessions do not call it when they
// close: an enabled flag stays set until Forget or a disable request clears it.
func (r *Registry) Forget(addr jid.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.enabled, addr.String())
}

// eligible reports whether m is a candidate for carbon replication at all
// (spec §4.3): a chat message with a body, not itself a carbon envelope,
// and not marked private per XEP-0280/XEP-0334's opt-out hints.
func eligible(m stanza.Message) bool {
	if m.Type != stanza.MessageChat || !m.HasBody() {
		return false
	}
	for _, p := range m.Payloads {
		switch p.XMLName {
		case xmlNameSent, xmlNameReceived, xmlNamePrivate, xmlNameNoCopy:
			return false
		}
	}
	return true
}

// wrap builds the `<message><sent|received><forwarded>...</forwarded></...></message>`
// envelope spec §4.3/§6 describes, addressed to dest.
func wrap(orig stanza.Message, dest jid.Address, kind xml.Name) stanza.Message {
	var buf bytes.Buffer
	_ = codec.NewEncoder(&buf).Encode(orig)
	inner := "<forwarded xmlns='" + nsForward + "'>" + buf.String() + "</forwarded>"
	return stanza.Message{
		From: orig.StanzaFrom().Bare(),
		To:   dest,
		Type: stanza.MessageChat,
		Payloads: []stanza.Payload{{
			XMLName: kind,
			Inner:   inner,
		}},
	}
}
