// Package stanza defines the three top-level XMPP stanza types — message,
// presence, and iq — as the value types the pipeline and router pass around.
// Ownership of a Stanza passes into whatever function receives it: a
// processor may take it apart and return a different value entirely.
package stanza

import (
	"encoding/xml"
	"fmt"

	"waddle.chat/xmppd/internal/jid"
)

// Name identifies which of the three stanza kinds a value carries.
type Name string

// The three stanza kinds defined by RFC 6120.
const (
	NameMessage  Name = "message"
	NamePresence Name = "presence"
	NameIQ       Name = "iq"
)

// Stanza is implemented by Message, Presence, and IQ. It exposes the fields
// common to every top-level stanza so that routing and pipeline code need
// not type-switch for the common case.
type Stanza interface {
	// Kind reports which concrete stanza type this value holds.
	Kind() Name
	StanzaID() string
	StanzaFrom() jid.Address
	StanzaTo() jid.Address
	WithFrom(jid.Address) Stanza
	WithTo(jid.Address) Stanza
}

// Payload is an opaque, unrecognized child element carried through the
// pipeline transparently per spec §7's "unknown child payloads pass through"
// recovery policy.
type Payload struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

// MessageType is the type attribute of a Message stanza.
type MessageType string

// Message types defined by RFC 6121 §5.2.2.
const (
	MessageChat      MessageType = "chat"
	MessageGroupchat MessageType = "groupchat"
	MessageNormal    MessageType = "normal"
	MessageHeadline  MessageType = "headline"
	MessageError     MessageType = "error"
)

// Message is a one-to-one or one-to-many stanza carrying a human- or
// machine-readable payload.
type Message struct {
	ID     string
	From   jid.Address
	To     jid.Address
	Type   MessageType
	Lang   string
	Bodies map[string]string // language tag -> body text; "" is the default
	Thread string
	Subject map[string]string
	Payloads []Payload
}

// Kind implements Stanza.
func (m Message) Kind() Name { return NameMessage }

// StanzaID implements Stanza.
func (m Message) StanzaID() string { return m.ID }

// StanzaFrom implements Stanza.
func (m Message) StanzaFrom() jid.Address { return m.From }

// StanzaTo implements Stanza.
func (m Message) StanzaTo() jid.Address { return m.To }

// WithFrom implements Stanza.
func (m Message) WithFrom(a jid.Address) Stanza { m.From = a; return m }

// WithTo implements Stanza.
func (m Message) WithTo(a jid.Address) Stanza { m.To = a; return m }

// Body returns the body for the given language tag, falling back to the
// default (empty-tag) body.
func (m Message) Body(lang string) (string, bool) {
	if b, ok := m.Bodies[lang]; ok {
		return b, true
	}
	b, ok := m.Bodies[""]
	return b, ok
}

// HasBody reports whether the message carries any non-empty body.
func (m Message) HasBody() bool {
	for _, b := range m.Bodies {
		if b != "" {
			return true
		}
	}
	return false
}

// PresenceType is the type attribute of a Presence stanza. The zero value
// means "available".
type PresenceType string

// Presence types defined by RFC 6121 §4.7.1.
const (
	PresenceAvailable    PresenceType = ""
	PresenceUnavailable  PresenceType = "unavailable"
	PresenceSubscribe    PresenceType = "subscribe"
	PresenceSubscribed   PresenceType = "subscribed"
	PresenceUnsubscribe  PresenceType = "unsubscribe"
	PresenceUnsubscribed PresenceType = "unsubscribed"
	PresenceProbe        PresenceType = "probe"
	PresenceError        PresenceType = "error"
)

// Presence advertises availability or manages a subscription.
type Presence struct {
	ID       string
	From     jid.Address
	To       jid.Address
	Type     PresenceType
	Lang     string
	Priority int8
	Show     string
	Status   map[string]string
	Payloads []Payload
}

// Kind implements Stanza.
func (p Presence) Kind() Name { return NamePresence }

// StanzaID implements Stanza.
func (p Presence) StanzaID() string { return p.ID }

// StanzaFrom implements Stanza.
func (p Presence) StanzaFrom() jid.Address { return p.From }

// StanzaTo implements Stanza.
func (p Presence) StanzaTo() jid.Address { return p.To }

// WithFrom implements Stanza.
func (p Presence) WithFrom(a jid.Address) Stanza { p.From = a; return p }

// WithTo implements Stanza.
func (p Presence) WithTo(a jid.Address) Stanza { p.To = a; return p }

// IsAvailable reports whether this presence announces availability.
func (p Presence) IsAvailable() bool { return p.Type == PresenceAvailable }

// IQType is the type attribute of an IQ stanza.
type IQType string

// IQ types defined by RFC 6120 §8.2.3.
const (
	IQGet    IQType = "get"
	IQSet    IQType = "set"
	IQResult IQType = "result"
	IQError  IQType = "error"
)

// IQ is a request/response stanza: get and set MUST receive exactly one
// result or error reply; result and error are themselves terminal.
type IQ struct {
	ID      string
	From    jid.Address
	To      jid.Address
	Type    IQType
	Lang    string
	Payload *Payload
}

// Kind implements Stanza.
func (iq IQ) Kind() Name { return NameIQ }

// StanzaID implements Stanza.
func (iq IQ) StanzaID() string { return iq.ID }

// StanzaFrom implements Stanza.
func (iq IQ) StanzaFrom() jid.Address { return iq.From }

// StanzaTo implements Stanza.
func (iq IQ) StanzaTo() jid.Address { return iq.To }

// WithFrom implements Stanza.
func (iq IQ) WithFrom(a jid.Address) Stanza { iq.From = a; return iq }

// WithTo implements Stanza.
func (iq IQ) WithTo(a jid.Address) Stanza { iq.To = a; return iq }

// IsRequest reports whether the IQ demands a reply (get or set).
func (iq IQ) IsRequest() bool { return iq.Type == IQGet || iq.Type == IQSet }

// PayloadName returns the namespace-qualified name of the IQ's single
// payload, or the zero xml.Name if there is none.
func (iq IQ) PayloadName() xml.Name {
	if iq.Payload == nil {
		return xml.Name{}
	}
	return iq.Payload.XMLName
}

// String implements fmt.Stringer for debugging and log fields.
func (m Message) String() string  { return fmt.Sprintf("message[%s] %s->%s", m.Type, m.From, m.To) }
func (p Presence) String() string { return fmt.Sprintf("presence[%s] %s->%s", p.Type, p.From, p.To) }
func (iq IQ) String() string      { return fmt.Sprintf("iq[%s] %s->%s", iq.Type, iq.From, iq.To) }
