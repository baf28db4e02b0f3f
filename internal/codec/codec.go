// Package codec frames an indefinite XMPP stream into discrete top-level
// elements. Decoding is built directly on a blocking io.Reader: Go's stdlib
// xml.Decoder already performs exactly the buffering spec §4.1 describes (it
// blocks for more bytes rather than returning "no stanza yet"), so there is
// no feed/poll buffer to reimplement there — see DESIGN.md for the
// rationale. Outbound element composition goes through mellium.im/xmlstream,
// the teacher's own token-composition library, wrapping the xml.Encoder as
// an xmlstream.TokenWriter the same way the teacher's Session does.
package codec

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/stanza"
	"waddle.chat/xmppd/internal/streamerr"
)

// Namespaces used by the codec and the negotiation state machine.
const (
	NSClient    = "jabber:client"
	NSStream    = "http://etherx.jabber.org/streams"
	NSStartTLS  = "urn:ietf:params:xml:ns:xmpp-tls"
	NSSASL      = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind      = "urn:ietf:params:xml:ns:xmpp-bind"
	NSStanzas   = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSSM        = "urn:xmpp:sm:3"
)

// StreamHeader holds the attributes of the opening `<stream:stream>` element.
type StreamHeader struct {
	To      string
	From    string
	ID      string
	Version string
	Lang    string
}

// StartTLS is emitted when the client requests the STARTTLS upgrade.
type StartTLS struct{}

// StreamEnd is emitted when the peer sends the closing `</stream:stream>` tag.
type StreamEnd struct{}

// SASLAuth is emitted for a `<auth/>` element starting a SASL exchange.
type SASLAuth struct {
	Mechanism string
	Data      []byte // decoded from base64; empty slice means "=" (empty response)
}

// SASLResponse is emitted for a `<response/>` element continuing a SASL
// exchange.
type SASLResponse struct {
	Data []byte
}

// SASLAbort is emitted for an `<abort/>` element.
type SASLAbort struct{}

// Unknown wraps any top-level element the codec does not otherwise
// recognize; the pipeline passes these through transparently per spec §7.
type Unknown struct {
	Name  xml.Name
	Attrs []xml.Attr
	Inner string
}

// Decoder incrementally frames a byte stream into stanzas and protocol
// fragments. It is not safe for concurrent use; a session owns exactly one.
type Decoder struct {
	xd *xml.Decoder
	r  *bufio.Reader
}

// NewDecoder wraps r for framing. r is typically a net.Conn (or a TLS
// connection after STARTTLS, via Reset).
func NewDecoder(r io.Reader) *Decoder {
	br := bufio.NewReader(r)
	return &Decoder{xd: xml.NewDecoder(br), r: br}
}

// Reset rebinds the decoder to a new underlying reader without losing the
// caller's reference — used after a STARTTLS upgrade and after a post-SASL
// stream restart, both of which require a fresh stream header.
func (d *Decoder) Reset(r io.Reader) {
	d.r = bufio.NewReader(r)
	d.xd = xml.NewDecoder(d.r)
}

// TakeStreamHeader reads tokens until the opening `<stream:stream>` start
// element is found and returns its attributes. It fails with bad-format if
// the first non-trivial token isn't a stream header.
func (d *Decoder) TakeStreamHeader() (StreamHeader, error) {
	for {
		tok, err := d.xd.Token()
		if err != nil {
			return StreamHeader{}, streamerr.New(streamerr.BadFormat, err.Error())
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "stream" || t.Name.Space != NSStream {
				return StreamHeader{}, streamerr.New(streamerr.BadFormat, "expected stream:stream")
			}
			return headerFromAttrs(t.Attr), nil
		case xml.CharData, xml.ProcInst, xml.Comment, xml.Directive:
			continue
		default:
			return StreamHeader{}, streamerr.New(streamerr.BadFormat, "unexpected token before stream header")
		}
	}
}

func headerFromAttrs(attrs []xml.Attr) StreamHeader {
	var h StreamHeader
	for _, a := range attrs {
		switch {
		case a.Name.Local == "to":
			h.To = a.Value
		case a.Name.Local == "from":
			h.From = a.Value
		case a.Name.Local == "id":
			h.ID = a.Value
		case a.Name.Local == "version":
			h.Version = a.Value
		case a.Name.Space == "xml" && a.Name.Local == "lang":
			h.Lang = a.Value
		}
	}
	return h
}

// NextStanza blocks until one complete top-level element is available and
// returns it as one of the types documented on the package. The outer start
// tag is matched to its close tag at depth zero, honoring self-closing
// syntax, by buffering every token between them and re-decoding into the
// concrete type once the element is complete.
func (d *Decoder) NextStanza() (any, error) {
	for {
		tok, err := d.xd.Token()
		if err != nil {
			if err == io.EOF {
				return StreamEnd{}, nil
			}
			return nil, streamerr.New(streamerr.NotWellFormed, err.Error())
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			switch tok.(type) {
			case xml.EndElement:
				// closing </stream:stream>
				return StreamEnd{}, nil
			default:
				continue
			}
		}
		return d.decodeElement(start)
	}
}

func (d *Decoder) decodeElement(start xml.StartElement) (any, error) {
	var raw struct {
		Inner string `xml:",innerxml"`
	}
	if err := d.xd.DecodeElement(&raw, &start); err != nil {
		return nil, streamerr.New(streamerr.NotWellFormed, err.Error())
	}

	switch {
	case start.Name.Local == "starttls" && start.Name.Space == NSStartTLS:
		return StartTLS{}, nil
	case start.Name.Local == "auth" && start.Name.Space == NSSASL:
		return decodeSASLAuth(start, raw.Inner)
	case start.Name.Local == "response" && start.Name.Space == NSSASL:
		data, err := decodeB64(raw.Inner)
		if err != nil {
			return nil, stanza.ErrBadRequest
		}
		return SASLResponse{Data: data}, nil
	case start.Name.Local == "abort" && start.Name.Space == NSSASL:
		return SASLAbort{}, nil
	case start.Name.Local == "message" && (start.Name.Space == NSClient || start.Name.Space == ""):
		return decodeMessage(start, raw.Inner)
	case start.Name.Local == "presence" && (start.Name.Space == NSClient || start.Name.Space == ""):
		return decodePresence(start, raw.Inner)
	case start.Name.Local == "iq" && (start.Name.Space == NSClient || start.Name.Space == ""):
		return decodeIQ(start, raw.Inner)
	default:
		return Unknown{Name: start.Name, Attrs: start.Attr, Inner: raw.Inner}, nil
	}
}

func decodeB64(s string) ([]byte, error) {
	s = trimSpace(s)
	if s == "" {
		return []byte{}, nil
	}
	if s == "=" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func trimSpace(s string) string {
	return string(bytes.TrimSpace([]byte(s)))
}

func decodeSASLAuth(start xml.StartElement, inner string) (SASLAuth, error) {
	var mech string
	for _, a := range start.Attr {
		if a.Name.Local == "mechanism" {
			mech = a.Value
		}
	}
	data, err := decodeB64(inner)
	if err != nil {
		return SASLAuth{}, stanza.ErrBadRequest
	}
	return SASLAuth{Mechanism: mech, Data: data}, nil
}

func attrString(attrs []xml.Attr, local string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

func decodeAddr(attrs []xml.Attr, local string) (jid.Address, error) {
	v, ok := attrString(attrs, local)
	if !ok || v == "" {
		return jid.Address{}, nil
	}
	return jid.Parse(v)
}

func decodeMessage(start xml.StartElement, inner string) (stanza.Message, error) {
	m := stanza.Message{Bodies: map[string]string{}, Subject: map[string]string{}}
	m.ID, _ = attrString(start.Attr, "id")
	m.Lang, _ = attrString(start.Attr, "xml:lang")
	if t, ok := attrString(start.Attr, "type"); ok {
		m.Type = stanza.MessageType(t)
	} else {
		m.Type = stanza.MessageNormal
	}
	from, err := decodeAddr(start.Attr, "from")
	if err != nil {
		return m, err
	}
	to, err := decodeAddr(start.Attr, "to")
	if err != nil {
		return m, err
	}
	m.From, m.To = from, to

	children, err := parseChildren(inner)
	if err != nil {
		return m, err
	}
	for _, c := range children {
		switch c.XMLName.Local {
		case "body":
			m.Bodies[langOf(c)] = charData(c.Inner)
		case "subject":
			m.Subject[langOf(c)] = charData(c.Inner)
		case "thread":
			m.Thread = charData(c.Inner)
		default:
			m.Payloads = append(m.Payloads, c)
		}
	}
	return m, nil
}

// charData returns the text content of an element's inner XML, with entity
// and character references resolved.
func charData(inner string) string {
	var v struct {
		Text string `xml:",chardata"`
	}
	if err := xml.Unmarshal([]byte("<t>"+inner+"</t>"), &v); err != nil {
		return inner
	}
	return v.Text
}

func decodePresence(start xml.StartElement, inner string) (stanza.Presence, error) {
	p := stanza.Presence{Status: map[string]string{}}
	p.ID, _ = attrString(start.Attr, "id")
	p.Lang, _ = attrString(start.Attr, "xml:lang")
	if t, ok := attrString(start.Attr, "type"); ok {
		p.Type = stanza.PresenceType(t)
	}
	from, err := decodeAddr(start.Attr, "from")
	if err != nil {
		return p, err
	}
	to, err := decodeAddr(start.Attr, "to")
	if err != nil {
		return p, err
	}
	p.From, p.To = from, to

	children, err := parseChildren(inner)
	if err != nil {
		return p, err
	}
	for _, c := range children {
		switch c.XMLName.Local {
		case "status":
			p.Status[langOf(c)] = c.Inner
		case "priority":
			fmt.Sscanf(c.Inner, "%d", &p.Priority)
		case "show":
			p.Show = c.Inner
		default:
			p.Payloads = append(p.Payloads, c)
		}
	}
	return p, nil
}

func decodeIQ(start xml.StartElement, inner string) (stanza.IQ, error) {
	iq := stanza.IQ{}
	iq.ID, _ = attrString(start.Attr, "id")
	iq.Lang, _ = attrString(start.Attr, "xml:lang")
	if t, ok := attrString(start.Attr, "type"); ok {
		iq.Type = stanza.IQType(t)
	}
	from, err := decodeAddr(start.Attr, "from")
	if err != nil {
		return iq, err
	}
	to, err := decodeAddr(start.Attr, "to")
	if err != nil {
		return iq, err
	}
	iq.From, iq.To = from, to

	children, err := parseChildren(inner)
	if err != nil {
		return iq, err
	}
	if len(children) > 0 {
		p := children[0]
		iq.Payload = &p
	}
	return iq, nil
}

func langOf(p stanza.Payload) string {
	for _, a := range p.Attrs {
		if a.Name.Space == "xml" && a.Name.Local == "lang" {
			return a.Value
		}
	}
	return ""
}

// parseChildren decodes the raw inner XML of an element into a flat list of
// its immediate child elements, preserving each child's own inner XML.
func parseChildren(inner string) ([]stanza.Payload, error) {
	if inner == "" {
		return nil, nil
	}
	dec := xml.NewDecoder(bytes.NewReader([]byte("<root>" + inner + "</root>")))
	var out []stanza.Payload
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var p stanza.Payload
		if err := dec.DecodeElement(&p, &start); err != nil {
			return nil, err
		}
		p.XMLName = start.Name
		p.Attrs = start.Attr
		out = append(out, p)
	}
	return out, nil
}
