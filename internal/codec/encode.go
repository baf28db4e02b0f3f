package codec

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"mellium.im/xmlstream"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/stanza"
	"waddle.chat/xmppd/internal/streamerr"
)

// Encoder serializes stanzas and protocol fragments to their UTF-8 wire
// form. It holds no buffering state of its own beyond the underlying
// xml.Encoder's flush behavior, matching spec §4.1's "serialize never
// retains partial state" invariant.
type Encoder struct {
	w  io.Writer
	xe *xml.Encoder
}

// NewEncoder wraps w for serialization.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, xe: xml.NewEncoder(w)}
}

// Reset rebinds the encoder to a new writer, used after STARTTLS and after
// a post-SASL stream restart.
func (e *Encoder) Reset(w io.Writer) {
	e.w = w
	e.xe = xml.NewEncoder(w)
}

// WriteStreamHeader writes the opening `<stream:stream>` tag without a
// matching close, since the close is only written at stream termination.
func (e *Encoder) WriteStreamHeader(h StreamHeader) error {
	_, err := fmt.Fprintf(e.w,
		"<?xml version='1.0'?><stream:stream xmlns='%s' xmlns:stream='%s' from='%s' id='%s' version='%s' xml:lang='%s'>",
		NSClient, NSStream, xmlEscape(h.From), xmlEscape(h.ID), h.Version, h.Lang)
	return err
}

// WriteStreamEnd writes the closing `</stream:stream>` tag.
func (e *Encoder) WriteStreamEnd() error {
	_, err := io.WriteString(e.w, "</stream:stream>")
	return err
}

// WriteStreamError writes a fatal stream error followed by the stream close,
// per spec §7's stream error plane.
func (e *Encoder) WriteStreamError(err streamerr.Error) error {
	if _, werr := fmt.Fprintf(e.w, "<stream:error><%s xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>", err.Condition); werr != nil {
		return werr
	}
	return e.WriteStreamEnd()
}

// WriteRaw writes pre-rendered XML verbatim (used for features lists and
// other fragments assembled by callers as strings).
func (e *Encoder) WriteRaw(raw string) error {
	_, err := io.WriteString(e.w, raw)
	return err
}

// WriteSASLChallenge writes a base64-encoded SASL `<challenge/>`.
func (e *Encoder) WriteSASLChallenge(data []byte) error {
	return e.writeSASLFrame("challenge", data)
}

// WriteSASLSuccess writes `<success/>`, optionally with final data.
func (e *Encoder) WriteSASLSuccess(data []byte) error {
	return e.writeSASLFrame("success", data)
}

// WriteSASLFailure writes a SASL `<failure>` with the given condition and
// optional text payload (used for the OAUTHBEARER discovery-URL convention).
func (e *Encoder) WriteSASLFailure(condition, text string) error {
	if text == "" {
		_, err := fmt.Fprintf(e.w, "<failure xmlns='%s'><%s/></failure>", NSSASL, condition)
		return err
	}
	_, err := fmt.Fprintf(e.w, "<failure xmlns='%s'><%s/><text>%s</text></failure>", NSSASL, condition, xmlEscape(text))
	return err
}

func (e *Encoder) writeSASLFrame(local string, data []byte) error {
	if len(data) == 0 {
		_, err := fmt.Fprintf(e.w, "<%s xmlns='%s'/>", local, NSSASL)
		return err
	}
	_, err := fmt.Fprintf(e.w, "<%s xmlns='%s'>%s</%s>", local, NSSASL, base64.StdEncoding.EncodeToString(data), local)
	return err
}

// Encode serializes a Stanza to the underlying writer.
func (e *Encoder) Encode(s stanza.Stanza) error {
	switch v := s.(type) {
	case stanza.Message:
		return e.encodeMessage(v)
	case stanza.Presence:
		return e.encodePresence(v)
	case stanza.IQ:
		return e.encodeIQ(v)
	default:
		return fmt.Errorf("codec: unknown stanza type %T", s)
	}
}

func addrAttr(local string, a jid.Address) (xml.Attr, bool) {
	if a.IsZero() {
		return xml.Attr{}, false
	}
	return xml.Attr{Name: xml.Name{Local: local}, Value: a.String()}, true
}

func (e *Encoder) encodeMessage(m stanza.Message) error {
	start := xml.StartElement{Name: xml.Name{Local: "message"}}
	if a, ok := addrAttr("from", m.From); ok {
		start.Attr = append(start.Attr, a)
	}
	if a, ok := addrAttr("to", m.To); ok {
		start.Attr = append(start.Attr, a)
	}
	if m.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: m.ID})
	}
	if m.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(m.Type)})
	}
	if err := e.xe.EncodeToken(start); err != nil {
		return err
	}
	for lang, body := range m.Subject {
		if err := e.encodeLangText("subject", lang, body); err != nil {
			return err
		}
	}
	for lang, body := range m.Bodies {
		if err := e.encodeLangText("body", lang, body); err != nil {
			return err
		}
	}
	if m.Thread != "" {
		if err := e.encodeLangText("thread", "", m.Thread); err != nil {
			return err
		}
	}
	for _, p := range m.Payloads {
		if err := e.encodeRawPayload(p); err != nil {
			return err
		}
	}
	if err := e.xe.EncodeToken(start.End()); err != nil {
		return err
	}
	return e.xe.Flush()
}

func (e *Encoder) encodePresence(p stanza.Presence) error {
	start := xml.StartElement{Name: xml.Name{Local: "presence"}}
	if a, ok := addrAttr("from", p.From); ok {
		start.Attr = append(start.Attr, a)
	}
	if a, ok := addrAttr("to", p.To); ok {
		start.Attr = append(start.Attr, a)
	}
	if p.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: p.ID})
	}
	if p.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(p.Type)})
	}
	if err := e.xe.EncodeToken(start); err != nil {
		return err
	}
	if p.Show != "" {
		if err := e.encodeLangText("show", "", p.Show); err != nil {
			return err
		}
	}
	for lang, status := range p.Status {
		if err := e.encodeLangText("status", lang, status); err != nil {
			return err
		}
	}
	if p.Priority != 0 {
		if err := e.encodeLangText("priority", "", strconv.Itoa(int(p.Priority))); err != nil {
			return err
		}
	}
	for _, pl := range p.Payloads {
		if err := e.encodeRawPayload(pl); err != nil {
			return err
		}
	}
	if err := e.xe.EncodeToken(start.End()); err != nil {
		return err
	}
	return e.xe.Flush()
}

func (e *Encoder) encodeIQ(iq stanza.IQ) error {
	start := xml.StartElement{Name: xml.Name{Local: "iq"}}
	if a, ok := addrAttr("from", iq.From); ok {
		start.Attr = append(start.Attr, a)
	}
	if a, ok := addrAttr("to", iq.To); ok {
		start.Attr = append(start.Attr, a)
	}
	if iq.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: iq.ID})
	}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(iq.Type)})
	if err := e.xe.EncodeToken(start); err != nil {
		return err
	}
	if iq.Payload != nil {
		if err := e.encodeRawPayload(*iq.Payload); err != nil {
			return err
		}
	}
	if err := e.xe.EncodeToken(start.End()); err != nil {
		return err
	}
	return e.xe.Flush()
}

// langTextWriter adapts the underlying xml.Encoder to xmlstream.TokenWriter
// so element composition below can go through xmlstream.Copy instead of a
// hand-rolled start/chardata/end EncodeToken sequence.
type langTextWriter struct{ xe *xml.Encoder }

func (w langTextWriter) EncodeToken(t xml.Token) error { return w.xe.EncodeToken(t) }
func (w langTextWriter) Flush() error                  { return w.xe.Flush() }

func (e *Encoder) encodeLangText(local, lang, text string) error {
	start := xml.StartElement{Name: xml.Name{Local: local}}
	if lang != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Space: "xml", Local: "lang"}, Value: lang})
	}
	elem := xmlstream.Wrap(xmlstream.Token(xml.CharData(text)), start)
	_, err := xmlstream.Copy(langTextWriter{e.xe}, elem)
	return err
}

func (e *Encoder) encodeRawPayload(p stanza.Payload) error {
	start := xml.StartElement{Name: p.XMLName, Attr: p.Attrs}
	if p.Inner == "" {
		_, err := xmlstream.Copy(langTextWriter{e.xe}, xmlstream.Wrap(nil, start))
		return err
	}
	if err := e.xe.EncodeToken(start); err != nil {
		return err
	}
	if err := e.xe.Flush(); err != nil {
		return err
	}
	if _, err := io.WriteString(e.w, p.Inner); err != nil {
		return err
	}
	return e.xe.EncodeToken(start.End())
}

func xmlEscape(s string) string {
	var buf []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '&':
			buf = append(buf, []byte("&amp;")...)
		case '\'':
			buf = append(buf, []byte("&apos;")...)
		case '<':
			buf = append(buf, []byte("&lt;")...)
		case '>':
			buf = append(buf, []byte("&gt;")...)
		default:
			buf = append(buf, s[i])
		}
	}
	return string(buf)
}
