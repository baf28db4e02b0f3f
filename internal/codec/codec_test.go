package codec

import (
	"bytes"
	"strings"
	"testing"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/stanza"
)

func TestTakeStreamHeader(t *testing.T) {
	d := NewDecoder(strings.NewReader(`<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' to='example.com' version='1.0'>`))
	h, err := d.TakeStreamHeader()
	if err != nil {
		t.Fatalf("TakeStreamHeader: %v", err)
	}
	if h.To != "example.com" || h.Version != "1.0" {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestNextStanzaMessage(t *testing.T) {
	src := `<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>` +
		`<message to='bob@example.com' from='alice@example.com/phone' type='chat' id='abc'><body>hi</body></message>`
	d := NewDecoder(strings.NewReader(src))
	if _, err := d.TakeStreamHeader(); err != nil {
		t.Fatalf("header: %v", err)
	}
	got, err := d.NextStanza()
	if err != nil {
		t.Fatalf("NextStanza: %v", err)
	}
	m, ok := got.(stanza.Message)
	if !ok {
		t.Fatalf("got %T, want stanza.Message", got)
	}
	if m.ID != "abc" || m.Type != stanza.MessageChat {
		t.Fatalf("unexpected message: %+v", m)
	}
	if b, ok := m.Body(""); !ok || b != "hi" {
		t.Fatalf("unexpected body: %q ok=%v", b, ok)
	}
	if m.To.String() != "bob@example.com" || m.From.String() != "alice@example.com/phone" {
		t.Fatalf("unexpected addresses: to=%v from=%v", m.To, m.From)
	}
}

func TestNextStanzaStartTLS(t *testing.T) {
	src := `<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>` +
		`<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`
	d := NewDecoder(strings.NewReader(src))
	if _, err := d.TakeStreamHeader(); err != nil {
		t.Fatalf("header: %v", err)
	}
	got, err := d.NextStanza()
	if err != nil {
		t.Fatalf("NextStanza: %v", err)
	}
	if _, ok := got.(StartTLS); !ok {
		t.Fatalf("got %T, want StartTLS", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	m := stanza.Message{
		ID:     "1",
		Type:   stanza.MessageChat,
		Bodies: map[string]string{"": "hello & goodbye"},
	}
	m.From = jid.MustParse("alice@example.com/phone")
	m.To = jid.MustParse("bob@example.com")
	if err := e.Encode(m); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	d := NewDecoder(strings.NewReader(buf.String()))
	got, err := d.NextStanza()
	if err != nil {
		t.Fatalf("NextStanza: %v", err)
	}
	gm, ok := got.(stanza.Message)
	if !ok {
		t.Fatalf("got %T", got)
	}
	if b, _ := gm.Body(""); b != "hello & goodbye" {
		t.Fatalf("round trip lost body: %q", b)
	}
}
