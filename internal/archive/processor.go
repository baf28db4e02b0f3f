package archive

import (
	"bytes"
	"context"
	"encoding/xml"
	"strconv"

	"waddle.chat/xmppd/internal/codec"
	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/pipeline"
	"waddle.chat/xmppd/internal/session"
	"waddle.chat/xmppd/internal/stanza"
)

// nsMAM is the Message Archive Management query namespace (XEP-0313).
const nsMAM = "urn:xmpp:mam:2"

var xmlNameQuery = xml.Name{Space: nsMAM, Local: "query"}

// DestLookup resolves a bound full JID back to its session, used here to
// reply to a MAM query with the page of results. router.Registry satisfies
// this the same way it does for internal/muc.
type DestLookup interface {
	Lookup(addr jid.Address) (session.Destination, bool)
}

// Processor archives every message that carries a body as it flows through
// the pipeline, and answers `urn:xmpp:mam:2` query IQs directly rather than
// letting them reach the ordinary router (spec's MAM module).
type Processor struct {
	pipeline.Base
	Archiver *Archiver
	Lookup   DestLookup
}

// Name implements pipeline.Processor.
func (p *Processor) Name() string { return "archive" }

// Priority implements pipeline.Processor. Runs after MUC room dispatch but
// before ordinary delivery, so every 1:1 message with a body gets a stamped
// archived copy. Stanzas addressed to the MUC subdomain are dropped by the
// MUC processor before this one runs, so room traffic is not archived.
func (p *Processor) Priority() int { return -50 }

// Inbound implements pipeline.Processor.
func (p *Processor) Inbound(ctx *pipeline.Ctx, s stanza.Stanza) pipeline.Result {
	switch v := s.(type) {
	case stanza.Message:
		if v.HasBody() && !v.To.IsZero() {
			if _, err := p.Archiver.Append(context.Background(), v.To.Bare(), v); err != nil {
				return pipeline.ResultContinue()
			}
		}
		return pipeline.ResultContinue()
	case stanza.IQ:
		if v.IsRequest() && v.PayloadName() == xmlNameQuery {
			p.handleQuery(v)
			return pipeline.ResultDrop()
		}
	}
	return pipeline.ResultContinue()
}

func (p *Processor) handleQuery(iq stanza.IQ) {
	dest, ok := p.Lookup.Lookup(iq.From)
	if !ok {
		return
	}
	entries, more, err := p.Archiver.Query(context.Background(), iq.From.Bare(), "", "", 50)
	if err != nil {
		_ = dest.Push(stanza.ToErrorStanza(iq, stanza.ErrServiceUnavailable))
		return
	}
	for _, e := range entries {
		_ = dest.Push(wrapForwarded(iq, e))
	}
	_ = dest.Push(stanza.IQ{
		ID:   iq.ID,
		From: iq.To,
		To:   iq.From,
		Type: stanza.IQResult,
		Payload: &stanza.Payload{
			XMLName: xml.Name{Space: "urn:xmpp:fin", Local: "fin"},
			Attrs:   []xml.Attr{{Name: xml.Name{Local: "complete"}, Value: strconv.FormatBool(!more)}},
		},
	})
}

// wrapForwarded builds the `<message><result/><forwarded>...</forwarded></message>`
// envelope XEP-0313 §4.2 specifies for each archived entry delivered in
// response to a query.
func wrapForwarded(iq stanza.IQ, e Entry) stanza.Stanza {
	var buf bytes.Buffer
	_ = codec.NewEncoder(&buf).Encode(e.Stanza)
	return stanza.Message{
		To: iq.From,
		Payloads: []stanza.Payload{{
			XMLName: xml.Name{Space: nsMAM, Local: "result"},
			Attrs:   []xml.Attr{{Name: xml.Name{Local: "id"}, Value: e.ID}},
			Inner:   "<forwarded xmlns='urn:xmpp:forward:0'>" + buf.String() + "</forwarded>",
		}},
	}
}
