package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/pipeline"
	"waddle.chat/xmppd/internal/session"
	"waddle.chat/xmppd/internal/stanza"
)

type recordDest struct {
	addr     jid.Address
	received []stanza.Stanza
}

func (d *recordDest) Push(s stanza.Stanza) error {
	d.received = append(d.received, s)
	return nil
}

func (d *recordDest) Address() jid.Address { return d.addr }

type singleLookup struct {
	addr jid.Address
	dest session.Destination
}

func (l singleLookup) Lookup(addr jid.Address) (session.Destination, bool) {
	if addr.String() == l.addr.String() {
		return l.dest, true
	}
	return nil, false
}

func TestProcessorArchivesMessageWithBody(t *testing.T) {
	store := &memStore{}
	proc := &Processor{Archiver: New(store)}
	owner := mustJID(t, "juliet@example.com")

	res := proc.Inbound(&pipeline.Ctx{}, stanza.Message{To: owner, Bodies: map[string]string{"": "hi"}})
	require.Equal(t, pipeline.Continue, res.Verdict)
	require.Len(t, store.entries, 1)
}

func TestProcessorSkipsBodylessMessage(t *testing.T) {
	store := &memStore{}
	proc := &Processor{Archiver: New(store)}
	proc.Inbound(&pipeline.Ctx{}, stanza.Message{To: mustJID(t, "juliet@example.com")})
	require.Empty(t, store.entries)
}

func TestProcessorAnswersMAMQuery(t *testing.T) {
	store := &memStore{}
	archiver := New(store)
	juliet := mustJID(t, "juliet@example.com/balcony")
	_, err := archiver.Append(context.Background(), juliet.Bare(), stanza.Message{Bodies: map[string]string{"": "archived"}})
	require.NoError(t, err)

	dest := &recordDest{addr: juliet}
	proc := &Processor{Archiver: archiver, Lookup: singleLookup{addr: juliet, dest: dest}}

	query := stanza.IQ{
		ID:   "q1",
		From: juliet,
		Type: stanza.IQGet,
		Payload: &stanza.Payload{XMLName: xmlNameQuery},
	}
	res := proc.Inbound(&pipeline.Ctx{}, query)
	require.Equal(t, pipeline.Drop, res.Verdict)
	require.Len(t, dest.received, 2, "one forwarded result plus the terminating fin IQ")
}
