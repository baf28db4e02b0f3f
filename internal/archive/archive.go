// Package archive implements the message-archive-management query surface
// (XEP-0313, spec §4.9): appending archived copies with a stamped
// `urn:xmpp:sid:0` stanza-id, and paging query results with RSM-style
// before/after/max cursors.
package archive

import (
	"context"
	"encoding/xml"
	"sync"
	"time"

	"github.com/google/uuid"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/stanza"
)

var xmlNameStanzaID = xml.Name{Space: "urn:xmpp:sid:0", Local: "stanza-id"}

func stanzaIDAttrs(id string) []xml.Attr {
	return []xml.Attr{{Name: xml.Name{Local: "id"}, Value: id}}
}

// Entry is one archived stanza, stamped with a monotonically-discoverable
// id at append time.
type Entry struct {
	ID      string
	Archive jid.Address // the bare JID the entry is filed under (user or room)
	Stamp   time.Time
	Stanza  stanza.Stanza
}

// Store is the external persistent collaborator (spec §1, §6). A deployment
// backs this with the SQL reference store named in SPEC_FULL.md's domain
// stack table, or an in-memory Store for single-node use.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Query returns entries filed under archive between after and before
	// (exclusive cursors, RSM-style), oldest first, capped at max results.
	Query(ctx context.Context, archive jid.Address, after, before string, max int) ([]Entry, bool, error)
}

// Archiver appends stanzas to a Store, stamping a stanza-id on every
// archived copy. Only the archived copy is stamped: the stanza delivered to
// its recipient and MUC broadcast copies carry no stanza-id.
type Archiver struct {
	store Store
}

// New builds an Archiver over store.
func New(store Store) *Archiver {
	return &Archiver{store: store}
}

// Append stamps s with a fresh stanza-id and files it under archive.
func (a *Archiver) Append(ctx context.Context, archive jid.Address, s stanza.Stanza) (Entry, error) {
	id := uuid.NewString()
	e := Entry{
		ID:      id,
		Archive: archive,
		Stamp:   time.Now(),
		Stanza:  StampID(s, id),
	}
	if err := a.store.Append(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// StampID attaches a `<stanza-id xmlns='urn:xmpp:sid:0'/>` payload carrying
// id to s, without disturbing any payload already present.
func StampID(s stanza.Stanza, id string) stanza.Stanza {
	payload := stanza.Payload{
		XMLName: xmlNameStanzaID,
		Attrs:   stanzaIDAttrs(id),
	}
	switch v := s.(type) {
	case stanza.Message:
		v.Payloads = append(v.Payloads, payload)
		return v
	case stanza.Presence:
		v.Payloads = append(v.Payloads, payload)
		return v
	default:
		return s
	}
}

// MemStore is an in-memory Store, the single-node default for local
// development and tests.
type MemStore struct {
	mu      sync.Mutex
	entries map[string][]Entry // archive bare JID -> entries, oldest first
}

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string][]Entry)}
}

// Append implements Store.
func (m *MemStore) Append(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := jid.BareKey(e.Archive)
	m.entries[key] = append(m.entries[key], e)
	return nil
}

// Query implements Store. before/after are entry ids rather than opaque
// RSM cursors, matching the paging convention Processor.handleQuery uses.
func (m *MemStore) Query(ctx context.Context, archive jid.Address, after, before string, max int) ([]Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.entries[jid.BareKey(archive)]

	start := 0
	if after != "" {
		for i, e := range all {
			if e.ID == after {
				start = i + 1
				break
			}
		}
	}
	end := len(all)
	if before != "" {
		for i, e := range all {
			if e.ID == before {
				end = i
				break
			}
		}
	}
	if start >= end {
		return nil, false, nil
	}
	page := all[start:end]
	if len(page) > max {
		return page[:max], true, nil
	}
	return page, false, nil
}

// Query runs a paged MAM query against the archive identified by owner,
// returning at most max entries and whether more results remain beyond
// this page. A max outside 1..250 is replaced by 50.
func (a *Archiver) Query(ctx context.Context, owner jid.Address, after, before string, max int) ([]Entry, bool, error) {
	if max <= 0 || max > 250 {
		max = 50
	}
	return a.store.Query(ctx, owner, after, before, max)
}
