package archive

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/stanza"
)

type memStore struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *memStore) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memStore) Query(ctx context.Context, archive jid.Address, after, before string, max int) ([]Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if jid.BareKey(e.Archive) == jid.BareKey(archive) {
			out = append(out, e)
		}
	}
	if len(out) > max {
		return out[:max], true, nil
	}
	return out, false, nil
}

func mustJID(t *testing.T, s string) jid.Address {
	t.Helper()
	a, err := jid.Parse(s)
	require.NoError(t, err)
	return a
}

func TestAppendStampsMatchingID(t *testing.T) {
	store := &memStore{}
	a := New(store)
	owner := mustJID(t, "juliet@example.com")

	entry, err := a.Append(context.Background(), owner, stanza.Message{Bodies: map[string]string{"": "hi"}})
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)

	msg := entry.Stanza.(stanza.Message)
	require.Len(t, msg.Payloads, 1)
	var stamped string
	for _, attr := range msg.Payloads[0].Attrs {
		if attr.Name.Local == "id" {
			stamped = attr.Value
		}
	}
	require.Equal(t, entry.ID, stamped, "the entry id and the stamped stanza-id must match")
}

func TestQueryFiltersByArchive(t *testing.T) {
	store := &memStore{}
	a := New(store)
	juliet := mustJID(t, "juliet@example.com")
	romeo := mustJID(t, "romeo@example.com")

	_, err := a.Append(context.Background(), juliet, stanza.Message{})
	require.NoError(t, err)
	_, err = a.Append(context.Background(), romeo, stanza.Message{})
	require.NoError(t, err)

	entries, more, err := a.Query(context.Background(), juliet, "", "", 50)
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, entries, 1)
}

func TestQueryClampsMaxPageSize(t *testing.T) {
	store := &memStore{}
	a := New(store)
	owner := mustJID(t, "juliet@example.com")
	for i := 0; i < 5; i++ {
		_, err := a.Append(context.Background(), owner, stanza.Message{})
		require.NoError(t, err)
	}

	entries, more, err := a.Query(context.Background(), owner, "", "", 3)
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, entries, 3)
}

func TestMemStoreAppendAndQuery(t *testing.T) {
	store := NewMemStore()
	a := New(store)
	owner := mustJID(t, "juliet@example.com")

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := a.Append(context.Background(), owner, stanza.Message{})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	entries, more, err := a.Query(context.Background(), owner, "", "", 50)
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, entries, 3)

	entries, more, err = a.Query(context.Background(), owner, ids[0], "", 50)
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, entries, 2)
}

func TestQueryDefaultsMaxWhenOutOfRange(t *testing.T) {
	store := &memStore{}
	a := New(store)
	owner := mustJID(t, "juliet@example.com")
	_, err := a.Append(context.Background(), owner, stanza.Message{})
	require.NoError(t, err)

	entries, _, err := a.Query(context.Background(), owner, "", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
