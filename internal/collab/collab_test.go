package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/muc"
)

func mustJID(t *testing.T, s string) jid.Address {
	t.Helper()
	a, err := jid.Parse(s)
	require.NoError(t, err)
	return a
}

func TestMemBlocklist(t *testing.T) {
	bl := NewMemBlocklist()
	owner := mustJID(t, "juliet@example.com")
	sender := mustJID(t, "romeo@example.com")

	blocked, err := bl.IsBlocked(context.Background(), owner, sender)
	require.NoError(t, err)
	require.False(t, blocked)

	bl.Block(owner, sender)
	blocked, err = bl.IsBlocked(context.Background(), owner, sender)
	require.NoError(t, err)
	require.True(t, blocked)

	bl.Unblock(owner, sender)
	blocked, err = bl.IsBlocked(context.Background(), owner, sender)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestMemAffiliationStore(t *testing.T) {
	store := NewMemAffiliationStore()
	room := mustJID(t, "lounge@conference.example.com")
	bare := mustJID(t, "juliet@example.com")

	aff, err := store.Affiliation(context.Background(), room, bare)
	require.NoError(t, err)
	require.Equal(t, muc.AffiliationNone, aff)

	require.NoError(t, store.SetAffiliation(context.Background(), room, bare, muc.AffiliationOwner))
	aff, err = store.Affiliation(context.Background(), room, bare)
	require.NoError(t, err)
	require.Equal(t, muc.AffiliationOwner, aff)
}

func TestMemVCardStore(t *testing.T) {
	store := NewMemVCardStore()
	owner := mustJID(t, "juliet@example.com")

	_, ok, err := store.Get(context.Background(), owner)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(context.Background(), owner, map[string]string{"FN": "Juliet Capulet"}))
	fields, ok, err := store.Get(context.Background(), owner)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Juliet Capulet", fields["FN"])
}

func TestMemRosterStoreUpsertAndRemove(t *testing.T) {
	store := NewMemRosterStore()
	owner := mustJID(t, "juliet@example.com")
	romeo := mustJID(t, "romeo@example.com")

	require.NoError(t, store.Upsert(context.Background(), owner, RosterItem{JID: romeo, Name: "Romeo"}))
	items, err := store.Items(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, store.Upsert(context.Background(), owner, RosterItem{JID: romeo, Name: "Romeo Montague"}))
	items, err = store.Items(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Romeo Montague", items[0].Name)

	require.NoError(t, store.Remove(context.Background(), owner, romeo))
	items, err = store.Items(context.Background(), owner)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestMemAuthStore(t *testing.T) {
	store := NewMemAuthStore()
	store.AddUser("juliet", "r0m30")

	principal, ok, err := store.VerifyPassword(context.Background(), "juliet", "r0m30")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "juliet", principal)

	_, ok, err = store.VerifyPassword(context.Background(), "juliet", "wrong")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, _, _, ok, err = store.ScramCredentials(context.Background(), "juliet")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemProviderRegistry(t *testing.T) {
	reg := NewMemProviderRegistry()
	_, ok := reg.DiscoveryURL("juliet@example.com")
	require.False(t, ok)

	reg.Register("juliet@example.com", "https://example.com/.well-known/oauth")
	url, ok := reg.DiscoveryURL("juliet@example.com")
	require.True(t, ok)
	require.Equal(t, "https://example.com/.well-known/oauth", url)
}

func TestStaticTLSConfig(t *testing.T) {
	s := StaticTLS{}
	cfg, err := s.Config("example.com")
	require.NoError(t, err)
	require.Nil(t, cfg)
}
