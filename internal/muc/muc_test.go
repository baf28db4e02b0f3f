package muc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/stanza"
)

func TestDefaultRole(t *testing.T) {
	cases := []struct {
		aff     Affiliation
		want    Role
		wantErr bool
	}{
		{AffiliationOutcast, RoleNone, true},
		{AffiliationNone, RoleParticipant, false},
		{AffiliationMember, RoleParticipant, false},
		{AffiliationAdmin, RoleModerator, false},
		{AffiliationOwner, RoleModerator, false},
	}
	for _, c := range cases {
		role, err := DefaultRole(c.aff, false)
		if c.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, c.want, role)
	}
}

type nopDest struct {
	addr     jid.Address
	received []stanza.Stanza
}

func (d *nopDest) Push(s stanza.Stanza) error {
	d.received = append(d.received, s)
	return nil
}

func (d *nopDest) Address() jid.Address { return d.addr }

type memAffil struct {
	data map[string]Affiliation
}

func newMemAffil() *memAffil { return &memAffil{data: make(map[string]Affiliation)} }

func (m *memAffil) Affiliation(ctx context.Context, room, bare jid.Address) (Affiliation, error) {
	aff, ok := m.data[jid.BareKey(room)+"|"+jid.BareKey(bare)]
	if !ok {
		return AffiliationNone, nil
	}
	return aff, nil
}

func (m *memAffil) SetAffiliation(ctx context.Context, room, bare jid.Address, aff Affiliation) error {
	m.data[jid.BareKey(room)+"|"+jid.BareKey(bare)] = aff
	return nil
}

type allowAll struct{}

func (allowAll) Check(ctx context.Context, subject, permission, object string) (bool, error) {
	return true, nil
}

func mustJID(t *testing.T, s string) jid.Address {
	t.Helper()
	a, err := jid.Parse(s)
	require.NoError(t, err)
	return a
}

func TestJoinCreatesRoomAndOwnsIt(t *testing.T) {
	reg := New(newMemAffil(), allowAll{}, nil)
	room := mustJID(t, "lobby@conference.example.com")
	real := mustJID(t, "juliet@example.com/balcony")
	dest := &nopDest{addr: real}

	occ, created, err := reg.Join(context.Background(), room, "julie", real, dest)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, AffiliationOwner, occ.Affiliation)
	require.Equal(t, RoleModerator, occ.Role)
	require.Len(t, reg.Occupants(room), 1)
}

func TestJoinExistingRoomDefaultsToParticipant(t *testing.T) {
	reg := New(newMemAffil(), allowAll{}, nil)
	room := mustJID(t, "lobby@conference.example.com")
	juliet := mustJID(t, "juliet@example.com/balcony")
	romeo := mustJID(t, "romeo@example.com/orchard")

	_, created, err := reg.Join(context.Background(), room, "julie", juliet, &nopDest{addr: juliet})
	require.NoError(t, err)
	require.True(t, created)

	occ, created, err := reg.Join(context.Background(), room, "romeo", romeo, &nopDest{addr: romeo})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, RoleParticipant, occ.Role)
}

func TestJoinNickConflict(t *testing.T) {
	reg := New(newMemAffil(), allowAll{}, nil)
	room := mustJID(t, "lobby@conference.example.com")
	juliet := mustJID(t, "juliet@example.com/balcony")
	romeo := mustJID(t, "romeo@example.com/orchard")

	_, _, err := reg.Join(context.Background(), room, "julie", juliet, &nopDest{addr: juliet})
	require.NoError(t, err)
	_, _, err = reg.Join(context.Background(), room, "julie", romeo, &nopDest{addr: romeo})
	require.ErrorIs(t, err, stanza.ErrConflict)
}

func TestJoinRejoinSameOccupantIsIdempotent(t *testing.T) {
	reg := New(newMemAffil(), allowAll{}, nil)
	room := mustJID(t, "lobby@conference.example.com")
	juliet := mustJID(t, "juliet@example.com/balcony")

	_, _, err := reg.Join(context.Background(), room, "julie", juliet, &nopDest{addr: juliet})
	require.NoError(t, err)
	_, created, err := reg.Join(context.Background(), room, "julie", juliet, &nopDest{addr: juliet})
	require.NoError(t, err)
	require.False(t, created)
	require.Len(t, reg.Occupants(room), 1)
}

func TestOutcastCannotJoin(t *testing.T) {
	affil := newMemAffil()
	room := mustJID(t, "lobby@conference.example.com")
	juliet := mustJID(t, "juliet@example.com/balcony")
	romeo := mustJID(t, "romeo@example.com/orchard")
	// seed the room so juliet's join doesn't take the open-creation owner path
	reg := New(affil, allowAll{}, nil)
	_, _, err := reg.Join(context.Background(), room, "romeo", romeo, &nopDest{addr: romeo})
	require.NoError(t, err)
	affil.data[jid.BareKey(room)+"|"+jid.BareKey(juliet)] = AffiliationOutcast

	_, _, err = reg.Join(context.Background(), room, "julie", juliet, &nopDest{addr: juliet})
	require.ErrorIs(t, err, stanza.ErrForbidden)
}

func TestMembersOnlyRejectsNonMember(t *testing.T) {
	affil := newMemAffil()
	reg := New(affil, allowAll{}, nil)
	room := mustJID(t, "lobby@conference.example.com")
	owner := mustJID(t, "owner@example.com/phone")
	outsider := mustJID(t, "outsider@example.com/phone")

	_, _, err := reg.Join(context.Background(), room, "owner", owner, &nopDest{addr: owner})
	require.NoError(t, err)
	reg.rooms[jid.BareKey(room)].MembersOnly = true

	_, _, err = reg.Join(context.Background(), room, "outsider", outsider, &nopDest{addr: outsider})
	require.ErrorIs(t, err, stanza.ErrForbidden)
}

func TestBroadcastStampsInRoomJID(t *testing.T) {
	reg := New(newMemAffil(), allowAll{}, nil)
	room := mustJID(t, "lobby@conference.example.com")
	juliet := mustJID(t, "juliet@example.com/balcony")
	dest := &nopDest{addr: juliet}
	_, _, err := reg.Join(context.Background(), room, "julie", juliet, dest)
	require.NoError(t, err)

	reg.Broadcast(room, stanza.Message{Type: stanza.MessageGroupchat, Bodies: map[string]string{"": "hi"}})
	require.Len(t, dest.received, 1)
	require.Equal(t, "lobby@conference.example.com/julie", dest.received[0].StanzaFrom().String())
}

func TestLeaveBroadcastsUnavailableToRemainingOccupants(t *testing.T) {
	reg := New(newMemAffil(), allowAll{}, nil)
	room := mustJID(t, "lobby@conference.example.com")
	juliet := mustJID(t, "juliet@example.com/balcony")
	romeo := mustJID(t, "romeo@example.com/orchard")
	julietDest := &nopDest{addr: juliet}
	romeoDest := &nopDest{addr: romeo}

	_, _, err := reg.Join(context.Background(), room, "julie", juliet, julietDest)
	require.NoError(t, err)
	_, _, err = reg.Join(context.Background(), room, "romeo", romeo, romeoDest)
	require.NoError(t, err)
	julietDest.received = nil
	romeoDest.received = nil

	recipients := reg.Leave(room, "romeo")
	require.Len(t, recipients, 2)
	require.Len(t, reg.Occupants(room), 1)
}

func TestSetAffiliationDemotesToOutcastRemovesOccupant(t *testing.T) {
	affil := newMemAffil()
	reg := New(affil, allowAll{}, nil)
	room := mustJID(t, "lobby@conference.example.com")
	juliet := mustJID(t, "juliet@example.com/balcony")
	dest := &nopDest{addr: juliet}
	_, _, err := reg.Join(context.Background(), room, "julie", juliet, dest)
	require.NoError(t, err)

	actor := mustJID(t, "owner@example.com")
	require.NoError(t, reg.SetAffiliation(context.Background(), room, actor, juliet, AffiliationOutcast))
	require.Empty(t, reg.Occupants(room))
}

type denyAll struct{}

func (denyAll) Check(ctx context.Context, subject, permission, object string) (bool, error) {
	return false, nil
}

func TestSetAffiliationDeniedByAuthorizer(t *testing.T) {
	reg := New(newMemAffil(), denyAll{}, nil)
	room := mustJID(t, "lobby@conference.example.com")
	actor := mustJID(t, "intruder@example.com")
	target := mustJID(t, "juliet@example.com")
	err := reg.SetAffiliation(context.Background(), room, actor, target, AffiliationOwner)
	require.ErrorIs(t, err, stanza.ErrForbidden)
}
