package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/stanza"
)

type recordDest struct {
	addr     jid.Address
	received []stanza.Stanza
	err      error
}

func (d *recordDest) Push(s stanza.Stanza) error {
	d.received = append(d.received, s)
	return d.err
}

func (d *recordDest) Address() jid.Address { return d.addr }

type memOffline struct {
	got []stanza.Stanza
}

func (o *memOffline) Enqueue(ctx context.Context, s stanza.Stanza) error {
	o.got = append(o.got, s)
	return nil
}

func newAddr(t *testing.T, s string) jid.Address {
	t.Helper()
	a, err := jid.Parse(s)
	require.NoError(t, err)
	return a
}

func TestDeliverFullJID(t *testing.T) {
	reg := New(nil, nil, nil)
	to := newAddr(t, "juliet@example.com/balcony")
	dest := &recordDest{addr: to}
	require.NoError(t, reg.Bind(to, dest))

	msg := stanza.Message{To: to, From: newAddr(t, "romeo@example.com")}
	require.NoError(t, reg.Deliver(context.Background(), msg))
	require.Len(t, dest.received, 1)
}

func TestDeliverBareJIDMessageFansToAllResources(t *testing.T) {
	reg := New(nil, nil, nil)
	phone := newAddr(t, "juliet@example.com/phone")
	laptop := newAddr(t, "juliet@example.com/laptop")
	d1, d2 := &recordDest{addr: phone}, &recordDest{addr: laptop}
	require.NoError(t, reg.Bind(phone, d1))
	require.NoError(t, reg.Bind(laptop, d2))

	msg := stanza.Message{To: newAddr(t, "juliet@example.com")}
	require.NoError(t, reg.Deliver(context.Background(), msg))
	require.Len(t, d1.received, 1)
	require.Len(t, d2.received, 1)
}

func TestDeliverBareJIDIQGoesToOneResource(t *testing.T) {
	reg := New(nil, nil, nil)
	phone := newAddr(t, "juliet@example.com/phone")
	laptop := newAddr(t, "juliet@example.com/laptop")
	d1, d2 := &recordDest{addr: phone}, &recordDest{addr: laptop}
	require.NoError(t, reg.Bind(phone, d1))
	require.NoError(t, reg.Bind(laptop, d2))

	iq := stanza.IQ{To: newAddr(t, "juliet@example.com"), Type: stanza.IQGet}
	require.NoError(t, reg.Deliver(context.Background(), iq))
	require.Len(t, d1.received, 1)
	require.Len(t, d2.received, 0)
}

func TestDeliverNoSessionGoesOffline(t *testing.T) {
	offline := &memOffline{}
	reg := New(nil, offline, nil)
	msg := stanza.Message{To: newAddr(t, "juliet@example.com")}
	require.NoError(t, reg.Deliver(context.Background(), msg))
	require.Len(t, offline.got, 1)
}

func TestDeliverNoOfflineStoreReturnsError(t *testing.T) {
	reg := New(nil, nil, nil)
	msg := stanza.Message{To: newAddr(t, "juliet@example.com")}
	err := reg.Deliver(context.Background(), msg)
	require.ErrorIs(t, err, stanza.ErrRecipientOffline)
}

func TestBindConflict(t *testing.T) {
	reg := New(nil, nil, nil)
	addr := newAddr(t, "juliet@example.com/balcony")
	require.NoError(t, reg.Bind(addr, &recordDest{addr: addr}))
	err := reg.Bind(addr, &recordDest{addr: addr})
	require.Error(t, err)
}

func TestUnbindRemovesFromBareIndex(t *testing.T) {
	reg := New(nil, nil, nil)
	addr := newAddr(t, "juliet@example.com/balcony")
	require.NoError(t, reg.Bind(addr, &recordDest{addr: addr}))
	reg.Unbind(addr)
	require.Empty(t, reg.Sessions(addr))
}

type blockAll struct{}

func (blockAll) IsBlocked(ctx context.Context, owner, sender jid.Address) (bool, error) {
	return true, nil
}

func TestDeliverBlockedSender(t *testing.T) {
	to := newAddr(t, "juliet@example.com/balcony")
	reg := New(blockAll{}, nil, nil)
	require.NoError(t, reg.Bind(to, &recordDest{addr: to}))

	msg := stanza.Message{To: to, From: newAddr(t, "romeo@example.com")}
	err := reg.Deliver(context.Background(), msg)
	require.ErrorIs(t, err, stanza.ErrServiceUnavailable)
}
