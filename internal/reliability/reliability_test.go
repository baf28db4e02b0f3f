package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waddle.chat/xmppd/internal/stanza"
)

func TestRecordAndAck(t *testing.T) {
	s := New()
	for i := 0; i < 3; i++ {
		s.RecordOutbound(stanza.Message{ID: "m"})
	}
	require.Len(t, s.Unacked(), 3)

	s.Ack(2)
	require.Len(t, s.Unacked(), 1)

	s.Ack(3)
	require.Empty(t, s.Unacked())
}

func TestAckBeyondOutCountClampsToAll(t *testing.T) {
	s := New()
	s.RecordOutbound(stanza.Message{ID: "m"})
	s.Ack(100)
	require.Empty(t, s.Unacked())
}

func TestRequestAckReflectsInboundCount(t *testing.T) {
	s := New()
	s.RecordInbound()
	s.RecordInbound()
	require.Equal(t, uint32(2), s.RequestAck())
}

func TestStorePutTakeIsOneShot(t *testing.T) {
	store := NewStore()
	st := New()
	store.Put(Detached{State: st, Address: "juliet@example.com/balcony", Expires: time.Now().Add(time.Minute)})

	d, ok := store.Take(st.Token())
	require.True(t, ok)
	require.Equal(t, "juliet@example.com/balcony", d.Address)

	_, ok = store.Take(st.Token())
	require.False(t, ok, "a token must not be resumable twice")
}

func TestStoreTakeExpired(t *testing.T) {
	store := NewStore()
	st := New()
	store.Put(Detached{State: st, Expires: time.Now().Add(-time.Second)})

	_, ok := store.Take(st.Token())
	require.False(t, ok)
}

func TestStoreSweepDropsExpired(t *testing.T) {
	store := NewStore()
	fresh, stale := New(), New()
	store.Put(Detached{State: fresh, Expires: time.Now().Add(time.Hour)})
	store.Put(Detached{State: stale, Expires: time.Now().Add(-time.Hour)})

	dropped := store.Sweep(time.Now())
	require.Equal(t, 1, dropped)

	_, ok := store.Take(fresh.Token())
	require.True(t, ok)
}
