package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"waddle.chat/xmppd/internal/authz"
)

func TestWriteReadDelete(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	tuple := authz.Tuple{Object: "room:lounge", Relation: "member", Subject: "user:juliet"}
	require.NoError(t, store.Write(context.Background(), tuple))

	tuples, err := store.Read(context.Background(), "room:lounge", "member")
	require.NoError(t, err)
	require.Equal(t, []authz.Tuple{tuple}, tuples)

	require.NoError(t, store.Delete(context.Background(), tuple))
	tuples, err = store.Read(context.Background(), "room:lounge", "member")
	require.NoError(t, err)
	require.Empty(t, tuples)
}

func TestWriteIsIdempotent(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	tuple := authz.Tuple{Object: "room:lounge", Relation: "member", Subject: "user:juliet"}
	require.NoError(t, store.Write(context.Background(), tuple))
	require.NoError(t, store.Write(context.Background(), tuple))

	tuples, err := store.Read(context.Background(), "room:lounge", "member")
	require.NoError(t, err)
	require.Len(t, tuples, 1)
}
