package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPut_IsDeterministic(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	cid1, err := store.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	cid2, err := store.Put(ctx, []byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, cid1, cid2)
	assert.Equal(t, Sum([]byte("hello")), cid1)
	assert.Equal(t, 1, store.Len())
}

func TestGet_UnknownCIDReturnsNotFound(t *testing.T) {
	store := NewMemory()
	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_ReturnsACopyNotTheInternalSlice(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	cid, err := store.Put(ctx, []byte("hello"))
	require.NoError(t, err)

	got, err := store.Get(ctx, cid)
	require.NoError(t, err)
	got[0] = 'X'

	got2, err := store.Get(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got2))
}
