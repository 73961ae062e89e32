package memkv_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jrsteele09/go-devtracker-auth/storage/memkv"
	"github.com/stretchr/testify/require"
)

func TestMemKV(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()

	require.NoError(t, kv.MultiSet(ctx, map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, kv.Set(ctx, "c", "3"))

	got, err := kv.MultiGet(ctx, "a", "b", "missing")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, got)

	require.NoError(t, kv.MultiRemove(ctx, "a", "missing"))
	_, ok, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, kv.Len())

	boom := errors.New("disk full")
	kv.FailWith(boom)
	require.ErrorIs(t, kv.Set(ctx, "d", "4"), boom)
	_, err = kv.MultiGet(ctx, "b")
	require.ErrorIs(t, err, boom)

	kv.FailWith(nil)
	v, ok, err := kv.Get(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", v)
}
