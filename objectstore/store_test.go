package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentID(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := ContentID([]byte("hello"), "text/plain")
		b := ContentID([]byte("hello"), "text/plain")
		require.Equal(t, a, b)
		require.Len(t, a, 64)
	})

	t.Run("mime type is part of the address", func(t *testing.T) {
		a := ContentID([]byte("hello"), "text/plain")
		b := ContentID([]byte("hello"), "application/octet-stream")
		require.NotEqual(t, a, b)
	})

	t.Run("mime and data boundary is unambiguous", func(t *testing.T) {
		a := ContentID([]byte("bc"), "a")
		b := ContentID([]byte("c"), "ab")
		require.NotEqual(t, a, b)
	})
}

func TestReferenceValidate(t *testing.T) {
	require.NoError(t, NewReference([]byte("x"), "text/plain").Validate())
	require.ErrorIs(t, Reference{}.Validate(), ErrInvalidReference)
	require.ErrorIs(t, Reference{ID: "../../etc/passwd"}.Validate(), ErrInvalidReference)
}

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	badgerStore, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"badger": badgerStore,
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01}

			ref, err := store.Put(ctx, data, "image/png")
			require.NoError(t, err)
			require.Equal(t, "image/png", ref.MimeType)
			require.Equal(t, ContentID(data, "image/png"), ref.ID)

			again, err := store.Put(ctx, data, "image/png")
			require.NoError(t, err)
			require.Equal(t, ref, again)

			got, err := store.Get(ctx, ref)
			require.NoError(t, err)
			require.Equal(t, data, got)

			require.NoError(t, store.Delete(ctx, ref))
			_, err = store.Get(ctx, ref)
			require.True(t, IsNotFound(err))

			// Deleting twice is fine.
			require.NoError(t, store.Delete(ctx, ref))
		})
	}
}

func TestStoresUnknownReference(t *testing.T) {
	ctx := context.Background()
	missing := NewReference([]byte("never stored"), "text/plain")

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, missing)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	data := []byte("mutable")
	ref, err := store.Put(ctx, data, "text/plain")
	require.NoError(t, err)
	data[0] = 'M'

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "mutable", string(got))
	require.Equal(t, 1, store.Len())
}
