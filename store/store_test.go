package store_test

import (
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certforge/store"
)

// newTestStore opens a fresh database in a temp directory.
func newTestStore(t *testing.T, cipher *store.Cipher) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMetaRoundTrip(t *testing.T) {
	ctx := t.Context()
	st := newTestStore(t, nil)

	v, err := st.GetMeta(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, st.SetMeta(ctx, "ca_name", "Test CA"))
	v, err = st.GetMeta(ctx, "ca_name")
	require.NoError(t, err)
	assert.Equal(t, "Test CA", v)

	// Upsert overwrites.
	require.NoError(t, st.SetMeta(ctx, "ca_name", "Other CA"))
	v, err = st.GetMeta(ctx, "ca_name")
	require.NoError(t, err)
	assert.Equal(t, "Other CA", v)
}

func TestEnsureMetaTx(t *testing.T) {
	ctx := t.Context()
	st := newTestStore(t, nil)

	err := st.Tx(ctx, func(tx *sql.Tx) error {
		return st.EnsureMetaTx(ctx, tx, "next_serial", "1000")
	})
	require.NoError(t, err)
	v, err := st.GetMeta(ctx, "next_serial")
	require.NoError(t, err)
	assert.Equal(t, "1000", v)

	// A second ensure does not overwrite.
	err = st.Tx(ctx, func(tx *sql.Tx) error {
		return st.EnsureMetaTx(ctx, tx, "next_serial", "9999")
	})
	require.NoError(t, err)
	v, err = st.GetMeta(ctx, "next_serial")
	require.NoError(t, err)
	assert.Equal(t, "1000", v)
}

func TestAllocateSerialHex(t *testing.T) {
	ctx := t.Context()
	st := newTestStore(t, nil)

	// First allocation seeds the counter at 1000 (0x3e8).
	first, err := st.AllocateSerialHex(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3e8", first)

	second, err := st.AllocateSerialHex(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3e9", second)

	seen := map[string]bool{first: true, second: true}
	for i := 0; i < 50; i++ {
		hex, err := st.AllocateSerialHex(ctx)
		require.NoError(t, err)
		assert.False(t, seen[hex], "serial %s allocated twice", hex)
		seen[hex] = true
	}
}

func TestAllocateSerialHexConcurrent(t *testing.T) {
	ctx := t.Context()
	st := newTestStore(t, nil)

	const n = 25
	serials := make(chan string, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hex, err := st.AllocateSerialHex(ctx)
			if err != nil {
				errs <- err
				return
			}
			serials <- hex
		}()
	}
	wg.Wait()
	close(serials)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent allocation: %v", err)
	}
	seen := map[string]bool{}
	for hex := range serials {
		assert.False(t, seen[hex], "serial %s allocated twice", hex)
		seen[hex] = true
	}
	assert.Len(t, seen, n)
}

func TestNextCRLNumber(t *testing.T) {
	ctx := t.Context()
	st := newTestStore(t, nil)

	n, err := st.NextCRLNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = st.NextCRLNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestWipe(t *testing.T) {
	ctx := t.Context()
	st := newTestStore(t, nil)

	require.NoError(t, st.SetPEM(ctx, "root_key", "pem-data"))
	require.NoError(t, st.SetMeta(ctx, "next_serial", "1000"))

	require.NoError(t, st.Wipe(ctx))

	_, err := st.GetPEM(ctx, "root_key")
	assert.ErrorIs(t, err, store.ErrNotFound)
	v, err := st.GetMeta(ctx, "next_serial")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	// The counter reseeds after a wipe.
	hex, err := st.AllocateSerialHex(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3e8", hex)
}

func TestReopenKeepsState(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	st, err := store.Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, st.SetMeta(ctx, "next_serial", "1234"))
	require.NoError(t, st.Close())

	st, err = store.Open(dir, nil)
	require.NoError(t, err)
	defer st.Close()
	hex, err := st.AllocateSerialHex(ctx)
	require.NoError(t, err)
	assert.Equal(t, "4d2", hex)
}
