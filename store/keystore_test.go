package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certforge/store"
)

const testPEM = "-----BEGIN TEST-----\nZm9v\n-----END TEST-----\n"

func TestNewCipherShortSecret(t *testing.T) {
	assert.Nil(t, store.NewCipher("short", ""))
	assert.NotNil(t, store.NewCipher("long-enough-secret", ""))

	// A too-short old secret is ignored, not an error.
	assert.NotNil(t, store.NewCipher("long-enough-secret", "tiny"))
}

func TestKeystorePlaintextWithoutCipher(t *testing.T) {
	ctx := t.Context()
	st := newTestStore(t, nil)

	require.NoError(t, st.SetPEM(ctx, "root_key", testPEM))
	got, err := st.GetPEM(ctx, "root_key")
	require.NoError(t, err)
	assert.Equal(t, testPEM, got)
}

func TestKeystoreEncryptedRoundTrip(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	st, err := store.Open(dir, store.NewCipher("correct horse battery", ""))
	require.NoError(t, err)
	require.NoError(t, st.SetPEM(ctx, "root_key", testPEM))
	got, err := st.GetPEM(ctx, "root_key")
	require.NoError(t, err)
	assert.Equal(t, testPEM, got)
	require.NoError(t, st.Close())

	// Wrong secret fails closed rather than returning garbage.
	st, err = store.Open(dir, store.NewCipher("completely different", ""))
	require.NoError(t, err)
	_, err = st.GetPEM(ctx, "root_key")
	assert.ErrorIs(t, err, store.ErrKeystoreIntegrity)
	require.NoError(t, st.Close())

	// No secret at all cannot read an encrypted row either.
	st, err = store.Open(dir, nil)
	require.NoError(t, err)
	defer st.Close()
	_, err = st.GetPEM(ctx, "root_key")
	assert.ErrorIs(t, err, store.ErrKeystoreIntegrity)
}

func TestKeystoreOldSecretFallback(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	st, err := store.Open(dir, store.NewCipher("previous secret!", ""))
	require.NoError(t, err)
	require.NoError(t, st.SetPEM(ctx, "root_key", testPEM))
	require.NoError(t, st.Close())

	// After changing the secret, reads keep working through the old
	// secret until rotation rewrites the row.
	st, err = store.Open(dir, store.NewCipher("brand new secret", "previous secret!"))
	require.NoError(t, err)
	defer st.Close()

	got, err := st.GetPEM(ctx, "root_key")
	require.NoError(t, err)
	assert.Equal(t, testPEM, got)
}

func TestKeystoreLegacyPlaintextRow(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	// Row written before any secret was configured.
	st, err := store.Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, st.SetPEM(ctx, "root_cert", testPEM))
	require.NoError(t, st.Close())

	// Still readable once encryption is enabled.
	st, err = store.Open(dir, store.NewCipher("long-enough-secret", ""))
	require.NoError(t, err)
	defer st.Close()
	got, err := st.GetPEM(ctx, "root_cert")
	require.NoError(t, err)
	assert.Equal(t, testPEM, got)
}

func TestRotateKeystore(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	st, err := store.Open(dir, store.NewCipher("previous secret!", ""))
	require.NoError(t, err)
	require.NoError(t, st.SetPEM(ctx, "root_key", testPEM))
	require.NoError(t, st.SetPEM(ctx, "root_cert", testPEM))
	require.NoError(t, st.Close())

	st, err = store.Open(dir, store.NewCipher("brand new secret", "previous secret!"))
	require.NoError(t, err)
	res, err := st.RotateKeystore(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RotationResult{Rotated: 2, Total: 2}, res)
	require.NoError(t, st.Close())

	// After rotation the new secret alone suffices.
	st, err = store.Open(dir, store.NewCipher("brand new secret", ""))
	require.NoError(t, err)
	defer st.Close()
	got, err := st.GetPEM(ctx, "root_key")
	require.NoError(t, err)
	assert.Equal(t, testPEM, got)
}

func TestRotateKeystoreReportsUndecryptable(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	st, err := store.Open(dir, store.NewCipher("original secret!", ""))
	require.NoError(t, err)
	require.NoError(t, st.SetPEM(ctx, "root_key", testPEM))
	require.NoError(t, st.Close())

	// Neither configured secret matches what the row was written with.
	st, err = store.Open(dir, store.NewCipher("wrong secret one", "wrong secret two"))
	require.NoError(t, err)
	defer st.Close()

	res, err := st.RotateKeystore(ctx)
	assert.ErrorIs(t, err, store.ErrKeystoreIntegrity)
	assert.Equal(t, 0, res.Rotated)
	assert.Equal(t, 1, res.Total)
}

func TestRotateKeystoreRequiresSecret(t *testing.T) {
	st := newTestStore(t, nil)
	_, err := st.RotateKeystore(t.Context())
	assert.Error(t, err)
}
