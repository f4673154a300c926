package store_test

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certforge/store"
)

func TestCertRecords(t *testing.T) {
	ctx := t.Context()
	st := newTestStore(t, nil)

	notBefore := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := store.CertRecord{
		SerialHex: "3e8",
		SubjectCN: "web.example.test",
		Subject:   "CN=web.example.test, O=Example",
		SANs: []store.SAN{
			{Type: "dns", Value: "web.example.test"},
			{Type: "ip", Value: "10.0.0.5"},
		},
		NotBefore: notBefore,
		NotAfter:  notBefore.AddDate(0, 0, 90),
	}
	require.NoError(t, st.Tx(ctx, func(tx *sql.Tx) error {
		return st.InsertCertTx(ctx, tx, rec)
	}))

	got, err := st.GetCert(ctx, "3e8")
	require.NoError(t, err)
	assert.Equal(t, rec.SubjectCN, got.SubjectCN)
	assert.Equal(t, rec.SANs, got.SANs)
	assert.True(t, got.NotBefore.Equal(notBefore))
	assert.Equal(t, "", got.RenewedFrom)

	_, err = st.GetCert(ctx, "ffff")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Serials are unique.
	err = st.Tx(ctx, func(tx *sql.Tx) error {
		return st.InsertCertTx(ctx, tx, rec)
	})
	assert.Error(t, err)

	renewal := rec
	renewal.SerialHex = "3e9"
	renewal.RenewedFrom = "3e8"
	require.NoError(t, st.Tx(ctx, func(tx *sql.Tx) error {
		return st.InsertCertTx(ctx, tx, renewal)
	}))
	got, err = st.GetCert(ctx, "3e9")
	require.NoError(t, err)
	assert.Equal(t, "3e8", got.RenewedFrom)
}
