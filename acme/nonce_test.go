package acme

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceSingleUse(t *testing.T) {
	ns := NewNonceStore()

	nonce, err := ns.Issue()
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	assert.Nil(t, ns.Consume(nonce))

	p := ns.Consume(nonce)
	require.NotNil(t, p)
	assert.Contains(t, p.Type, "badNonce")
}

func TestNonceUnknown(t *testing.T) {
	ns := NewNonceStore()
	p := ns.Consume("never-issued")
	require.NotNil(t, p)
	assert.Contains(t, p.Type, "badNonce")
}

func TestNonceExpiry(t *testing.T) {
	ns := NewNonceStore()
	current := time.Now()
	ns.now = func() time.Time { return current }

	nonce, err := ns.Issue()
	require.NoError(t, err)

	current = current.Add(nonceTTL + time.Second)
	p := ns.Consume(nonce)
	require.NotNil(t, p)
	assert.Contains(t, p.Type, "badNonce")

	// Expired nonces are also pruned on the next issue.
	stale, err := ns.Issue()
	require.NoError(t, err)
	current = current.Add(nonceTTL + time.Second)
	_, err = ns.Issue()
	require.NoError(t, err)
	require.NotNil(t, ns.Consume(stale))
}

func TestNoncesAreUnique(t *testing.T) {
	ns := NewNonceStore()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		nonce, err := ns.Issue()
		require.NoError(t, err)
		assert.False(t, seen[nonce])
		seen[nonce] = true
	}
}
