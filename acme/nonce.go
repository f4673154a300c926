package acme

import (
	"sync"
	"time"

	"github.com/jmcleod/certforge/internal/util"
)

// nonceTTL is how long an issued nonce stays consumable.
const nonceTTL = 10 * time.Minute

const nonceBytes = 16

// NonceStore issues and consumes single-use, time-limited request
// nonces. Nonces live in memory only: a restart invalidates all
// outstanding nonces and clients simply re-fetch. The map is
// mutex-guarded because requests are served on independent goroutines.
type NonceStore struct {
	mu      sync.Mutex
	pending map[string]time.Time // nonce -> expiry
	now     func() time.Time
}

// NewNonceStore creates an empty store.
func NewNonceStore() *NonceStore {
	return &NonceStore{
		pending: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Issue mints a fresh nonce.
func (n *NonceStore) Issue() (string, error) {
	token, err := util.RandomToken(nonceBytes)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prune()
	n.pending[token] = n.now().Add(nonceTTL)
	return token, nil
}

// Consume uses up a nonce. Unknown, already-consumed and expired nonces
// all fail; consumption happens exactly once.
func (n *NonceStore) Consume(token string) *Problem {
	n.mu.Lock()
	defer n.mu.Unlock()
	expiry, ok := n.pending[token]
	if !ok {
		return badNonce("unknown or already used nonce")
	}
	delete(n.pending, token)
	if n.now().After(expiry) {
		return badNonce("expired nonce")
	}
	return nil
}

// prune drops expired entries; called with the lock held.
func (n *NonceStore) prune() {
	now := n.now()
	for token, expiry := range n.pending {
		if now.After(expiry) {
			delete(n.pending, token)
		}
	}
}
