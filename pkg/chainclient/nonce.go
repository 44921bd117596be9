package chainclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// nonceSyncInterval bounds how stale the local counter may get before it is
// reconciled with the chain's pending nonce.
const nonceSyncInterval = 5 * time.Minute

// nonceTracker allocates monotonically increasing nonces for one signing
// address on one chain and allows a failed submission's nonce to be reused
// when no lower nonce is still pending.
type nonceTracker struct {
	mu       sync.Mutex
	current  uint64
	lastSync time.Time
	pending  map[uint64]common.Hash
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{
		pending: make(map[uint64]common.Hash),
	}
}

// next reserves the next nonce, resyncing with the chain when the local
// counter has never been initialized or has gone stale.
func (n *nonceTracker) next(ctx context.Context, client *ethclient.Client, address common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.lastSync.IsZero() || time.Since(n.lastSync) > nonceSyncInterval {
		chainNonce, err := client.PendingNonceAt(ctx, address)
		if err != nil {
			return 0, fmt.Errorf("failed to get pending nonce: %v", err)
		}
		if chainNonce > n.current {
			n.current = chainNonce
		}
		n.lastSync = time.Now()
	}

	nonce := n.current
	n.current++
	return nonce, nil
}

// track records a broadcast transaction against its nonce.
func (n *nonceTracker) track(txHash common.Hash, nonce uint64) {
	n.mu.Lock()
	n.pending[nonce] = txHash
	n.mu.Unlock()
}

// confirm drops a nonce from the pending set once its transaction is mined.
func (n *nonceTracker) confirm(txHash common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for nonce, hash := range n.pending {
		if hash == txHash {
			delete(n.pending, nonce)
			return
		}
	}
}

// release makes a nonce reusable after a failed submission. The counter only
// rewinds when no lower nonce is still pending, otherwise the gap would
// orphan the transactions behind it.
func (n *nonceTracker) release(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.pending, nonce)
	for pending := range n.pending {
		if pending < nonce {
			return
		}
	}
	if n.current > nonce {
		n.current = nonce
	}
}
