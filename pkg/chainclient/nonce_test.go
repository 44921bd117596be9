package chainclient

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func seededTracker(current uint64) *nonceTracker {
	n := newNonceTracker()
	n.current = current
	n.lastSync = time.Now()
	return n
}

func TestNonceAllocationIsMonotonic(t *testing.T) {
	n := seededTracker(10)

	first, err := n.next(nil, nil, common.Address{})
	assert.NoError(t, err)
	second, err := n.next(nil, nil, common.Address{})
	assert.NoError(t, err)
	assert.Equal(t, uint64(10), first)
	assert.Equal(t, uint64(11), second)
}

func TestReleaseRewindsLowestNonce(t *testing.T) {
	n := seededTracker(5)

	nonce, _ := n.next(nil, nil, common.Address{})
	n.release(nonce)

	again, _ := n.next(nil, nil, common.Address{})
	assert.Equal(t, nonce, again, "a failed lowest nonce is reused")
}

func TestReleaseKeepsGapWhenLowerNoncePending(t *testing.T) {
	n := seededTracker(5)

	lower, _ := n.next(nil, nil, common.Address{})
	higher, _ := n.next(nil, nil, common.Address{})
	n.track(common.HexToHash("0x01"), lower)
	n.track(common.HexToHash("0x02"), higher)

	n.release(higher)

	next, _ := n.next(nil, nil, common.Address{})
	assert.Equal(t, higher+1, next, "counter must not rewind past a pending nonce")
}

func TestConfirmClearsPending(t *testing.T) {
	n := seededTracker(0)

	nonce, _ := n.next(nil, nil, common.Address{})
	hash := common.HexToHash("0xaa")
	n.track(hash, nonce)
	n.confirm(hash)

	n.mu.Lock()
	assert.Empty(t, n.pending)
	n.mu.Unlock()
}
