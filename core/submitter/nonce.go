package submitter

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-bundler/core/chainio"
)

// NonceAllocator serializes nonce use for one signing account. The lock is
// held from the pending-nonce fetch through broadcast so two concurrent
// bundles can never race onto the same nonce.
type NonceAllocator struct {
	mu      sync.Mutex
	backend chainio.Backend
	account common.Address
}

func NewNonceAllocator(backend chainio.Backend, account common.Address) *NonceAllocator {
	return &NonceAllocator{
		backend: backend,
		account: account,
	}
}

// WithNonce fetches the account's pending nonce and runs fn with it while
// holding the allocator's lock. fn must complete the broadcast (or fail)
// before returning.
func (n *NonceAllocator) WithNonce(ctx context.Context, fn func(nonce uint64) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	nonce, err := n.backend.PendingNonceAt(ctx, n.account)
	if err != nil {
		return err
	}

	return fn(nonce)
}
