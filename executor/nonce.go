package executor

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/emberfi/dca-engine/chain"
)

// nonceCacheWindow bounds how long a cached nonce is trusted before the
// pending count is re-read from the chain.
const nonceCacheWindow = 5 * time.Second

// nonceCache holds the executor's next nonce between sends. Access is
// serialized by Executor.mu; the cache itself carries no lock.
type nonceCache struct {
	current   uint64
	populated bool
	fetchedAt time.Time
}

// next returns the nonce for the next transaction. A stale, unpopulated or
// force-refreshed cache is rebuilt from transactionCount at the pending tag;
// otherwise the cached value is incremented.
func (n *nonceCache) next(ctx context.Context, c *chain.Client, account common.Address, force bool) (uint64, error) {
	if force || !n.populated || time.Since(n.fetchedAt) > nonceCacheWindow {
		v, err := c.PendingNonce(ctx, account)
		if err != nil {
			return 0, err
		}
		n.current = v
		n.populated = true
		n.fetchedAt = time.Now()
		return n.current, nil
	}
	n.current++
	return n.current, nil
}

func (n *nonceCache) reset() { n.populated = false }
