package ipc

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TransferCache is the bounded set of in-flight streamed transfers, keyed by
// transfer id. Entries are never refreshed on lookup, so overflow evicts the
// oldest insertion. Every eviction, for whatever reason, goes through the
// eviction hook; it cancels transfers that have not completed.
type TransferCache struct {
	entries  *lru.Cache[string, *Transfer]
	capacity int
}

// NewTransferCache creates a cache holding at most capacity transfers.
// onEvict, if non-nil, runs after a transfer leaves the cache, outside the
// cache lock; cancelled is true when the eviction is what failed the transfer.
func NewTransferCache(capacity int, onEvict func(t *Transfer, cancelled bool)) (*TransferCache, error) {
	if capacity <= 0 {
		return nil, newError(ErrorTypeInvalidArgument, "cache capacity must be positive, got %d", capacity)
	}
	tc := &TransferCache{capacity: capacity}
	entries, err := lru.NewWithEvict[string, *Transfer](capacity, func(id string, t *Transfer) {
		cancelled := t.cancel(newError(ErrorTypeTransferEvicted, "transfer %s", id))
		if cancelled {
			log.Warnw("IPC: evicted in-flight transfer", "transferId", id, "resourceId", t.ResourceID)
		}
		if onEvict != nil {
			onEvict(t, cancelled)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create transfer cache: %w", err)
	}
	tc.entries = entries
	return tc, nil
}

// Add inserts t, evicting the oldest entry when full. Reports whether an
// eviction happened.
func (tc *TransferCache) Add(t *Transfer) bool {
	return tc.entries.Add(t.TransferID, t)
}

// Lookup finds an in-flight transfer without touching its age.
func (tc *TransferCache) Lookup(transferID string) (*Transfer, bool) {
	return tc.entries.Peek(transferID)
}

// Remove drops the transfer, running the eviction hook.
func (tc *TransferCache) Remove(transferID string) bool {
	return tc.entries.Remove(transferID)
}

// Len is the number of in-flight transfers.
func (tc *TransferCache) Len() int {
	return tc.entries.Len()
}

// Capacity is the configured bound.
func (tc *TransferCache) Capacity() int {
	return tc.capacity
}

// Purge evicts everything.
func (tc *TransferCache) Purge() {
	tc.entries.Purge()
}

// Transfers returns the in-flight transfers, oldest first.
func (tc *TransferCache) Transfers() []*Transfer {
	out := make([]*Transfer, 0, tc.entries.Len())
	for _, t := range tc.entries.Values() {
		out = append(out, t)
	}
	return out
}
