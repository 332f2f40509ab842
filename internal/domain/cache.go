package domain

import "context"

// QueryCache is the read-through cache of market list/detail query results,
// keyed by a canonical serialization of (endpoint, sorted query params).
//
// Implementations must degrade to cache-miss behavior when the backing store
// is unavailable: Get returns ErrNotFound, Set and Invalidate log and return
// nil. Cache failures never surface to readers.
type QueryCache interface {
	Get(ctx context.Context, endpoint string, params map[string]string) ([]byte, error)
	Set(ctx context.Context, endpoint string, params map[string]string, value []byte) error
	// Invalidate removes entries referencing the market id plus every list
	// entry. Over-invalidation is deliberate; list filters are unknown to
	// the mutator.
	Invalidate(ctx context.Context, marketID string) error
}
