package domain

import (
	"context"
	"fmt"
	"time"
)

// ListOpts controls market list queries. SortBy must be one of
// AllowedSortFields; Order is "asc" or "desc".
type ListOpts struct {
	SortBy string
	Order  string
	Limit  int
	Offset int
	Status *MarketStatus
}

// AllowedSortFields is the whitelist of sortable market list columns.
var AllowedSortFields = []string{
	"createdAt", "updatedAt", "marketUpdatedAt", "tvl",
	"numBuyEvents", "numSellEvents", "question", "status",
}

// MaxListLimit caps market list page sizes.
const MaxListLimit = 100

// Normalize validates opts and fills defaults (createdAt desc, limit 50).
func (o *ListOpts) Normalize() error {
	if o.SortBy == "" {
		o.SortBy = "createdAt"
	}
	ok := false
	for _, f := range AllowedSortFields {
		if o.SortBy == f {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: sortBy %q", ErrInvalidListOpts, o.SortBy)
	}
	switch o.Order {
	case "":
		o.Order = "desc"
	case "asc", "desc":
	default:
		return fmt.Errorf("%w: order %q", ErrInvalidListOpts, o.Order)
	}
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return nil
}

// MarketStore is the durable mirror of on-chain market state. Mutations are
// atomic per row; concurrent writers for the same market id are serialized at
// the storage layer.
type MarketStore interface {
	// Upsert inserts or refreshes a full market record from a chain
	// snapshot. Status never moves backward and counters never decrease,
	// even when the snapshot is stale.
	Upsert(ctx context.Context, m MarketRecord) error
	GetByID(ctx context.Context, id string) (MarketRecord, error)
	List(ctx context.Context, opts ListOpts) ([]MarketRecord, error)
	ListActive(ctx context.Context) ([]MarketRecord, error)
	Count(ctx context.Context) (int64, error)

	// ApplyReveal overwrites probs/votes and stamps the reveal timestamp.
	ApplyReveal(ctx context.Context, id string, probs []float64, votes []int64, at time.Time) error
	// ApplyTrade increments the buy or sell counter, overwrites tvl, and
	// stamps the side's last-event timestamp. A non-empty signature is
	// claimed as an idempotency key in the same transaction as the update;
	// an already claimed signature applies nothing and returns false. A
	// failed apply leaves the signature unclaimed so redelivery retries
	// the whole mutation.
	ApplyTrade(ctx context.Context, id string, side TradeSide, tvl int64, at time.Time, signature string) (bool, error)
	// ApplySettlement marks the market settled with its final outcome.
	ApplySettlement(ctx context.Context, id string, winning int, probs []float64, votes []int64, at time.Time) error
	// MarkInitialized stamps the init-market-stats timestamp.
	MarkInitialized(ctx context.Context, id string, at time.Time) error
}

// PriceStore is the per-market probability time series: a fast capped list
// with a durable backing store. Reads return newest-first and always include
// the synthetic uniform prior as the oldest logical entry.
type PriceStore interface {
	Append(ctx context.Context, marketID string, sample PriceSample) error
	History(ctx context.Context, marketID string) ([]PriceSample, error)
	OptionHistory(ctx context.Context, marketID string, option int) ([]PriceSample, error)
	Clear(ctx context.Context, marketID string) error
}
