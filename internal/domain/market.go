package domain

import (
	"fmt"
	"strconv"
	"time"
)

// MarketStatus represents the lifecycle state of a market. Transitions only
// move forward: inactive -> active -> settled.
type MarketStatus string

const (
	MarketStatusInactive MarketStatus = "inactive"
	MarketStatusActive   MarketStatus = "active"
	MarketStatusSettled  MarketStatus = "settled"
)

// Rank returns the position of the status in the lifecycle. A transition to a
// lower rank is a backward transition and must never be persisted.
func (s MarketStatus) Rank() int {
	switch s {
	case MarketStatusActive:
		return 1
	case MarketStatusSettled:
		return 2
	default:
		return 0
	}
}

// MarketStatusFromChain maps the on-chain status byte to a MarketStatus.
func MarketStatusFromChain(code uint8) MarketStatus {
	switch code {
	case 1:
		return MarketStatusActive
	case 2:
		return MarketStatusSettled
	default:
		return MarketStatusInactive
	}
}

// MarketRecord is the local mirror of one on-chain prediction market.
// Options, Probs, and Votes are parallel slices of equal length.
type MarketRecord struct {
	ID                 string       `json:"id"`
	Authority          string       `json:"authority"`
	Question           string       `json:"question"`
	Options            []string     `json:"options"`
	Probs              []float64    `json:"probs"`
	Votes              []int64      `json:"votes"`
	LiquidityParameter int64        `json:"liquidityParameter"`
	Mint               string       `json:"mint"`
	TVL                int64        `json:"tvl"`
	Status             MarketStatus `json:"status"`
	WinningOption      *int         `json:"winningOption"`
	NumBuyEvents       int64        `json:"numBuyEvents"`
	NumSellEvents      int64        `json:"numSellEvents"`
	MarketUpdatedAt    int64        `json:"marketUpdatedAt"`

	LastRevealProbsEventAt     *time.Time `json:"lastRevealProbsEventAt"`
	LastBuySharesEventAt       *time.Time `json:"lastBuySharesEventAt"`
	LastSellSharesEventAt      *time.Time `json:"lastSellSharesEventAt"`
	LastInitMarketStatsEventAt *time.Time `json:"lastInitMarketStatsEventAt"`
	LastMarketSettledEventAt   *time.Time `json:"lastMarketSettledEventAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MarketSnapshot is the canonical on-chain state of a market as returned by
// the chain gateway. Chain-native big integers have already been coerced to
// local types with range checks by the chain client.
type MarketSnapshot struct {
	MarketID           uint32
	Authority          string
	Question           string
	Options            []string
	Probs              []float64
	Votes              []int64
	LiquidityParameter int64
	Mint               string
	TVL                int64
	Status             MarketStatus
	WinningOption      *int
	NumBuyEvents       int64
	NumSellEvents      int64
	MarketUpdatedAt    int64
}

// Record converts the snapshot into a MarketRecord keyed by the decimal
// string form of the market id. Local bookkeeping timestamps are left zero;
// the store fills them on insert.
func (s MarketSnapshot) Record() MarketRecord {
	return MarketRecord{
		ID:                 MarketIDString(s.MarketID),
		Authority:          s.Authority,
		Question:           s.Question,
		Options:            s.Options,
		Probs:              s.Probs,
		Votes:              s.Votes,
		LiquidityParameter: s.LiquidityParameter,
		Mint:               s.Mint,
		TVL:                s.TVL,
		Status:             s.Status,
		WinningOption:      s.WinningOption,
		NumBuyEvents:       s.NumBuyEvents,
		NumSellEvents:      s.NumSellEvents,
		MarketUpdatedAt:    s.MarketUpdatedAt,
	}
}

// MarketIDString renders a numeric on-chain market id as the stable string
// key used by the local store and caches.
func MarketIDString(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseMarketID converts a stored market key back to its on-chain id.
func ParseMarketID(id string) (uint32, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: market id %q", ErrValueOutOfRange, id)
	}
	return uint32(n), nil
}

// TradeSide distinguishes buy-shares from sell-shares mutations.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)
