package domain

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies one of the on-chain program events consumed by the
// mirror. The names match the program's IDL event names.
type EventKind string

const (
	EventRevealProbs     EventKind = "revealProbsEvent"
	EventBuyShares       EventKind = "buySharesEvent"
	EventSellShares      EventKind = "sellSharesEvent"
	EventInitMarketStats EventKind = "initMarketStatsEvent"
	EventMarketSettled   EventKind = "marketSettledEvent"
)

// EventKinds returns the fixed set of event kinds the mirror subscribes to.
func EventKinds() []EventKind {
	return []EventKind{
		EventRevealProbs,
		EventBuyShares,
		EventSellShares,
		EventInitMarketStats,
		EventMarketSettled,
	}
}

// Valid reports whether k is one of the subscribed event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventRevealProbs, EventBuyShares, EventSellShares,
		EventInitMarketStats, EventMarketSettled:
		return true
	}
	return false
}

// MarketEvent is the tagged union over the concrete event payloads. Payloads
// are decoded and validated at the queue-to-reconciler boundary; anything that
// fails to decode is a malformed-payload error, not a runtime type hole.
type MarketEvent interface {
	EventKind() EventKind
	Market() uint32
}

// RevealProbsEvent carries freshly decrypted probabilities and vote weights
// for every option of a market.
type RevealProbsEvent struct {
	MarketID uint32    `json:"marketId"`
	Probs    []float64 `json:"probs"`
	Votes    []int64   `json:"votes"`
}

func (e RevealProbsEvent) EventKind() EventKind { return EventRevealProbs }
func (e RevealProbsEvent) Market() uint32       { return e.MarketID }

// BuySharesEvent is emitted for every buy transaction. Status is the chain's
// transaction status byte; zero marks a failed transaction whose event must
// be skipped. Signature is the transaction signature used as the idempotency
// key against double-counting on redelivery.
type BuySharesEvent struct {
	MarketID  uint32 `json:"marketId"`
	Status    uint8  `json:"status"`
	Amount    int64  `json:"amount"`
	TVL       int64  `json:"tvl"`
	Signature string `json:"signature"`
}

func (e BuySharesEvent) EventKind() EventKind { return EventBuyShares }
func (e BuySharesEvent) Market() uint32       { return e.MarketID }

// SellSharesEvent mirrors BuySharesEvent for the sell side.
type SellSharesEvent struct {
	MarketID  uint32 `json:"marketId"`
	Status    uint8  `json:"status"`
	Amount    int64  `json:"amount"`
	TVL       int64  `json:"tvl"`
	Signature string `json:"signature"`
}

func (e SellSharesEvent) EventKind() EventKind { return EventSellShares }
func (e SellSharesEvent) Market() uint32       { return e.MarketID }

// InitMarketStatsEvent announces that a market account has been initialized.
type InitMarketStatsEvent struct {
	MarketID uint32 `json:"marketId"`
}

func (e InitMarketStatsEvent) EventKind() EventKind { return EventInitMarketStats }
func (e InitMarketStatsEvent) Market() uint32       { return e.MarketID }

// MarketSettledEvent carries the final outcome of a settled market.
type MarketSettledEvent struct {
	MarketID       uint32    `json:"marketId"`
	WinningOutcome int       `json:"winningOutcome"`
	Probs          []float64 `json:"probs"`
	Votes          []int64   `json:"votes"`
}

func (e MarketSettledEvent) EventKind() EventKind { return EventMarketSettled }
func (e MarketSettledEvent) Market() uint32       { return e.MarketID }

// DecodeEvent decodes a raw payload into the concrete event type for kind.
// Unknown kinds return ErrUnknownEventKind so the consumer can drop them as a
// distinct taxonomy case rather than retrying. Structural violations (probs
// and votes of different lengths, negative winning outcome) return
// ErrMalformedEvent.
func DecodeEvent(kind EventKind, payload []byte) (MarketEvent, error) {
	switch kind {
	case EventRevealProbs:
		var e RevealProbsEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
		}
		if len(e.Probs) != len(e.Votes) {
			return nil, fmt.Errorf("%w: %s: probs/votes length mismatch", ErrMalformedEvent, kind)
		}
		return e, nil
	case EventBuyShares:
		var e BuySharesEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
		}
		return e, nil
	case EventSellShares:
		var e SellSharesEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
		}
		return e, nil
	case EventInitMarketStats:
		var e InitMarketStatsEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
		}
		return e, nil
	case EventMarketSettled:
		var e MarketSettledEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
		}
		if len(e.Probs) != len(e.Votes) {
			return nil, fmt.Errorf("%w: %s: probs/votes length mismatch", ErrMalformedEvent, kind)
		}
		if e.WinningOutcome < 0 {
			return nil, fmt.Errorf("%w: %s: negative winning outcome", ErrMalformedEvent, kind)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}
}
