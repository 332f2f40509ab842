package domain

import "time"

// PriceHistoryLimit caps the number of persisted samples per market in the
// hot list. The synthetic prior does not count against it.
const PriceHistoryLimit = 100

// PriorProb is the uniform prior reported for a market before any reveal.
const PriorProb = 0.5

// PriceSample is one probability observation for a (market, option) pair.
// The option index is stored explicitly so per-option reads never have to
// guess how samples for different options interleave.
type PriceSample struct {
	Timestamp time.Time `json:"ts"`
	Option    int       `json:"option"`
	Prob      float64   `json:"prob"`
}
