package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// DurableSeries is the durable backing store for the hot price list. Insert
// reports false for a sample the series already holds.
type DurableSeries interface {
	Insert(ctx context.Context, marketID string, sample domain.PriceSample) (bool, error)
	Recent(ctx context.Context, marketID string, limit int) ([]domain.PriceSample, error)
	Delete(ctx context.Context, marketID string) error
}

// MarketTimes resolves market records for synthetic prior timestamps.
type MarketTimes interface {
	GetByID(ctx context.Context, id string) (domain.MarketRecord, error)
}

// PriceStore implements domain.PriceStore as a capped Redis list over a
// durable Postgres series. Writes go durable-first; the list is best-effort
// and repopulated from the durable series on miss. Each market's list lives
// at "market:{id}:prices" with JSON-encoded samples, newest at index 0.
type PriceStore struct {
	rdb     *redis.Client
	durable DurableSeries
	markets MarketTimes
	logger  *slog.Logger
}

// NewPriceStore creates a PriceStore over the given hot and durable stores.
func NewPriceStore(c *Client, durable DurableSeries, markets MarketTimes, logger *slog.Logger) *PriceStore {
	return &PriceStore{
		rdb:     c.Underlying(),
		durable: durable,
		markets: markets,
		logger:  logger.With("component", "price_store"),
	}
}

func priceKey(marketID string) string {
	return "market:" + marketID + ":prices"
}

// Append records one sample. The durable insert must succeed; a Redis
// failure afterwards only degrades read latency and is logged, not returned.
// A sample the durable series already holds is a redelivery and skips the
// hot list too, so replays never inflate the series.
func (ps *PriceStore) Append(ctx context.Context, marketID string, sample domain.PriceSample) error {
	inserted, err := ps.durable.Insert(ctx, marketID, sample)
	if err != nil {
		return err
	}
	if !inserted {
		ps.logger.Debug("skipping replayed price sample", "market_id", marketID, "option", sample.Option)
		return nil
	}

	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("redis: marshal price sample: %w", err)
	}

	key := priceKey(marketID)
	pipe := ps.rdb.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, domain.PriceHistoryLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		ps.logger.Warn("price list push failed, durable copy kept", "market_id", marketID, "error", err)
	}
	return nil
}

// History returns the market's samples newest-first, ending with one
// synthetic uniform-prior entry per option stamped at market creation.
func (ps *PriceStore) History(ctx context.Context, marketID string) ([]domain.PriceSample, error) {
	samples, err := ps.load(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return ps.withPrior(ctx, marketID, samples, -1), nil
}

// OptionHistory returns the samples for a single option, newest-first,
// ending with that option's synthetic prior.
func (ps *PriceStore) OptionHistory(ctx context.Context, marketID string, option int) ([]domain.PriceSample, error) {
	samples, err := ps.load(ctx, marketID)
	if err != nil {
		return nil, err
	}
	filtered := samples[:0:0]
	for _, s := range samples {
		if s.Option == option {
			filtered = append(filtered, s)
		}
	}
	return ps.withPrior(ctx, marketID, filtered, option), nil
}

// Clear drops both the hot list and the durable series.
func (ps *PriceStore) Clear(ctx context.Context, marketID string) error {
	if err := ps.rdb.Del(ctx, priceKey(marketID)).Err(); err != nil {
		ps.logger.Warn("price list delete failed", "market_id", marketID, "error", err)
	}
	return ps.durable.Delete(ctx, marketID)
}

// load reads the hot list, falling back to the durable series on miss or
// backend failure. A fallback read also repopulates the list.
func (ps *PriceStore) load(ctx context.Context, marketID string) ([]domain.PriceSample, error) {
	key := priceKey(marketID)

	raw, err := ps.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		ps.logger.Warn("price list read failed, falling back to durable", "market_id", marketID, "error", err)
		raw = nil
	}

	if len(raw) > 0 {
		samples := make([]domain.PriceSample, 0, len(raw))
		for _, entry := range raw {
			var s domain.PriceSample
			if err := json.Unmarshal([]byte(entry), &s); err != nil {
				ps.logger.Warn("corrupt price entry skipped", "market_id", marketID, "error", err)
				continue
			}
			samples = append(samples, s)
		}
		return samples, nil
	}

	samples, err := ps.durable.Recent(ctx, marketID, domain.PriceHistoryLimit)
	if err != nil {
		return nil, err
	}
	if len(samples) > 0 {
		ps.repopulate(ctx, key, samples)
	}
	return samples, nil
}

// repopulate rebuilds the hot list from a newest-first durable read. RPush in
// read order keeps index 0 as the newest sample.
func (ps *PriceStore) repopulate(ctx context.Context, key string, samples []domain.PriceSample) {
	pipe := ps.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for _, s := range samples {
		payload, err := json.Marshal(s)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, key, payload)
	}
	pipe.LTrim(ctx, key, 0, domain.PriceHistoryLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		ps.logger.Warn("price list repopulation failed", "key", key, "error", err)
	}
}

// withPrior appends the synthetic uniform prior as the oldest logical entry.
// option selects a single option's prior; pass -1 for one prior per option.
// When the market record cannot be resolved the prior is omitted.
func (ps *PriceStore) withPrior(ctx context.Context, marketID string, samples []domain.PriceSample, option int) []domain.PriceSample {
	m, err := ps.markets.GetByID(ctx, marketID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			ps.logger.Warn("prior lookup failed, omitting prior", "market_id", marketID, "error", err)
		}
		return samples
	}

	if option >= 0 {
		return append(samples, domain.PriceSample{
			Timestamp: m.CreatedAt,
			Option:    option,
			Prob:      domain.PriorProb,
		})
	}
	for i := range m.Options {
		samples = append(samples, domain.PriceSample{
			Timestamp: m.CreatedAt,
			Option:    i,
			Prob:      domain.PriorProb,
		})
	}
	return samples
}

// Compile-time interface check.
var _ domain.PriceStore = (*PriceStore)(nil)
