// Package service exposes the read side of the market mirror: cached market
// lookups, listings, and price histories.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// MarketReader serves market queries through the query cache, falling back to
// the store and, for markets the mirror has never seen, to the chain itself.
type MarketReader struct {
	markets domain.MarketStore
	prices  domain.PriceStore
	chain   domain.ChainReader
	cache   domain.QueryCache
	logger  *slog.Logger
}

// NewMarketReader creates a MarketReader over the given stores.
func NewMarketReader(
	markets domain.MarketStore,
	prices domain.PriceStore,
	chain domain.ChainReader,
	cache domain.QueryCache,
	logger *slog.Logger,
) *MarketReader {
	return &MarketReader{
		markets: markets,
		prices:  prices,
		chain:   chain,
		cache:   cache,
		logger:  logger.With("component", "market_reader"),
	}
}

// GetMarket returns one market by id. Unknown markets are fetched from chain
// and materialized before returning, so a read can never race the event
// stream into a miss.
func (r *MarketReader) GetMarket(ctx context.Context, id string) (domain.MarketRecord, error) {
	endpoint := "markets/" + id

	var m domain.MarketRecord
	if hit, err := r.cached(ctx, endpoint, nil, &m); err == nil && hit {
		return m, nil
	}

	m, err := r.markets.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		m, err = r.materialize(ctx, id)
	}
	if err != nil {
		return domain.MarketRecord{}, err
	}

	r.store(ctx, endpoint, nil, m)
	return m, nil
}

// ListMarkets returns a page of markets per opts.
func (r *MarketReader) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	params := listParams(opts)

	var markets []domain.MarketRecord
	if hit, err := r.cached(ctx, "markets", params, &markets); err == nil && hit {
		return markets, nil
	}

	markets, err := r.markets.List(ctx, opts)
	if err != nil {
		return nil, err
	}

	r.store(ctx, "markets", params, markets)
	return markets, nil
}

// MarketCount returns the number of mirrored markets.
func (r *MarketReader) MarketCount(ctx context.Context) (int64, error) {
	return r.markets.Count(ctx)
}

// PriceHistory returns the market's probability series, newest first,
// including the synthetic prior.
func (r *MarketReader) PriceHistory(ctx context.Context, id string) ([]domain.PriceSample, error) {
	endpoint := "markets/" + id + "/prices"

	var samples []domain.PriceSample
	if hit, err := r.cached(ctx, endpoint, nil, &samples); err == nil && hit {
		return samples, nil
	}

	samples, err := r.prices.History(ctx, id)
	if err != nil {
		return nil, err
	}

	r.store(ctx, endpoint, nil, samples)
	return samples, nil
}

// OptionPriceHistory returns the series for one option of the market.
func (r *MarketReader) OptionPriceHistory(ctx context.Context, id string, option int) ([]domain.PriceSample, error) {
	if option < 0 {
		return nil, fmt.Errorf("%w: option %d", domain.ErrValueOutOfRange, option)
	}
	endpoint := "markets/" + id + "/prices"
	params := map[string]string{"option": strconv.Itoa(option)}

	var samples []domain.PriceSample
	if hit, err := r.cached(ctx, endpoint, params, &samples); err == nil && hit {
		return samples, nil
	}

	samples, err := r.prices.OptionHistory(ctx, id, option)
	if err != nil {
		return nil, err
	}

	r.store(ctx, endpoint, params, samples)
	return samples, nil
}

// materialize pulls an unknown market from chain into the store.
func (r *MarketReader) materialize(ctx context.Context, id string) (domain.MarketRecord, error) {
	marketID, err := domain.ParseMarketID(id)
	if err != nil {
		return domain.MarketRecord{}, domain.ErrNotFound
	}

	snap, err := r.chain.FetchMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.MarketRecord{}, domain.ErrNotFound
		}
		return domain.MarketRecord{}, fmt.Errorf("service: fetch market %s from chain: %w", id, err)
	}

	if err := r.markets.Upsert(ctx, snap.Record()); err != nil {
		return domain.MarketRecord{}, err
	}
	r.logger.Info("materialized market on read", "market_id", id)
	return r.markets.GetByID(ctx, id)
}

// cached attempts a cache read into out, reporting whether it hit.
func (r *MarketReader) cached(ctx context.Context, endpoint string, params map[string]string, out any) (bool, error) {
	payload, err := r.cache.Get(ctx, endpoint, params)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		r.logger.Warn("corrupt cache entry ignored", "endpoint", endpoint, "error", err)
		return false, err
	}
	return true, nil
}

// store writes a query result to the cache, best effort.
func (r *MarketReader) store(ctx context.Context, endpoint string, params map[string]string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = r.cache.Set(ctx, endpoint, params, payload)
}

// listParams serializes normalized list options into cache key params.
func listParams(opts domain.ListOpts) map[string]string {
	params := map[string]string{
		"sortBy": opts.SortBy,
		"order":  opts.Order,
		"limit":  strconv.Itoa(opts.Limit),
		"offset": strconv.Itoa(opts.Offset),
	}
	if opts.Status != nil {
		params["status"] = string(*opts.Status)
	}
	return params
}
