package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxpredict/marketmirror/internal/domain"
)

type mockMarketStore struct {
	domain.MarketStore

	getByIDFunc func(ctx context.Context, id string) (domain.MarketRecord, error)
	listFunc    func(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error)
	countFunc   func(ctx context.Context) (int64, error)
	upsertFunc  func(ctx context.Context, m domain.MarketRecord) error
}

func (m *mockMarketStore) GetByID(ctx context.Context, id string) (domain.MarketRecord, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockMarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error) {
	return m.listFunc(ctx, opts)
}

func (m *mockMarketStore) Count(ctx context.Context) (int64, error) {
	return m.countFunc(ctx)
}

func (m *mockMarketStore) Upsert(ctx context.Context, rec domain.MarketRecord) error {
	return m.upsertFunc(ctx, rec)
}

type mockPriceStore struct {
	historyFunc       func(ctx context.Context, marketID string) ([]domain.PriceSample, error)
	optionHistoryFunc func(ctx context.Context, marketID string, option int) ([]domain.PriceSample, error)
}

func (m *mockPriceStore) Append(ctx context.Context, marketID string, sample domain.PriceSample) error {
	return nil
}

func (m *mockPriceStore) History(ctx context.Context, marketID string) ([]domain.PriceSample, error) {
	return m.historyFunc(ctx, marketID)
}

func (m *mockPriceStore) OptionHistory(ctx context.Context, marketID string, option int) ([]domain.PriceSample, error) {
	return m.optionHistoryFunc(ctx, marketID, option)
}

func (m *mockPriceStore) Clear(ctx context.Context, marketID string) error { return nil }

type mockChainReader struct {
	fetchMarketFunc func(ctx context.Context, marketID uint32) (domain.MarketSnapshot, error)
}

func (m *mockChainReader) FetchMarket(ctx context.Context, marketID uint32) (domain.MarketSnapshot, error) {
	return m.fetchMarketFunc(ctx, marketID)
}

// memoryCache is an in-process stand-in for the Redis query cache.
type memoryCache struct {
	entries map[string][]byte
	sets    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]byte{}}
}

func (m *memoryCache) key(endpoint string, params map[string]string) string {
	b, _ := json.Marshal(params)
	return endpoint + "|" + string(b)
}

func (m *memoryCache) Get(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	if v, ok := m.entries[m.key(endpoint, params)]; ok {
		return v, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memoryCache) Set(ctx context.Context, endpoint string, params map[string]string, value []byte) error {
	m.sets++
	m.entries[m.key(endpoint, params)] = value
	return nil
}

func (m *memoryCache) Invalidate(ctx context.Context, marketID string) error { return nil }

func newReader(markets *mockMarketStore, prices *mockPriceStore, chain *mockChainReader, cache domain.QueryCache) *MarketReader {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMarketReader(markets, prices, chain, cache, logger)
}

func TestGetMarketCachesResult(t *testing.T) {
	storeHits := 0
	markets := &mockMarketStore{
		getByIDFunc: func(ctx context.Context, id string) (domain.MarketRecord, error) {
			storeHits++
			return domain.MarketRecord{ID: id, Question: "q", Status: domain.MarketStatusActive}, nil
		},
	}
	cache := newMemoryCache()
	r := newReader(markets, &mockPriceStore{}, &mockChainReader{}, cache)

	first, err := r.GetMarket(context.Background(), "42")
	require.NoError(t, err)
	second, err := r.GetMarket(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, storeHits, "second read must come from cache")
	assert.Equal(t, 1, cache.sets)
}

func TestGetMarketMaterializesFromChain(t *testing.T) {
	upserted := false
	markets := &mockMarketStore{
		getByIDFunc: func(ctx context.Context, id string) (domain.MarketRecord, error) {
			if !upserted {
				return domain.MarketRecord{}, domain.ErrNotFound
			}
			return domain.MarketRecord{ID: id, Status: domain.MarketStatusActive}, nil
		},
		upsertFunc: func(ctx context.Context, rec domain.MarketRecord) error {
			assert.Equal(t, "7", rec.ID)
			upserted = true
			return nil
		},
	}
	chain := &mockChainReader{
		fetchMarketFunc: func(ctx context.Context, marketID uint32) (domain.MarketSnapshot, error) {
			assert.Equal(t, uint32(7), marketID)
			return domain.MarketSnapshot{MarketID: 7, Status: domain.MarketStatusActive}, nil
		},
	}
	r := newReader(markets, &mockPriceStore{}, chain, newMemoryCache())

	m, err := r.GetMarket(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "7", m.ID)
	assert.True(t, upserted)
}

func TestGetMarketUnknownOnChain(t *testing.T) {
	markets := &mockMarketStore{
		getByIDFunc: func(ctx context.Context, id string) (domain.MarketRecord, error) {
			return domain.MarketRecord{}, domain.ErrNotFound
		},
	}
	chain := &mockChainReader{
		fetchMarketFunc: func(ctx context.Context, marketID uint32) (domain.MarketSnapshot, error) {
			return domain.MarketSnapshot{}, domain.ErrNotFound
		},
	}
	r := newReader(markets, &mockPriceStore{}, chain, newMemoryCache())

	_, err := r.GetMarket(context.Background(), "99")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetMarketNonNumericIDNotFound(t *testing.T) {
	markets := &mockMarketStore{
		getByIDFunc: func(ctx context.Context, id string) (domain.MarketRecord, error) {
			return domain.MarketRecord{}, domain.ErrNotFound
		},
	}
	r := newReader(markets, &mockPriceStore{}, &mockChainReader{}, newMemoryCache())

	_, err := r.GetMarket(context.Background(), "not-a-number")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListMarketsNormalizesAndCaches(t *testing.T) {
	var gotOpts domain.ListOpts
	listCalls := 0
	markets := &mockMarketStore{
		listFunc: func(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error) {
			listCalls++
			gotOpts = opts
			return []domain.MarketRecord{{ID: "1"}, {ID: "2"}}, nil
		},
	}
	r := newReader(markets, &mockPriceStore{}, &mockChainReader{}, newMemoryCache())

	out, err := r.ListMarkets(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "createdAt", gotOpts.SortBy)
	assert.Equal(t, "desc", gotOpts.Order)
	assert.Equal(t, 50, gotOpts.Limit)

	_, err = r.ListMarkets(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, listCalls, "second list must come from cache")
}

func TestListMarketsRejectsBadSort(t *testing.T) {
	r := newReader(&mockMarketStore{}, &mockPriceStore{}, &mockChainReader{}, newMemoryCache())

	_, err := r.ListMarkets(context.Background(), domain.ListOpts{SortBy: "secretColumn"})
	require.ErrorIs(t, err, domain.ErrInvalidListOpts)
}

func TestPriceHistoryCached(t *testing.T) {
	historyCalls := 0
	now := time.Now().UTC().Truncate(time.Second)
	prices := &mockPriceStore{
		historyFunc: func(ctx context.Context, marketID string) ([]domain.PriceSample, error) {
			historyCalls++
			return []domain.PriceSample{{Timestamp: now, Option: 0, Prob: 0.5}}, nil
		},
	}
	r := newReader(&mockMarketStore{}, prices, &mockChainReader{}, newMemoryCache())

	first, err := r.PriceHistory(context.Background(), "3")
	require.NoError(t, err)
	second, err := r.PriceHistory(context.Background(), "3")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, historyCalls)
}

func TestOptionPriceHistory(t *testing.T) {
	prices := &mockPriceStore{
		optionHistoryFunc: func(ctx context.Context, marketID string, option int) ([]domain.PriceSample, error) {
			assert.Equal(t, 1, option)
			return []domain.PriceSample{{Option: 1, Prob: 0.6}}, nil
		},
	}
	r := newReader(&mockMarketStore{}, prices, &mockChainReader{}, newMemoryCache())

	out, err := r.OptionPriceHistory(context.Background(), "3", 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 0.6, out[0].Prob)

	_, err = r.OptionPriceHistory(context.Background(), "3", -1)
	require.ErrorIs(t, err, domain.ErrValueOutOfRange)
}

func TestOptionHistoriesCachedSeparately(t *testing.T) {
	prices := &mockPriceStore{
		optionHistoryFunc: func(ctx context.Context, marketID string, option int) ([]domain.PriceSample, error) {
			return []domain.PriceSample{{Option: option, Prob: float64(option)}}, nil
		},
	}
	r := newReader(&mockMarketStore{}, prices, &mockChainReader{}, newMemoryCache())

	zero, err := r.OptionPriceHistory(context.Background(), "3", 0)
	require.NoError(t, err)
	one, err := r.OptionPriceHistory(context.Background(), "3", 1)
	require.NoError(t, err)

	assert.Equal(t, 0, zero[0].Option)
	assert.Equal(t, 1, one[0].Option)
}

func TestMarketCount(t *testing.T) {
	markets := &mockMarketStore{
		countFunc: func(ctx context.Context) (int64, error) { return 12, nil },
	}
	r := newReader(markets, &mockPriceStore{}, &mockChainReader{}, newMemoryCache())

	n, err := r.MarketCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}
