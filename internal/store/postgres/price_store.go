package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// PriceStore is the durable backing store for per-market probability samples.
// The hot capped list lives in Redis; this table is the source used to
// repopulate it after eviction or restart.
type PriceStore struct {
	pool *pgxpool.Pool
}

// NewPriceStore creates a new PriceStore backed by the given connection pool.
func NewPriceStore(pool *pgxpool.Pool) *PriceStore {
	return &PriceStore{pool: pool}
}

// Insert appends one sample to the durable series and reports whether it was
// newly stored. A sample already present for the same market, option, and
// timestamp inserts zero rows and returns false.
func (s *PriceStore) Insert(ctx context.Context, marketID string, sample domain.PriceSample) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO market_prices (market_id, option, prob, ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (market_id, option, ts) DO NOTHING`,
		marketID, sample.Option, sample.Prob, sample.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert price for market %s: %w", marketID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Recent returns up to limit samples for the market, newest first.
func (s *PriceStore) Recent(ctx context.Context, marketID string, limit int) ([]domain.PriceSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, option, prob FROM market_prices
		WHERE market_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2`,
		marketID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent prices for market %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.PriceSample
	for rows.Next() {
		var p domain.PriceSample
		if err := rows.Scan(&p.Timestamp, &p.Option, &p.Prob); err != nil {
			return nil, fmt.Errorf("postgres: scan price: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: recent prices for market %s: %w", marketID, err)
	}
	return out, nil
}

// Delete removes the market's entire durable series.
func (s *PriceStore) Delete(ctx context.Context, marketID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM market_prices WHERE market_id = $1`, marketID)
	if err != nil {
		return fmt.Errorf("postgres: delete prices for market %s: %w", marketID, err)
	}
	return nil
}
