package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// Upsert inserts or refreshes a market from a chain snapshot. Chain reads can
// race the event stream, so the update clamps regressions: status never moves
// backward, counters and the chain clock never decrease, and created_at is
// preserved on conflict.
func (s *MarketStore) Upsert(ctx context.Context, m domain.MarketRecord) error {
	const query = `
		INSERT INTO markets (
			id, authority, question, options, probs, votes,
			liquidity_parameter, mint, tvl, status, winning_option,
			num_buy_events, num_sell_events, market_updated_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			authority           = EXCLUDED.authority,
			question            = EXCLUDED.question,
			options             = EXCLUDED.options,
			probs               = EXCLUDED.probs,
			votes               = EXCLUDED.votes,
			liquidity_parameter = EXCLUDED.liquidity_parameter,
			mint                = EXCLUDED.mint,
			tvl                 = EXCLUDED.tvl,
			status = CASE
				WHEN markets.status = 'settled' THEN markets.status
				WHEN markets.status = 'active' AND EXCLUDED.status = 'inactive' THEN markets.status
				ELSE EXCLUDED.status
			END,
			winning_option    = COALESCE(EXCLUDED.winning_option, markets.winning_option),
			num_buy_events    = GREATEST(markets.num_buy_events, EXCLUDED.num_buy_events),
			num_sell_events   = GREATEST(markets.num_sell_events, EXCLUDED.num_sell_events),
			market_updated_at = GREATEST(markets.market_updated_at, EXCLUDED.market_updated_at),
			updated_at        = NOW()`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Authority, m.Question, m.Options, m.Probs, m.Votes,
		m.LiquidityParameter, m.Mint, m.TVL, string(m.Status), m.WinningOption,
		m.NumBuyEvents, m.NumSellEvents, m.MarketUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

const marketCols = `id, authority, question, options, probs, votes,
	liquidity_parameter, mint, tvl, status, winning_option,
	num_buy_events, num_sell_events, market_updated_at,
	last_reveal_probs_event_at, last_buy_shares_event_at,
	last_sell_shares_event_at, last_init_market_stats_event_at,
	last_market_settled_event_at, created_at, updated_at`

// scanMarket scans a single market row into a domain.MarketRecord.
func scanMarket(row pgx.Row) (domain.MarketRecord, error) {
	var m domain.MarketRecord
	var status string
	err := row.Scan(
		&m.ID, &m.Authority, &m.Question, &m.Options, &m.Probs, &m.Votes,
		&m.LiquidityParameter, &m.Mint, &m.TVL, &status, &m.WinningOption,
		&m.NumBuyEvents, &m.NumSellEvents, &m.MarketUpdatedAt,
		&m.LastRevealProbsEventAt, &m.LastBuySharesEventAt,
		&m.LastSellSharesEventAt, &m.LastInitMarketStatsEventAt,
		&m.LastMarketSettledEventAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.MarketRecord{}, err
	}
	m.Status = domain.MarketStatus(status)
	return m, nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.MarketRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketRecord{}, domain.ErrNotFound
		}
		return domain.MarketRecord{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// sortColumns maps API sort field names onto real columns. The map doubles as
// the SQL-injection guard: anything outside it never reaches the query text.
var sortColumns = map[string]string{
	"createdAt":       "created_at",
	"updatedAt":       "updated_at",
	"marketUpdatedAt": "market_updated_at",
	"tvl":             "tvl",
	"numBuyEvents":    "num_buy_events",
	"numSellEvents":   "num_sell_events",
	"question":        "question",
	"status":          "status",
}

// List returns a page of markets ordered per opts.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	col, ok := sortColumns[opts.SortBy]
	if !ok {
		return nil, fmt.Errorf("%w: sortBy %q", domain.ErrInvalidListOpts, opts.SortBy)
	}
	dir := "DESC"
	if opts.Order == "asc" {
		dir = "ASC"
	}

	query := `SELECT ` + marketCols + ` FROM markets`
	args := []any{}
	if opts.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*opts.Status))
	}
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT %d OFFSET %d", col, dir, opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketRecord
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	return out, nil
}

// ListActive returns every active market, oldest first. The reveal sweep
// iterates this set.
func (s *MarketStore) ListActive(ctx context.Context) ([]domain.MarketRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets WHERE status = 'active' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active markets: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketRecord
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active markets: %w", err)
	}
	return out, nil
}

// Count returns the total number of mirrored markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

// ApplyReveal overwrites probs and votes and stamps the reveal timestamp.
// Replaying the same reveal converges on the same row state.
func (s *MarketStore) ApplyReveal(ctx context.Context, id string, probs []float64, votes []int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE markets SET
			probs = $2,
			votes = $3,
			last_reveal_probs_event_at = $4,
			updated_at = NOW()
		WHERE id = $1`,
		id, probs, votes, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: apply reveal for market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// tradeColumns maps a trade side onto its counter and timestamp columns plus
// the event kind recorded in the idempotency log.
func tradeColumns(side domain.TradeSide) (counter, stamp string, kind domain.EventKind, err error) {
	switch side {
	case domain.TradeSideBuy:
		return "num_buy_events", "last_buy_shares_event_at", domain.EventBuyShares, nil
	case domain.TradeSideSell:
		return "num_sell_events", "last_sell_shares_event_at", domain.EventSellShares, nil
	default:
		return "", "", "", fmt.Errorf("postgres: unknown trade side %q", side)
	}
}

// ApplyTrade increments the side's counter, overwrites tvl, and stamps the
// side's last-event timestamp. A non-empty signature is claimed in
// market_event_log within the same statement, so the claim and the update
// commit or fail together; a signature claimed by an earlier delivery
// applies nothing and returns false.
func (s *MarketStore) ApplyTrade(ctx context.Context, id string, side domain.TradeSide, tvl int64, at time.Time, signature string) (bool, error) {
	counter, stamp, kind, err := tradeColumns(side)
	if err != nil {
		return false, err
	}

	if signature == "" {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE markets SET
				%s = %s + 1,
				tvl = $2,
				%s = $3,
				updated_at = NOW()
			WHERE id = $1`, counter, counter, stamp),
			id, tvl, at,
		)
		if err != nil {
			return false, fmt.Errorf("postgres: apply %s trade for market %s: %w", side, id, err)
		}
		if tag.RowsAffected() == 0 {
			return false, domain.ErrNotFound
		}
		return true, nil
	}

	query := fmt.Sprintf(`
		WITH market AS (
			SELECT id FROM markets WHERE id = $1
		), claimed AS (
			INSERT INTO market_event_log (signature, market_id, kind)
			SELECT $4, $1, $5 FROM market
			ON CONFLICT (signature) DO NOTHING
			RETURNING signature
		), updated AS (
			UPDATE markets SET
				%s = %s + 1,
				tvl = $2,
				%s = $3,
				updated_at = NOW()
			WHERE id = $1 AND EXISTS (SELECT 1 FROM claimed)
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM market), EXISTS (SELECT 1 FROM claimed)`,
		counter, counter, stamp)

	var exists, claimed bool
	err = s.pool.QueryRow(ctx, query, id, tvl, at, signature, string(kind)).Scan(&exists, &claimed)
	if err != nil {
		return false, fmt.Errorf("postgres: apply %s trade for market %s: %w", side, id, err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return claimed, nil
}

// ApplySettlement marks the market settled with its final outcome. Settlement
// is terminal; a later snapshot upsert cannot undo it.
func (s *MarketStore) ApplySettlement(ctx context.Context, id string, winning int, probs []float64, votes []int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE markets SET
			status = 'settled',
			winning_option = $2,
			probs = $3,
			votes = $4,
			last_market_settled_event_at = $5,
			updated_at = NOW()
		WHERE id = $1`,
		id, winning, probs, votes, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: apply settlement for market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkInitialized stamps the stats-initialization timestamp.
func (s *MarketStore) MarkInitialized(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE markets SET
			last_init_market_stats_event_at = $2,
			updated_at = NOW()
		WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark market %s initialized: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
