// Package reconcile applies captured chain events to the mirrored market
// state. Handlers are idempotent where the event carries an identity and
// convergent everywhere else, so at-least-once delivery never corrupts the
// mirror.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// Reconciler is the queue handler that folds events into the market mirror.
type Reconciler struct {
	markets domain.MarketStore
	prices  domain.PriceStore
	cache   domain.QueryCache
	chain   domain.ChainReader
	logger  *slog.Logger
}

// New creates a reconciler over the given stores.
func New(
	markets domain.MarketStore,
	prices domain.PriceStore,
	cache domain.QueryCache,
	chain domain.ChainReader,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		markets: markets,
		prices:  prices,
		cache:   cache,
		chain:   chain,
		logger:  logger.With("component", "reconciler"),
	}
}

// Handle processes one captured event job. Returning an error schedules a
// redelivery, so every path that already converged must return nil.
func (r *Reconciler) Handle(ctx context.Context, job domain.QueueJob) error {
	event, err := domain.DecodeEvent(job.Kind, job.Payload)
	if err != nil {
		// Malformed payloads never improve with retries, but letting the
		// queue exhaust them keeps the evidence in the dead-letter list.
		return fmt.Errorf("reconcile: decode %s job %s: %w", job.Kind, job.ID, err)
	}

	marketID := event.Market()
	id := domain.MarketIDString(marketID)

	var mutated bool
	switch ev := event.(type) {
	case domain.RevealProbsEvent:
		mutated, err = r.applyReveal(ctx, id, job, ev)
	case domain.BuySharesEvent:
		mutated, err = r.applyTrade(ctx, id, marketID, job, domain.TradeSideBuy, ev.Status, ev.TVL, ev.Signature)
	case domain.SellSharesEvent:
		mutated, err = r.applyTrade(ctx, id, marketID, job, domain.TradeSideSell, ev.Status, ev.TVL, ev.Signature)
	case domain.InitMarketStatsEvent:
		mutated, err = r.applyInit(ctx, id, marketID, job)
	case domain.MarketSettledEvent:
		mutated, err = r.applySettlement(ctx, id, job, ev)
	default:
		return fmt.Errorf("reconcile: %w: %T", domain.ErrUnknownEventKind, event)
	}
	if err != nil {
		return err
	}

	if mutated {
		// Invalidation failures degrade freshness, never correctness; the
		// cache TTL bounds the staleness window.
		_ = r.cache.Invalidate(ctx, id)
	}
	return nil
}

// ensureMarket materializes the market row from chain when the mirror has
// never seen it, e.g. after the mirror started mid-stream.
func (r *Reconciler) ensureMarket(ctx context.Context, id string, marketID uint32) error {
	_, err := r.markets.GetByID(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("reconcile: load market %s: %w", id, err)
	}

	snap, err := r.chain.FetchMarket(ctx, marketID)
	if err != nil {
		return fmt.Errorf("reconcile: fetch market %s from chain: %w", id, err)
	}
	if err := r.markets.Upsert(ctx, snap.Record()); err != nil {
		return err
	}
	r.logger.Info("materialized market from chain", "market_id", id)
	return nil
}

// applyReveal records one price sample per option and overwrites the
// mirrored probabilities. Replays overwrite with identical values.
func (r *Reconciler) applyReveal(ctx context.Context, id string, job domain.QueueJob, ev domain.RevealProbsEvent) (bool, error) {
	if err := r.ensureMarket(ctx, id, ev.MarketID); err != nil {
		return false, err
	}

	for option, prob := range ev.Probs {
		sample := domain.PriceSample{
			Timestamp: job.OccurredAt,
			Option:    option,
			Prob:      prob,
		}
		if err := r.prices.Append(ctx, id, sample); err != nil {
			return false, fmt.Errorf("reconcile: append price for market %s option %d: %w", id, option, err)
		}
	}

	if err := r.markets.ApplyReveal(ctx, id, ev.Probs, ev.Votes, job.OccurredAt); err != nil {
		return false, err
	}
	r.logger.Info("applied reveal", "market_id", id, "options", len(ev.Probs))
	return true, nil
}

// applyTrade bumps the side's counter and tvl once per on-chain signature.
// The store claims the signature and applies the update atomically, so a
// delivery that fails partway leaves nothing behind and retries cleanly.
func (r *Reconciler) applyTrade(ctx context.Context, id string, marketID uint32, job domain.QueueJob, side domain.TradeSide, statusCode uint8, tvl int64, signature string) (bool, error) {
	if domain.MarketStatusFromChain(statusCode) == domain.MarketStatusInactive {
		// Trades observed before activation carry no stats to mirror.
		r.logger.Debug("skipping trade on inactive market", "market_id", id, "side", side)
		return false, nil
	}

	if err := r.ensureMarket(ctx, id, marketID); err != nil {
		return false, err
	}
	applied, err := r.markets.ApplyTrade(ctx, id, side, tvl, job.OccurredAt, signature)
	if err != nil {
		return false, err
	}
	if !applied {
		r.logger.Debug("skipping replayed trade", "market_id", id, "signature", signature)
		return false, nil
	}
	r.logger.Info("applied trade", "market_id", id, "side", side, "tvl", tvl)
	return true, nil
}

// applyInit stamps the stats-initialization marker.
func (r *Reconciler) applyInit(ctx context.Context, id string, marketID uint32, job domain.QueueJob) (bool, error) {
	if err := r.ensureMarket(ctx, id, marketID); err != nil {
		return false, err
	}
	if err := r.markets.MarkInitialized(ctx, id, job.OccurredAt); err != nil {
		return false, err
	}
	r.logger.Info("market stats initialized", "market_id", id)
	return true, nil
}

// applySettlement marks the market settled regardless of its mirrored state;
// settlement observed on chain is authoritative.
func (r *Reconciler) applySettlement(ctx context.Context, id string, job domain.QueueJob, ev domain.MarketSettledEvent) (bool, error) {
	if err := r.ensureMarket(ctx, id, ev.MarketID); err != nil {
		return false, err
	}
	if err := r.markets.ApplySettlement(ctx, id, ev.WinningOutcome, ev.Probs, ev.Votes, job.OccurredAt); err != nil {
		return false, err
	}
	r.logger.Info("applied settlement", "market_id", id, "winning_option", ev.WinningOutcome)
	return true, nil
}
