// Package scheduler drives the periodic probability reveals: a cron sweep
// finds active markets whose published probabilities have gone stale behind
// fresh trading and submits reveal computations for them, bounded by a worker
// pool. A separate daily job keeps the reveal payer funded on faucet networks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// airdropLamports is the amount requested per payer top-up.
const airdropLamports = 1_000_000_000

// ActiveLister is the slice of the market store the sweep needs.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]domain.MarketRecord, error)
}

// PayerOps is the slice of the chain client the funding job needs.
type PayerOps interface {
	RequestAirdrop(ctx context.Context, pubkey string, lamports int64) (string, error)
	PayerBalance(ctx context.Context) (int64, error)
	PayerPubkey() string
}

// Config holds scheduler timing parameters.
type Config struct {
	// Tick is the sweep interval.
	Tick time.Duration
	// RevealStaleness is the window used both ways: a reveal older than
	// this is stale, and trading newer than this counts as fresh.
	RevealStaleness time.Duration
	// FinalizeTimeout bounds each finalization await.
	FinalizeTimeout time.Duration
	// MaxInFlight bounds concurrent reveal submissions.
	MaxInFlight int
	// AirdropCron schedules the payer top-up ("" disables it).
	AirdropCron string
}

// Status is a point-in-time health snapshot of the scheduler.
type Status struct {
	Running   bool      `json:"running"`
	LastSweep time.Time `json:"lastSweep"`
	Submitted int64     `json:"submitted"`
	Failed    int64     `json:"failed"`
}

// Scheduler owns the reveal sweep and the payer funding job.
type Scheduler struct {
	markets   ActiveLister
	submitter domain.RevealSubmitter
	payer     PayerOps
	cfg       Config
	logger    *slog.Logger
	pool      pond.Pool

	mu       sync.Mutex
	inFlight map[string]struct{}

	running   atomic.Bool
	lastSweep atomic.Int64
	submitted atomic.Int64
	failed    atomic.Int64
}

// New creates a scheduler. payer may be nil when the network has no faucet.
func New(markets ActiveLister, submitter domain.RevealSubmitter, payer PayerOps, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	return &Scheduler{
		markets:   markets,
		submitter: submitter,
		payer:     payer,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		pool:      pond.NewPool(cfg.MaxInFlight),
		inFlight:  make(map[string]struct{}),
	}
}

// Run installs the cron entries and blocks until ctx is cancelled. In-flight
// reveals are drained before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)

	sweepSpec := fmt.Sprintf("@every %s", s.cfg.Tick)
	if _, err := c.AddFunc(sweepSpec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduler: add sweep entry: %w", err)
	}

	if s.cfg.AirdropCron != "" && s.payer != nil {
		if _, err := c.AddFunc(s.cfg.AirdropCron, func() { s.topUpPayer(ctx) }); err != nil {
			return fmt.Errorf("scheduler: add airdrop entry: %w", err)
		}
	}

	s.running.Store(true)
	defer s.running.Store(false)

	c.Start()
	s.logger.Info("scheduler started",
		"tick", s.cfg.Tick, "staleness", s.cfg.RevealStaleness, "max_in_flight", s.cfg.MaxInFlight)

	<-ctx.Done()
	<-c.Stop().Done()
	s.pool.StopAndWait()
	return nil
}

// sweep submits a reveal for every eligible active market not already in
// flight.
func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.lastSweep.Store(now.UnixMilli())

	markets, err := s.markets.ListActive(ctx)
	if err != nil {
		s.logger.Error("sweep failed to list active markets", "error", err)
		return
	}

	eligible := 0
	for _, m := range markets {
		if !Eligible(m, now, s.cfg.RevealStaleness) {
			continue
		}
		if !s.claim(m.ID) {
			continue
		}
		eligible++
		market := m
		s.pool.Submit(func() {
			defer s.release(market.ID)
			s.reveal(ctx, market)
		})
	}
	if eligible > 0 {
		s.logger.Info("sweep submitted reveals", "eligible", eligible, "active", len(markets))
	}
}

// Eligible reports whether the market needs a reveal at time now: it must be
// active and either never revealed, or revealed longer than staleness ago
// with a trade landing inside the staleness window since then.
func Eligible(m domain.MarketRecord, now time.Time, staleness time.Duration) bool {
	if m.Status != domain.MarketStatusActive {
		return false
	}
	if m.LastRevealProbsEventAt == nil {
		return true
	}
	if now.Sub(*m.LastRevealProbsEventAt) < staleness {
		return false
	}

	lastTrade := latest(m.LastBuySharesEventAt, m.LastSellSharesEventAt)
	if lastTrade == nil {
		return false
	}
	return now.Sub(*lastTrade) <= staleness
}

// latest returns the later of two optional timestamps.
func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.After(*b):
		return a
	default:
		return b
	}
}

// reveal submits one computation and awaits its finalization.
func (s *Scheduler) reveal(ctx context.Context, m domain.MarketRecord) {
	marketID, err := domain.ParseMarketID(m.ID)
	if err != nil {
		s.logger.Error("skipping market with unparseable id", "market_id", m.ID, "error", err)
		return
	}

	sub, err := s.submitter.SubmitReveal(ctx, marketID)
	if err != nil {
		s.failed.Add(1)
		s.logger.Error("reveal submission failed", "market_id", m.ID, "error", err)
		s.logPayerBalance(ctx)
		return
	}
	s.submitted.Add(1)
	s.logger.Info("reveal submitted",
		"market_id", m.ID, "offset", sub.ComputationOffset, "signature", sub.QueueSignature)

	finCtx, cancel := context.WithTimeout(ctx, s.cfg.FinalizeTimeout)
	defer cancel()
	sig, err := s.submitter.AwaitFinalization(finCtx, sub)
	if err != nil {
		s.failed.Add(1)
		s.logger.Error("reveal finalization failed", "market_id", m.ID, "error", err)
		return
	}
	s.logger.Info("reveal finalized", "market_id", m.ID, "signature", sig)
}

// logPayerBalance attaches the payer balance to submission failures, since
// an empty payer is their most common cause.
func (s *Scheduler) logPayerBalance(ctx context.Context) {
	if s.payer == nil {
		return
	}
	balance, err := s.payer.PayerBalance(ctx)
	if err != nil {
		s.logger.Warn("payer balance check failed", "error", err)
		return
	}
	s.logger.Info("payer balance", "lamports", balance)
}

// topUpPayer requests the daily faucet drop.
func (s *Scheduler) topUpPayer(ctx context.Context) {
	sig, err := s.payer.RequestAirdrop(ctx, s.payer.PayerPubkey(), airdropLamports)
	if err != nil {
		s.logger.Warn("airdrop request failed", "error", err)
		return
	}
	s.logger.Info("airdrop requested", "lamports", int64(airdropLamports), "signature", sig)
}

// claim marks the market as having a reveal in flight.
func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// Status reports scheduler health for the status endpoint.
func (s *Scheduler) Status() Status {
	var last time.Time
	if ms := s.lastSweep.Load(); ms > 0 {
		last = time.UnixMilli(ms).UTC()
	}
	return Status{
		Running:   s.running.Load(),
		LastSweep: last,
		Submitted: s.submitted.Load(),
		Failed:    s.failed.Load(),
	}
}

// cronLogger adapts slog to the cron logger interface used by the recovery
// chain.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
