package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxpredict/marketmirror/internal/domain"
)

func ts(t time.Time) *time.Time { return &t }

func TestEligible(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	staleness := 61 * time.Second

	tests := []struct {
		name   string
		market domain.MarketRecord
		want   bool
	}{
		{
			name:   "inactive market never eligible",
			market: domain.MarketRecord{Status: domain.MarketStatusInactive},
			want:   false,
		},
		{
			name: "settled market never eligible",
			market: domain.MarketRecord{
				Status:               domain.MarketStatusSettled,
				LastBuySharesEventAt: ts(now.Add(-10 * time.Second)),
			},
			want: false,
		},
		{
			name:   "active market never revealed",
			market: domain.MarketRecord{Status: domain.MarketStatusActive},
			want:   true,
		},
		{
			name: "fresh reveal suppresses",
			market: domain.MarketRecord{
				Status:                 domain.MarketStatusActive,
				LastRevealProbsEventAt: ts(now.Add(-30 * time.Second)),
				LastBuySharesEventAt:   ts(now.Add(-5 * time.Second)),
			},
			want: false,
		},
		{
			name: "stale reveal with recent buy",
			market: domain.MarketRecord{
				Status:                 domain.MarketStatusActive,
				LastRevealProbsEventAt: ts(now.Add(-5 * time.Minute)),
				LastBuySharesEventAt:   ts(now.Add(-30 * time.Second)),
			},
			want: true,
		},
		{
			name: "stale reveal with recent sell only",
			market: domain.MarketRecord{
				Status:                 domain.MarketStatusActive,
				LastRevealProbsEventAt: ts(now.Add(-5 * time.Minute)),
				LastSellSharesEventAt:  ts(now.Add(-45 * time.Second)),
			},
			want: true,
		},
		{
			name: "stale reveal with stale trades",
			market: domain.MarketRecord{
				Status:                 domain.MarketStatusActive,
				LastRevealProbsEventAt: ts(now.Add(-10 * time.Minute)),
				LastBuySharesEventAt:   ts(now.Add(-8 * time.Minute)),
				LastSellSharesEventAt:  ts(now.Add(-9 * time.Minute)),
			},
			want: false,
		},
		{
			name: "stale reveal with no trades at all",
			market: domain.MarketRecord{
				Status:                 domain.MarketStatusActive,
				LastRevealProbsEventAt: ts(now.Add(-10 * time.Minute)),
			},
			want: false,
		},
		{
			name: "trade exactly at the staleness boundary",
			market: domain.MarketRecord{
				Status:                 domain.MarketStatusActive,
				LastRevealProbsEventAt: ts(now.Add(-5 * time.Minute)),
				LastBuySharesEventAt:   ts(now.Add(-staleness)),
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eligible(tt.market, now, staleness))
		})
	}
}

func TestLatest(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	assert.Nil(t, latest(nil, nil))
	assert.Equal(t, &earlier, latest(&earlier, nil))
	assert.Equal(t, &later, latest(nil, &later))
	assert.Equal(t, &later, latest(&earlier, &later))
	assert.Equal(t, &later, latest(&later, &earlier))
}

type mockLister struct {
	listActiveFunc func(ctx context.Context) ([]domain.MarketRecord, error)
}

func (m *mockLister) ListActive(ctx context.Context) ([]domain.MarketRecord, error) {
	return m.listActiveFunc(ctx)
}

type mockSubmitter struct {
	mu        sync.Mutex
	submitted []uint32

	submitFunc func(ctx context.Context, marketID uint32) (domain.RevealSubmission, error)
	awaitFunc  func(ctx context.Context, sub domain.RevealSubmission) (string, error)
}

func (m *mockSubmitter) SubmitReveal(ctx context.Context, marketID uint32) (domain.RevealSubmission, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, marketID)
	m.mu.Unlock()
	if m.submitFunc != nil {
		return m.submitFunc(ctx, marketID)
	}
	return domain.RevealSubmission{MarketID: marketID, ComputationOffset: "abcd", QueueSignature: "sig"}, nil
}

func (m *mockSubmitter) AwaitFinalization(ctx context.Context, sub domain.RevealSubmission) (string, error) {
	if m.awaitFunc != nil {
		return m.awaitFunc(ctx, sub)
	}
	return "finSig", nil
}

func (m *mockSubmitter) submittedIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.submitted...)
}

func newTestScheduler(lister ActiveLister, submitter domain.RevealSubmitter) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(lister, submitter, nil, Config{
		Tick:            time.Minute,
		RevealStaleness: 61 * time.Second,
		FinalizeTimeout: time.Second,
		MaxInFlight:     2,
	}, logger)
}

func TestSweepSubmitsOnlyEligible(t *testing.T) {
	now := time.Now().UTC()
	lister := &mockLister{
		listActiveFunc: func(ctx context.Context) ([]domain.MarketRecord, error) {
			return []domain.MarketRecord{
				{ID: "1", Status: domain.MarketStatusActive}, // never revealed
				{
					ID:                     "2",
					Status:                 domain.MarketStatusActive,
					LastRevealProbsEventAt: ts(now.Add(-10 * time.Second)), // fresh reveal
				},
				{
					ID:                     "3",
					Status:                 domain.MarketStatusActive,
					LastRevealProbsEventAt: ts(now.Add(-5 * time.Minute)),
					LastSellSharesEventAt:  ts(now.Add(-20 * time.Second)),
				},
			}, nil
		},
	}
	submitter := &mockSubmitter{}
	s := newTestScheduler(lister, submitter)

	s.sweep(context.Background())
	s.pool.StopAndWait()

	ids := submitter.submittedIDs()
	assert.ElementsMatch(t, []uint32{1, 3}, ids)
	assert.Equal(t, int64(2), s.Status().Submitted)
}

func TestSweepSkipsInFlightMarkets(t *testing.T) {
	lister := &mockLister{
		listActiveFunc: func(ctx context.Context) ([]domain.MarketRecord, error) {
			return []domain.MarketRecord{{ID: "5", Status: domain.MarketStatusActive}}, nil
		},
	}
	release := make(chan struct{})
	submitter := &mockSubmitter{
		awaitFunc: func(ctx context.Context, sub domain.RevealSubmission) (string, error) {
			<-release
			return "finSig", nil
		},
	}
	s := newTestScheduler(lister, submitter)

	s.sweep(context.Background())
	// Second sweep while the first reveal is still awaiting finalization.
	require.Eventually(t, func() bool {
		return len(submitter.submittedIDs()) == 1
	}, time.Second, 10*time.Millisecond)
	s.sweep(context.Background())
	close(release)
	s.pool.StopAndWait()

	assert.Len(t, submitter.submittedIDs(), 1)
}

func TestSweepCountsSubmissionFailures(t *testing.T) {
	lister := &mockLister{
		listActiveFunc: func(ctx context.Context) ([]domain.MarketRecord, error) {
			return []domain.MarketRecord{{ID: "8", Status: domain.MarketStatusActive}}, nil
		},
	}
	submitter := &mockSubmitter{
		submitFunc: func(ctx context.Context, marketID uint32) (domain.RevealSubmission, error) {
			return domain.RevealSubmission{}, context.DeadlineExceeded
		},
	}
	s := newTestScheduler(lister, submitter)

	s.sweep(context.Background())
	s.pool.StopAndWait()

	st := s.Status()
	assert.Equal(t, int64(0), st.Submitted)
	assert.Equal(t, int64(1), st.Failed)
}
