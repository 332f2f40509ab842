package chain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// finalizePollInterval is how often AwaitFinalization re-checks computation
// status. The computation network finalizes in seconds under normal load.
const finalizePollInterval = 2 * time.Second

// computationOffsetLen is the random offset length in bytes. The offset must
// be unique per submission so concurrent reveals for different markets never
// collide on the computation network.
const computationOffsetLen = 8

// SubmitReveal queues a probability-reveal computation for the market and
// returns the submission acknowledgment without waiting for finalization.
func (c *Client) SubmitReveal(ctx context.Context, marketID uint32) (domain.RevealSubmission, error) {
	if c.signer == nil {
		return domain.RevealSubmission{}, errors.New("chain: reveal requires a configured payer key")
	}

	offset, err := newComputationOffset()
	if err != nil {
		return domain.RevealSubmission{}, err
	}

	params := map[string]any{
		"program":           c.programID,
		"market":            marketID,
		"computationOffset": offset,
		"payer":             c.PayerPubkey(),
	}

	var result struct {
		Signature string `json:"signature"`
	}
	if err := c.call(ctx, "arx_revealProbs", params, &result); err != nil {
		return domain.RevealSubmission{}, fmt.Errorf("chain: reveal probs for market %d: %w", marketID, err)
	}

	return domain.RevealSubmission{
		MarketID:          marketID,
		ComputationOffset: offset,
		QueueSignature:    result.Signature,
	}, nil
}

// AwaitFinalization polls the computation network until the queued reveal
// finalizes or ctx expires. Callers must bound ctx; a lost computation would
// otherwise block forever.
func (c *Client) AwaitFinalization(ctx context.Context, sub domain.RevealSubmission) (string, error) {
	params := map[string]any{
		"program":           c.programID,
		"computationOffset": sub.ComputationOffset,
	}

	ticker := time.NewTicker(finalizePollInterval)
	defer ticker.Stop()

	for {
		var status struct {
			State     string `json:"state"`
			Signature string `json:"signature"`
			Error     string `json:"error"`
		}
		if err := c.call(ctx, "arx_getComputationStatus", params, &status); err != nil {
			return "", fmt.Errorf("chain: computation status for market %d: %w", sub.MarketID, err)
		}

		switch status.State {
		case "finalized":
			return status.Signature, nil
		case "failed":
			return "", fmt.Errorf("chain: computation for market %d failed: %s", sub.MarketID, status.Error)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("chain: awaiting finalization for market %d: %w", sub.MarketID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// newComputationOffset generates a fresh random computation handle.
func newComputationOffset() (string, error) {
	buf := make([]byte, computationOffsetLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("chain: generating computation offset: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
