package domain

import "context"

// ChainReader fetches the canonical on-chain snapshot of a market.
type ChainReader interface {
	// FetchMarket performs one blocking gateway call. It returns an error
	// on RPC failure; chain-native big integers are coerced with explicit
	// range checks (ErrValueOutOfRange on overflow).
	FetchMarket(ctx context.Context, marketID uint32) (MarketSnapshot, error)
}

// RevealSubmission is the acknowledgment returned when a probability-reveal
// computation has been queued on-chain.
type RevealSubmission struct {
	MarketID uint32
	// ComputationOffset is the fresh random handle identifying the queued
	// computation on the external computation network.
	ComputationOffset string
	// QueueSignature is the transaction signature of the submission itself.
	QueueSignature string
}

// RevealSubmitter triggers asynchronous probability-reveal computations and
// awaits their out-of-band finalization.
type RevealSubmitter interface {
	// SubmitReveal queues a reveal computation and returns immediately
	// with the submission acknowledgment.
	SubmitReveal(ctx context.Context, marketID uint32) (RevealSubmission, error)
	// AwaitFinalization blocks until the computation finalizes or ctx
	// expires, returning the finalize signature. Callers must bound ctx.
	AwaitFinalization(ctx context.Context, sub RevealSubmission) (string, error)
}
