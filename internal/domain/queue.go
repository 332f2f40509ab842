package domain

import (
	"context"
	"encoding/json"
	"time"
)

// QueueJob is one captured event envelope plus its queue metadata. The event
// source creates it, the queue owns its retry lifecycle, and the reconciler
// consumes it.
type QueueJob struct {
	ID         string          `json:"id"`
	Kind       EventKind       `json:"kind"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
}

// JobOutcome is the terminal state of a queue job.
type JobOutcome string

const (
	JobSucceeded    JobOutcome = "succeeded"
	JobDeadLettered JobOutcome = "dead_lettered"
)

// JobRecord is a retained trace of a finished job, kept for inspection under
// the queue's bounded retention policy.
type JobRecord struct {
	Job        QueueJob   `json:"job"`
	Outcome    JobOutcome `json:"outcome"`
	Error      string     `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finishedAt"`
}

// QueueStats is the health snapshot of the event queue.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Scheduled  int64 `json:"scheduled"`
	Dead       int64 `json:"dead"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
}

// Enqueuer is the narrow queue interface the event source depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, job QueueJob) error
}
