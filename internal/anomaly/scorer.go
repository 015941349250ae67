// Package anomaly defines the pluggable scoring signal the ingestion
// pipeline consults. Scores are advisory: the pipeline logs a warning above
// a threshold but never blocks on them.
package anomaly

import "context"

// Sample is the slice of batch context handed to a scorer: one
// representative event plus the batch-level suppression counts.
type Sample struct {
	EventType string
	RuleID    string
	UserID    string
	BatchSize int
	Blocked   int
	Deduped   int
}

// Result reports a composite suspicion score in [0,1] with its per-signal
// breakdown for observability.
type Result struct {
	Overall    float64
	Components map[string]float64
	Metadata   map[string]string
}

// Scorer scores one identity's event stream segment. Implementations must
// treat errors as their own failures; callers swallow them.
type Scorer interface {
	Score(ctx context.Context, identityKey string, sample Sample) (Result, error)
}
