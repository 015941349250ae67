package anomaly

import (
	"context"
	"fmt"
)

// HeuristicScorer is the default in-process scorer. It weighs how much of
// the batch the guards already suppressed and whether the traffic is
// anonymous; deployments wanting heavier models plug in their own Scorer.
type HeuristicScorer struct {
	BlockedWeight   float64
	DedupedWeight   float64
	AnonymousWeight float64
}

func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{
		BlockedWeight:   0.6,
		DedupedWeight:   0.25,
		AnonymousWeight: 0.15,
	}
}

func (h *HeuristicScorer) Score(ctx context.Context, identityKey string, sample Sample) (Result, error) {
	components := make(map[string]float64, 3)

	size := sample.BatchSize
	if size <= 0 {
		size = 1
	}

	components["blocked_ratio"] = float64(sample.Blocked) / float64(size)
	components["deduped_ratio"] = float64(sample.Deduped) / float64(size)
	if sample.UserID == "" {
		components["anonymous"] = 1
	} else {
		components["anonymous"] = 0
	}

	overall := h.BlockedWeight*components["blocked_ratio"] +
		h.DedupedWeight*components["deduped_ratio"] +
		h.AnonymousWeight*components["anonymous"]
	if overall > 1 {
		overall = 1
	}

	return Result{
		Overall:    overall,
		Components: components,
		Metadata: map[string]string{
			"identity":   identityKey,
			"event_type": sample.EventType,
			"batch_size": fmt.Sprintf("%d", sample.BatchSize),
		},
	}, nil
}
