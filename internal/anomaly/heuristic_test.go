package anomaly

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicScorerCleanBatch(t *testing.T) {
	s := NewHeuristicScorer()

	result, err := s.Score(context.Background(), "ip-hash", Sample{
		EventType: "VIEW",
		UserID:    "u1",
		BatchSize: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, 0.0, result.Overall)
	assert.Equal(t, 0.0, result.Components["blocked_ratio"])
}

func TestHeuristicScorerSuppressedAnonymousBatch(t *testing.T) {
	s := NewHeuristicScorer()

	result, err := s.Score(context.Background(), "ip-hash", Sample{
		EventType: "COPY",
		BatchSize: 50,
		Blocked:   40,
		Deduped:   5,
	})
	require.NoError(t, err)

	assert.Greater(t, result.Overall, 0.6)
	assert.LessOrEqual(t, result.Overall, 1.0)
	assert.Equal(t, 1.0, result.Components["anonymous"])
	assert.Equal(t, "ip-hash", result.Metadata["identity"])
}

func TestHeuristicScorerZeroBatchSize(t *testing.T) {
	s := NewHeuristicScorer()

	result, err := s.Score(context.Background(), "ip-hash", Sample{EventType: "VOTE"})
	require.NoError(t, err)
	assert.LessOrEqual(t, result.Overall, 1.0)
}
