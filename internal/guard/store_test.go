package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{
		ViewDedupeWindow:  10 * time.Minute,
		BurstWindow:       time.Minute,
		MaxPerBurstWindow: 30,
	}, zap.NewNop())
	t.Cleanup(s.Shutdown)
	return s
}

func TestCountViewDedupeWindow(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	require.True(t, s.CountView("ip1", "r1", base))
	assert.False(t, s.CountView("ip1", "r1", base.Add(time.Second)))
	assert.False(t, s.CountView("ip1", "r1", base.Add(9*time.Minute)))

	// Suppressed views must not refresh the stamp, so the window expires
	// relative to the first counted view.
	assert.True(t, s.CountView("ip1", "r1", base.Add(10*time.Minute)))
}

func TestCountViewIndependentKeys(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	require.True(t, s.CountView("ip1", "r1", base))
	assert.True(t, s.CountView("ip1", "r2", base))
	assert.True(t, s.CountView("ip2", "r1", base))
}

func TestAllowBurstCap(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30, s.AllowBurst("COPY", "r2", "ip1", 35, base))
	assert.Equal(t, 0, s.AllowBurst("COPY", "r2", "ip1", 5, base.Add(time.Second)))
}

func TestAllowBurstAccumulatesAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 20, s.AllowBurst("VIEW", "r1", "ip1", 20, base))
	assert.Equal(t, 10, s.AllowBurst("VIEW", "r1", "ip1", 15, base.Add(10*time.Second)))
}

func TestAllowBurstWindowReset(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	require.Equal(t, 30, s.AllowBurst("COPY", "r2", "ip1", 40, base))
	// A fresh window starts once the old one has fully elapsed.
	assert.Equal(t, 30, s.AllowBurst("COPY", "r2", "ip1", 40, base.Add(time.Minute)))
}

func TestAllowBurstGlobalScopeForMissingRule(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	require.Equal(t, 30, s.AllowBurst("VOTE", "", "ip1", 30, base))
	// Same identity and type without a rule shares the global window.
	assert.Equal(t, 0, s.AllowBurst("VOTE", "", "ip1", 1, base.Add(time.Second)))
	// A rule-scoped group is a different window.
	assert.Equal(t, 1, s.AllowBurst("VOTE", "r9", "ip1", 1, base.Add(time.Second)))
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	s.CountView("ip1", "r1", base)
	s.AllowBurst("VIEW", "r1", "ip1", 1, base)

	s.now = func() time.Time { return base.Add(time.Hour) }
	s.Sweep()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.views)
	assert.Empty(t, s.bursts)
}
