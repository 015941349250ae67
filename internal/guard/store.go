// Package guard holds the short-window suppression caches: a view dedupe
// filter and a per-minute burst cap. Both are bounded in-memory maps with a
// periodic sweep, independent of the longer-horizon rate limiter.
package guard

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const globalScope = "global"

type Config struct {
	// ViewDedupeWindow is how long a repeat view from the same identity
	// stays suppressed.
	ViewDedupeWindow time.Duration
	// BurstWindow bounds the identical-event counter; MaxPerBurstWindow is
	// the cap inside one window.
	BurstWindow       time.Duration
	MaxPerBurstWindow int

	SweepInterval time.Duration
}

// Store is process-wide abuse-suppression state with an explicit lifecycle.
// Losing it on restart is acceptable; it only widens the counting window
// briefly.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	views  map[string]time.Time
	bursts map[string]*burstWindow

	now func() time.Time

	sweepDone chan struct{}
	sweepOnce sync.Once
}

type burstWindow struct {
	count int
	start time.Time
}

func New(cfg Config, logger *zap.Logger) *Store {
	if cfg.ViewDedupeWindow <= 0 {
		cfg.ViewDedupeWindow = 10 * time.Minute
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = time.Minute
	}
	if cfg.MaxPerBurstWindow <= 0 {
		cfg.MaxPerBurstWindow = 30
	}

	s := &Store{
		cfg:       cfg,
		logger:    logger,
		views:     make(map[string]time.Time),
		bursts:    make(map[string]*burstWindow),
		now:       time.Now,
		sweepDone: make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go s.sweepLoop()
	}

	return s
}

// CountView reports whether a view from this identity for this rule should
// be counted. A suppressed view does not refresh the last-seen stamp, so
// the window expires naturally from the last counted view.
func (s *Store) CountView(ipHash, ruleID string, at time.Time) bool {
	key := ipHash + ":" + ruleID

	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.views[key]
	if seen && at.Sub(last) < s.cfg.ViewDedupeWindow {
		return false
	}
	s.views[key] = at
	return true
}

// AllowBurst admits up to the remaining burst budget out of n identical
// events for one (type, rule, identity) group and returns how many passed.
// The counter tracks attempts, so a flooding identity stays capped until
// its window expires.
func (s *Store) AllowBurst(eventType, ruleID, ipHash string, n int, at time.Time) int {
	if n <= 0 {
		return 0
	}
	scope := ruleID
	if scope == "" {
		scope = globalScope
	}
	key := fmt.Sprintf("%s:%s:%s", eventType, scope, ipHash)

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.bursts[key]
	if w == nil || at.Sub(w.start) >= s.cfg.BurstWindow {
		w = &burstWindow{start: at}
		s.bursts[key] = w
	}

	allowed := s.cfg.MaxPerBurstWindow - w.count
	if allowed > n {
		allowed = n
	}
	if allowed < 0 {
		allowed = 0
	}
	w.count += n

	if allowed < n {
		s.logger.Info("Burst guard truncated event group",
			zap.String("event_type", eventType),
			zap.String("scope", scope),
			zap.Int("allowed", allowed),
			zap.Int("blocked", n-allowed),
		)
	}

	return allowed
}

// Sweep drops expired entries from both caches.
func (s *Store) Sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, last := range s.views {
		if now.Sub(last) >= s.cfg.ViewDedupeWindow {
			delete(s.views, key)
		}
	}
	for key, w := range s.bursts {
		if now.Sub(w.start) >= s.cfg.BurstWindow {
			delete(s.bursts, key)
		}
	}
}

// Shutdown stops the background sweep. Safe to call more than once.
func (s *Store) Shutdown() {
	s.sweepOnce.Do(func() { close(s.sweepDone) })
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.sweepDone:
			return
		}
	}
}
