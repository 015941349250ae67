// Package ratelimit implements an in-memory, per-key rate limiter with a
// sliding-window strategy and a token-bucket alternative. State is
// process-local and safe to lose on restart; callers fail open when the
// limiter misbehaves, since abuse prevention must never take down the
// feature it protects.
package ratelimit

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Strategy string

const (
	SlidingWindow Strategy = "sliding"
	TokenBucket   Strategy = "bucket"
)

const keyPlaceholder = "-"

// minRetryAfter floors retry hints so callers never busy-loop on a
// zero or negative wait.
const minRetryAfter = time.Second

// Limit describes one bucket's budget: at most Max weighted hits per Window.
type Limit struct {
	Window time.Duration
	Max    int
}

// Decision reports one consume/check outcome.
type Decision struct {
	OK         bool
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Duration
}

type Config struct {
	Strategy      Strategy
	Shards        int
	SweepInterval time.Duration
	StaleAfter    time.Duration
}

// Store is an explicitly constructed, injectable limiter with a documented
// lifecycle: New starts the background sweep, Shutdown stops it. Keys are
// sharded so concurrent consumers only contend within a shard.
type Store struct {
	cfg    Config
	logger *zap.Logger
	shards []*shard

	now func() time.Time

	sweepDone chan struct{}
	sweepOnce sync.Once
}

type shard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	buckets map[string]*bucketState
}

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

func New(cfg Config, logger *zap.Logger) *Store {
	if cfg.Strategy == "" {
		cfg.Strategy = SlidingWindow
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}

	s := &Store{
		cfg:       cfg,
		logger:    logger,
		shards:    make([]*shard, cfg.Shards),
		now:       time.Now,
		sweepDone: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			windows: make(map[string][]time.Time),
			buckets: make(map[string]*bucketState),
		}
	}

	if cfg.SweepInterval > 0 {
		go s.sweepLoop()
	}

	return s
}

// Key composes a limiter key from a bucket name and identity parts. Absent
// parts collapse to a placeholder so anonymous and authenticated traffic
// land in distinguishable but well-formed keys.
func Key(bucket, userID, ipHash, uaHash, extra string) string {
	parts := []string{bucket, userID, ipHash, uaHash, extra}
	for i, p := range parts {
		if p == "" {
			parts[i] = keyPlaceholder
		}
	}
	return strings.Join(parts, ":")
}

// Consume attempts to spend weight hits against the key's budget. A
// rejection never mutates state.
func (s *Store) Consume(key string, weight int, lim Limit) Decision {
	if weight <= 0 {
		weight = 1
	}
	now := s.now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s.cfg.Strategy == TokenBucket {
		return sh.consumeTokens(key, weight, lim, now)
	}
	return sh.consumeWindow(key, weight, lim, now)
}

// Check reports the key's current budget without spending anything.
func (s *Store) Check(key string, lim Limit) Decision {
	now := s.now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s.cfg.Strategy == TokenBucket {
		b, ok := sh.buckets[key]
		if !ok {
			return Decision{OK: true, Remaining: lim.Max}
		}
		tokens := refill(b, lim, now)
		return Decision{
			OK:        tokens >= 1,
			Remaining: int(tokens),
			Reset:     timeToFull(tokens, lim),
		}
	}

	stamps := pruned(sh.windows[key], lim.Window, now)
	sh.windows[key] = stamps
	d := Decision{
		OK:        len(stamps) < lim.Max,
		Remaining: lim.Max - len(stamps),
	}
	if len(stamps) > 0 {
		d.Reset = stamps[0].Add(lim.Window).Sub(now)
	}
	return d
}

// Sweep drops keys whose most recent activity is older than the stale
// horizon. Best effort only: stale entries are also self-correcting via the
// window check.
func (s *Store) Sweep() {
	horizon := s.now().Add(-s.cfg.StaleAfter)
	removed := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, stamps := range sh.windows {
			if len(stamps) == 0 || stamps[len(stamps)-1].Before(horizon) {
				delete(sh.windows, key)
				removed++
			}
		}
		for key, b := range sh.buckets {
			if b.lastRefill.Before(horizon) {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		s.logger.Debug("Rate limit sweep completed", zap.Int("removed", removed))
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

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

func (sh *shard) consumeWindow(key string, weight int, lim Limit, now time.Time) Decision {
	stamps := pruned(sh.windows[key], lim.Window, now)

	if len(stamps)+weight > lim.Max {
		sh.windows[key] = stamps
		d := Decision{Remaining: lim.Max - len(stamps)}
		if d.Remaining < 0 {
			d.Remaining = 0
		}
		if len(stamps) > 0 {
			d.Reset = stamps[0].Add(lim.Window).Sub(now)
		}
		d.RetryAfter = d.Reset
		if d.RetryAfter < minRetryAfter {
			d.RetryAfter = minRetryAfter
		}
		return d
	}

	for i := 0; i < weight; i++ {
		stamps = append(stamps, now)
	}
	sh.windows[key] = stamps

	return Decision{
		OK:        true,
		Remaining: lim.Max - len(stamps),
		Reset:     stamps[0].Add(lim.Window).Sub(now),
	}
}

func (sh *shard) consumeTokens(key string, weight int, lim Limit, now time.Time) Decision {
	b, ok := sh.buckets[key]
	if !ok {
		b = &bucketState{tokens: float64(lim.Max), lastRefill: now}
		sh.buckets[key] = b
	}

	tokens := refill(b, lim, now)
	if tokens < float64(weight) {
		// Reject without spending; the refill clock still advances.
		b.tokens = tokens
		b.lastRefill = now

		deficit := float64(weight) - tokens
		retry := time.Duration(deficit / ratePerSecond(lim) * float64(time.Second))
		if retry < minRetryAfter {
			retry = minRetryAfter
		}
		return Decision{
			Remaining:  int(tokens),
			RetryAfter: retry,
			Reset:      timeToFull(tokens, lim),
		}
	}

	b.tokens = tokens - float64(weight)
	b.lastRefill = now

	return Decision{
		OK:        true,
		Remaining: int(b.tokens),
		Reset:     timeToFull(b.tokens, lim),
	}
}

func pruned(stamps []time.Time, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func refill(b *bucketState, lim Limit, now time.Time) float64 {
	elapsed := now.Sub(b.lastRefill).Seconds()
	tokens := b.tokens + elapsed*ratePerSecond(lim)
	if tokens > float64(lim.Max) {
		tokens = float64(lim.Max)
	}
	return tokens
}

func ratePerSecond(lim Limit) float64 {
	secs := lim.Window.Seconds()
	if secs <= 0 {
		secs = 1
	}
	return float64(lim.Max) / secs
}

func timeToFull(tokens float64, lim Limit) time.Duration {
	missing := float64(lim.Max) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / ratePerSecond(lim) * float64(time.Second))
}
