package rollup

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

type Period string

const (
	PeriodDaily   Period = "DAILY"
	PeriodWeekly  Period = "WEEKLY"
	PeriodMonthly Period = "MONTHLY"
	PeriodAll     Period = "ALL"
)

type Scope string

const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeTag    Scope = "TAG"
	ScopeModel  Scope = "MODEL"
)

// allTimeFloor bounds ALL-period scans; nothing in the directory predates it.
var allTimeFloor = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// RuleMetricDaily is one row per (date, rule): the target day's capped
// counts plus the decayed trending score over the whole lookback window.
type RuleMetricDaily struct {
	Date      time.Time `db:"date"`
	RuleID    string    `db:"rule_id"`
	Views     int       `db:"views"`
	Copies    int       `db:"copies"`
	Saves     int       `db:"saves"`
	Forks     int       `db:"forks"`
	Votes     int       `db:"votes"`
	Score     float64   `db:"score"`
	UpdatedAt time.Time `db:"updated_at"`
}

// AuthorMetricDaily aggregates activity across one author's rules within
// the lookback window, donations included.
type AuthorMetricDaily struct {
	Date          time.Time `db:"date"`
	AuthorID      string    `db:"author_id"`
	Views         int       `db:"views"`
	Copies        int       `db:"copies"`
	Saves         int       `db:"saves"`
	Forks         int       `db:"forks"`
	Votes         int       `db:"votes"`
	Donations     int       `db:"donations"`
	DonationCents int64     `db:"donation_cents"`
	Score         float64   `db:"score"`
	UpdatedAt     time.Time `db:"updated_at"`
}

type SnapshotEntry struct {
	Rank       int     `json:"rank"`
	RuleID     string  `json:"rule_id"`
	Slug       string  `json:"slug"`
	Title      string  `json:"title"`
	AuthorID   string  `json:"author_id"`
	AuthorName string  `json:"author_name"`
	Score      float64 `json:"score"`
	Views      int     `json:"views"`
	Copies     int     `json:"copies"`
}

// Snapshot is fully replaced per (period, scope, scope_ref, date) each run.
type Snapshot struct {
	Period    Period          `db:"period"`
	Scope     Scope           `db:"scope"`
	ScopeRef  string          `db:"scope_ref"`
	Date      time.Time       `db:"date"`
	Entries   json.RawMessage `db:"entries"`
	UpdatedAt time.Time       `db:"updated_at"`
}

type SnapshotCounts struct {
	Daily   int `json:"daily"`
	Weekly  int `json:"weekly"`
	Monthly int `json:"monthly"`
	All     int `json:"all,omitempty"`
}

// Result reports one rollup run.
type Result struct {
	RulesUpdated   int            `json:"rules_updated"`
	AuthorsUpdated int            `json:"authors_updated"`
	Snapshots      SnapshotCounts `json:"snapshots"`
	TookMS         int64          `json:"took_ms"`
	DryRun         bool           `json:"dry_run"`
}

// RuleSummary is the display/join data for snapshot entries, read from the
// rules table owned by the surrounding app.
type RuleSummary struct {
	RuleID     string         `db:"rule_id"`
	Slug       string         `db:"slug"`
	Title      string         `db:"title"`
	AuthorID   string         `db:"author_id"`
	AuthorName string         `db:"author_name"`
	Tags       pq.StringArray `db:"tags"`
	Model      string         `db:"model"`
}

// ScoreSum is a per-rule aggregate over historical metric rows.
type ScoreSum struct {
	RuleID string  `db:"rule_id"`
	Score  float64 `db:"score"`
	Views  int     `db:"views"`
	Copies int     `db:"copies"`
}

// WriteBatch carries everything one rollup run persists in a single
// transaction.
type WriteBatch struct {
	Date          time.Time
	RuleMetrics   []*RuleMetricDaily
	AuthorMetrics []*AuthorMetricDaily
	Snapshots     []*Snapshot
}
