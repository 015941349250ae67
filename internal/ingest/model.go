package ingest

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeView    Type = "VIEW"
	TypeCopy    Type = "COPY"
	TypeSave    Type = "SAVE"
	TypeFork    Type = "FORK"
	TypeComment Type = "COMMENT"
	TypeVote    Type = "VOTE"
	TypeDonate  Type = "DONATE"
	TypeClaim   Type = "CLAIM"
)

func (t Type) Valid() bool {
	switch t {
	case TypeView, TypeCopy, TypeSave, TypeFork, TypeComment, TypeVote, TypeDonate, TypeClaim:
		return true
	}
	return false
}

const (
	MinBatchSize         = 1
	MaxBatchSize         = 100
	MaxIdempotencyKeyLen = 255
)

// IncomingEvent is one behavioral signal as submitted by a client. It is
// consumed once by the pipeline and never mutated.
type IncomingEvent struct {
	Type           Type       `json:"type"`
	RuleID         string     `json:"rule_id,omitempty"`
	RuleVersionID  string     `json:"rule_version_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	AmountCents    *int64     `json:"amount_cents,omitempty"`
}

func (e *IncomingEvent) Validate() error {
	if !e.Type.Valid() {
		return ErrInvalidEventType
	}
	if len(e.IdempotencyKey) > MaxIdempotencyKeyLen {
		return ErrIdempotencyKeyTooLong
	}
	return nil
}

// RequestMeta carries the request metadata captured at the edge. Raw values
// never leave the pipeline; only their hashes are stored.
type RequestMeta struct {
	ForwardedFor string `json:"forwarded_for,omitempty"`
	RealIP       string `json:"real_ip,omitempty"`
	RemoteAddr   string `json:"remote_addr,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// Batch is the intake envelope carried on the event bus.
type Batch struct {
	Events []IncomingEvent `json:"events"`
	Meta   RequestMeta     `json:"meta"`
}

// enrichedEvent is the pipeline-internal projection of an IncomingEvent
// plus derived identity hashes and a resolved timestamp.
type enrichedEvent struct {
	IncomingEvent
	ipHash    string
	uaHash    string
	createdAt time.Time
}

// Event is the durable record read later by the rollup.
type Event struct {
	ID             uuid.UUID `db:"id"`
	Type           string    `db:"event_type"`
	UserID         *string   `db:"user_id"`
	RuleID         *string   `db:"rule_id"`
	RuleVersionID  *string   `db:"rule_version_id"`
	IPHash         string    `db:"ip_hash"`
	UAHash         string    `db:"ua_hash"`
	IdempotencyKey *string   `db:"idempotency_key"`
	AmountCents    *int64    `db:"amount_cents"`
	CreatedAt      time.Time `db:"created_at"`
}

// Result reports what happened to one ingested batch.
type Result struct {
	Accepted  int `json:"accepted"`
	Deduped   int `json:"deduped"`
	Blocked   int `json:"blocked"`
	Anomalies int `json:"anomalies"`
}
