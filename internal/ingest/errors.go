package ingest

import "errors"

var (
	ErrEmptyBatch = errors.New("event batch is empty")

	ErrBatchTooLarge = errors.New("event batch exceeds maximum size")

	ErrInvalidEventType = errors.New("invalid event type")

	ErrIdempotencyKeyTooLong = errors.New("idempotency key too long")

	ErrRateLimited = errors.New("rate limited")
)
