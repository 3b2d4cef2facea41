package common

import "errors"

// Sentinel errors for the ingest and query paths. Record-level validation
// failures are recovered locally (skip, log, continue); queue saturation is
// surfaced to the upstream source as a retryable signal.
var (
	// ErrMalformedRecord marks a payload that cannot be decoded or fails
	// basic field validation. The record is rejected, never indexed.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrSignatureInvalid marks a record whose signatures do not verify
	// against the resolved keys of the claimed identities.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrQueueSaturated signals backpressure: the ingest queue is over its
	// fill threshold and the source must retry delivery.
	ErrQueueSaturated = errors.New("ingest queue saturated")

	// ErrDeadLettered marks an operation that exhausted its retry budget.
	// Terminal for the op, non-fatal to the system.
	ErrDeadLettered = errors.New("operation dead-lettered")

	// ErrRecordNotFound is returned when a query target is absent.
	ErrRecordNotFound = errors.New("record not found")

	// ErrUnknownIdentity is returned by identity resolution when a DID
	// cannot be resolved to a signing key.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrStaleCursor signals that the event source restarted with a cursor
	// the ingestor does not recognize; a bounded resync is required.
	ErrStaleCursor = errors.New("stale event cursor")
)
