package common

import (
	"encoding/json"
	"time"
)

// Collection names the record collection an operation applies to. They map
// one-to-one onto the ingest queues.
type Collection string

const (
	CollectionRelationship Collection = "relationship"
	CollectionAttestation  Collection = "attestation"
	CollectionProfile      Collection = "profile"
)

// Action is the mutation kind carried by an operation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Operation is one typed op from the external event log. Seq is the
// monotonically increasing sequence number within Source; CID is the content
// hash of Record used for deduplication. Record is empty for deletes.
type Operation struct {
	Source     string          `json:"source"`
	Seq        int64           `json:"seq"`
	Collection Collection      `json:"collection"`
	Action     Action          `json:"action"`
	RID        string          `json:"rid"`
	CID        string          `json:"cid,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
	Time       time.Time       `json:"time"`
}

// HighPriority reports whether the op belongs in the elevated ingest lane.
// Relationship and attestation creates carry new trust information and are
// admitted ahead of updates and deletes.
func (op Operation) HighPriority() bool {
	return op.Action == ActionCreate &&
		(op.Collection == CollectionRelationship || op.Collection == CollectionAttestation)
}

// DedupeKey identifies an op's content for idempotent ingestion: replaying
// the same (record, content hash) pair is a no-op.
func (op Operation) DedupeKey() string {
	return op.RID + "@" + op.CID
}
