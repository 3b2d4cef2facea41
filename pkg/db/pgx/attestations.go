package pgx

import (
	"context"
	"time"
)

// Attestations are append-only; an upsert with a matching AID and CID is
// always a replay and never changes the row.
const upsertAttestation = `
INSERT INTO attestations (
	aid, cid, target_rid, attester, type, confidence, evidence,
	suggested_strength, created_at, indexed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (aid) DO NOTHING
`

type UpsertAttestationParams struct {
	Aid               string
	Cid               string
	TargetRid         string
	Attester          string
	Type              string
	Confidence        int32
	Evidence          string
	SuggestedStrength *int32
	CreatedAt         time.Time
}

func (q *Queries) UpsertAttestation(ctx context.Context, arg UpsertAttestationParams) (int64, error) {
	tag, err := q.db.Exec(ctx, upsertAttestation,
		arg.Aid, arg.Cid, arg.TargetRid, arg.Attester, arg.Type,
		arg.Confidence, arg.Evidence, arg.SuggestedStrength, arg.CreatedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const deleteAttestation = `
DELETE FROM attestations WHERE aid = $1 RETURNING target_rid
`

// DeleteAttestation removes a retracted attestation and returns the RID
// it targeted so the caller can schedule a recompute.
func (q *Queries) DeleteAttestation(ctx context.Context, aid string) (string, error) {
	row := q.db.QueryRow(ctx, deleteAttestation, aid)
	var targetRid string
	err := row.Scan(&targetRid)
	return targetRid, err
}

const listAttestationsByTarget = `
SELECT aid, cid, target_rid, attester, type, confidence, evidence,
	suggested_strength, created_at, indexed_at
FROM attestations
WHERE target_rid = $1
ORDER BY created_at DESC, aid
`

func (q *Queries) ListAttestationsByTarget(ctx context.Context, targetRid string) ([]Attestation, error) {
	rows, err := q.db.Query(ctx, listAttestationsByTarget, targetRid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttestations(rows)
}

// The filtered listing backs the attestation API. Type and confidence
// filters are optional; an empty type matches everything.
const listAttestationsFiltered = `
SELECT aid, cid, target_rid, attester, type, confidence, evidence,
	suggested_strength, created_at, indexed_at
FROM attestations
WHERE target_rid = $1
	AND ($2 = '' OR type = $2)
	AND confidence >= $3
	AND ($4 = '' OR aid > $4)
ORDER BY aid
LIMIT $5
`

type ListAttestationsFilteredParams struct {
	TargetRid     string
	Type          string
	MinConfidence int32
	AfterAid      string
	Limit         int32
}

func (q *Queries) ListAttestationsFiltered(ctx context.Context, arg ListAttestationsFilteredParams) ([]Attestation, error) {
	rows, err := q.db.Query(ctx, listAttestationsFiltered,
		arg.TargetRid, arg.Type, arg.MinConfidence, arg.AfterAid, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttestations(rows)
}

func scanAttestations(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Attestation, error) {
	var out []Attestation
	for rows.Next() {
		var a Attestation
		if err := rows.Scan(&a.Aid, &a.Cid, &a.TargetRid, &a.Attester, &a.Type,
			&a.Confidence, &a.Evidence, &a.SuggestedStrength, &a.CreatedAt,
			&a.IndexedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
