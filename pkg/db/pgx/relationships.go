package pgx

import (
	"context"
	"time"
)

// UpsertRelationship applies the same conflict rule as the in-memory
// index: a row only replaces an existing one when its sequence number is
// higher, or equal with a lexicographically greater CID. Returns the
// number of rows written so callers can tell a stale replay from a real
// update.
const upsertRelationship = `
INSERT INTO relationships (
	rid, cid, participant_a, participant_b, type, strength, context,
	signature_count, fully_signed, visibility, seq, created_at,
	last_interaction, indexed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
ON CONFLICT (rid) DO UPDATE SET
	cid = EXCLUDED.cid,
	participant_a = EXCLUDED.participant_a,
	participant_b = EXCLUDED.participant_b,
	type = EXCLUDED.type,
	strength = EXCLUDED.strength,
	context = EXCLUDED.context,
	signature_count = EXCLUDED.signature_count,
	fully_signed = EXCLUDED.fully_signed,
	visibility = EXCLUDED.visibility,
	seq = EXCLUDED.seq,
	created_at = EXCLUDED.created_at,
	last_interaction = EXCLUDED.last_interaction,
	indexed_at = now()
WHERE relationships.seq < EXCLUDED.seq
	OR (relationships.seq = EXCLUDED.seq AND relationships.cid < EXCLUDED.cid)
`

type UpsertRelationshipParams struct {
	Rid             string
	Cid             string
	ParticipantA    string
	ParticipantB    string
	Type            string
	Strength        int32
	Context         string
	SignatureCount  int32
	FullySigned     bool
	Visibility      string
	Seq             int64
	CreatedAt       time.Time
	LastInteraction time.Time
}

func (q *Queries) UpsertRelationship(ctx context.Context, arg UpsertRelationshipParams) (int64, error) {
	tag, err := q.db.Exec(ctx, upsertRelationship,
		arg.Rid, arg.Cid, arg.ParticipantA, arg.ParticipantB, arg.Type,
		arg.Strength, arg.Context, arg.SignatureCount, arg.FullySigned,
		arg.Visibility, arg.Seq, arg.CreatedAt, arg.LastInteraction)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const deleteRelationship = `
DELETE FROM relationships WHERE rid = $1
`

func (q *Queries) DeleteRelationship(ctx context.Context, rid string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteRelationship, rid)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const getRelationship = `
SELECT rid, cid, participant_a, participant_b, type, strength, context,
	signature_count, fully_signed, visibility, seq, created_at,
	last_interaction, indexed_at
FROM relationships WHERE rid = $1
`

func (q *Queries) GetRelationship(ctx context.Context, rid string) (Relationship, error) {
	row := q.db.QueryRow(ctx, getRelationship, rid)
	var r Relationship
	err := row.Scan(&r.Rid, &r.Cid, &r.ParticipantA, &r.ParticipantB, &r.Type,
		&r.Strength, &r.Context, &r.SignatureCount, &r.FullySigned,
		&r.Visibility, &r.Seq, &r.CreatedAt, &r.LastInteraction, &r.IndexedAt)
	return r, err
}

const listRelationshipsByParticipant = `
SELECT rid, cid, participant_a, participant_b, type, strength, context,
	signature_count, fully_signed, visibility, seq, created_at,
	last_interaction, indexed_at
FROM relationships
WHERE participant_a = $1 OR participant_b = $1
ORDER BY strength DESC, rid
LIMIT $2
`

func (q *Queries) ListRelationshipsByParticipant(ctx context.Context, did string, limit int32) ([]Relationship, error) {
	rows, err := q.db.Query(ctx, listRelationshipsByParticipant, did, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// LoadGraph streams every relationship joined with its conviction score.
// Used to build the in-memory index at startup and after a full rebuild.
const loadGraph = `
SELECT r.rid, r.cid, r.participant_a, r.participant_b, r.type, r.strength,
	r.context, r.signature_count, r.fully_signed, r.visibility, r.seq,
	r.created_at, r.last_interaction, r.indexed_at,
	COALESCE(c.score, 0)
FROM relationships r
LEFT JOIN conviction_scores c ON c.target_rid = r.rid
`

type LoadGraphRow struct {
	Relationship
	Conviction int32
}

func (q *Queries) LoadGraph(ctx context.Context) ([]LoadGraphRow, error) {
	rows, err := q.db.Query(ctx, loadGraph)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LoadGraphRow
	for rows.Next() {
		var r LoadGraphRow
		if err := rows.Scan(&r.Rid, &r.Cid, &r.ParticipantA, &r.ParticipantB,
			&r.Type, &r.Strength, &r.Context, &r.SignatureCount, &r.FullySigned,
			&r.Visibility, &r.Seq, &r.CreatedAt, &r.LastInteraction,
			&r.IndexedAt, &r.Conviction); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRelationships(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Relationship, error) {
	var out []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.Rid, &r.Cid, &r.ParticipantA, &r.ParticipantB,
			&r.Type, &r.Strength, &r.Context, &r.SignatureCount, &r.FullySigned,
			&r.Visibility, &r.Seq, &r.CreatedAt, &r.LastInteraction, &r.IndexedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
