package pgx

import (
	"context"
	"time"
)

const upsertConvictionScore = `
INSERT INTO conviction_scores (
	target_rid, score, attestation_count, verify_count, dispute_count,
	strengthen_count, weaken_count, trend, top_attester_reputation,
	last_updated
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (target_rid) DO UPDATE SET
	score = EXCLUDED.score,
	attestation_count = EXCLUDED.attestation_count,
	verify_count = EXCLUDED.verify_count,
	dispute_count = EXCLUDED.dispute_count,
	strengthen_count = EXCLUDED.strengthen_count,
	weaken_count = EXCLUDED.weaken_count,
	trend = EXCLUDED.trend,
	top_attester_reputation = EXCLUDED.top_attester_reputation,
	last_updated = EXCLUDED.last_updated
`

type UpsertConvictionScoreParams struct {
	TargetRid             string
	Score                 int32
	AttestationCount      int32
	VerifyCount           int32
	DisputeCount          int32
	StrengthenCount       int32
	WeakenCount           int32
	Trend                 string
	TopAttesterReputation int32
	LastUpdated           time.Time
}

func (q *Queries) UpsertConvictionScore(ctx context.Context, arg UpsertConvictionScoreParams) error {
	_, err := q.db.Exec(ctx, upsertConvictionScore,
		arg.TargetRid, arg.Score, arg.AttestationCount, arg.VerifyCount,
		arg.DisputeCount, arg.StrengthenCount, arg.WeakenCount, arg.Trend,
		arg.TopAttesterReputation, arg.LastUpdated)
	return err
}

const getConvictionScore = `
SELECT target_rid, score, attestation_count, verify_count, dispute_count,
	strengthen_count, weaken_count, trend, top_attester_reputation,
	last_updated
FROM conviction_scores WHERE target_rid = $1
`

func (q *Queries) GetConvictionScore(ctx context.Context, targetRid string) (ConvictionScore, error) {
	row := q.db.QueryRow(ctx, getConvictionScore, targetRid)
	var c ConvictionScore
	err := row.Scan(&c.TargetRid, &c.Score, &c.AttestationCount, &c.VerifyCount,
		&c.DisputeCount, &c.StrengthenCount, &c.WeakenCount, &c.Trend,
		&c.TopAttesterReputation, &c.LastUpdated)
	return c, err
}

const deleteConvictionScore = `
DELETE FROM conviction_scores WHERE target_rid = $1
`

func (q *Queries) DeleteConvictionScore(ctx context.Context, targetRid string) error {
	_, err := q.db.Exec(ctx, deleteConvictionScore, targetRid)
	return err
}

// A score is stale when its target gained an attestation after the last
// recompute (or never got one), or when every attestation it was computed
// from has since been deleted.
const listStaleConvictionTargets = `
SELECT a.target_rid
FROM attestations a
LEFT JOIN conviction_scores c ON c.target_rid = a.target_rid
GROUP BY a.target_rid, c.last_updated
HAVING c.last_updated IS NULL OR max(a.indexed_at) > c.last_updated
UNION
SELECT c.target_rid
FROM conviction_scores c
LEFT JOIN attestations a ON a.target_rid = c.target_rid
WHERE a.aid IS NULL
`

func (q *Queries) ListStaleConvictionTargets(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, listStaleConvictionTargets)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			return nil, err
		}
		out = append(out, rid)
	}
	return out, rows.Err()
}
