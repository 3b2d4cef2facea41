package pgx

import (
	"context"
)

const upsertEntity = `
INSERT INTO entities (did, name, type, bio, reputation, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (did) DO UPDATE SET
	name = EXCLUDED.name,
	type = EXCLUDED.type,
	bio = EXCLUDED.bio,
	reputation = EXCLUDED.reputation,
	active = EXCLUDED.active,
	updated_at = EXCLUDED.updated_at
`

func (q *Queries) UpsertEntity(ctx context.Context, arg Entity) error {
	_, err := q.db.Exec(ctx, upsertEntity,
		arg.Did, arg.Name, arg.Type, arg.Bio, arg.Reputation, arg.Active, arg.UpdatedAt)
	return err
}

// EnsureEntity inserts a placeholder row for a DID seen on the wire before
// its profile event arrived. An existing row is left untouched.
const ensureEntity = `
INSERT INTO entities (did, name, type, bio, reputation, active, created_at, updated_at)
VALUES ($1, '', 'person', '', 50, true, now(), now())
ON CONFLICT (did) DO NOTHING
`

func (q *Queries) EnsureEntity(ctx context.Context, did string) error {
	_, err := q.db.Exec(ctx, ensureEntity, did)
	return err
}

const getEntity = `
SELECT did, name, type, bio, reputation, active, created_at, updated_at
FROM entities WHERE did = $1
`

func (q *Queries) GetEntity(ctx context.Context, did string) (Entity, error) {
	row := q.db.QueryRow(ctx, getEntity, did)
	var e Entity
	err := row.Scan(&e.Did, &e.Name, &e.Type, &e.Bio, &e.Reputation, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

const getReputations = `
SELECT did, reputation FROM entities WHERE did = ANY($1)
`

type ReputationRow struct {
	Did        string
	Reputation int32
}

func (q *Queries) GetReputations(ctx context.Context, dids []string) ([]ReputationRow, error) {
	rows, err := q.db.Query(ctx, getReputations, dids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReputationRow
	for rows.Next() {
		var r ReputationRow
		if err := rows.Scan(&r.Did, &r.Reputation); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const deactivateEntity = `
UPDATE entities SET active = false, updated_at = now() WHERE did = $1
`

func (q *Queries) DeactivateEntity(ctx context.Context, did string) error {
	_, err := q.db.Exec(ctx, deactivateEntity, did)
	return err
}
