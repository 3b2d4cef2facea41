package pgx

import (
	"context"
)

const getCursor = `
SELECT source, seq, updated_at FROM ingest_cursors WHERE source = $1
`

func (q *Queries) GetCursor(ctx context.Context, source string) (IngestCursor, error) {
	row := q.db.QueryRow(ctx, getCursor, source)
	var c IngestCursor
	err := row.Scan(&c.Source, &c.Seq, &c.UpdatedAt)
	return c, err
}

// CommitCursor advances the high-water mark for a source. The guard keeps
// a delayed commit from moving the cursor backwards.
const commitCursor = `
INSERT INTO ingest_cursors (source, seq, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (source) DO UPDATE SET
	seq = EXCLUDED.seq,
	updated_at = now()
WHERE ingest_cursors.seq < EXCLUDED.seq
`

func (q *Queries) CommitCursor(ctx context.Context, source string, seq int64) error {
	_, err := q.db.Exec(ctx, commitCursor, source, seq)
	return err
}

const resetCursor = `
DELETE FROM ingest_cursors WHERE source = $1
`

func (q *Queries) ResetCursor(ctx context.Context, source string) error {
	_, err := q.db.Exec(ctx, resetCursor, source)
	return err
}
