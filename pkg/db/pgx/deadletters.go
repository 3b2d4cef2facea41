package pgx

import (
	"context"
)

const insertDeadLetter = `
INSERT INTO dead_letters (
	source, seq, collection, rid, cid, reason, payload, archive_key, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
RETURNING id
`

type InsertDeadLetterParams struct {
	Source     string
	Seq        int64
	Collection string
	Rid        string
	Cid        string
	Reason     string
	Payload    []byte
	ArchiveKey string
}

func (q *Queries) InsertDeadLetter(ctx context.Context, arg InsertDeadLetterParams) (int64, error) {
	row := q.db.QueryRow(ctx, insertDeadLetter,
		arg.Source, arg.Seq, arg.Collection, arg.Rid, arg.Cid, arg.Reason,
		arg.Payload, arg.ArchiveKey)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const listDeadLetters = `
SELECT id, source, seq, collection, rid, cid, reason, payload, archive_key, created_at
FROM dead_letters
ORDER BY id DESC
LIMIT $1
`

func (q *Queries) ListDeadLetters(ctx context.Context, limit int32) ([]DeadLetter, error) {
	rows, err := q.db.Query(ctx, listDeadLetters, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.Source, &d.Seq, &d.Collection, &d.Rid,
			&d.Cid, &d.Reason, &d.Payload, &d.ArchiveKey, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
