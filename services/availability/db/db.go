package db

import (
	"context"
	"database/sql"

	_ "embed"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type AvailabilitySnapshot struct {
	Date      string
	FetchedAt int64
	RoomsJson string
}

const getSnapshot = `
SELECT date, fetched_at, rooms_json FROM availability_snapshots
WHERE date = ?
`

func (q *Queries) GetSnapshot(ctx context.Context, date string) (AvailabilitySnapshot, error) {
	row := q.db.QueryRowContext(ctx, getSnapshot, date)
	var s AvailabilitySnapshot
	err := row.Scan(&s.Date, &s.FetchedAt, &s.RoomsJson)
	return s, err
}

const upsertSnapshot = `
INSERT INTO availability_snapshots (date, fetched_at, rooms_json)
VALUES (?, ?, ?)
ON CONFLICT (date) DO UPDATE SET
    fetched_at = excluded.fetched_at,
    rooms_json = excluded.rooms_json
`

type UpsertSnapshotParams struct {
	Date      string
	FetchedAt int64
	RoomsJson string
}

func (q *Queries) UpsertSnapshot(ctx context.Context, arg UpsertSnapshotParams) error {
	_, err := q.db.ExecContext(ctx, upsertSnapshot, arg.Date, arg.FetchedAt, arg.RoomsJson)
	return err
}

const deleteSnapshotsBefore = `
DELETE FROM availability_snapshots WHERE date < ?
`

// DeleteSnapshotsBefore drops snapshots for dates earlier than the
// given YYYY-MM-DD; past days can never be booked again.
func (q *Queries) DeleteSnapshotsBefore(ctx context.Context, date string) error {
	_, err := q.db.ExecContext(ctx, deleteSnapshotsBefore, date)
	return err
}
