package progress

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

const table = "icat_ingest_progress"

// PostgresJournal keeps entries in a table shared by all ingest hosts.
type PostgresJournal struct {
	drv *entsql.Driver

	schemaOnce sync.Once
	schemaErr  error
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, errors.Wrap(err, "progress: open db")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "progress: ping db")
	}
	return NewPostgresJournal(entsql.OpenDB(dialect.Postgres, db)), nil
}

func NewPostgresJournal(drv *entsql.Driver) *PostgresJournal {
	return &PostgresJournal{drv: drv}
}

func builder() *entsql.DialectBuilder { return entsql.Dialect(dialect.Postgres) }

const createTable = `
CREATE TABLE IF NOT EXISTS ` + table + ` (
  operation VARCHAR(64) PRIMARY KEY,
  input TEXT NOT NULL DEFAULT '',
  chunks INTEGER NOT NULL DEFAULT 0,
  updated_at TIMESTAMP WITH TIME ZONE NOT NULL
);
`

func recordQuery(op, input string, chunks int, now time.Time) (string, []any) {
	return builder().Insert(table).
		Columns("operation", "input", "chunks", "updated_at").
		Values(op, input, chunks, now).
		OnConflict(
			entsql.ConflictColumns("operation"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("input")
				u.SetExcluded("updated_at")
				u.Set("chunks", entsql.Expr("GREATEST("+table+".chunks, EXCLUDED.chunks)"))
			}),
		).
		Query()
}

func getQuery(op string) (string, []any) {
	return builder().Select("operation", "input", "chunks", "updated_at").
		From(entsql.Table(table)).
		Where(entsql.EQ("operation", op)).
		Query()
}

func clearQuery(op string) (string, []any) {
	return builder().Delete(table).Where(entsql.EQ("operation", op)).Query()
}

func (j *PostgresJournal) ensureSchema(ctx context.Context) error {
	j.schemaOnce.Do(func() {
		j.schemaErr = errors.Wrap(j.drv.Exec(ctx, createTable, []any{}, nil), "progress: create table")
	})
	return j.schemaErr
}

func (j *PostgresJournal) Get(ctx context.Context, op string) (Entry, bool, error) {
	op, err := normalizeOp(op)
	if err != nil {
		return Entry{}, false, err
	}
	if err := j.ensureSchema(ctx); err != nil {
		return Entry{}, false, err
	}
	var rows entsql.Rows
	q, args := getQuery(op)
	if err := j.drv.Query(ctx, q, args, &rows); err != nil {
		return Entry{}, false, errors.Wrap(err, "progress: query")
	}
	defer rows.Close()
	if !rows.Next() {
		return Entry{}, false, errors.Wrap(rows.Err(), "progress: query")
	}
	var e Entry
	if err := rows.Scan(&e.Operation, &e.Input, &e.Chunks, &e.Updated); err != nil {
		return Entry{}, false, errors.Wrap(err, "progress: scan")
	}
	return e, true, nil
}

func (j *PostgresJournal) Record(ctx context.Context, op, input string, chunk int) error {
	op, err := normalizeOp(op)
	if err != nil {
		return err
	}
	if chunk < 0 {
		return errors.Errorf("progress: invalid chunk %d", chunk)
	}
	if err := j.ensureSchema(ctx); err != nil {
		return err
	}
	q, args := recordQuery(op, input, chunk+1, time.Now().UTC())
	return errors.Wrap(j.drv.Exec(ctx, q, args, nil), "progress: record")
}

func (j *PostgresJournal) Clear(ctx context.Context, op string) error {
	op, err := normalizeOp(op)
	if err != nil {
		return err
	}
	if err := j.ensureSchema(ctx); err != nil {
		return err
	}
	q, args := clearQuery(op)
	return errors.Wrap(j.drv.Exec(ctx, q, args, nil), "progress: clear")
}

func (j *PostgresJournal) Close() error { return j.drv.Close() }
