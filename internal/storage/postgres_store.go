package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Schema creates the documents table. Open applies it when
// Options.Migrate is set.
const Schema = `
CREATE SEQUENCE IF NOT EXISTS document_versions;
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       JSONB NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_body_gin ON documents USING GIN (body);
`

const notifyChannel = "document_changes"

// PostgresStore stores documents as versioned JSONB rows. Commits are
// optimistic: every written row is guarded by the version observed when it
// was read and every read-only row is re-checked under FOR SHARE, so a
// concurrent change turns into ErrConflict and a retry.
type PostgresStore struct {
	db    *sql.DB
	dsn   string
	retry RetryPolicy
}

func NewPostgresStore(dsn string, retry RetryPolicy) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, dsn: dsn, retry: retry}, nil
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, ref Ref, dst any) (bool, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection=$1 AND id=$2`, ref.Collection, ref.ID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select %s: %w", ref, err)
	}
	return true, json.Unmarshal(body, dst)
}

func (p *PostgresStore) Set(ctx context.Context, ref Ref, v any) error {
	return p.RunTransaction(ctx, func(ctx context.Context, tx Tx) error { return tx.Set(ref, v) })
}

func (p *PostgresStore) Delete(ctx context.Context, ref Ref) error {
	return p.RunTransaction(ctx, func(ctx context.Context, tx Tx) error { return tx.Delete(ref) })
}

func (p *PostgresStore) Query(ctx context.Context, collection string, where ...Where) ([]Snapshot, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, body FROM documents WHERE collection = $1`)
	args := []any{collection}
	for _, w := range where {
		args = append(args, w.Field)
		fieldArg := len(args)
		switch w.Op {
		case OpEq:
			args = append(args, w.Values[0])
			fmt.Fprintf(&sb, ` AND body ->> $%d::text = $%d::text`, fieldArg, len(args))
		case OpIn:
			args = append(args, pq.Array(w.Values))
			fmt.Fprintf(&sb, ` AND body ->> $%d::text = ANY($%d::text[])`, fieldArg, len(args))
		case OpArrayContains:
			args = append(args, w.Values[0])
			fmt.Fprintf(&sb, ` AND jsonb_exists(body -> $%d::text, $%d::text)`, fieldArg, len(args))
		default:
			return nil, fmt.Errorf("unsupported query op %d", w.Op)
		}
	}
	sb.WriteString(` ORDER BY id`)

	rows, err := p.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()
	out := make([]Snapshot, 0)
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		out = append(out, Snapshot{Ref: Ref{Collection: collection, ID: id}, Data: body})
	}
	return out, rows.Err()
}

func (p *PostgresStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return p.retry.run(ctx, func() error {
		sqlTx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		tx := &pgTx{sqlTx: sqlTx, reads: make(map[Ref]int64)}
		if err := fn(ctx, tx); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
		if err := tx.commit(ctx); err != nil {
			_ = sqlTx.Rollback()
			return classifyPgError(err)
		}
		return classifyPgError(sqlTx.Commit())
	})
}

// classifyPgError maps serialization failures and deadlocks onto
// ErrConflict so they are retried.
func classifyPgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "serialization_failure", "deadlock_detected", "unique_violation":
			return ErrConflict
		}
	}
	return err
}

// Watch uses LISTEN/NOTIFY; commits notify with the collection name.
func (p *PostgresStore) Watch(ctx context.Context, collection string, fn func()) (func(), error) {
	l := pq.NewListener(p.dsn, 10*time.Second, time.Minute, nil)
	if err := l.Listen(notifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case n, ok := <-l.Notify:
				if !ok {
					return
				}
				// nil signals a reconnect; changes may have been missed
				if n == nil || n.Extra == collection {
					fn()
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = l.Close()
		})
	}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type pgTx struct {
	writeBuffer
	sqlTx *sql.Tx
	// version observed per read; 0 means the document did not exist
	reads map[Ref]int64
}

// observe records the first version seen, so a change between two reads
// of the same row still fails the commit.
func (t *pgTx) observe(ref Ref, version int64) {
	if _, seen := t.reads[ref]; !seen {
		t.reads[ref] = version
	}
}

func (t *pgTx) Get(ctx context.Context, ref Ref, dst any) (bool, error) {
	if err := t.checkRead(); err != nil {
		return false, err
	}
	var body []byte
	var version int64
	err := t.sqlTx.QueryRowContext(ctx, `SELECT body, version FROM documents WHERE collection=$1 AND id=$2`, ref.Collection, ref.ID).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		t.observe(ref, 0)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select %s: %w", ref, err)
	}
	t.observe(ref, version)
	return true, json.Unmarshal(body, dst)
}

func (t *pgTx) commit(ctx context.Context) error {
	guarded := make(map[Ref]bool, len(t.writes))
	for _, w := range t.writes {
		if v, read := t.reads[w.ref]; read && !(w.del && v == 0) {
			guarded[w.ref] = true
		}
	}
	for ref, v := range t.reads {
		if guarded[ref] {
			continue
		}
		var cur int64
		err := t.sqlTx.QueryRowContext(ctx, `SELECT version FROM documents WHERE collection=$1 AND id=$2 FOR SHARE`, ref.Collection, ref.ID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			cur = 0
		} else if err != nil {
			return err
		}
		if cur != v {
			return ErrConflict
		}
	}
	for _, w := range t.writes {
		if err := t.apply(ctx, w, guarded[w.ref]); err != nil {
			return err
		}
		// later writes to the same ref are blind
		guarded[w.ref] = false
	}
	for _, c := range t.collections() {
		if _, err := t.sqlTx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, c); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) apply(ctx context.Context, w pendingWrite, guarded bool) error {
	v := t.reads[w.ref]
	var res sql.Result
	var err error
	switch {
	case w.del && guarded:
		res, err = t.sqlTx.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2 AND version=$3`, w.ref.Collection, w.ref.ID, v)
	case w.del:
		_, err = t.sqlTx.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2`, w.ref.Collection, w.ref.ID)
		return err
	case guarded && v == 0:
		res, err = t.sqlTx.ExecContext(ctx, `INSERT INTO documents (collection, id, body, version) VALUES ($1, $2, $3, nextval('document_versions')) ON CONFLICT DO NOTHING`, w.ref.Collection, w.ref.ID, string(w.data))
	case guarded:
		res, err = t.sqlTx.ExecContext(ctx, `UPDATE documents SET body=$3, version=nextval('document_versions'), updated_at=now() WHERE collection=$1 AND id=$2 AND version=$4`, w.ref.Collection, w.ref.ID, string(w.data), v)
	default:
		_, err = t.sqlTx.ExecContext(ctx, `INSERT INTO documents (collection, id, body, version) VALUES ($1, $2, $3, nextval('document_versions'))
			ON CONFLICT (collection, id) DO UPDATE SET body=EXCLUDED.body, version=EXCLUDED.version, updated_at=now()`, w.ref.Collection, w.ref.ID, string(w.data))
		return err
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
