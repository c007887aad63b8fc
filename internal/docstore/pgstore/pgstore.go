// Package pgstore persists documents in a single Postgres table. Transaction
// bodies read committed rows through the pool; commit re-reads the read set
// under FOR UPDATE inside a RepeatableRead transaction and applies the
// buffered writes only when every version still matches.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
	"github.com/penbosso/IntLearn-sub000/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

// Pool is the subset of *pgxpool.Pool used by the store.
type Pool interface {
	db.Beginner
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements docstore.Store on Postgres.
type Store struct {
	pool  Pool
	feed  docstore.Feed
	opts  docstore.Options
	clock  func() time.Time
	logger *slog.Logger
}

// New constructs a Store. feed propagates change notifications across
// processes; pass a docstore.LocalFeed for single-node deployments.
func New(pool Pool, feed docstore.Feed, opts docstore.Options) *Store {
	if feed == nil {
		feed = docstore.NewLocalFeed()
	}
	return &Store{pool: pool, feed: feed, opts: opts, clock: func() time.Time { return time.Now().UTC() }}
}

// WithLogger sets the logger for failed change notifications.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger
	return s
}

// EnsureSchema creates the documents table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

const selectColumns = `path, data, version, create_seq, create_time, update_time`

// Fetch implements docstore.Fetcher.
func (s *Store) Fetch(ctx context.Context, key docstore.Key) (docstore.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM documents WHERE path = $1`, string(key))
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Snapshot{Key: key}, nil
	}
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("pgstore: fetch %s: %w", key, err)
	}
	return snap, nil
}

// FetchCollection implements docstore.Fetcher.
func (s *Store) FetchCollection(ctx context.Context, collection string) ([]docstore.Snapshot, error) {
	return s.List(ctx, docstore.Query{Collection: collection})
}

// Get returns a committed document.
func (s *Store) Get(ctx context.Context, key docstore.Key) (docstore.Snapshot, error) {
	snap, err := s.Fetch(ctx, key)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	if !snap.Exists() {
		return snap, fmt.Errorf("%w: %s", docstore.ErrNotFound, key)
	}
	return snap, nil
}

// List returns the documents of a collection ordered by creation.
func (s *Store) List(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	rows, err := s.pool.Query(ctx, listSQL(q), q.Collection)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list %s: %w", q.Collection, err)
	}
	defer rows.Close()
	var out []docstore.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan %s: %w", q.Collection, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: list %s: %w", q.Collection, err)
	}
	return out, nil
}

func listSQL(q docstore.Query) string {
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	sql := fmt.Sprintf(`SELECT %s FROM documents WHERE collection = $1 ORDER BY create_seq %s`, selectColumns, order)
	if q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	return sql
}

// RunAtomic executes fn with optimistic concurrency control.
func (s *Store) RunAtomic(ctx context.Context, fn func(context.Context, docstore.Tx) error) (docstore.CommitResult, error) {
	return docstore.Retry(ctx, s.opts, func(ctx context.Context) (docstore.CommitResult, error) {
		txn := docstore.NewTxn(s)
		if err := fn(ctx, txn); err != nil {
			return docstore.CommitResult{}, err
		}
		var res docstore.CommitResult
		err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			var err error
			res, err = s.commit(ctx, tx, txn)
			return err
		})
		if err != nil {
			if db.IsSerializationFailure(err) {
				return docstore.CommitResult{}, fmt.Errorf("%w: %w", docstore.ErrConflict, err)
			}
			return docstore.CommitResult{}, err
		}
		docstore.Notify(ctx, s.feed, s.logger, txn.Collections())
		return res, nil
	})
}

// Subscribe streams a live query.
func (s *Store) Subscribe(ctx context.Context, q docstore.Query) (<-chan docstore.QuerySnapshot, error) {
	return docstore.Subscribe(ctx, s, s.feed, q)
}

func (s *Store) commit(ctx context.Context, tx pgx.Tx, txn *docstore.Txn) (docstore.CommitResult, error) {
	if err := verifyReads(ctx, tx, txn.Reads()); err != nil {
		return docstore.CommitResult{}, err
	}
	now := s.clock()
	var last int64
	for _, w := range txn.Writes() {
		version, err := applyWrite(ctx, tx, w, now)
		if err != nil {
			return docstore.CommitResult{}, err
		}
		if version > last {
			last = version
		}
	}
	return docstore.CommitResult{CommitTime: now, Version: last, Writes: len(txn.Writes())}, nil
}

func verifyReads(ctx context.Context, tx pgx.Tx, reads map[docstore.Key]int64) error {
	if len(reads) == 0 {
		return nil
	}
	paths := make([]string, 0, len(reads))
	for k := range reads {
		paths = append(paths, string(k))
	}
	rows, err := tx.Query(ctx, `SELECT path, version FROM documents WHERE path = ANY($1) ORDER BY path FOR UPDATE`, paths)
	if err != nil {
		return fmt.Errorf("pgstore: lock read set: %w", err)
	}
	defer rows.Close()
	current := make(map[docstore.Key]int64, len(reads))
	for rows.Next() {
		var (
			path    string
			version int64
		)
		if err := rows.Scan(&path, &version); err != nil {
			return fmt.Errorf("pgstore: scan read set: %w", err)
		}
		current[docstore.Key(path)] = version
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("pgstore: lock read set: %w", err)
	}
	return compareVersions(reads, current)
}

func compareVersions(reads, current map[docstore.Key]int64) error {
	for key, version := range reads {
		if current[key] != version {
			return fmt.Errorf("%w: %s", docstore.ErrConflict, key)
		}
	}
	return nil
}

const (
	createSQL = `WITH s AS (SELECT nextval('document_seq') AS v)
INSERT INTO documents (path, collection, data, version, create_seq, create_time, update_time)
SELECT $1, $2, $3, s.v, s.v, $4, $4 FROM s
ON CONFLICT (path) DO NOTHING
RETURNING version`
	setSQL = `WITH s AS (SELECT nextval('document_seq') AS v)
INSERT INTO documents (path, collection, data, version, create_seq, create_time, update_time)
SELECT $1, $2, $3, s.v, s.v, $4, $4 FROM s
ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, version = EXCLUDED.version, update_time = EXCLUDED.update_time
RETURNING version`
	updateSQL = `WITH s AS (SELECT nextval('document_seq') AS v)
UPDATE documents SET data = $2, version = s.v, update_time = $3 FROM s
WHERE path = $1
RETURNING documents.version`
	deleteSQL = `DELETE FROM documents WHERE path = $1`
)

func applyWrite(ctx context.Context, tx pgx.Tx, w docstore.Write, now time.Time) (int64, error) {
	var version int64
	var err error
	switch w.Op {
	case docstore.OpCreate:
		err = tx.QueryRow(ctx, createSQL, string(w.Key), w.Key.Collection(), []byte(w.Data), now).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", docstore.ErrAlreadyExists, w.Key)
		}
	case docstore.OpSet:
		err = tx.QueryRow(ctx, setSQL, string(w.Key), w.Key.Collection(), []byte(w.Data), now).Scan(&version)
	case docstore.OpUpdate:
		err = tx.QueryRow(ctx, updateSQL, string(w.Key), []byte(w.Data), now).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", docstore.ErrNotFound, w.Key)
		}
	case docstore.OpDelete:
		_, err = tx.Exec(ctx, deleteSQL, string(w.Key))
	default:
		return 0, fmt.Errorf("pgstore: unknown write op %d", w.Op)
	}
	if err != nil {
		return 0, fmt.Errorf("pgstore: apply %s: %w", w.Key, err)
	}
	return version, nil
}

func scanSnapshot(row pgx.Row) (docstore.Snapshot, error) {
	var (
		snap docstore.Snapshot
		path string
		data []byte
	)
	if err := row.Scan(&path, &data, &snap.Version, &snap.CreateSeq, &snap.CreateTime, &snap.UpdateTime); err != nil {
		return docstore.Snapshot{}, err
	}
	snap.Key = docstore.Key(path)
	snap.Data = data
	snap.CreateTime = snap.CreateTime.UTC()
	snap.UpdateTime = snap.UpdateTime.UTC()
	return snap, nil
}
