package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/blackmichael/fantrix-feed/internal/domain"
)

const defaultMaxAttempts = 25

// fieldPattern restricts order-by fields to plain identifiers so they can be
// embedded in a JSON path.
var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// errConflict signals that a document changed between read and write.
var errConflict = errors.New("document changed concurrently")

// Options configures a Store.
type Options struct {
	// MaxAttempts bounds how many times a conflicting transaction is
	// re-run. Defaults to 25.
	MaxAttempts int

	// PollInterval controls how often the database is checked for changes
	// committed by other processes. Zero disables polling.
	PollInterval time.Duration

	// OnConflict is called every time a transaction attempt loses a race.
	OnConflict func()

	Logger *slog.Logger
}

// Store is a document database on top of SQLite. Documents are JSON objects
// grouped in collections. Every document carries a version used for
// optimistic concurrency control in RunTransaction.
type Store struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger

	clockMu sync.Mutex
	lastTS  time.Time

	mu        sync.Mutex
	listeners map[*listener]struct{}
	closed    bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open opens (or creates) the document database at path.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &Store{
		db:        db,
		opts:      opts,
		logger:    opts.Logger,
		listeners: make(map[*listener]struct{}),
		stop:      make(chan struct{}),
	}
	if opts.PollInterval > 0 {
		s.wg.Add(1)
		go s.pollLoop()
	}
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);`,
		`CREATE INDEX IF NOT EXISTS documents_created_at
			ON documents (collection, json_extract(data, '$.createdAt'));`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close stops change detection, releases every open listener and closes the
// database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*listener, 0, len(s.listeners))
	for l := range s.listeners {
		open = append(open, l)
	}
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	for _, l := range open {
		l.Close()
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Checkpoint folds the write-ahead log back into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return storeErr("wal checkpoint", err)
	}
	return nil
}

// Add inserts a new document under a random ID. Field values equal to
// domain.ServerTimestamp are replaced with the store's clock.
func (s *Store) Add(ctx context.Context, collection string, fields map[string]any) (domain.DocumentRef, error) {
	if collection == "" {
		return domain.DocumentRef{}, fmt.Errorf("%w: collection is required", domain.ErrInvalidInput)
	}

	ref := domain.DocumentRef{Collection: collection, ID: uuid.NewString()}
	now := s.now()
	data, err := json.Marshal(resolveTimestamps(fields, now))
	if err != nil {
		return domain.DocumentRef{}, fmt.Errorf("marshal document: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, version, updated_at)
		VALUES (?, ?, ?, 1, ?)`,
		ref.Collection, ref.ID, string(data), now.Format(domain.TimestampLayout),
	)
	if err != nil {
		return domain.DocumentRef{}, storeErr("insert document", err)
	}

	s.notify(collection)
	return ref, nil
}

// Set creates or replaces the document at ref.
func (s *Store) Set(ctx context.Context, ref domain.DocumentRef, fields map[string]any) error {
	if ref.Collection == "" || ref.ID == "" {
		return fmt.Errorf("%w: collection and id are required", domain.ErrInvalidInput)
	}

	now := s.now()
	data, err := json.Marshal(resolveTimestamps(fields, now))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			version = documents.version + 1,
			updated_at = excluded.updated_at`,
		ref.Collection, ref.ID, string(data), now.Format(domain.TimestampLayout),
	)
	if err != nil {
		return storeErr("upsert document", err)
	}

	s.notify(ref.Collection)
	return nil
}

// Get retrieves a single document.
func (s *Store) Get(ctx context.Context, ref domain.DocumentRef) (domain.Document, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		ref.Collection, ref.ID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{}, fmt.Errorf("%w: %s", domain.ErrNotFound, ref)
	}
	if err != nil {
		return domain.Document{}, storeErr("get document", err)
	}
	return domain.Document{Ref: ref, Data: json.RawMessage(data)}, nil
}

// Query returns every document of the query's collection in query order.
// Documents with equal sort keys are ordered by ID in the same direction.
func (s *Store) Query(ctx context.Context, q domain.Query) ([]domain.Document, error) {
	order, err := orderClause(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = ? ORDER BY `+order,
		q.Collection,
	)
	if err != nil {
		return nil, storeErr(fmt.Sprintf("query %s", q.Collection), err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, storeErr("scan document", err)
		}
		docs = append(docs, domain.Document{
			Ref:  domain.DocumentRef{Collection: q.Collection, ID: id},
			Data: json.RawMessage(data),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate documents", err)
	}
	return docs, nil
}

// RunTransaction reads the document, applies fn and writes the result only
// if nobody else wrote the document in between. On a lost race fn is re-run
// against the fresh document, with jittered backoff, up to MaxAttempts times.
func (s *Store) RunTransaction(ctx context.Context, ref domain.DocumentRef, fn domain.TransactionFunc) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.Reset()

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := s.attempt(ctx, ref, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, errConflict):
			if s.opts.OnConflict != nil {
				s.opts.OnConflict()
			}
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.opts.MaxAttempts)))

	if errors.Is(err, errConflict) {
		s.logger.Warn("transaction gave up under contention", "ref", ref.String(), "attempts", attempts)
		return fmt.Errorf("%w: %s: gave up after %d attempts: %w", domain.ErrTransientStore, ref, attempts, err)
	}
	return err
}

func (s *Store) attempt(ctx context.Context, ref domain.DocumentRef, fn domain.TransactionFunc) error {
	var (
		data    string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM documents WHERE collection = ? AND id = ?`,
		ref.Collection, ref.ID,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, ref)
	}
	if err != nil {
		return storeErr("read document", err)
	}

	next, err := fn(domain.Document{Ref: ref, Data: json.RawMessage(data)})
	if err != nil {
		return err
	}
	if !json.Valid(next) {
		return fmt.Errorf("%w: transaction produced invalid JSON for %s", domain.ErrInvalidInput, ref)
	}

	// The conditional write is a single atomic statement. It runs detached
	// from ctx so a caller going away cannot interrupt it halfway.
	res, err := s.db.ExecContext(context.WithoutCancel(ctx), `
		UPDATE documents
		SET data = ?, version = version + 1, updated_at = ?
		WHERE collection = ? AND id = ? AND version = ?`,
		string(next), s.now().Format(domain.TimestampLayout), ref.Collection, ref.ID, version,
	)
	if err != nil {
		return storeErr("write document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("write document", err)
	}
	if n == 0 {
		// Either a concurrent write bumped the version or the document was
		// deleted. The next attempt's read tells the two apart.
		return errConflict
	}

	s.notify(ref.Collection)
	return nil
}

// Subscribe opens a live query. The listener receives an initial snapshot
// and a fresh snapshot after every change to the collection.
func (s *Store) Subscribe(ctx context.Context, q domain.Query) (domain.Listener, error) {
	if _, err := orderClause(q); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: store is closed", domain.ErrTransientStore)
	}
	l := newListener(s, q)
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	l.wake()
	go l.run(ctx)
	return l, nil
}

func (s *Store) detach(l *listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func (s *Store) notify(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		if l.query.Collection == collection {
			l.wake()
		}
	}
}

func (s *Store) notifyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		l.wake()
	}
}

// pollLoop watches PRAGMA data_version, which changes whenever another
// connection commits to the database file.
func (s *Store) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	last := int64(-1)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			var v int64
			if err := s.db.QueryRow(`PRAGMA data_version;`).Scan(&v); err != nil {
				s.logger.Error("poll data_version failed", "error", err)
				continue
			}
			if last >= 0 && v != last {
				s.logger.Debug("external change detected", "data_version", v)
				s.notifyAll()
			}
			last = v
		}
	}
}

// now returns a strictly increasing UTC timestamp.
func (s *Store) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	t := time.Now().UTC()
	if !t.After(s.lastTS) {
		t = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = t
	return t
}

func resolveTimestamps(fields map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if v == any(domain.ServerTimestamp) {
			out[k] = now.Format(domain.TimestampLayout)
			continue
		}
		out[k] = v
	}
	return out
}

func orderClause(q domain.Query) (string, error) {
	if q.Collection == "" {
		return "", fmt.Errorf("%w: query collection is required", domain.ErrInvalidInput)
	}
	dir := "ASC"
	if q.Direction == domain.Descending {
		dir = "DESC"
	}
	if q.OrderBy == "" {
		return "id " + dir, nil
	}
	if !fieldPattern.MatchString(q.OrderBy) {
		return "", fmt.Errorf("%w: invalid order field %q", domain.ErrInvalidInput, q.OrderBy)
	}
	return fmt.Sprintf("json_extract(data, '$.%s') %s, id %s", q.OrderBy, dir, dir), nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransientStore, err)
}
