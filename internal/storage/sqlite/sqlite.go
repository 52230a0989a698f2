// Package sqlite provides a SQLite-backed implementation of the storage.Store
// interface.
//
// Several processes may open the same database file; each one tails the
// changes table to feed its own subscribers, so a write made anywhere is seen
// everywhere within one poll interval. Writes made through this store kick
// the poller immediately.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/mmynk/pacegroup/internal/clock"
	"github.com/mmynk/pacegroup/internal/storage"
	"github.com/mmynk/pacegroup/internal/storage/watch"
)

// Ensure SQLiteStore implements storage.Store
var _ storage.Store = (*SQLiteStore)(nil)

const (
	// DefaultPollInterval is how often the change log is tailed when no
	// local write kicks the poller.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultChangeRetention is how long change rows are kept for slower
	// processes to catch up.
	DefaultChangeRetention = 10 * time.Minute
)

// SQLiteStore implements storage.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	hub          *watch.Hub
	clock        clock.Clock
	logger       *slog.Logger
	pollInterval time.Duration
	retention    time.Duration
	maxRetries   int

	mu        sync.Mutex // guards lastSeq and lastPrune
	lastSeq   int64
	lastPrune time.Time

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = logger }
}

// WithClock sets the clock driving the change-log poller.
func WithClock(c clock.Clock) Option {
	return func(s *SQLiteStore) { s.clock = c }
}

// WithPollInterval sets how often the change log is tailed.
func WithPollInterval(d time.Duration) Option {
	return func(s *SQLiteStore) { s.pollInterval = d }
}

// WithChangeRetention sets how long change rows are kept.
func WithChangeRetention(d time.Duration) Option {
	return func(s *SQLiteStore) { s.retention = d }
}

// WithMaxRetries bounds the attempts of a single Transact call.
func WithMaxRetries(n int) Option {
	return func(s *SQLiteStore) { s.maxRetries = n }
}

// New creates a new SQLiteStore with the given database path.
// It creates the parent directories, runs migrations and starts the change
// poller.
func New(dbPath string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		clock:        clock.Real(),
		logger:       slog.New(slog.DiscardHandler),
		pollInterval: DefaultPollInterval,
		retention:    DefaultChangeRetention,
		maxRetries:   storage.DefaultMaxTransactionRetries,
		kick:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", s.pollInterval)
	}

	// Create parent directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Immediate transactions take the write lock up front; busy_timeout
	// makes other processes wait for it instead of failing.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes this process's statements. Update
	// functions run outside any transaction, so they may read freely.
	db.SetMaxOpenConns(1)

	// Run migrations
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM changes").Scan(&s.lastSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read change log position: %w", err)
	}

	s.db = db
	s.lastPrune = s.clock.Now()
	s.hub = watch.NewHub(s.Read, s.logger)
	go s.pollLoop()

	s.logger.Info("sqlite store opened", "database", dbPath, "poll_interval", s.pollInterval)
	return s, nil
}

// Close stops the poller, fails every subscription and closes the database
// connection.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.hub.Close()
		err = s.db.Close()
	})
	return err
}

// Read returns the value at path.
func (s *SQLiteStore) Read(ctx context.Context, path string) (storage.Value, error) {
	if err := storage.ValidatePath(path); err != nil {
		return storage.Value{}, err
	}
	raw, err := readTree(ctx, s.db, path)
	if err != nil {
		return storage.Value{}, err
	}
	return storage.ValueOf(raw), nil
}

// Write replaces the value at path.
func (s *SQLiteStore) Write(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

// Update applies several writes in one SQLite transaction.
func (s *SQLiteStore) Update(ctx context.Context, values map[string]any) error {
	if err := storage.ValidateUpdate(values); err != nil {
		return err
	}

	encoded := make(map[string][]byte, len(values))
	for path, value := range values {
		v, err := storage.Encode(value)
		if err != nil {
			return err
		}
		encoded[path] = v.Bytes()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := s.clock.Now().UnixMilli()
	for path, raw := range encoded {
		if err := writeNode(ctx, tx, path, raw, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("failed to commit transaction", err)
	}
	s.kickPoller()
	return nil
}

// GenerateKey returns a time-ordered UUIDv7.
func (s *SQLiteStore) GenerateKey(ctx context.Context, parent string) (string, error) {
	if err := storage.ValidatePath(parent); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", unavailable("failed to generate key", err)
	}
	return id.String(), nil
}

// Transact runs an optimistic read-modify-write on path. The commit re-reads
// the subtree inside an immediate transaction and writes only if it still
// matches what the update function saw.
func (s *SQLiteStore) Transact(ctx context.Context, path string, update storage.UpdateFunc) (storage.Value, error) {
	if err := storage.ValidatePath(path); err != nil {
		return storage.Value{}, err
	}

	load := func(ctx context.Context) ([]byte, error) {
		return readTree(ctx, s.db, path)
	}

	commit := func(ctx context.Context, expected, next []byte) (bool, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return false, unavailable("failed to begin transaction", err)
		}
		defer tx.Rollback()

		current, err := readTree(ctx, tx, path)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(current, expected) {
			return false, nil
		}

		if err := writeNode(ctx, tx, path, next, s.clock.Now().UnixMilli()); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, unavailable("failed to commit transaction", err)
		}
		s.kickPoller()
		return true, nil
	}

	return storage.RunOptimistic(ctx, path, s.maxRetries, load, commit, update)
}

// Subscribe delivers the value at path now and after every related change.
func (s *SQLiteStore) Subscribe(ctx context.Context, path string, onChange func(storage.Value), onError func(error)) (storage.Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.hub.Subscribe(path, onChange, onError)
}

// Unsubscribe stops a subscription.
func (s *SQLiteStore) Unsubscribe(h storage.Handle) {
	s.hub.Unsubscribe(h)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// readTree returns the encoded subtree at path, nil when absent.
func readTree(ctx context.Context, q querier, path string) ([]byte, error) {
	// Paths below p sort inside [p + "/", p + "0"): '0' follows '/'.
	rows, err := q.QueryContext(ctx,
		"SELECT path, value FROM nodes WHERE path = ? OR (path >= ? AND path < ?)",
		path, path+"/", path+"0",
	)
	if err != nil {
		return nil, unavailable("failed to read nodes", err)
	}
	defer rows.Close()

	leaves := make(map[string][]byte)
	for rows.Next() {
		var leafPath string
		var raw []byte
		if err := rows.Scan(&leafPath, &raw); err != nil {
			return nil, unavailable("failed to scan node", err)
		}
		leaves[leafPath] = raw
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to iterate nodes", err)
	}

	value, err := storage.AssembleTree(path, leaves)
	if err != nil {
		return nil, err
	}
	return value.Bytes(), nil
}

// writeNode replaces the subtree at path inside tx and records the change.
func writeNode(ctx context.Context, tx *sql.Tx, path string, raw []byte, now int64) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM nodes WHERE path = ? OR (path >= ? AND path < ?)",
		path, path+"/", path+"0",
	); err != nil {
		return unavailable("failed to delete subtree", err)
	}

	if raw != nil {
		for _, ancestor := range storage.Ancestors(path) {
			if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE path = ?", ancestor); err != nil {
				return unavailable("failed to delete ancestor leaf", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO nodes (path, value) VALUES (?, ?)",
			path, raw,
		); err != nil {
			return unavailable("failed to insert node", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO changes (path, changed_at) VALUES (?, ?)",
		path, now,
	); err != nil {
		return unavailable("failed to record change", err)
	}
	return nil
}

func unavailable(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", storage.ErrUnavailable, msg, err)
}
