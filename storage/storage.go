// Package storage is the durable store of record for remote-derived
// state: supported wikis, threads, posts, user configurations and
// last-notified bookkeeping. The Driver contract is storage-engine
// agnostic; the one concrete implementation runs on SQLite with query
// text served by the queries resource cache.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"wikidot-notifier/pkg/notifier"
	"wikidot-notifier/queries"
)

// Driver is the capability contract every storage engine must satisfy.
// Each operation is atomic with respect to concurrent callers on the
// same store.
type Driver interface {
	// CreateTables performs idempotent schema initialization.
	CreateTables(ctx context.Context) error

	// StoreSupportedWikis overwrites the full wiki set.
	StoreSupportedWikis(ctx context.Context, wikis []notifier.SupportedWiki) error
	// GetSupportedWikis returns the full wiki set.
	GetSupportedWikis(ctx context.Context) ([]notifier.SupportedWiki, error)

	// StoreGlobalOverrides overwrites all override rules.
	StoreGlobalOverrides(ctx context.Context, overrides notifier.GlobalOverrides) error
	// GetGlobalOverrides returns all override rules keyed by wiki ID.
	GetGlobalOverrides(ctx context.Context) (notifier.GlobalOverrides, error)

	// FindNewThreads returns the subset of threadIDs not yet cached.
	FindNewThreads(ctx context.Context, threadIDs []string) ([]string, error)
	// StoreThread upserts one thread with its category.
	StoreThread(ctx context.Context, thread *notifier.Thread) error
	// StorePost appends one post. Re-delivery with identical content is
	// a no-op; the same ID with differing content is a DuplicatePostError.
	StorePost(ctx context.Context, post *notifier.RawPost) error

	// GetNewPostsForUser computes the deduplicated notification payload
	// for one user over [since, until).
	GetNewPostsForUser(ctx context.Context, userID string, since, until int64) (*notifier.NewPostsInfo, error)

	// GetUserConfigs returns all users on the given frequency channel.
	GetUserConfigs(ctx context.Context, frequency string) ([]notifier.CachedUserConfig, error)
	// StoreUserConfigs overwrites the full user-config snapshot.
	// Last-notified bookkeeping survives the overwrite.
	StoreUserConfigs(ctx context.Context, configs []notifier.RawUserConfig) error
	// StoreManualSub upserts a single subscription record for one user.
	StoreManualSub(ctx context.Context, userID string, sub notifier.Subscription) error
	// StoreUserLastNotified records the delivery watermark for one user.
	// The stored value never decreases.
	StoreUserLastNotified(ctx context.Context, userID string, timestamp int64) error

	// CheckWouldEmail reports whether any user on one of the given
	// frequency channels has chosen email delivery.
	CheckWouldEmail(ctx context.Context, frequencies []string) (bool, error)
}

// DuplicatePostError signals that the remote source returned conflicting
// content for a post ID believed immutable. It is a data-integrity
// signal, never silently dropped.
type DuplicatePostError struct {
	ID string
}

func (e *DuplicatePostError) Error() string {
	return fmt.Sprintf("post %s already stored with different content", e.ID)
}

// IsDuplicatePost checks whether an error is a DuplicatePostError.
func IsDuplicatePost(err error) bool {
	var d *DuplicatePostError
	return errors.As(err, &d)
}

// Options tunes a SQLite driver.
type Options struct {
	// TitleMatchMode selects how override thread-title patterns are
	// interpreted. Defaults to exact matching.
	TitleMatchMode notifier.TitleMatchMode
}

// Open opens (creating if needed) a SQLite database at path with the
// production pragmas applied and returns a driver reading its SQL from q.
// Use ":memory:" for an ephemeral store.
func Open(path string, q *queries.Cache, opts Options) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	// An in-memory database exists per connection; more than one
	// connection would mean more than one database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	mode := opts.TitleMatchMode
	if mode == "" {
		mode = notifier.TitleMatchExact
	}

	return &SQLite{db: db, queries: q, titleMode: mode}, nil
}

// SQLite is the concrete Driver backed by a SQLite database.
type SQLite struct {
	db        *sql.DB
	queries   *queries.Cache
	titleMode notifier.TitleMatchMode
}

var _ Driver = (*SQLite)(nil)

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// statement returns the text of a named single-statement query.
func (s *SQLite) statement(name string) (string, error) {
	def, err := s.queries.Load(name)
	if err != nil {
		return "", err
	}
	if def.Script {
		return "", fmt.Errorf("query %s is a script, expected a single statement", name)
	}
	return def.Text, nil
}

// script returns the text of a named multi-statement batch.
func (s *SQLite) script(name string) (string, error) {
	def, err := s.queries.Load(name)
	if err != nil {
		return "", err
	}
	if !def.Script {
		return "", fmt.Errorf("query %s is a single statement, expected a script", name)
	}
	return def.Text, nil
}

// querier is the read surface shared by sql.DB and sql.Tx, so scan
// helpers work both standalone and inside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error. This is what makes every Driver operation atomic:
// multi-statement reads use it too, so they observe one snapshot.
func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
