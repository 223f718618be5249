package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"wikidot-notifier/pkg/notifier"
)

// CreateTables runs the schema initialization script. Safe to call on
// every startup.
func (s *SQLite) CreateTables(ctx context.Context) error {
	text, err := s.script("create_tables")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, text); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// StoreSupportedWikis replaces the full wiki set in one transaction.
// Wikis absent from the new set are removed along with their cached
// threads and posts.
func (s *SQLite) StoreSupportedWikis(ctx context.Context, wikis []notifier.SupportedWiki) error {
	upsert, err := s.statement("store_supported_wiki")
	if err != nil {
		return err
	}
	deleteStale, err := s.statement("delete_stale_wikis")
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(wikis))
	for _, w := range wikis {
		ids = append(ids, w.ID)
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal wiki ids: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, w := range wikis {
			secure := 0
			if w.Secure {
				secure = 1
			}
			if _, err := tx.ExecContext(ctx, upsert,
				sql.Named("id", w.ID),
				sql.Named("name", w.Name),
				sql.Named("secure", secure),
			); err != nil {
				return fmt.Errorf("store wiki %s: %w", w.ID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, deleteStale,
			sql.Named("wiki_ids", string(idsJSON)),
		); err != nil {
			return fmt.Errorf("delete stale wikis: %w", err)
		}
		return nil
	})
}

// GetSupportedWikis returns all cached wikis.
func (s *SQLite) GetSupportedWikis(ctx context.Context) ([]notifier.SupportedWiki, error) {
	text, err := s.statement("get_supported_wikis")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("get supported wikis: %w", err)
	}
	defer rows.Close()

	var wikis []notifier.SupportedWiki
	for rows.Next() {
		var w notifier.SupportedWiki
		var secure int
		if err := rows.Scan(&w.ID, &w.Name, &secure); err != nil {
			return nil, fmt.Errorf("scan wiki: %w", err)
		}
		w.Secure = secure != 0
		wikis = append(wikis, w)
	}
	return wikis, rows.Err()
}

// StoreGlobalOverrides replaces all override rules in one transaction.
func (s *SQLite) StoreGlobalOverrides(ctx context.Context, overrides notifier.GlobalOverrides) error {
	deleteAll, err := s.statement("delete_global_overrides")
	if err != nil {
		return err
	}
	insert, err := s.statement("store_global_override")
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, deleteAll); err != nil {
			return fmt.Errorf("delete global overrides: %w", err)
		}
		for wikiID, rules := range overrides {
			for i, rule := range rules {
				if _, err := tx.ExecContext(ctx, insert,
					sql.Named("wiki_id", wikiID),
					sql.Named("rule_index", i),
					sql.Named("action", rule.Action),
					sql.Named("category_id_is", rule.CategoryIDIs),
					sql.Named("thread_id_is", rule.ThreadIDIs),
					sql.Named("thread_title_matches", rule.ThreadTitleMatches),
				); err != nil {
					return fmt.Errorf("store override for wiki %s: %w", wikiID, err)
				}
			}
		}
		return nil
	})
}

// GetGlobalOverrides returns all override rules keyed by wiki ID.
func (s *SQLite) GetGlobalOverrides(ctx context.Context) (notifier.GlobalOverrides, error) {
	text, err := s.statement("get_global_overrides")
	if err != nil {
		return nil, err
	}
	return scanGlobalOverrides(ctx, s.db, text)
}

func scanGlobalOverrides(ctx context.Context, q querier, text string) (notifier.GlobalOverrides, error) {
	rows, err := q.QueryContext(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("get global overrides: %w", err)
	}
	defer rows.Close()

	overrides := make(notifier.GlobalOverrides)
	for rows.Next() {
		var wikiID string
		var o notifier.GlobalOverride
		if err := rows.Scan(&wikiID, &o.Action, &o.CategoryIDIs, &o.ThreadIDIs, &o.ThreadTitleMatches); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		overrides[wikiID] = append(overrides[wikiID], o)
	}
	return overrides, rows.Err()
}

// FindNewThreads returns the thread IDs not already present in the cache.
func (s *SQLite) FindNewThreads(ctx context.Context, threadIDs []string) ([]string, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}
	text, err := s.statement("find_new_threads")
	if err != nil {
		return nil, err
	}

	idsJSON, err := json.Marshal(threadIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal thread ids: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, text,
		sql.Named("thread_ids", string(idsJSON)),
	)
	if err != nil {
		return nil, fmt.Errorf("find new threads: %w", err)
	}
	defer rows.Close()

	var unknown []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		unknown = append(unknown, id)
	}
	return unknown, rows.Err()
}

// StoreThread upserts one thread. Safe to call for a thread or category
// already present; title and category are corrected on re-sync.
func (s *SQLite) StoreThread(ctx context.Context, thread *notifier.Thread) error {
	text, err := s.statement("store_thread")
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, text,
		sql.Named("id", thread.ID),
		sql.Named("title", thread.Title),
		sql.Named("wiki_id", thread.WikiID),
		sql.Named("category_id", thread.CategoryID),
		sql.Named("category_name", thread.CategoryName),
		sql.Named("creator_username", thread.CreatorUsername),
		sql.Named("created_timestamp", thread.CreatedTimestamp),
	); err != nil {
		return fmt.Errorf("store thread %s: %w", thread.ID, err)
	}
	return nil
}

// StorePost appends one post. A post is immutable once observed: storing
// the same ID again is a no-op when the content is identical and a
// DuplicatePostError when it differs.
func (s *SQLite) StorePost(ctx context.Context, post *notifier.RawPost) error {
	getPost, err := s.statement("get_post")
	if err != nil {
		return err
	}
	insert, err := s.statement("store_post")
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing notifier.RawPost
		existing.ID = post.ID
		err := tx.QueryRowContext(ctx, getPost, sql.Named("id", post.ID)).Scan(
			&existing.ThreadID,
			&existing.ParentPostID,
			&existing.PostedTimestamp,
			&existing.Title,
			&existing.Snippet,
			&existing.UserID,
			&existing.Username,
		)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// New post, fall through to the insert.
		case err != nil:
			return fmt.Errorf("check post %s: %w", post.ID, err)
		case existing == *post:
			// Benign re-delivery.
			return nil
		default:
			return &DuplicatePostError{ID: post.ID}
		}

		var parent any
		if post.ParentPostID != "" {
			parent = post.ParentPostID
		}
		if _, err := tx.ExecContext(ctx, insert,
			sql.Named("id", post.ID),
			sql.Named("thread_id", post.ThreadID),
			sql.Named("parent_post_id", parent),
			sql.Named("posted_timestamp", post.PostedTimestamp),
			sql.Named("title", post.Title),
			sql.Named("snippet", post.Snippet),
			sql.Named("user_id", post.UserID),
			sql.Named("username", post.Username),
		); err != nil {
			return fmt.Errorf("store post %s: %w", post.ID, err)
		}
		return nil
	})
}

// GetUserConfigs returns all users subscribed to the given frequency
// channel, with their manual and inferred subscriptions.
func (s *SQLite) GetUserConfigs(ctx context.Context, frequency string) ([]notifier.CachedUserConfig, error) {
	configsQ, err := s.statement("get_user_configs")
	if err != nil {
		return nil, err
	}
	manualQ, err := s.statement("get_manual_subs")
	if err != nil {
		return nil, err
	}
	autoQ, err := s.statement("get_auto_subs")
	if err != nil {
		return nil, err
	}

	// One transaction, so the user rows and their subscriptions come
	// from the same snapshot even when a config overwrite lands between
	// the queries.
	var users []notifier.CachedUserConfig
	txErr := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, configsQ, sql.Named("frequency", frequency))
		if err != nil {
			return fmt.Errorf("get user configs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var u notifier.CachedUserConfig
			if err := rows.Scan(&u.UserID, &u.Username, &u.Frequency, &u.Language, &u.Delivery, &u.Email, &u.LastNotifiedTimestamp); err != nil {
				return fmt.Errorf("scan user config: %w", err)
			}
			users = append(users, u)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for i := range users {
			manual, err := scanSubs(ctx, tx, manualQ, users[i].UserID, false)
			if err != nil {
				return fmt.Errorf("get manual subs for %s: %w", users[i].UserID, err)
			}
			auto, err := scanSubs(ctx, tx, autoQ, users[i].UserID, true)
			if err != nil {
				return fmt.Errorf("get auto subs for %s: %w", users[i].UserID, err)
			}
			users[i].ManualSubs = manual
			users[i].AutoSubs = auto
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return users, nil
}

// scanSubs runs a subscription query for one user. Auto-sub rows carry
// no direction column; they are always subscriptions.
func scanSubs(ctx context.Context, q querier, query, userID string, auto bool) ([]notifier.Subscription, error) {
	rows, err := q.QueryContext(ctx, query, sql.Named("user_id", userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []notifier.Subscription
	for rows.Next() {
		var sub notifier.Subscription
		if auto {
			if err := rows.Scan(&sub.ThreadID, &sub.PostID); err != nil {
				return nil, err
			}
			sub.Sub = notifier.Subscribe
		} else {
			if err := rows.Scan(&sub.ThreadID, &sub.PostID, &sub.Sub); err != nil {
				return nil, err
			}
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// StoreUserConfigs replaces the full user-config snapshot in one
// transaction. Explicit subscriptions are normalized to +1 and explicit
// unsubscriptions to -1. Last-notified timestamps are preserved.
func (s *SQLite) StoreUserConfigs(ctx context.Context, configs []notifier.RawUserConfig) error {
	clear, err := s.script("delete_user_configs")
	if err != nil {
		return err
	}
	insertUser, err := s.statement("store_user_config")
	if err != nil {
		return err
	}
	insertSub, err := s.statement("store_manual_sub")
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, clear); err != nil {
			return fmt.Errorf("clear user configs: %w", err)
		}
		for _, cfg := range configs {
			if _, err := tx.ExecContext(ctx, insertUser,
				sql.Named("user_id", cfg.UserID),
				sql.Named("username", cfg.Username),
				sql.Named("frequency", cfg.Frequency),
				sql.Named("language", cfg.Language),
				sql.Named("delivery", cfg.Delivery),
				sql.Named("email", cfg.Email),
			); err != nil {
				return fmt.Errorf("store user config %s: %w", cfg.UserID, err)
			}
			for _, sub := range cfg.Subscriptions {
				if err := execManualSub(ctx, tx, insertSub, cfg.UserID, sub.ThreadID, sub.PostID, notifier.Subscribe); err != nil {
					return err
				}
			}
			for _, sub := range cfg.Unsubscriptions {
				if err := execManualSub(ctx, tx, insertSub, cfg.UserID, sub.ThreadID, sub.PostID, notifier.Unsubscribe); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func execManualSub(ctx context.Context, tx *sql.Tx, query, userID, threadID, postID string, direction int) error {
	if _, err := tx.ExecContext(ctx, query,
		sql.Named("user_id", userID),
		sql.Named("thread_id", threadID),
		sql.Named("post_id", postID),
		sql.Named("sub", direction),
	); err != nil {
		return fmt.Errorf("store sub for %s on (%s,%s): %w", userID, threadID, postID, err)
	}
	return nil
}

// StoreManualSub upserts a single subscription record for one user.
func (s *SQLite) StoreManualSub(ctx context.Context, userID string, sub notifier.Subscription) error {
	if sub.Sub != notifier.Subscribe && sub.Sub != notifier.Unsubscribe {
		return fmt.Errorf("invalid subscription direction %d", sub.Sub)
	}
	text, err := s.statement("store_manual_sub")
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, text,
		sql.Named("user_id", userID),
		sql.Named("thread_id", sub.ThreadID),
		sql.Named("post_id", sub.PostID),
		sql.Named("sub", sub.Sub),
	); err != nil {
		return fmt.Errorf("store manual sub: %w", err)
	}
	return nil
}

// StoreUserLastNotified records the time of the most recent post the
// user has been notified about. Must only be called once the
// notification has actually been delivered. The stored value never
// decreases.
func (s *SQLite) StoreUserLastNotified(ctx context.Context, userID string, timestamp int64) error {
	text, err := s.statement("store_user_last_notified")
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, text,
		sql.Named("user_id", userID),
		sql.Named("last_notified_timestamp", timestamp),
	); err != nil {
		return fmt.Errorf("store last notified for %s: %w", userID, err)
	}
	return nil
}

// CheckWouldEmail reports whether at least one user on one of the given
// frequency channels has chosen email delivery. Used to decide whether
// to warm up the email transport at all.
func (s *SQLite) CheckWouldEmail(ctx context.Context, frequencies []string) (bool, error) {
	text, err := s.statement("check_would_email")
	if err != nil {
		return false, err
	}

	freqJSON, err := json.Marshal(frequencies)
	if err != nil {
		return false, fmt.Errorf("marshal frequencies: %w", err)
	}

	var would int
	if err := s.db.QueryRowContext(ctx, text,
		sql.Named("frequencies", string(freqJSON)),
	).Scan(&would); err != nil {
		return false, fmt.Errorf("check would email: %w", err)
	}
	return would != 0, nil
}
