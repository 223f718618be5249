package storage

import (
	"context"
	"database/sql"
	"fmt"

	"wikidot-notifier/pkg/notifier"
)

// GetNewPostsForUser computes the notification payload for one user over
// the half-open window [since, until). Thread posts and post replies are
// computed independently and then deduplicated: a post that qualifies
// both ways is reported only as a reply, since that framing carries the
// parent context. Global overrides are applied before dedup.
func (s *SQLite) GetNewPostsForUser(ctx context.Context, userID string, since, until int64) (*notifier.NewPostsInfo, error) {
	overridesQ, err := s.statement("get_global_overrides")
	if err != nil {
		return nil, err
	}
	threadsQ, err := s.statement("get_posts_in_subscribed_threads")
	if err != nil {
		return nil, err
	}
	repliesQ, err := s.statement("get_replies_to_subscribed_posts")
	if err != nil {
		return nil, err
	}

	// One transaction, so overrides and both post queries come from a
	// single snapshot even when a refresh lands mid-computation.
	var info *notifier.NewPostsInfo
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		overrides, err := scanGlobalOverrides(ctx, tx, overridesQ)
		if err != nil {
			return err
		}
		threadPosts, err := scanThreadPosts(ctx, tx, threadsQ, userID, since, until)
		if err != nil {
			return err
		}
		replies, err := scanPostReplies(ctx, tx, repliesQ, userID, since, until)
		if err != nil {
			return err
		}

		info = &notifier.NewPostsInfo{}
		replySeen := make(map[string]bool, len(replies))
		for i := range replies {
			if overrides.Muted(&replies[i].PostInfo, s.titleMode) {
				continue
			}
			replySeen[replies[i].ID] = true
			info.PostReplies = append(info.PostReplies, replies[i])
		}
		for i := range threadPosts {
			if replySeen[threadPosts[i].ID] {
				continue
			}
			if overrides.Muted(&threadPosts[i].PostInfo, s.titleMode) {
				continue
			}
			info.ThreadPosts = append(info.ThreadPosts, threadPosts[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func scanThreadPosts(ctx context.Context, q querier, text, userID string, since, until int64) ([]notifier.ThreadPostInfo, error) {
	rows, err := q.QueryContext(ctx, text,
		sql.Named("user_id", userID),
		sql.Named("lower_timestamp", since),
		sql.Named("upper_timestamp", until),
	)
	if err != nil {
		return nil, fmt.Errorf("get thread posts for %s: %w", userID, err)
	}
	defer rows.Close()

	var posts []notifier.ThreadPostInfo
	for rows.Next() {
		var p notifier.ThreadPostInfo
		var secure int
		if err := rows.Scan(
			&p.ID, &p.Title, &p.Username, &p.PostedTimestamp, &p.Snippet,
			&p.ThreadID, &p.ThreadTitle, &p.ThreadCreator, &p.ThreadTimestamp,
			&p.WikiID, &p.WikiName, &secure,
			&p.CategoryID, &p.CategoryName,
		); err != nil {
			return nil, fmt.Errorf("scan thread post: %w", err)
		}
		p.WikiSecure = secure != 0
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func scanPostReplies(ctx context.Context, q querier, text, userID string, since, until int64) ([]notifier.PostReplyInfo, error) {
	rows, err := q.QueryContext(ctx, text,
		sql.Named("user_id", userID),
		sql.Named("lower_timestamp", since),
		sql.Named("upper_timestamp", until),
	)
	if err != nil {
		return nil, fmt.Errorf("get post replies for %s: %w", userID, err)
	}
	defer rows.Close()

	var replies []notifier.PostReplyInfo
	for rows.Next() {
		var p notifier.PostReplyInfo
		var secure int
		if err := rows.Scan(
			&p.ID, &p.Title, &p.Username, &p.PostedTimestamp, &p.Snippet,
			&p.ThreadID, &p.ThreadTitle, &p.ThreadCreator, &p.ThreadTimestamp,
			&p.WikiID, &p.WikiName, &secure,
			&p.CategoryID, &p.CategoryName,
			&p.ParentPostID, &p.ParentTitle, &p.ParentUsername, &p.ParentPostedTimestamp,
		); err != nil {
			return nil, fmt.Errorf("scan post reply: %w", err)
		}
		p.WikiSecure = secure != 0
		replies = append(replies, p)
	}
	return replies, rows.Err()
}
