// Package tasks runs the scheduled notification channels: each channel
// refreshes the cached remote state, computes per-user digests and
// delivers them.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wikidot-notifier/cache"
	"wikidot-notifier/pkg/notifier"
	"wikidot-notifier/scraper"
)

// Channel binds a notification frequency to its firing schedule.
type Channel struct {
	Frequency string
	Crontab   string
}

// Channels is the full cadence registry. Daily, weekly and monthly fire
// at midnight UTC; only the hourly channel archives new posts, the rest
// reuse what it stored.
var Channels = []Channel{
	{Frequency: notifier.FrequencyHourly, Crontab: "0 * * * *"},
	{Frequency: notifier.FrequencyDaily, Crontab: "0 0 * * *"},
	{Frequency: notifier.FrequencyWeekly, Crontab: "0 0 * * 0"},
	{Frequency: notifier.FrequencyMonthly, Crontab: "0 0 1 * *"},
}

// Store is the persistence surface tasks need.
type Store interface {
	StoreSupportedWikis(ctx context.Context, wikis []notifier.SupportedWiki) error
	GetSupportedWikis(ctx context.Context) ([]notifier.SupportedWiki, error)
	StoreGlobalOverrides(ctx context.Context, overrides notifier.GlobalOverrides) error
	FindNewThreads(ctx context.Context, threadIDs []string) ([]string, error)
	StoreThread(ctx context.Context, thread *notifier.Thread) error
	StorePost(ctx context.Context, post *notifier.RawPost) error
	GetUserConfigs(ctx context.Context, frequency string) ([]notifier.CachedUserConfig, error)
	StoreUserConfigs(ctx context.Context, configs []notifier.RawUserConfig) error
	GetNewPostsForUser(ctx context.Context, userID string, since, until int64) (*notifier.NewPostsInfo, error)
	StoreUserLastNotified(ctx context.Context, userID string, timestamp int64) error
	CheckWouldEmail(ctx context.Context, frequencies []string) (bool, error)
}

// Remote is the scraping surface tasks need.
type Remote interface {
	SupportedWikis(ctx context.Context) ([]notifier.SupportedWiki, error)
	RecentPosts(ctx context.Context, wiki notifier.SupportedWiki, since int64) ([]scraper.RecentPost, error)
	ThreadPosts(ctx context.Context, wiki notifier.SupportedWiki, threadID string) (*notifier.Thread, []notifier.RawPost, error)
	UserConfigs(ctx context.Context) ([]notifier.RawUserConfig, error)
	GlobalOverrides(ctx context.Context) (notifier.GlobalOverrides, error)
}

// Deliverer routes one user's digest to their chosen delivery method.
type Deliverer interface {
	Deliver(ctx context.Context, user *notifier.CachedUserConfig, info *notifier.NewPostsInfo) error
}

// Warmer is an optional Deliverer capability: transports with expensive
// setup can defer it until a firing actually needs email.
type Warmer interface {
	Warm(ctx context.Context) error
}

// archiveLookback is how far behind the firing time the post archive
// reaches. Wider than the hourly cadence so a failed firing is healed by
// the next one.
const archiveLookback = 3 * time.Hour

// Task is one channel firing's worth of work.
type Task struct {
	store     Store
	remote    Remote
	deliverer Deliverer
	logger    *slog.Logger

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates the task runner shared by all channels.
func New(store Store, remote Remote, deliverer Deliverer, logger *slog.Logger) *Task {
	return &Task{
		store:     store,
		remote:    remote,
		deliverer: deliverer,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute runs one channel firing: archive (hourly only), refresh the
// cached remote state, then compute and deliver each user's digest.
func (t *Task) Execute(ctx context.Context, frequency string) error {
	start := t.now()
	t.logger.Info("channel firing", "frequency", frequency)

	// New posts are the payload itself: archiving them must never
	// silently keep stale data, so any failure aborts the firing and the
	// wider lookback of the next one heals the gap.
	if frequency == notifier.FrequencyHourly {
		if err := t.archivePosts(ctx); err != nil {
			return fmt.Errorf("archive posts: %w", err)
		}
	}

	if err := t.refreshRemoteState(ctx); err != nil {
		return err
	}

	users, err := t.store.GetUserConfigs(ctx, frequency)
	if err != nil {
		return fmt.Errorf("get user configs: %w", err)
	}
	if len(users) == 0 {
		t.logger.Info("no users on channel", "frequency", frequency)
		return nil
	}

	t.warmUpDelivery(ctx, frequency)

	notified := t.notifyUsers(ctx, users)
	t.logger.Info("channel firing complete",
		"frequency", frequency,
		"users", len(users),
		"notified", notified,
		"duration_ms", t.now().Sub(start).Milliseconds())
	return ctx.Err()
}

// refreshRemoteState refreshes wikis, overrides and user configs,
// keeping the previous snapshot whenever the remote side is merely
// unavailable. Anything else - bad credentials, malformed data, storage
// failure - aborts the firing: notifying from state a fatal error just
// failed to refresh would hide the problem.
func (t *Task) refreshRemoteState(ctx context.Context) error {
	if err := cache.RefreshOrKeep(t.logger, "supported wikis",
		func() ([]notifier.SupportedWiki, error) { return t.remote.SupportedWikis(ctx) },
		func(wikis []notifier.SupportedWiki) error { return t.store.StoreSupportedWikis(ctx, wikis) },
		cache.SkipEmptySlice[notifier.SupportedWiki],
		scraper.ErrUnavailable,
	); err != nil {
		return fmt.Errorf("refresh supported wikis: %w", err)
	}

	if err := cache.RefreshOrKeep(t.logger, "global overrides",
		func() (notifier.GlobalOverrides, error) { return t.remote.GlobalOverrides(ctx) },
		func(o notifier.GlobalOverrides) error { return t.store.StoreGlobalOverrides(ctx, o) },
		cache.SkipNone[notifier.GlobalOverrides],
		scraper.ErrUnavailable,
	); err != nil {
		return fmt.Errorf("refresh global overrides: %w", err)
	}

	if err := cache.RefreshOrKeep(t.logger, "user configs",
		func() ([]notifier.RawUserConfig, error) { return t.remote.UserConfigs(ctx) },
		func(configs []notifier.RawUserConfig) error { return t.store.StoreUserConfigs(ctx, configs) },
		cache.SkipEmptySlice[notifier.RawUserConfig],
		scraper.ErrUnavailable,
	); err != nil {
		return fmt.Errorf("refresh user configs: %w", err)
	}
	return nil
}

// archivePosts pulls recent forum activity from every supported wiki and
// stores the touched threads with their full post trees. Thread metadata
// is only written for threads not yet cached; the thread page itself is
// always fetched, since it is the only source of new post bodies and
// reply parentage.
func (t *Task) archivePosts(ctx context.Context) error {
	wikis, err := t.store.GetSupportedWikis(ctx)
	if err != nil {
		return err
	}

	since := t.now().Add(-archiveLookback).Unix()
	for _, wiki := range wikis {
		recent, err := t.remote.RecentPosts(ctx, wiki, since)
		if err != nil {
			return fmt.Errorf("wiki %s: %w", wiki.ID, err)
		}

		threadIDs := make([]string, 0, len(recent))
		seen := make(map[string]bool, len(recent))
		for _, r := range recent {
			if !seen[r.ThreadID] {
				seen[r.ThreadID] = true
				threadIDs = append(threadIDs, r.ThreadID)
			}
		}

		newThreads, err := t.store.FindNewThreads(ctx, threadIDs)
		if err != nil {
			return fmt.Errorf("wiki %s: %w", wiki.ID, err)
		}
		isNew := make(map[string]bool, len(newThreads))
		for _, id := range newThreads {
			isNew[id] = true
		}

		for _, threadID := range threadIDs {
			if err := ctx.Err(); err != nil {
				return err
			}
			thread, posts, err := t.remote.ThreadPosts(ctx, wiki, threadID)
			if err != nil {
				return fmt.Errorf("wiki %s thread %s: %w", wiki.ID, threadID, err)
			}
			if isNew[threadID] {
				if err := t.store.StoreThread(ctx, thread); err != nil {
					return err
				}
			}
			for i := range posts {
				if err := t.store.StorePost(ctx, &posts[i]); err != nil {
					return err
				}
			}
		}

		t.logger.Info("wiki archived",
			"wiki", wiki.ID,
			"threads", len(threadIDs),
			"new_threads", len(newThreads),
			"recent_posts", len(recent))
	}
	return nil
}

// warmUpDelivery gives the delivery transport a chance to set up before
// the per-user loop, but only when someone on the channel actually wants
// email.
func (t *Task) warmUpDelivery(ctx context.Context, frequency string) {
	warmer, ok := t.deliverer.(Warmer)
	if !ok {
		return
	}
	would, err := t.store.CheckWouldEmail(ctx, []string{frequency})
	if err != nil {
		t.logger.Error("check would email failed", "error", err)
		return
	}
	if !would {
		return
	}
	if err := warmer.Warm(ctx); err != nil {
		t.logger.Error("email transport warm-up failed", "error", err)
	}
}

// notifyUsers computes and delivers each user's digest. A user's
// last-notified watermark only advances after their digest is actually
// delivered; one user's failure never blocks the others.
func (t *Task) notifyUsers(ctx context.Context, users []notifier.CachedUserConfig) int {
	now := t.now().Unix()
	notified := 0
	for i := range users {
		user := &users[i]
		select {
		case <-ctx.Done():
			t.logger.Info("stopping user loop", "error", ctx.Err())
			return notified
		default:
		}

		info, err := t.store.GetNewPostsForUser(ctx, user.UserID, user.LastNotifiedTimestamp+1, now)
		if err != nil {
			t.logger.Error("compute digest failed", "user_id", user.UserID, "error", err)
			continue
		}
		if info.Empty() {
			continue
		}

		if err := t.deliverer.Deliver(ctx, user, info); err != nil {
			t.logger.Error("deliver digest failed",
				"user_id", user.UserID,
				"delivery", user.Delivery,
				"error", err)
			continue
		}

		if err := t.store.StoreUserLastNotified(ctx, user.UserID, info.LatestTimestamp()); err != nil {
			// Delivered but not recorded: the next firing will repeat
			// this digest. Prefer a duplicate over a silent loss.
			t.logger.Error("store last notified failed", "user_id", user.UserID, "error", err)
			continue
		}
		notified++
	}
	return notified
}
