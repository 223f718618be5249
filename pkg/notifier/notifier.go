// Package notifier contains the core domain types for the Wikidot
// notification service.
package notifier

import "fmt"

// Notification frequency channels. Each channel corresponds to one
// scheduled task cadence.
const (
	FrequencyHourly  = "hourly"
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// Delivery methods a user can choose for their digest.
const (
	DeliveryEmail = "email"
	DeliveryPM    = "pm"
)

// SupportedWiki identifies a remote Wikidot instance that the service
// watches. The full set is overwritten on each refresh; there are no
// partial updates.
type SupportedWiki struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Secure bool   `json:"secure" yaml:"secure"`
}

// Thread is forum thread metadata as stored in the cache. A thread is
// owned by exactly one wiki. Category and title may be corrected on
// re-sync; everything else is immutable once stored.
type Thread struct {
	ID               string
	Title            string
	WikiID           string
	CategoryID       string
	CategoryName     string
	CreatorUsername  string
	CreatedTimestamp int64
}

// RawPost is a single post as reported by the remote wiki. An empty
// ParentPostID means a top-level thread post; otherwise the post is a
// reply to the named post. Posts are append-only: content is captured at
// discovery time and never mutated.
type RawPost struct {
	ID              string
	ThreadID        string
	ParentPostID    string
	PostedTimestamp int64
	Title           string
	Snippet         string
	UserID          string
	Username        string
}

// Subscription directions. Unsubscribe always overrides a broader
// subscribe for the same target.
const (
	Subscribe   = 1
	Unsubscribe = -1
)

// Subscription is a user's (un)subscription to a single thread or post.
// An empty PostID targets the whole thread.
type Subscription struct {
	ThreadID string `json:"thread_id" yaml:"thread_id"`
	PostID   string `json:"post_id,omitempty" yaml:"post_id,omitempty"`
	Sub      int    `json:"sub" yaml:"sub"`
}

// RawUserConfig is a user's notification settings as fetched from the
// remote config wiki. Subscriptions and Unsubscriptions are the user's
// explicit opt-ins and opt-outs.
type RawUserConfig struct {
	UserID          string         `yaml:"user_id"`
	Username        string         `yaml:"username"`
	Frequency       string         `yaml:"frequency"`
	Language        string         `yaml:"language"`
	Delivery        string         `yaml:"delivery"`
	Email           string         `yaml:"email,omitempty"`
	Subscriptions   []Subscription `yaml:"subscriptions"`
	Unsubscriptions []Subscription `yaml:"unsubscriptions"`
}

// CachedUserConfig is a user's settings as read back from the cache,
// including the bookkeeping the remote side does not have. ManualSubs
// are the user's explicit choices; AutoSubs are inferred from the user's
// own posting activity.
type CachedUserConfig struct {
	UserID                string
	Username              string
	Frequency             string
	Language              string
	Delivery              string
	Email                 string
	LastNotifiedTimestamp int64
	ManualSubs            []Subscription
	AutoSubs              []Subscription
}

// PostInfo is a post returned from the cache with its full thread, wiki
// and category context, ready for rendering.
type PostInfo struct {
	ID              string
	Title           string
	Username        string
	PostedTimestamp int64
	Snippet         string
	ThreadID        string
	ThreadTitle     string
	ThreadCreator   string
	ThreadTimestamp int64
	WikiID          string
	WikiName        string
	WikiSecure      bool
	CategoryID      string
	CategoryName    string
}

// ThreadURL is the canonical address of the post's thread.
func (p *PostInfo) ThreadURL() string {
	scheme := "http"
	if p.WikiSecure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.wikidot.com/forum/t-%s", scheme, p.WikiID, p.ThreadID)
}

// PostURL is the canonical address of the post itself.
func (p *PostInfo) PostURL() string {
	return p.ThreadURL() + "#post-" + p.ID
}

// ThreadPostInfo is a new post made to a subscribed thread.
type ThreadPostInfo struct {
	PostInfo
}

// PostReplyInfo is a new reply to a subscribed post, carrying the parent
// post's context so the digest can frame it as a reply.
type PostReplyInfo struct {
	PostInfo
	ParentPostID          string
	ParentTitle           string
	ParentUsername        string
	ParentPostedTimestamp int64
}

// NewPostsInfo is the computed, deduplicated notification payload for one
// user over one time window. It is never persisted; a single underlying
// post appears in at most one of the two lists.
type NewPostsInfo struct {
	ThreadPosts []ThreadPostInfo
	PostReplies []PostReplyInfo
}

// Empty reports whether the payload contains nothing worth delivering.
func (n *NewPostsInfo) Empty() bool {
	return n == nil || (len(n.ThreadPosts) == 0 && len(n.PostReplies) == 0)
}

// LatestTimestamp returns the newest post timestamp in the payload, or 0
// for an empty payload. Tasks record this as the user's last-notified
// time after a confirmed delivery.
func (n *NewPostsInfo) LatestTimestamp() int64 {
	var latest int64
	for _, p := range n.ThreadPosts {
		if p.PostedTimestamp > latest {
			latest = p.PostedTimestamp
		}
	}
	for _, p := range n.PostReplies {
		if p.PostedTimestamp > latest {
			latest = p.PostedTimestamp
		}
	}
	return latest
}
