package scraper

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"wikidot-notifier/pkg/notifier"
)

// RecentPost is one entry from a wiki's recent-posts listing: enough to
// know which thread has new activity and how fresh it is. The full post,
// including its parent, comes from the thread page.
type RecentPost struct {
	PostID          string
	ThreadID        string
	PostedTimestamp int64
}

var (
	rePostID   = regexp.MustCompile(`^post-(\d+)$`)
	reThread   = regexp.MustCompile(`/forum/t-(\d+)`)
	reCategory = regexp.MustCompile(`/forum/c-(\d+)`)
	reUserInfo = regexp.MustCompile(`userInfo\((\d+)\)`)
	reOdate    = regexp.MustCompile(`\btime_(\d+)\b`)
)

// maxRecentPages bounds the recent-posts walk. At 20 posts a page this
// covers far more than an hour of activity on any wiki we watch.
const maxRecentPages = 10

// RecentPosts walks the wiki's recent-posts listing, newest first, and
// returns every entry posted at or after since. The walk stops at the
// first entry older than since.
func (s *Scraper) RecentPosts(ctx context.Context, wiki notifier.SupportedWiki, since int64) ([]RecentPost, error) {
	return s.recentPostsFrom(ctx, wikiBaseURL(wiki), wiki.ID, since)
}

func (s *Scraper) recentPostsFrom(ctx context.Context, base, wikiID string, since int64) ([]RecentPost, error) {
	var recent []RecentPost
	for page := 1; page <= maxRecentPages; page++ {
		body, err := s.ajaxModule(ctx, base, "forum/RecentPostsModule", map[string]string{
			"page": strconv.Itoa(page),
		})
		if err != nil {
			return nil, err
		}

		entries, err := parseRecentPosts(body)
		if err != nil {
			return nil, &RemoteError{Kind: ErrUnavailable, Op: "recent posts " + base, Err: err}
		}
		if len(entries) == 0 {
			break
		}

		done := false
		for _, e := range entries {
			if e.PostedTimestamp < since {
				done = true
				break
			}
			recent = append(recent, e)
		}
		if done {
			break
		}
	}

	s.logger.Info("recent posts fetched", "wiki", wikiID, "since", since, "posts", len(recent))
	return recent, nil
}

func parseRecentPosts(body string) ([]RecentPost, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse recent posts: %w", err)
	}

	var entries []RecentPost
	doc.Find("div.post").Each(func(_ int, sel *goquery.Selection) {
		id, ok := sel.Attr("id")
		m := rePostID.FindStringSubmatch(id)
		if !ok || m == nil {
			return
		}

		href, _ := sel.Find("div.title a").First().Attr("href")
		tm := reThread.FindStringSubmatch(href)
		if tm == nil {
			return
		}

		entries = append(entries, RecentPost{
			PostID:          m[1],
			ThreadID:        tm[1],
			PostedTimestamp: parseOdate(sel.Find("span.odate").First()),
		})
	})
	return entries, nil
}

// ThreadPosts fetches a thread's metadata and its full post tree. Reply
// parentage is recovered from the nesting of post containers on the
// page.
func (s *Scraper) ThreadPosts(ctx context.Context, wiki notifier.SupportedWiki, threadID string) (*notifier.Thread, []notifier.RawPost, error) {
	return s.threadPostsFrom(ctx, wikiBaseURL(wiki), wiki.ID, threadID)
}

func (s *Scraper) threadPostsFrom(ctx context.Context, base, wikiID, threadID string) (*notifier.Thread, []notifier.RawPost, error) {
	op := "thread " + threadID + " " + base

	var thread *notifier.Thread
	var posts []notifier.RawPost

	page := 1
	lastPage := 1
	for page <= lastPage {
		body, err := s.ajaxModule(ctx, base, "forum/ForumViewThreadModule", map[string]string{
			"t":      threadID,
			"pageNo": strconv.Itoa(page),
		})
		if err != nil {
			return nil, nil, err
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		if err != nil {
			return nil, nil, &RemoteError{Kind: ErrUnavailable, Op: op, Err: fmt.Errorf("parse thread page: %w", err)}
		}

		if thread == nil {
			thread, err = parseThreadMeta(doc, wikiID, threadID)
			if err != nil {
				return nil, nil, &RemoteError{Kind: ErrUnavailable, Op: op, Err: err}
			}
			lastPage = parseLastPage(doc)
		}

		posts = append(posts, parseThreadPosts(doc, threadID)...)
		page++
	}

	s.logger.Info("thread fetched",
		"wiki", wikiID,
		"thread", threadID,
		"title", thread.Title,
		"pages", lastPage,
		"posts", len(posts))
	return thread, posts, nil
}

func parseThreadMeta(doc *goquery.Document, wikiID, threadID string) (*notifier.Thread, error) {
	crumbs := doc.Find("div.forum-breadcrumbs").First()
	if crumbs.Length() == 0 {
		return nil, fmt.Errorf("thread %s: no breadcrumbs", threadID)
	}

	thread := &notifier.Thread{
		ID:     threadID,
		WikiID: wikiID,
	}

	crumbs.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if m := reCategory.FindStringSubmatch(href); m != nil {
			thread.CategoryID = m[1]
			thread.CategoryName = strings.TrimSpace(a.Text())
		}
	})

	// The thread title is the text after the last separator in the
	// breadcrumb line.
	full := strings.TrimSpace(crumbs.Text())
	if idx := strings.LastIndex(full, "»"); idx >= 0 {
		thread.Title = strings.TrimSpace(full[idx+len("»"):])
	} else {
		thread.Title = full
	}

	statistics := doc.Find("div.statistics").First()
	thread.CreatorUsername = strings.TrimSpace(statistics.Find("span.printuser a").Last().Text())
	thread.CreatedTimestamp = parseOdate(statistics.Find("span.odate").First())
	return thread, nil
}

func parseLastPage(doc *goquery.Document) int {
	last := 1
	doc.Find("div.pager span.target a").Each(func(_ int, a *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(a.Text())); err == nil && n > last {
			last = n
		}
	})
	return last
}

func parseThreadPosts(doc *goquery.Document, threadID string) []notifier.RawPost {
	var posts []notifier.RawPost
	doc.Find("div.post").Each(func(_ int, sel *goquery.Selection) {
		id, ok := sel.Attr("id")
		m := rePostID.FindStringSubmatch(id)
		if !ok || m == nil {
			return
		}

		post := notifier.RawPost{
			ID:              m[1],
			ThreadID:        threadID,
			PostedTimestamp: parseOdate(sel.Find("span.odate").First()),
			Title:           strings.TrimSpace(sel.Find("div.title").First().Text()),
			Snippet:         snippet(sel.Find("div.content").First().Text()),
			Username:        strings.TrimSpace(sel.Find("span.printuser a").Last().Text()),
			UserID:          parseUserID(sel.Find("span.printuser a").First()),
		}

		// A reply's container is nested inside its parent's container.
		parent := sel.Parent().ParentsFiltered("div.post-container").First()
		if parent.Length() > 0 {
			if pid, ok := parent.Find("div.post").First().Attr("id"); ok {
				if pm := rePostID.FindStringSubmatch(pid); pm != nil {
					post.ParentPostID = pm[1]
				}
			}
		}

		posts = append(posts, post)
	})
	return posts
}

func parseOdate(sel *goquery.Selection) int64 {
	class, ok := sel.Attr("class")
	if !ok {
		return 0
	}
	m := reOdate.FindStringSubmatch(class)
	if m == nil {
		return 0
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

func parseUserID(sel *goquery.Selection) string {
	onclick, ok := sel.Attr("onclick")
	if !ok {
		return ""
	}
	m := reUserInfo.FindStringSubmatch(onclick)
	if m == nil {
		return ""
	}
	return m[1]
}

// snippetLength bounds stored post excerpts, matching what a digest will
// ever show.
const snippetLength = 200

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= snippetLength {
		return text
	}
	cut := text[:snippetLength]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}
