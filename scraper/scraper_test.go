package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"wikidot-notifier/pkg/notifier"
)

func newTestScraper(cfg Config) *Scraper {
	client := &http.Client{Timeout: 10 * time.Second}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg, client, logger)
}

// moduleServer serves the AJAX connector envelope around a fixed body.
func moduleServer(t *testing.T, status, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("connector called with method %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostFormValue("wikidot_token7") == "" {
			t.Error("missing wikidot_token7 form field")
		}
		resp := map[string]string{"status": status, "body": body}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestAjaxModuleOK(t *testing.T) {
	srv := moduleServer(t, "ok", "<p>hello</p>")
	defer srv.Close()

	s := newTestScraper(Config{Username: "notifier"})
	body, err := s.ajaxModule(context.Background(), srv.URL, "some/Module", nil)
	if err != nil {
		t.Fatalf("ajaxModule() error: %v", err)
	}
	if body != "<p>hello</p>" {
		t.Errorf("body = %q", body)
	}
}

func TestAjaxModuleBadCredentials(t *testing.T) {
	srv := moduleServer(t, "not_logged_in", "")
	defer srv.Close()

	s := newTestScraper(Config{Username: "notifier"})
	_, err := s.ajaxModule(context.Background(), srv.URL, "some/Module", nil)
	if err == nil {
		t.Fatal("got nil error for rejected session")
	}
	if !errors.Is(err, ErrBadCredentials) {
		t.Errorf("got %v, want ErrBadCredentials", err)
	}
	if IsUnavailable(err) {
		t.Error("credential rejection must not look transient")
	}
}

func TestAjaxModuleNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := newTestScraper(Config{Username: "notifier"})
	_, err := s.ajaxModule(context.Background(), srv.URL, "some/Module", nil)
	if err == nil {
		t.Fatal("got nil error for 404")
	}
	if !IsUnavailable(err) {
		t.Errorf("got %v, want ErrUnavailable kind", err)
	}
}

const recentPostsFixture = `
<div class="post-container">
  <div class="post" id="post-200">
    <div class="title"><a href="/forum/t-77/some-thread#post-200">Re: hi</a></div>
    <div class="info"><span class="printuser"><a onclick="WIKIDOT.page.listeners.userInfo(9); return false;" href="#">bob</a></span>
      <span class="odate time_1700000200 format_default">29 Aug 2026</span></div>
    <div class="content">second</div>
  </div>
</div>
<div class="post-container">
  <div class="post" id="post-100">
    <div class="title"><a href="/forum/t-77/some-thread#post-100">hi</a></div>
    <div class="info"><span class="printuser"><a onclick="WIKIDOT.page.listeners.userInfo(4); return false;" href="#">alice</a></span>
      <span class="odate time_1700000100 format_default">29 Aug 2026</span></div>
    <div class="content">first</div>
  </div>
</div>`

func TestRecentPosts(t *testing.T) {
	srv := moduleServer(t, "ok", recentPostsFixture)
	defer srv.Close()

	s := newTestScraper(Config{Username: "notifier"})
	// Listing is newest first; the walk stops at the first entry older
	// than since, so only post 200 comes back.
	got, err := s.recentPostsFrom(context.Background(), srv.URL, "test", 1700000150)
	if err != nil {
		t.Fatalf("RecentPosts() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1: %+v", len(got), got)
	}
	want := RecentPost{PostID: "200", ThreadID: "77", PostedTimestamp: 1700000200}
	if got[0] != want {
		t.Errorf("got %+v, want %+v", got[0], want)
	}
}

func TestParseRecentPosts(t *testing.T) {
	entries, err := parseRecentPosts(recentPostsFixture)
	if err != nil {
		t.Fatalf("parseRecentPosts() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].PostID != "200" || entries[0].ThreadID != "77" || entries[0].PostedTimestamp != 1700000200 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].PostID != "100" || entries[1].PostedTimestamp != 1700000100 {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

const threadFixture = `
<div class="forum-breadcrumbs">
  <a href="/forum/start">Forum</a> »
  <a href="/forum/c-12/general">General Discussion</a> »
  Welcome Thread
</div>
<div class="description-block">
  <div class="statistics">
    <span class="printuser"><a onclick="WIKIDOT.page.listeners.userInfo(4); return false;" href="#">alice</a></span>
    <span class="odate time_1699999000 format_default">28 Aug 2026</span>
  </div>
</div>
<div id="thread-container-posts">
  <div class="post-container" id="fpc-100">
    <div class="post" id="post-100">
      <div class="title">hi</div>
      <div class="info"><span class="printuser"><a onclick="WIKIDOT.page.listeners.userInfo(4); return false;" href="#">alice</a></span>
        <span class="odate time_1700000100 format_default">29 Aug 2026</span></div>
      <div class="content">first post</div>
    </div>
    <div class="post-container" id="fpc-200">
      <div class="post" id="post-200">
        <div class="title">Re: hi</div>
        <div class="info"><span class="printuser"><a onclick="WIKIDOT.page.listeners.userInfo(9); return false;" href="#">bob</a></span>
          <span class="odate time_1700000200 format_default">29 Aug 2026</span></div>
        <div class="content">a reply</div>
      </div>
    </div>
  </div>
  <div class="post-container" id="fpc-300">
    <div class="post" id="post-300">
      <div class="title">another</div>
      <div class="info"><span class="printuser"><a onclick="WIKIDOT.page.listeners.userInfo(15); return false;" href="#">carol</a></span>
        <span class="odate time_1700000300 format_default">29 Aug 2026</span></div>
      <div class="content">top level again</div>
    </div>
  </div>
</div>`

func TestThreadPosts(t *testing.T) {
	srv := moduleServer(t, "ok", threadFixture)
	defer srv.Close()

	s := newTestScraper(Config{Username: "notifier"})
	thread, posts, err := s.threadPostsFrom(context.Background(), srv.URL, "test", "77")
	if err != nil {
		t.Fatalf("ThreadPosts() error: %v", err)
	}

	if thread.Title != "Welcome Thread" {
		t.Errorf("Title = %q, want %q", thread.Title, "Welcome Thread")
	}
	if thread.CategoryID != "12" || thread.CategoryName != "General Discussion" {
		t.Errorf("category = %q/%q", thread.CategoryID, thread.CategoryName)
	}
	if thread.CreatorUsername != "alice" || thread.CreatedTimestamp != 1699999000 {
		t.Errorf("creator = %q at %d", thread.CreatorUsername, thread.CreatedTimestamp)
	}

	if len(posts) != 3 {
		t.Fatalf("got %d posts, want 3", len(posts))
	}
	byID := make(map[string]notifier.RawPost, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}
	if p := byID["100"]; p.ParentPostID != "" || p.Username != "alice" || p.UserID != "4" {
		t.Errorf("post 100 = %+v", p)
	}
	if p := byID["200"]; p.ParentPostID != "100" || p.UserID != "9" {
		t.Errorf("post 200 = %+v, want parent 100", p)
	}
	if p := byID["300"]; p.ParentPostID != "" {
		t.Errorf("post 300 = %+v, want top-level", p)
	}
}

const listPagesFixture = `
<div class="list-pages-box">
  <div class="list-pages-item">
    <div class="code"><pre>
user_id: "4"
username: alice
frequency: hourly
delivery: email
subscriptions:
  - thread_id: "77"
unsubscriptions:
  - thread_id: "77"
    post_id: "100"
</pre></div>
  </div>
  <div class="list-pages-item">
    <div class="code"><pre>this is : not : valid yaml [</pre></div>
  </div>
  <div class="list-pages-item">
    <div class="code"><pre>
user_id: "9"
username: bob
</pre></div>
  </div>
</div>`

func TestUserConfigs(t *testing.T) {
	srv := moduleServer(t, "ok", listPagesFixture)
	defer srv.Close()

	s := newTestScraper(Config{
		Username:           "notifier",
		ConfigWiki:         srv.URL,
		UserConfigCategory: "notify",
	})
	configs, err := s.UserConfigs(context.Background())
	if err != nil {
		t.Fatalf("UserConfigs() error: %v", err)
	}

	// The malformed page is skipped, not fatal.
	if len(configs) != 2 {
		t.Fatalf("got %d configs, want 2: %+v", len(configs), configs)
	}

	alice := configs[0]
	if alice.UserID != "4" || alice.Frequency != notifier.FrequencyHourly || alice.Delivery != notifier.DeliveryEmail {
		t.Errorf("alice = %+v", alice)
	}
	if len(alice.Subscriptions) != 1 || alice.Subscriptions[0].ThreadID != "77" {
		t.Errorf("alice subscriptions = %+v", alice.Subscriptions)
	}
	if len(alice.Unsubscriptions) != 1 || alice.Unsubscriptions[0].PostID != "100" {
		t.Errorf("alice unsubscriptions = %+v", alice.Unsubscriptions)
	}

	// Omitted settings fall back to the defaults.
	bob := configs[1]
	if bob.Frequency != notifier.FrequencyDaily || bob.Delivery != notifier.DeliveryPM {
		t.Errorf("bob defaults = %q/%q", bob.Frequency, bob.Delivery)
	}
}

func TestGlobalOverrides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		overrides := notifier.GlobalOverrides{
			"somewiki": {
				{Action: notifier.ActionMuteThread, ThreadIDIs: "77"},
				{Action: "bogus", ThreadIDIs: "88"},
				{Action: notifier.ActionMute},
			},
		}
		if err := json.NewEncoder(w).Encode(overrides); err != nil {
			t.Errorf("encode overrides: %v", err)
		}
	}))
	defer srv.Close()

	s := newTestScraper(Config{Username: "notifier", OverridesURL: srv.URL})
	got, err := s.GlobalOverrides(context.Background())
	if err != nil {
		t.Fatalf("GlobalOverrides() error: %v", err)
	}

	// The unknown action and the matcher-less rule are dropped.
	if len(got["somewiki"]) != 1 {
		t.Fatalf("got %d rules, want 1: %+v", len(got["somewiki"]), got["somewiki"])
	}
	if got["somewiki"][0].ThreadIDIs != "77" {
		t.Errorf("rule = %+v", got["somewiki"][0])
	}
}

func TestSendPrivateMessageNoSession(t *testing.T) {
	s := newTestScraper(Config{Username: "notifier"})
	err := s.SendPrivateMessage(context.Background(), "9", "subject", "body")
	if !errors.Is(err, ErrBadCredentials) {
		t.Errorf("got %v, want ErrBadCredentials", err)
	}
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short text unchanged", "hello world", "hello world"},
		{"whitespace collapsed", "hello\n\n  world\t!", "hello world !"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snippet(tt.in); got != tt.want {
				t.Errorf("snippet(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	long := ""
	for range 60 {
		long += "abcde "
	}
	got := snippet(long)
	if len(got) > snippetLength+len("…") {
		t.Errorf("snippet length = %d, want at most %d", len(got), snippetLength+len("…"))
	}
}
