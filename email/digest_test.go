package email

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"wikidot-notifier/pkg/notifier"
)

func testPayload() *notifier.NewPostsInfo {
	return &notifier.NewPostsInfo{
		ThreadPosts: []notifier.ThreadPostInfo{
			{PostInfo: notifier.PostInfo{
				ID:              "300",
				Title:           "another",
				Username:        "carol",
				PostedTimestamp: 1700000300,
				Snippet:         "top level again",
				ThreadID:        "77",
				ThreadTitle:     "Welcome Thread",
				WikiID:          "somewiki",
				WikiName:        "Some Wiki",
				WikiSecure:      true,
			}},
		},
		PostReplies: []notifier.PostReplyInfo{
			{
				PostInfo: notifier.PostInfo{
					ID:              "200",
					Title:           "Re: hi",
					Username:        "bob",
					PostedTimestamp: 1700000200,
					Snippet:         "a reply",
					ThreadID:        "77",
					ThreadTitle:     "Welcome Thread",
					WikiID:          "somewiki",
					WikiName:        "Some Wiki",
					WikiSecure:      true,
				},
				ParentPostID:   "100",
				ParentTitle:    "hi",
				ParentUsername: "alice",
			},
		},
	}
}

func testUser() *notifier.CachedUserConfig {
	return &notifier.CachedUserConfig{
		UserID:   "4",
		Username: "alice",
		Delivery: notifier.DeliveryEmail,
		Email:    "alice@example.com",
	}
}

func newTestSender() (*Sender, *MockProvider) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	mock := NewMockProvider(logger)
	return New(mock, logger), mock
}

func TestSendDigest(t *testing.T) {
	sender, mock := newTestSender()

	if err := sender.SendDigest(context.Background(), testUser(), testPayload()); err != nil {
		t.Fatalf("SendDigest() error: %v", err)
	}
	if len(mock.Sent) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(mock.Sent))
	}

	sent := mock.Sent[0]
	if sent.To != "alice@example.com" {
		t.Errorf("To = %q", sent.To)
	}
	if sent.Subject != "2 new posts on your subscribed threads" {
		t.Errorf("Subject = %q", sent.Subject)
	}

	for _, want := range []string{
		"Welcome Thread",
		"carol",
		"bob",
		"replied to <strong>hi</strong>",
		"https://somewiki.wikidot.com/forum/t-77#post-300",
		"https://somewiki.wikidot.com/forum/t-77#post-200",
		"Replies to your posts",
		"New posts in subscribed threads",
	} {
		if !strings.Contains(sent.Body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestSendDigestEmptyPayload(t *testing.T) {
	sender, mock := newTestSender()

	if err := sender.SendDigest(context.Background(), testUser(), &notifier.NewPostsInfo{}); err != nil {
		t.Fatalf("SendDigest() error: %v", err)
	}
	if len(mock.Sent) != 0 {
		t.Errorf("empty payload produced %d deliveries", len(mock.Sent))
	}
}

func TestSendDigestNoAddress(t *testing.T) {
	sender, mock := newTestSender()

	user := testUser()
	user.Email = ""
	if err := sender.SendDigest(context.Background(), user, testPayload()); err == nil {
		t.Error("got nil error for user without an address")
	}
	if len(mock.Sent) != 0 {
		t.Errorf("got %d deliveries, want 0", len(mock.Sent))
	}
}

func TestFormatDigestHTMLEscapes(t *testing.T) {
	info := testPayload()
	info.ThreadPosts[0].Snippet = `<script>alert("boo")</script>`
	info.ThreadPosts[0].ThreadTitle = "Tom & Jerry"

	body := formatDigestHTML(testUser(), info)
	if strings.Contains(body, "<script>") {
		t.Error("snippet markup not escaped")
	}
	if !strings.Contains(body, "&lt;script&gt;") {
		t.Error("escaped snippet missing")
	}
	if !strings.Contains(body, "Tom &amp; Jerry") {
		t.Error("escaped title missing")
	}
}

func TestFormatDigestWikitext(t *testing.T) {
	text := FormatDigestWikitext(testUser(), testPayload())

	for _, want := range []string{
		"+ Replies to your posts",
		"+ New posts in subscribed threads",
		"**bob** replied to //hi//",
		"[https://somewiki.wikidot.com/forum/t-77#post-300 Welcome Thread]",
		"> a reply",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("wikitext missing %q", want)
		}
	}
}

func TestDigestSubject(t *testing.T) {
	one := &notifier.NewPostsInfo{
		ThreadPosts: []notifier.ThreadPostInfo{{}},
	}
	if got := DigestSubject(one); got != "1 new post on your subscribed threads" {
		t.Errorf("singular subject = %q", got)
	}
	if got := DigestSubject(testPayload()); got != "2 new posts on your subscribed threads" {
		t.Errorf("plural subject = %q", got)
	}
}

func TestSanitizeHeader(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "alice@example.com", "alice@example.com"},
		{"newline injection", "x@example.com\r\nBcc: y@example.com", "x@example.comBcc: y@example.com"},
		{"control characters", "a\x00b\x1fc", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeHeader(tt.in); got != tt.want {
				t.Errorf("sanitizeHeader(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
