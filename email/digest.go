package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wikidot-notifier/pkg/notifier"
)

// Sender renders digests and delivers them through a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a digest sender.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Warm forwards transport setup to providers that support deferring it,
// such as the Gmail provider's lazy client build.
func (s *Sender) Warm(ctx context.Context) error {
	warmer, ok := s.provider.(interface{ Warm(context.Context) error })
	if !ok {
		return nil
	}
	return warmer.Warm(ctx)
}

// SendDigest delivers one user's notification payload as an email. An
// empty payload is not an error, just nothing to do. A user without an
// email address on file is an error: the caller routed the digest
// wrong.
func (s *Sender) SendDigest(ctx context.Context, user *notifier.CachedUserConfig, info *notifier.NewPostsInfo) error {
	if info.Empty() {
		return nil
	}
	if user.Email == "" {
		return fmt.Errorf("user %s has email delivery but no address", user.UserID)
	}

	subject := DigestSubject(info)
	body := formatDigestHTML(user, info)

	s.logger.Info("sending digest email",
		"to", user.Email,
		"user_id", user.UserID,
		"thread_posts", len(info.ThreadPosts),
		"post_replies", len(info.PostReplies))

	return s.provider.Send(ctx, user.Email, subject, body)
}

// DigestSubject is the one-line summary used as the email subject and
// the private-message title.
func DigestSubject(info *notifier.NewPostsInfo) string {
	total := len(info.ThreadPosts) + len(info.PostReplies)
	if total == 1 {
		return "1 new post on your subscribed threads"
	}
	return fmt.Sprintf("%d new posts on your subscribed threads", total)
}

func formatDigestHTML(user *notifier.CachedUserConfig, info *notifier.NewPostsInfo) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString(".header { border-bottom: 2px solid #901; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".post { margin-bottom: 30px; padding-bottom: 20px; border-bottom: 1px solid #ecf0f1; }\n")
	b.WriteString(".post:last-of-type { border-bottom: none; }\n")
	b.WriteString(".author { color: #901; font-weight: 600; }\n")
	b.WriteString(".context { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".snippet { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #901; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(DigestSubject(info))))
	b.WriteString(fmt.Sprintf("<p>Hello %s, here is what happened on your subscribed threads.</p>\n", escapeHTML(user.Username)))
	b.WriteString("</div>\n")

	if len(info.PostReplies) > 0 {
		b.WriteString("<h3>Replies to your posts</h3>\n")
		for i := range info.PostReplies {
			writeReply(&b, &info.PostReplies[i])
		}
	}

	if len(info.ThreadPosts) > 0 {
		b.WriteString("<h3>New posts in subscribed threads</h3>\n")
		for i := range info.ThreadPosts {
			writeThreadPost(&b, &info.ThreadPosts[i])
		}
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString("<p>You receive this digest because of your notification settings on the configuration wiki. Edit your settings page to change frequency, delivery or subscriptions.</p>\n")
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func writeThreadPost(b *strings.Builder, p *notifier.ThreadPostInfo) {
	b.WriteString("<div class=\"post\">\n")
	b.WriteString(fmt.Sprintf("<span class=\"author\">%s</span>\n", escapeHTML(p.Username)))
	b.WriteString(fmt.Sprintf("<span class=\"context\"> posted in <a href=\"%s\">%s</a> (%s) &bull; %s</span>\n",
		escapeHTML(p.ThreadURL()),
		escapeHTML(p.ThreadTitle),
		escapeHTML(p.WikiName),
		formatTimestamp(p.PostedTimestamp)))
	writeSnippet(b, &p.PostInfo)
	b.WriteString("</div>\n")
}

func writeReply(b *strings.Builder, p *notifier.PostReplyInfo) {
	parent := p.ParentTitle
	if parent == "" {
		parent = "your post"
	}
	b.WriteString("<div class=\"post\">\n")
	b.WriteString(fmt.Sprintf("<span class=\"author\">%s</span>\n", escapeHTML(p.Username)))
	b.WriteString(fmt.Sprintf("<span class=\"context\"> replied to <strong>%s</strong> in <a href=\"%s\">%s</a> (%s) &bull; %s</span>\n",
		escapeHTML(parent),
		escapeHTML(p.ThreadURL()),
		escapeHTML(p.ThreadTitle),
		escapeHTML(p.WikiName),
		formatTimestamp(p.PostedTimestamp)))
	writeSnippet(b, &p.PostInfo)
	b.WriteString("</div>\n")
}

func writeSnippet(b *strings.Builder, p *notifier.PostInfo) {
	if p.Snippet != "" {
		b.WriteString("<div class=\"snippet\">\n")
		b.WriteString(escapeHTML(p.Snippet))
		b.WriteString("\n</div>\n")
	}
	b.WriteString(fmt.Sprintf("<a href=\"%s\">View this post</a>\n", escapeHTML(p.PostURL())))
}

// FormatDigestWikitext renders the payload as Wikidot markup for
// private-message delivery.
func FormatDigestWikitext(user *notifier.CachedUserConfig, info *notifier.NewPostsInfo) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Hello %s, here is what happened on your subscribed threads.\n\n", user.Username))

	if len(info.PostReplies) > 0 {
		b.WriteString("+ Replies to your posts\n\n")
		for i := range info.PostReplies {
			p := &info.PostReplies[i]
			parent := p.ParentTitle
			if parent == "" {
				parent = "your post"
			}
			b.WriteString(fmt.Sprintf("* **%s** replied to //%s// in [%s %s] (%s)\n",
				p.Username, parent, p.PostURL(), p.ThreadTitle, p.WikiName))
			if p.Snippet != "" {
				b.WriteString(fmt.Sprintf("> %s\n", p.Snippet))
			}
		}
		b.WriteString("\n")
	}

	if len(info.ThreadPosts) > 0 {
		b.WriteString("+ New posts in subscribed threads\n\n")
		for i := range info.ThreadPosts {
			p := &info.ThreadPosts[i]
			b.WriteString(fmt.Sprintf("* **%s** posted in [%s %s] (%s)\n",
				p.Username, p.PostURL(), p.ThreadTitle, p.WikiName))
			if p.Snippet != "" {
				b.WriteString(fmt.Sprintf("> %s\n", p.Snippet))
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("Edit your settings page on the configuration wiki to change frequency, delivery or subscriptions.\n")
	return b.String()
}

func formatTimestamp(ts int64) string {
	if ts == 0 {
		return "unknown time"
	}
	return time.Unix(ts, 0).UTC().Format("Jan 2, 2006 at 15:04 MST")
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
