package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via the Gmail API. The API client is built
// lazily: a firing with no email users never touches credentials.
type GmailProvider struct {
	init   func(context.Context) (*gmail.Service, error)
	logger *slog.Logger

	mu      sync.Mutex
	service *gmail.Service
}

// NewGmailProvider creates a Gmail-backed provider. init builds the
// authenticated API client; it is called at most once per successful
// setup, on Warm or on the first Send.
func NewGmailProvider(init func(context.Context) (*gmail.Service, error), logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		init:   init,
		logger: logger,
	}
}

// Warm builds the API client ahead of the first Send. A failed attempt
// is retried on the next call.
func (g *GmailProvider) Warm(ctx context.Context) error {
	_, err := g.ensure(ctx)
	return err
}

func (g *GmailProvider) ensure(ctx context.Context) (*gmail.Service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.service != nil {
		return g.service, nil
	}
	service, err := g.init(ctx)
	if err != nil {
		return nil, fmt.Errorf("init gmail service: %w", err)
	}
	g.logger.Info("gmail service initialized")
	g.service = service
	return service, nil
}

// sanitizeHeader strips newlines and control characters. RFC 5322
// headers are newline-delimited, so a newline in a header value would
// let a digest inject arbitrary headers.
func sanitizeHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Send sends one email as the authenticated account.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	service, err := g.ensure(ctx)
	if err != nil {
		return err
	}

	to = sanitizeHeader(to)
	subject = sanitizeHeader(subject)

	// The From address is set by the API from the authenticated account.
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	encoded := base64.URLEncoding.EncodeToString([]byte(msg.String()))

	return retry.Do(
		func() error {
			start := time.Now()
			_, err := service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			if err != nil {
				g.logger.Warn("gmail send failed, will retry",
					"to", to,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			g.logger.Info("gmail send completed",
				"to", to,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("retrying gmail send", "attempt", n, "error", err)
		}),
	)
}
