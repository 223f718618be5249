// Package scraper talks to Wikidot: the AJAX module connector for forum
// activity and configuration pages, and the private-message endpoint for
// deliveries.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"wikidot-notifier/pkg/notifier"
)

// Remote failure kinds. ErrUnavailable covers transient outages and is
// the only kind callers may treat as retryable-later; ErrBadCredentials
// means the session is rejected and retrying cannot help.
var (
	ErrUnavailable    = errors.New("wikidot unavailable")
	ErrBadCredentials = errors.New("wikidot rejected credentials")
)

// RemoteError wraps a failure against the remote wiki with its kind.
// Match the kind with errors.Is.
type RemoteError struct {
	Kind error
	Op   string
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsUnavailable checks whether an error is a transient remote outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Config identifies the notifier's own Wikidot account and the wiki that
// hosts its configuration pages.
type Config struct {
	// Username is the account posts and messages are sent as.
	Username string
	// SessionToken is the WIKIDOT_SESSION_ID cookie of a logged-in
	// session for Username.
	SessionToken string
	// ConfigWiki is the unix name of the wiki hosting configuration
	// pages, e.g. "notifications".
	ConfigWiki string
	// UserConfigCategory is the page category holding per-user settings.
	UserConfigCategory string
	// WikiConfigCategory is the page category listing supported wikis.
	WikiConfigCategory string
	// OverridesURL serves the global override rules as JSON.
	OverridesURL string
}

// Scraper is the Wikidot client. It is safe for concurrent use.
type Scraper struct {
	client *http.Client
	logger *slog.Logger
	config Config
}

// New creates a Wikidot client.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Scraper {
	return &Scraper{
		client: client,
		logger: logger,
		config: cfg,
	}
}

// token7 is the CSRF token Wikidot expects both as a cookie and a form
// field. Any value works as long as the two agree.
const token7 = "123456"

// moduleResponse is the envelope every AJAX connector call returns.
type moduleResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Body    string `json:"body"`
}

func wikiBaseURL(wiki notifier.SupportedWiki) string {
	scheme := "http"
	if wiki.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.wikidot.com", scheme, wiki.ID)
}

// ajaxModule calls the AJAX module connector of the given wiki and
// returns the rendered module body. Transient failures are retried;
// credential rejections are not.
func (s *Scraper) ajaxModule(ctx context.Context, baseURL, module string, params map[string]string) (string, error) {
	form := url.Values{}
	form.Set("moduleName", module)
	form.Set("wikidot_token7", token7)
	for k, v := range params {
		form.Set(k, v)
	}

	endpoint := baseURL + "/ajax-module-connector.php"
	op := fmt.Sprintf("%s %s", module, baseURL)

	var body string
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("User-Agent", "wikidot-notifier ("+s.config.Username+")")
			req.AddCookie(&http.Cookie{Name: "wikidot_token7", Value: token7})
			if s.config.SessionToken != "" {
				req.AddCookie(&http.Cookie{Name: "WIKIDOT_SESSION_ID", Value: s.config.SessionToken})
			}

			start := time.Now()
			resp, err := s.client.Do(req)
			if err != nil {
				s.logger.Warn("module request failed, will retry", "module", module, "url", baseURL, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Debug("module request completed",
				"module", module,
				"url", baseURL,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds())

			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			var mod moduleResponse
			if err := json.Unmarshal(raw, &mod); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode module envelope: %w", err))
			}

			switch mod.Status {
			case "ok":
				body = mod.Body
				return nil
			case "try_again":
				s.logger.Warn("wikidot asked to try again", "module", module, "url", baseURL)
				return fmt.Errorf("status try_again")
			case "no_permission", "not_logged_in", "wrong_token7":
				return retry.Unrecoverable(&RemoteError{Kind: ErrBadCredentials, Op: op, Err: fmt.Errorf("status %s: %s", mod.Status, mod.Message)})
			default:
				return retry.Unrecoverable(fmt.Errorf("status %s: %s", mod.Status, mod.Message))
			}
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("retrying module call", "module", module, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return "", remote
		}
		return "", &RemoteError{Kind: ErrUnavailable, Op: op, Err: err}
	}
	return body, nil
}
