package scraper

import (
	"context"
	"fmt"

	"wikidot-notifier/pkg/notifier"
)

// pmWiki is the site the private-message action lives on. Messages are
// account-to-account, not wiki-scoped.
var pmWiki = notifier.SupportedWiki{ID: "www", Secure: true}

// SendPrivateMessage sends a Wikidot private message. This is the
// delivery path for users who chose pm over email. It requires a
// logged-in session; a rejected session surfaces as ErrBadCredentials.
func (s *Scraper) SendPrivateMessage(ctx context.Context, userID, subject, body string) error {
	if s.config.SessionToken == "" {
		return &RemoteError{Kind: ErrBadCredentials, Op: "send pm", Err: fmt.Errorf("no session token configured")}
	}

	_, err := s.ajaxModule(ctx, wikiBaseURL(pmWiki), "Empty", map[string]string{
		"action":     "DashboardMessageAction",
		"event":      "send",
		"to_user_id": userID,
		"subject":    subject,
		"source":     body,
	})
	if err != nil {
		return err
	}

	s.logger.Info("private message sent", "to_user_id", userID, "subject", subject)
	return nil
}
