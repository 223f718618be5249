// Package email renders and delivers digest emails through a pluggable
// provider.
package email

import (
	"context"
	"log/slog"
)

// Provider is an email transport.
type Provider interface {
	// Send delivers one HTML email.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// MockProvider logs emails instead of sending them. Used in local
// development and in tests.
type MockProvider struct {
	logger *slog.Logger

	// Sent collects every delivery for inspection by tests.
	Sent []MockDelivery
}

// MockDelivery is one email captured by the mock provider.
type MockDelivery struct {
	To      string
	Subject string
	Body    string
}

// NewMockProvider creates a logging-only provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send records and logs the email.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.Sent = append(m.Sent, MockDelivery{To: to, Subject: subject, Body: htmlBody})
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}
