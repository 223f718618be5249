package email

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"google.golang.org/api/gmail/v1"
)

func TestGmailProviderWarmInitializesOnce(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	calls := 0
	provider := NewGmailProvider(func(context.Context) (*gmail.Service, error) {
		calls++
		return &gmail.Service{}, nil
	}, logger)

	if calls != 0 {
		t.Fatalf("client built eagerly, init calls = %d", calls)
	}
	if err := provider.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() error: %v", err)
	}
	if err := provider.Warm(context.Background()); err != nil {
		t.Fatalf("second Warm() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("init calls = %d, want 1", calls)
	}
}

func TestGmailProviderWarmRetriesFailedInit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	calls := 0
	provider := NewGmailProvider(func(context.Context) (*gmail.Service, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no credentials")
		}
		return &gmail.Service{}, nil
	}, logger)

	if err := provider.Warm(context.Background()); err == nil {
		t.Fatal("Warm() returned nil for failed init")
	}
	if err := provider.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() after failed init: %v", err)
	}
	if calls != 2 {
		t.Errorf("init calls = %d, want 2", calls)
	}
}

func TestSenderWarm(t *testing.T) {
	// The mock provider has no warm-up; Warm is a no-op for it.
	sender, _ := newTestSender()
	if err := sender.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() with mock provider: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	calls := 0
	gp := NewGmailProvider(func(context.Context) (*gmail.Service, error) {
		calls++
		return &gmail.Service{}, nil
	}, logger)

	warmable := New(gp, logger)
	if err := warmable.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("init calls = %d, want 1", calls)
	}
}
