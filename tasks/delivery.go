package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"wikidot-notifier/email"
	"wikidot-notifier/pkg/notifier"
)

// DigestEmailer renders and sends a digest email.
type DigestEmailer interface {
	SendDigest(ctx context.Context, user *notifier.CachedUserConfig, info *notifier.NewPostsInfo) error
}

// EmailDeliverer adapts an email sender to the Deliverer contract.
type EmailDeliverer struct {
	Sender DigestEmailer
}

// Deliver sends the digest by email.
func (e EmailDeliverer) Deliver(ctx context.Context, user *notifier.CachedUserConfig, info *notifier.NewPostsInfo) error {
	return e.Sender.SendDigest(ctx, user, info)
}

// Warm forwards transport warm-up when the sender supports it.
func (e EmailDeliverer) Warm(ctx context.Context) error {
	if warmer, ok := e.Sender.(Warmer); ok {
		return warmer.Warm(ctx)
	}
	return nil
}

// Messenger sends Wikidot private messages.
type Messenger interface {
	SendPrivateMessage(ctx context.Context, userID, subject, body string) error
}

// PMDeliverer delivers digests as Wikidot private messages.
type PMDeliverer struct {
	Messenger Messenger
}

// Deliver sends the digest as a private message.
func (p PMDeliverer) Deliver(ctx context.Context, user *notifier.CachedUserConfig, info *notifier.NewPostsInfo) error {
	subject := email.DigestSubject(info)
	body := email.FormatDigestWikitext(user, info)
	return p.Messenger.SendPrivateMessage(ctx, user.UserID, subject, body)
}

// Router picks the delivery path from the user's settings. Unknown
// delivery methods fall back to private messages, which every Wikidot
// user can receive.
type Router struct {
	Email  Deliverer
	PM     Deliverer
	Logger *slog.Logger
}

// Deliver routes one digest.
func (r Router) Deliver(ctx context.Context, user *notifier.CachedUserConfig, info *notifier.NewPostsInfo) error {
	switch user.Delivery {
	case notifier.DeliveryEmail:
		return r.Email.Deliver(ctx, user, info)
	case notifier.DeliveryPM:
		return r.PM.Deliver(ctx, user, info)
	default:
		r.Logger.Warn("unknown delivery method, falling back to pm",
			"user_id", user.UserID,
			"delivery", user.Delivery)
		return r.PM.Deliver(ctx, user, info)
	}
}

// Warm forwards transport warm-up to the email path when it supports it.
func (r Router) Warm(ctx context.Context) error {
	if warmer, ok := r.Email.(Warmer); ok {
		if err := warmer.Warm(ctx); err != nil {
			return fmt.Errorf("warm email transport: %w", err)
		}
	}
	return nil
}
