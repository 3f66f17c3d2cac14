// Package slack posts bus events to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/agentbus/internal/telegraph"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// PosterOpts holds parameters for creating a Poster.
type PosterOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	Logger    *slog.Logger
	// Filter selects the events to post. Defaults to telegraph.Important.
	Filter func(telegraph.Event) bool
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// Poster implements telegraph.Notifier by posting attachments to Slack.
type Poster struct {
	client    slackClient
	channelID string
	filter    func(telegraph.Event) bool
	logger    *slog.Logger
}

// New creates a Poster.
func New(opts PosterOpts) (*Poster, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Filter == nil {
		opts.Filter = telegraph.Important
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Poster{client: client, channelID: opts.ChannelID, filter: opts.Filter, logger: opts.Logger}, nil
}

// Notify posts e when the filter selects it.
func (p *Poster) Notify(ctx context.Context, e telegraph.Event) error {
	if !p.filter(e) {
		return nil
	}
	options := buildMessageOptions(telegraph.Format(e))
	err := retryOnRateLimit(ctx, p.logger, func() error {
		_, _, err := p.client.PostMessageContext(ctx, p.channelID, options...)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: post %s: %w", e.Kind, err)
	}
	return nil
}

// buildMessageOptions translates a FormattedEvent into Slack MsgOptions.
func buildMessageOptions(evt telegraph.FormattedEvent) []slackapi.MsgOption {
	return []slackapi.MsgOption{
		slackapi.MsgOptionAttachments(eventToAttachment(evt)),
		slackapi.MsgOptionText(evt.Text(), false),
	}
}

// eventToAttachment converts a FormattedEvent to a Slack Attachment.
func eventToAttachment(evt telegraph.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    evt.Title,
		Text:     evt.Body,
		Color:    evt.Color,
		Fallback: evt.Title,
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, honoring RetryAfter and ctx.
func retryOnRateLimit(ctx context.Context, logger *slog.Logger, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		logger.Warn("slack rate limited", "attempt", attempt+1, "retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
