// Package discord posts bus events to a Discord channel as embeds.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/agentbus/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff after a rate limit.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// PosterOpts holds parameters for creating a Poster.
type PosterOpts struct {
	BotToken  string // Discord bot token
	ChannelID string
	Logger    *slog.Logger
	// Filter selects the events to post. Defaults to telegraph.Important.
	Filter func(telegraph.Event) bool
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// Poster implements telegraph.Notifier over the Discord REST API. No
// gateway connection is opened.
type Poster struct {
	sess        session
	channelID   string
	filter      func(telegraph.Event) bool
	logger      *slog.Logger
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// New creates a Poster.
func New(opts PosterOpts) (*Poster, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Filter == nil {
		opts.Filter = telegraph.Important
	}
	sess := opts.Session
	if sess == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = dg
	}
	return &Poster{
		sess:        sess,
		channelID:   opts.ChannelID,
		filter:      opts.Filter,
		logger:      opts.Logger,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Notify posts e when the filter selects it.
func (p *Poster) Notify(ctx context.Context, e telegraph.Event) error {
	if !p.filter(e) {
		return nil
	}
	data := buildMessageSend(telegraph.Format(e))
	err := p.retryOnRateLimit(ctx, func() error {
		_, err := p.sess.ChannelMessageSendComplex(p.channelID, data, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("discord: post %s: %w", e.Kind, err)
	}
	return nil
}

// buildMessageSend translates a FormattedEvent into a Discord MessageSend.
func buildMessageSend(evt telegraph.FormattedEvent) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content: evt.Text(),
		Embeds:  []*discordgo.MessageEmbed{eventToEmbed(evt)},
	}
}

// eventToEmbed converts a FormattedEvent to a Discord Embed.
func eventToEmbed(evt telegraph.FormattedEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       evt.Title,
		Description: evt.Body,
	}
	if evt.Color != "" {
		embed.Color = parseHexColor(evt.Color)
	}
	for _, f := range evt.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on
// Discord 429 responses, honoring ctx.
func (p *Poster) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * p.baseBackoff
		if wait > p.maxBackoff {
			wait = p.maxBackoff
		}
		p.logger.Warn("discord rate limited", "attempt", attempt+1, "retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
