package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gmauleon.org/agecheck/pkg/discord"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryAfter = time.Second
)

// ErrRetriesExhausted is returned when every preview attempt was rate limited.
var ErrRetriesExhausted = errors.New("guild preview: rate limited on every attempt")

var (
	previewAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agecheck_guild_preview_attempts_total",
		Help: "Guild preview calls issued to Discord.",
	})
	previewOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agecheck_guild_preview_outcomes_total",
		Help: "Guild preview lookups by outcome.",
	}, []string{"outcome"})
)

type PreviewSource interface {
	GuildPreview(ctx context.Context, guildID string) (*discordgo.GuildPreview, error)
}

// PreviewFetcher looks up guild previews and degrades to a record derived
// from the guild ID when Discord will not serve one.
type PreviewFetcher struct {
	source PreviewSource
	logger *zap.Logger

	MaxRetries int
	// RetryAfter is the wait used when a rate limit response carries none.
	RetryAfter time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewPreviewFetcher(logger *zap.Logger, source PreviewSource) *PreviewFetcher {
	return &PreviewFetcher{
		source:     source,
		logger:     logger,
		MaxRetries: DefaultMaxRetries,
		RetryAfter: DefaultRetryAfter,
		sleep:      sleepContext,
	}
}

// Fetch returns a live record, or the degraded one when the guild is unknown,
// not visible, or Discord kept failing. The only error outcomes are a
// malformed ID, a cancelled context, and ErrRetriesExhausted when every
// attempt was rate limited.
func (f *PreviewFetcher) Fetch(ctx context.Context, guildID string) (*Record, error) {
	fallback, err := snowflakeRecord(KindGuild, guildID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, guildID)
	}

	if f.source == nil {
		previewOutcomesTotal.WithLabelValues("unavailable").Inc()
		return fallback, nil
	}

	maxRetries := f.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	attempt, rateLimited := 0, 0
	for attempt < maxRetries {
		previewAttemptsTotal.Inc()

		p, err := f.source.GuildPreview(ctx, guildID)
		if err == nil {
			previewOutcomesTotal.WithLabelValues("live").Inc()
			return guildRecord(p, guildID, fallback.CreatedAt), nil
		}

		if errors.Is(err, discord.ErrNotFound) || errors.Is(err, discord.ErrForbidden) {
			previewOutcomesTotal.WithLabelValues("not_discoverable").Inc()
			return fallback, nil
		}

		attempt++

		var rl *discord.RateLimitError
		if !errors.As(err, &rl) {
			f.logger.Warn("guild preview failed", zap.String("guild", guildID), zap.Int("attempt", attempt), zap.Error(err))
			if attempt == maxRetries {
				previewOutcomesTotal.WithLabelValues("failed").Inc()
				return fallback, nil
			}
			continue
		}

		rateLimited++
		if attempt == maxRetries {
			break
		}

		wait := rl.RetryAfter
		if wait <= 0 {
			wait = f.RetryAfter
		}
		f.logger.Info("guild preview rate limited", zap.String("guild", guildID), zap.Int("attempt", attempt), zap.Duration("retry_after", wait))

		if err := f.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("waiting to retry guild preview: %w", err)
		}
	}

	// A rate limit only surfaces when it caused every failed attempt.
	if rateLimited < maxRetries {
		previewOutcomesTotal.WithLabelValues("failed").Inc()
		return fallback, nil
	}

	previewOutcomesTotal.WithLabelValues("rate_limited").Inc()
	return nil, ErrRetriesExhausted
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
