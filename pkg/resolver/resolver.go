package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"gmauleon.org/agecheck/pkg/discord"
	"gmauleon.org/agecheck/pkg/snowflake"
	"go.uber.org/zap"
)

var ErrInvalidIdentifier = errors.New("invalid discord identifier")

// Source is where live user and guild data comes from. *discord.Bot
// implements it. Errors are expected to be classified with the discord
// package's error types.
type Source interface {
	User(ctx context.Context, userID string) (*discordgo.User, error)
	Guilds(ctx context.Context) ([]*discordgo.UserGuild, error)
	SearchMember(ctx context.Context, guildID string, query string) (*discordgo.Member, error)
	PreviewSource
}

type Resolver struct {
	source  Source
	preview *PreviewFetcher
	logger  *zap.Logger
}

// New creates a resolver. A nil source means no bot token is available:
// users are resolved from their ID alone and guilds always degrade.
func New(logger *zap.Logger, source Source) *Resolver {
	var preview PreviewSource
	if source != nil {
		preview = source
	}

	return &Resolver{
		source:  source,
		preview: NewPreviewFetcher(logger, preview),
		logger:  logger,
	}
}

// Resolve picks a strategy from the identifier's shape and kind.
func (r *Resolver) Resolve(ctx context.Context, identifier string, kind Kind) (*Record, error) {
	switch kind {
	case KindGuild:
		return r.ResolveGuild(ctx, identifier)
	case KindUser:
		if snowflake.Valid(identifier) {
			return r.ResolveUserByID(ctx, identifier)
		}
		return r.ResolveUsername(ctx, identifier)
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}

// ResolveUserByID fetches a user directly.
func (r *Resolver) ResolveUserByID(ctx context.Context, userID string) (*Record, error) {
	if !snowflake.Valid(userID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, userID)
	}

	if r.source == nil {
		return snowflakeRecord(KindUser, userID)
	}

	u, err := r.source.User(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetching user %s: %w", userID, err)
	}

	return newUserRecord(u, userID)
}

// ResolveUsername searches the members of every guild the bot can see, in
// the order the source lists them, and returns the first match. When no
// guild matches and the name is itself an ID, the user is fetched by ID.
func (r *Resolver) ResolveUsername(ctx context.Context, username string) (*Record, error) {
	if r.source == nil {
		if snowflake.Valid(username) {
			return snowflakeRecord(KindUser, username)
		}
		return nil, discord.ErrUnavailable
	}

	guilds, err := r.source.Guilds(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing guilds: %w", err)
	}

	for _, g := range guilds {
		m, err := r.source.SearchMember(ctx, g.ID, username)
		if err != nil {
			var rl *discord.RateLimitError
			if errors.As(err, &rl) {
				return nil, fmt.Errorf("searching guild %s: %w", g.ID, err)
			}
			r.logger.Warn("searching guild members", zap.String("guild", g.ID), zap.Error(err))
			continue
		}

		if m != nil && m.User != nil {
			r.logger.Debug("username resolved", zap.String("username", username), zap.String("guild", g.ID), zap.String("user", m.User.ID))
			return newUserRecord(m.User, m.User.ID)
		}
	}

	if snowflake.Valid(username) {
		return r.ResolveUserByID(ctx, username)
	}

	return nil, fmt.Errorf("%w: no user named %q in %d guilds", discord.ErrNotFound, username, len(guilds))
}

// ResolveGuild never fails for a well-formed ID unless Discord kept rate
// limiting every attempt; see PreviewFetcher.
func (r *Resolver) ResolveGuild(ctx context.Context, guildID string) (*Record, error) {
	return r.preview.Fetch(ctx, guildID)
}

func newUserRecord(u *discordgo.User, fallbackID string) (*Record, error) {
	if u.ID == "" {
		u.ID = fallbackID
	}

	createdAt, err := snowflake.Time(u.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, u.ID)
	}

	return userRecord(u, createdAt), nil
}
