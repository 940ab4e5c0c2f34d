package discord

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// guildPageSize is the largest page Discord serves for the current user's guilds.
const guildPageSize = 200

type Bot struct {
	session *discordgo.Session
	logger  *zap.Logger
	timeout time.Duration
	ready   atomic.Bool
}

// NewBot creates a Discord session authenticated with a bot token. Every
// REST call made through the bot is bounded by timeout and never retried on
// rate limits; callers decide what to do with a RateLimitError.
func NewBot(logger *zap.Logger, token string, timeout time.Duration) (*Bot, error) {
	bot := Bot{
		logger:  logger,
		timeout: timeout,
	}

	// Create a new Discord session
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		logger.Error("failed to create Discord session", zap.Error(err))
		return nil, err
	}

	s.Client = &http.Client{Timeout: timeout}
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	s.Identify.Intents = discordgo.IntentsGuilds

	// Handlers to know when the bot is registered and ready on discord
	s.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		bot.ready.Store(true)
		logger.Info("bot is up", zap.Int("guilds", len(r.Guilds)))
	})
	s.AddHandler(func(s *discordgo.Session, d *discordgo.Disconnect) {
		bot.ready.Store(false)
		logger.Warn("bot disconnected")
	})

	bot.session = s

	return &bot, nil
}

func (b *Bot) Start() error {
	// Open a websocket connection to Discord and begin listening
	err := b.session.Open()
	if err != nil {
		b.logger.Error("opening connection", zap.Error(err))
		return err
	}

	return nil
}

func (b *Bot) Shutdown() error {
	b.ready.Store(false)

	if err := b.session.Close(); err != nil {
		b.logger.Error("closing connection", zap.Error(err))
		return err
	}

	b.logger.Info("bot is down")

	return nil
}

// Ready reports whether the gateway connection has received its Ready event.
func (b *Bot) Ready() bool {
	return b.ready.Load()
}

// User fetches a user by ID.
func (b *Bot) User(ctx context.Context, userID string) (*discordgo.User, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	u, err := b.session.User(userID, b.options(ctx)...)
	if err != nil {
		return nil, classify(err)
	}

	return u, nil
}

// Guilds lists every guild the bot is a member of, in the order Discord
// returns them (ascending ID).
func (b *Bot) Guilds(ctx context.Context) ([]*discordgo.UserGuild, error) {
	var guilds []*discordgo.UserGuild

	after := ""
	for {
		page, err := b.guildPage(ctx, after)
		if err != nil {
			return nil, err
		}

		guilds = append(guilds, page...)
		if len(page) < guildPageSize {
			return guilds, nil
		}
		after = page[len(page)-1].ID
	}
}

func (b *Bot) guildPage(ctx context.Context, after string) ([]*discordgo.UserGuild, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	page, err := b.session.UserGuilds(guildPageSize, "", after, false, b.options(ctx)...)
	if err != nil {
		return nil, classify(err)
	}

	return page, nil
}

// SearchMember returns the first member of the guild whose username or
// nickname starts with query, or nil when there is none.
func (b *Bot) SearchMember(ctx context.Context, guildID string, query string) (*discordgo.Member, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	members, err := b.session.GuildMembersSearch(guildID, query, 1, b.options(ctx)...)
	if err != nil {
		return nil, classify(err)
	}

	if len(members) == 0 {
		return nil, nil
	}

	return members[0], nil
}

// GuildPreview fetches the public preview of a guild. Discord only serves
// previews for discoverable guilds or guilds the bot is a member of.
func (b *Bot) GuildPreview(ctx context.Context, guildID string) (*discordgo.GuildPreview, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	p, err := b.session.GuildPreview(guildID, b.options(ctx)...)
	if err != nil {
		return nil, classify(err)
	}

	return p, nil
}

func (b *Bot) options(ctx context.Context) []discordgo.RequestOption {
	return []discordgo.RequestOption{
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	}
}
