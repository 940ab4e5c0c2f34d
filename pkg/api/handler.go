package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gmauleon.org/agecheck/pkg/age"
	"gmauleon.org/agecheck/pkg/cache"
	"gmauleon.org/agecheck/pkg/discord"
	"gmauleon.org/agecheck/pkg/recaptcha"
	"gmauleon.org/agecheck/pkg/resolver"
	"go.uber.org/zap"
)

// Resolver turns identifiers into records. *resolver.Resolver implements it.
type Resolver interface {
	ResolveUserByID(ctx context.Context, userID string) (*resolver.Record, error)
	ResolveUsername(ctx context.Context, username string) (*resolver.Record, error)
	ResolveGuild(ctx context.Context, guildID string) (*resolver.Record, error)
}

// Verifier checks a reCAPTCHA token. *recaptcha.Client implements it.
type Verifier interface {
	Verify(ctx context.Context, token string, remoteIP string) error
}

type Config struct {
	Resolver  Resolver
	Cache     cache.Cache
	Estimator age.Estimator
	// Verifier gates POST /api/discord. Leave nil to disable the gate.
	Verifier Verifier
	// Ready reports whether the Discord gateway session is up.
	Ready          func() bool
	Version        string
	AllowedOrigins []string
}

type Handler struct {
	resolver  Resolver
	cache     cache.Cache
	estimator age.Estimator
	verifier  Verifier
	ready     func() bool
	version   string
	logger    *zap.Logger
	now       func() time.Time
}

func NewHandler(logger *zap.Logger, cfg Config) *Handler {
	h := &Handler{
		resolver:  cfg.Resolver,
		cache:     cfg.Cache,
		estimator: cfg.Estimator,
		verifier:  cfg.Verifier,
		ready:     cfg.Ready,
		version:   cfg.Version,
		logger:    logger,
		now:       time.Now,
	}

	if h.cache == nil {
		h.cache = cache.Nop{}
	}
	if h.ready == nil {
		h.ready = func() bool { return false }
	}

	return h
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Discord Age Checker API is running",
		"version": h.version,
	})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, newHealthResponse(h.ready(), h.now()))
}

func (h *Handler) checkAccount(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	req.DiscordID = strings.TrimSpace(req.DiscordID)
	if err := validateID(req.DiscordID); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid Discord ID", Details: err.Error()})
		return
	}

	if h.verifier != nil {
		if err := validateToken(req.Recaptcha); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		if err := h.verifier.Verify(c.Request.Context(), req.Recaptcha, c.ClientIP()); err != nil {
			if errors.Is(err, recaptcha.ErrInvalidToken) {
				c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid reCAPTCHA", Details: err.Error()})
				return
			}

			h.logger.Warn("verifying recaptcha", zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
			c.JSON(http.StatusBadRequest, errorResponse{Error: "reCAPTCHA verification failed", Details: err.Error()})
			return
		}
	}

	key := "discord_" + req.DiscordID

	var resp AccountCheckResponse
	if h.lookup(c, key, &resp) {
		c.JSON(http.StatusOK, resp)
		return
	}

	rec, err := h.resolver.ResolveUserByID(c.Request.Context(), req.DiscordID)
	if err != nil {
		h.fail(c, err, "Failed to fetch Discord data")
		return
	}

	resp = accountCheckResponse(rec, h.estimator.Estimate(rec.CreatedAt, h.now()))
	h.store(c, resp, key)
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) userAge(c *gin.Context) {
	userID := c.Param("userId")
	if err := validateID(userID); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid user ID", Details: err.Error()})
		return
	}

	key := "user_" + userID

	var resp UserAgeResponse
	if h.lookup(c, key, &resp) {
		c.JSON(http.StatusOK, resp)
		return
	}

	rec, err := h.resolver.ResolveUserByID(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err, "Failed to fetch user data")
		return
	}

	resp = userAgeResponse(rec, h.estimator.Estimate(rec.CreatedAt, h.now()))
	h.store(c, resp, key)
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) usernameAge(c *gin.Context) {
	username := strings.TrimSpace(c.Param("username"))
	if err := validateUsername(username); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid username", Details: err.Error()})
		return
	}

	key := "username_" + strings.ToLower(username)

	var resp UserAgeResponse
	if h.lookup(c, key, &resp) {
		c.JSON(http.StatusOK, resp)
		return
	}

	rec, err := h.resolver.ResolveUsername(c.Request.Context(), username)
	if err != nil {
		h.fail(c, err, "Failed to fetch user data")
		return
	}

	resp = userAgeResponse(rec, h.estimator.Estimate(rec.CreatedAt, h.now()))
	h.store(c, resp, key, "user_"+rec.ID)
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) guildAge(c *gin.Context) {
	guildID := c.Param("guildId")
	if err := validateID(guildID); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid guild ID", Details: err.Error()})
		return
	}

	key := "guild_" + guildID

	var resp GuildAgeResponse
	if h.lookup(c, key, &resp) {
		c.JSON(http.StatusOK, resp)
		return
	}

	rec, err := h.resolver.ResolveGuild(c.Request.Context(), guildID)
	if err != nil {
		h.fail(c, err, "Failed to fetch guild data")
		return
	}

	resp = guildAgeResponse(rec, h.estimator.Estimate(rec.CreatedAt, h.now()))
	// Degraded guilds are retried on the next request.
	if !rec.Degraded {
		h.store(c, resp, key)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) methodNotAllowed(c *gin.Context) {
	allowed := http.MethodGet
	if c.Request.URL.Path == checkPath {
		allowed = http.MethodPost
	}

	c.JSON(http.StatusMethodNotAllowed, errorResponse{
		Error:   "Method not allowed",
		Details: "Only " + allowed + " requests are supported",
	})
}

func (h *Handler) notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, errorResponse{Error: "Not found", Details: c.Request.URL.Path})
}

// lookup reports a cache hit. Cache failures are logged and read as a miss.
func (h *Handler) lookup(c *gin.Context, key string, dest any) bool {
	ok, err := h.cache.Get(c.Request.Context(), key, dest)
	if err != nil {
		h.logger.Warn("cache lookup failed", zap.String("request_id", c.GetString(requestIDKey)), zap.String("key", key), zap.Error(err))
		return false
	}

	return ok
}

func (h *Handler) store(c *gin.Context, payload any, keys ...string) {
	for _, key := range keys {
		if err := h.cache.Put(c.Request.Context(), key, payload); err != nil {
			h.logger.Warn("cache write failed", zap.String("request_id", c.GetString(requestIDKey)), zap.String("key", key), zap.Error(err))
		}
	}
}

func (h *Handler) fail(c *gin.Context, err error, message string) {
	var rateLimited *discord.RateLimitError

	switch {
	case errors.Is(err, resolver.ErrInvalidIdentifier):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid Discord ID", Details: err.Error()})
	case errors.Is(err, discord.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "Not found", Details: err.Error()})
	case errors.As(err, &rateLimited), errors.Is(err, resolver.ErrRetriesExhausted):
		c.JSON(http.StatusTooManyRequests, errorResponse{Error: "Rate limit exceeded", Details: err.Error()})
	default:
		h.logger.Error(message, zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: message, Details: err.Error()})
	}
}
