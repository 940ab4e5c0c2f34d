package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gmauleon.org/agecheck/pkg/age"
	"gmauleon.org/agecheck/pkg/cache"
	"gmauleon.org/agecheck/pkg/discord"
	"gmauleon.org/agecheck/pkg/recaptcha"
	"gmauleon.org/agecheck/pkg/resolver"
	"gmauleon.org/agecheck/pkg/snowflake"
	"go.uber.org/zap"
)

const (
	aliceID = "175928847299117063"
	guildID = "197038439483310086"
)

var testNow = time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSource struct {
	users    map[string]*discordgo.User
	previews []error
	preview  *discordgo.GuildPreview

	userCalls    int
	previewCalls int
}

func (s *stubSource) User(_ context.Context, userID string) (*discordgo.User, error) {
	s.userCalls++
	u, ok := s.users[userID]
	if !ok {
		return nil, &discord.UpstreamError{Status: http.StatusNotFound, Err: discord.ErrNotFound}
	}
	return u, nil
}

func (s *stubSource) Guilds(context.Context) ([]*discordgo.UserGuild, error) {
	return nil, nil
}

func (s *stubSource) SearchMember(context.Context, string, string) (*discordgo.Member, error) {
	return nil, nil
}

func (s *stubSource) GuildPreview(context.Context, string) (*discordgo.GuildPreview, error) {
	s.previewCalls++
	if len(s.previews) > 0 {
		err := s.previews[0]
		s.previews = s.previews[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.preview, nil
}

type stubResolver struct {
	rec   *resolver.Record
	err   error
	calls int
}

func (s *stubResolver) ResolveUserByID(context.Context, string) (*resolver.Record, error) {
	s.calls++
	return s.rec, s.err
}

func (s *stubResolver) ResolveUsername(context.Context, string) (*resolver.Record, error) {
	s.calls++
	return s.rec, s.err
}

func (s *stubResolver) ResolveGuild(context.Context, string) (*resolver.Record, error) {
	s.calls++
	return s.rec, s.err
}

type stubVerifier struct {
	err   error
	calls int
	ip    string
}

func (s *stubVerifier) Verify(_ context.Context, _ string, remoteIP string) error {
	s.calls++
	s.ip = remoteIP
	return s.err
}

type spyCache struct {
	inner   cache.Cache
	failing bool
	gets    []string
	puts    []string
}

func newSpyCache() *spyCache {
	return &spyCache{inner: cache.New(cache.NewMemoryStore(0, time.Hour), time.Hour)}
}

func (s *spyCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	s.gets = append(s.gets, key)
	if s.failing {
		return false, errors.New("disk on fire")
	}
	return s.inner.Get(ctx, key, dest)
}

func (s *spyCache) Put(ctx context.Context, key string, payload any) error {
	s.puts = append(s.puts, key)
	if s.failing {
		return errors.New("disk on fire")
	}
	return s.inner.Put(ctx, key, payload)
}

func newTestRouter(cfg Config) *gin.Engine {
	h := NewHandler(zap.NewNop(), cfg)
	h.now = func() time.Time { return testNow }
	return newRouter(zap.NewNop(), h, cfg.AllowedOrigins)
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func aliceSource() *stubSource {
	return &stubSource{users: map[string]*discordgo.User{
		aliceID: {ID: aliceID, Username: "alice"},
	}}
}

func TestUserAge(t *testing.T) {
	source := aliceSource()
	spy := newSpyCache()
	r := newTestRouter(Config{
		Resolver: resolver.New(zap.NewNop(), source),
		Cache:    spy,
	})

	w := do(r, http.MethodGet, "/api/discord-age/"+aliceID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	created, err := snowflake.Time(aliceID)
	require.NoError(t, err)

	resp := decode[UserAgeResponse](t, w)
	assert.Equal(t, aliceID, resp.UserID)
	assert.Equal(t, "alice", resp.Username)
	assert.Equal(t, "2016-04-30T11:18:25.796Z", resp.CreationDate)
	assert.Equal(t, age.Days(created, testNow), resp.AgeDays)
	assert.Equal(t, age.Estimator{}.Estimate(created, testNow).String(), resp.AccountAge)
	assert.Equal(t, placeholderAvatar, resp.Avatar)
	assert.Equal(t, notAvailable, resp.Locale)
	assert.Equal(t, []string{"user_" + aliceID}, spy.puts)

	// Served from the cache the second time.
	w = do(r, http.MethodGet, "/api/discord-age/"+aliceID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, source.userCalls)
	assert.Equal(t, resp, decode[UserAgeResponse](t, w))
}

func TestInvalidIDNeverReachesUpstream(t *testing.T) {
	source := aliceSource()
	spy := newSpyCache()
	r := newTestRouter(Config{
		Resolver: resolver.New(zap.NewNop(), source),
		Cache:    spy,
	})

	for _, path := range []string{
		"/api/discord-age/123",
		"/api/discord-age/abcdefghijklmnopq",
		"/api/discord-age-guild/12345678901234567890",
	} {
		w := do(r, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}

	assert.Zero(t, source.userCalls)
	assert.Zero(t, source.previewCalls)
	assert.Empty(t, spy.gets)
}

func TestCheckAccountRequiresRecaptcha(t *testing.T) {
	source := aliceSource()
	spy := newSpyCache()
	verifier := &stubVerifier{}
	r := newTestRouter(Config{
		Resolver: resolver.New(zap.NewNop(), source),
		Cache:    spy,
		Verifier: verifier,
	})

	w := do(r, http.MethodPost, "/api/discord", `{"discord_id":"`+aliceID+`"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "reCAPTCHA token is required", decode[errorResponse](t, w).Error)

	assert.Zero(t, verifier.calls)
	assert.Zero(t, source.userCalls)
	assert.Empty(t, spy.gets)
}

func TestCheckAccount(t *testing.T) {
	source := aliceSource()
	spy := newSpyCache()
	verifier := &stubVerifier{}
	r := newTestRouter(Config{
		Resolver: resolver.New(zap.NewNop(), source),
		Cache:    spy,
		Verifier: verifier,
	})

	w := do(r, http.MethodPost, "/api/discord", `{"discord_id":"`+aliceID+`","recaptcha":"token"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[AccountCheckResponse](t, w)
	assert.Equal(t, aliceID, resp.DiscordID)
	assert.Equal(t, "alice", resp.Username)
	assert.Equal(t, "4/30/2016", resp.EstimatedCreationDate)
	assert.Equal(t, int64(3821), resp.AgeDays)
	assert.Equal(t, "High", resp.EstimationConfidence)
	assert.Equal(t, "Exact", resp.AccuracyRange)
	assert.False(t, resp.IsBot)

	assert.Equal(t, 1, verifier.calls)
	assert.Equal(t, "192.0.2.1", verifier.ip)
	assert.Equal(t, []string{"discord_" + aliceID}, spy.puts)
}

func TestCheckAccountWithoutGate(t *testing.T) {
	r := newTestRouter(Config{Resolver: resolver.New(zap.NewNop(), nil)})

	w := do(r, http.MethodPost, "/api/discord", `{"discord_id":"`+aliceID+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[AccountCheckResponse](t, w)
	assert.Equal(t, resolver.UnknownName, resp.Username)
	assert.Equal(t, placeholderAvatar, resp.Avatar)
}

func TestCheckAccountRejectsBadInput(t *testing.T) {
	r := newTestRouter(Config{Resolver: &stubResolver{}})

	tests := []struct {
		name  string
		body  string
		error string
	}{
		{"malformed body", `{"discord_id":`, "Invalid request body"},
		{"missing id", `{}`, "Invalid Discord ID"},
		{"short id", `{"discord_id":"1234"}`, "Invalid Discord ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/discord", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.error, decode[errorResponse](t, w).Error)
		})
	}
}

func TestCheckAccountRecaptchaFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		error  string
	}{
		{"rejected", fmt.Errorf("%w: timeout-or-duplicate", recaptcha.ErrInvalidToken), http.StatusBadRequest, "Invalid reCAPTCHA"},
		{"unreachable", errors.New("connection refused"), http.StatusBadRequest, "reCAPTCHA verification failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &stubResolver{}
			r := newTestRouter(Config{Resolver: res, Verifier: &stubVerifier{err: tt.err}})

			w := do(r, http.MethodPost, "/api/discord", `{"discord_id":"`+aliceID+`","recaptcha":"token"}`)
			require.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.error, decode[errorResponse](t, w).Error)
			assert.Zero(t, res.calls)
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		err    error
		status int
		error  string
	}{
		{"not found", "/api/discord-age/" + aliceID, fmt.Errorf("fetching user: %w", &discord.UpstreamError{Status: 404, Err: discord.ErrNotFound}), http.StatusNotFound, "Not found"},
		{"rate limited", "/api/discord-age/" + aliceID, &discord.RateLimitError{RetryAfter: time.Second}, http.StatusTooManyRequests, "Rate limit exceeded"},
		{"upstream failure", "/api/discord-age/" + aliceID, &discord.UpstreamError{Status: 500, Err: errors.New("boom")}, http.StatusInternalServerError, "Failed to fetch user data"},
		{"no token for username", "/api/discord-age-username/alice", discord.ErrUnavailable, http.StatusInternalServerError, "Failed to fetch user data"},
		{"username not found", "/api/discord-age-username/alice", fmt.Errorf("%w: no user named", discord.ErrNotFound), http.StatusNotFound, "Not found"},
		{"guild retries exhausted", "/api/discord-age-guild/" + guildID, resolver.ErrRetriesExhausted, http.StatusTooManyRequests, "Rate limit exceeded"},
		{"post rate limited", "/api/discord", &discord.RateLimitError{}, http.StatusTooManyRequests, "Rate limit exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := newSpyCache()
			r := newTestRouter(Config{Resolver: &stubResolver{err: tt.err}, Cache: spy})

			method, body := http.MethodGet, ""
			if tt.path == "/api/discord" {
				method, body = http.MethodPost, `{"discord_id":"`+aliceID+`"}`
			}

			w := do(r, method, tt.path, body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.error, decode[errorResponse](t, w).Error)
			assert.Empty(t, spy.puts)
		})
	}
}

func TestGuildAge(t *testing.T) {
	t.Run("live record is cached", func(t *testing.T) {
		source := &stubSource{preview: &discordgo.GuildPreview{
			ID:                     guildID,
			Name:                   "Gophers",
			Icon:                   "abc",
			ApproximateMemberCount: 42,
		}}
		r := newTestRouter(Config{Resolver: resolver.New(zap.NewNop(), source), Cache: newSpyCache()})

		for range 2 {
			w := do(r, http.MethodGet, "/api/discord-age-guild/"+guildID, "")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			resp := decode[GuildAgeResponse](t, w)
			assert.Equal(t, "Gophers", resp.Name)
			assert.Equal(t, discordgo.EndpointGuildIcon(guildID, "abc"), resp.Icon)
			assert.Equal(t, 42, resp.ApproximateMemberCount)
			assert.Equal(t, 42, resp.MemberCount)
			assert.Equal(t, "No description available", resp.Description)
		}

		assert.Equal(t, 1, source.previewCalls)
	})

	t.Run("degraded record is not cached", func(t *testing.T) {
		source := &stubSource{previews: []error{
			&discord.UpstreamError{Status: 404, Err: discord.ErrNotFound},
			&discord.UpstreamError{Status: 403, Err: discord.ErrForbidden},
		}}
		spy := newSpyCache()
		r := newTestRouter(Config{Resolver: resolver.New(zap.NewNop(), source), Cache: spy})

		for range 2 {
			w := do(r, http.MethodGet, "/api/discord-age-guild/"+guildID, "")
			require.Equal(t, http.StatusOK, w.Code)

			resp := decode[GuildAgeResponse](t, w)
			assert.Equal(t, resolver.UnknownGuildName, resp.Name)
			assert.Equal(t, resolver.UnknownGuildDescription, resp.Description)
			assert.Empty(t, resp.Icon)
		}

		assert.Equal(t, 2, source.previewCalls)
		assert.Empty(t, spy.puts)
	})

	t.Run("rate limited on every attempt", func(t *testing.T) {
		limited := &discord.RateLimitError{RetryAfter: time.Millisecond}
		source := &stubSource{previews: []error{limited, limited, limited}}
		r := newTestRouter(Config{Resolver: resolver.New(zap.NewNop(), source)})

		w := do(r, http.MethodGet, "/api/discord-age-guild/"+guildID, "")
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, resolver.DefaultMaxRetries, source.previewCalls)
	})
}

func TestUsernameAge(t *testing.T) {
	created, err := snowflake.Time(aliceID)
	require.NoError(t, err)

	res := &stubResolver{rec: &resolver.Record{
		Kind:      resolver.KindUser,
		ID:        aliceID,
		Name:      "alice",
		Avatar:    "hash",
		Locale:    "en-US",
		CreatedAt: created,
	}}
	spy := newSpyCache()
	r := newTestRouter(Config{Resolver: res, Cache: spy})

	w := do(r, http.MethodGet, "/api/discord-age-username/Alice", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[UserAgeResponse](t, w)
	assert.Equal(t, aliceID, resp.UserID)
	assert.Equal(t, discordgo.EndpointUserAvatar(aliceID, "hash"), resp.Avatar)
	assert.Equal(t, "en-US", resp.Locale)
	assert.Equal(t, []string{"username_alice", "user_" + aliceID}, spy.puts)

	// The ID route now hits the entry written by the username route.
	w = do(r, http.MethodGet, "/api/discord-age/"+aliceID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, res.calls)
}

func TestCacheFailuresAreNotFatal(t *testing.T) {
	spy := newSpyCache()
	spy.failing = true
	r := newTestRouter(Config{Resolver: resolver.New(zap.NewNop(), aliceSource()), Cache: spy})

	w := do(r, http.MethodGet, "/api/discord-age/"+aliceID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"user_" + aliceID}, spy.puts)
}

func TestMethodNotAllowed(t *testing.T) {
	r := newTestRouter(Config{Resolver: &stubResolver{}})

	w := do(r, http.MethodGet, "/api/discord", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	resp := decode[errorResponse](t, w)
	assert.Equal(t, "Method not allowed", resp.Error)
	assert.Equal(t, "Only POST requests are supported", resp.Details)

	w = do(r, http.MethodDelete, "/api/discord-age/"+aliceID, "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "Only GET requests are supported", decode[errorResponse](t, w).Details)
}

func TestNotFoundRoute(t *testing.T) {
	r := newTestRouter(Config{Resolver: &stubResolver{}})

	w := do(r, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndRoot(t *testing.T) {
	r := newTestRouter(Config{
		Resolver: &stubResolver{},
		Ready:    func() bool { return true },
		Version:  "1.2.3",
	})

	w := do(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[healthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.BotReady)
	assert.Equal(t, "2026-10-16T12:00:00.000Z", health.Timestamp)

	w = do(r, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	root := decode[map[string]string](t, w)
	assert.Equal(t, "Discord Age Checker API is running", root["message"])
	assert.Equal(t, "1.2.3", root["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(Config{Resolver: &stubResolver{}})

	do(r, http.MethodGet, "/health", "")
	w := do(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agecheck_http_requests_total")
}

func TestCORS(t *testing.T) {
	r := newTestRouter(Config{
		Resolver:       &stubResolver{},
		AllowedOrigins: []string{"https://example.com"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/discord", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID(t *testing.T) {
	r := newTestRouter(Config{Resolver: &stubResolver{}})

	w := do(r, http.MethodGet, "/health", "")
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func TestRecovery(t *testing.T) {
	r := newTestRouter(Config{Resolver: &stubResolver{}})
	r.GET("/panic", func(*gin.Context) { panic("boom") })

	w := do(r, http.MethodGet, "/panic", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error", decode[errorResponse](t, w).Error)
}
