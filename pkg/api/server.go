package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	checkPath       = "/api/discord"
	shutdownTimeout = 10 * time.Second
)

// NewRouter wires the middleware chain and every route.
func NewRouter(logger *zap.Logger, cfg Config) *gin.Engine {
	return newRouter(logger, NewHandler(logger, cfg), cfg.AllowedOrigins)
}

func newRouter(logger *zap.Logger, h *Handler, origins []string) *gin.Engine {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(recovery(logger), requestID(), requestLogger(logger), metrics(), cors(origins))

	r.NoRoute(h.notFound)
	r.NoMethod(h.methodNotAllowed)

	r.GET("/", h.root)
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST(checkPath, h.checkAccount)
	r.GET("/api/discord-age/:userId", h.userAge)
	r.GET("/api/discord-age-username/:username", h.usernameAge)
	r.GET("/api/discord-age-guild/:guildId", h.guildAge)

	return r
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(logger *zap.Logger, port int, handler http.Handler) *Server {
	return &Server{
		logger: logger,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
