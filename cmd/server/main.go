package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"

	calapi "github.com/gatherhub/calsync/api/echo"
	"github.com/gatherhub/calsync/cache"
	cacheredis "github.com/gatherhub/calsync/cache/redis"
	"github.com/gatherhub/calsync/config"
	"github.com/gatherhub/calsync/internal/oauthstate"
	"github.com/gatherhub/calsync/internal/tokencipher"
	"github.com/gatherhub/calsync/log"
	"github.com/gatherhub/calsync/mongodb"
	"github.com/gatherhub/calsync/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		// Misconfiguration fails at startup, never per request.
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Setup(cfg.LogLevel, cfg.LogPretty)
	zlog.Info().
		Str("http_port", cfg.HTTPPort).
		Str("environment", cfg.Environment).
		Str("mongo_db_name", cfg.MongoDBName).
		Msg("Starting calsync server")
	if !cfg.Production() && cfg.CredentialKey == config.DevCredentialKey {
		zlog.Warn().Msg("Running with the development credential encryption key; do not use outside local development")
	}

	ctx := context.Background()
	if err := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize MongoDB connection")
	}
	defer mongodb.CloseMongoDB(context.Background())

	repo := mongodb.NewCredentialRepository(mongodb.GetDB())

	cipher, err := tokencipher.New(cfg.CredentialKey)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize credential cipher")
	}

	var locks cache.RefreshLocker
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			zlog.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		locks = cacheredis.NewRefreshLock(redisClient, "calsync")
		zlog.Info().Str("redis_addr", cfg.RedisAddr).Msg("Using Redis-backed refresh locks")
	} else {
		memLocks := cache.NewMemoryRefreshLock(5 * time.Minute)
		defer memLocks.Stop()
		locks = memLocks
	}

	provider := services.NewGoogleCalendarProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectURL)
	states := oauthstate.NewCodec(time.Duration(cfg.StateTTLMin) * time.Minute)
	svc := services.NewCalendarService(provider, repo, cipher, states, locks, cfg.DefaultReturnURL)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/healthz", func(c echo.Context) error {
		if err := mongodb.Ping(c.Request().Context()); err != nil {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	})

	calapi.NewCalendarAPI(svc, forwardedUser).RegisterRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down calsync server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Error during server shutdown")
	}
}

// forwardedUser resolves the authenticated user from the identity header
// set by the fronting web application. The session store itself lives
// outside this service.
func forwardedUser(c echo.Context) (string, error) {
	userID := c.Request().Header.Get("X-Authenticated-User")
	if userID == "" {
		return "", errors.New("missing authenticated user")
	}
	return userID, nil
}
