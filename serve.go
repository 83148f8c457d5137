package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/api"
	"prism-board/config"
	"prism-board/journal"
	"prism-board/storage"
	"prism-board/stream"
	"prism-board/subscription"
	"prism-board/upload"
)

const (
	shutdownTimeout   = 10 * time.Second
	relayReadyTimeout = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and the sync channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogging(cfg.Debug, cfg.LogFormat, cfg.LogFile)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func storageOptions(cfg *config.Config) storage.Options {
	return storage.Options{
		Driver:           cfg.StorageDriver,
		SQLitePath:       cfg.SQLitePath,
		DatabaseURL:      cfg.DatabaseURL,
		ConnectionString: cfg.ConnectionString,
		TasksTable:       cfg.TasksTable,
		AccountsTable:    cfg.AccountsTable,
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	base, err := storage.Open(ctx, storageOptions(cfg))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer base.Close()
	if err := base.Init(ctx); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}

	var store storage.Store = base
	var rc *redis.Client
	if cfg.RedisURL != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisURL))
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable at startup; continuing with fallbacks")
		}
		store = storage.NewCache(base, rc, cfg.CacheTTL)
	}

	authOpts := api.AuthOptions{
		Secret:        []byte(cfg.JWTSecret),
		ExpiresIn:     cfg.JWTExpiresIn,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		KeyCacheTTL:   cfg.JWKSCacheTTL,
		LookupTimeout: cfg.AuthLookupTimeout,
	}
	if cfg.JWKSURL != "" {
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			return fmt.Errorf("jwks: %w", err)
		}
		defer jwks.EndBackground()
		authOpts.JWKS = jwks
	}
	auth := api.NewAuth(store, authOpts)

	streamOpts := stream.Options{
		HandshakeTimeout: cfg.WSHandshakeTimeout,
		WriteTimeout:     cfg.WSWriteTimeout,
		SendBuffer:       cfg.WSSendBuffer,
		OriginPatterns:   originPatterns(cfg.CORSOrigins),
		Logger:           logger,
	}
	if rc != nil {
		streamOpts.Deduper = stream.NewRedisDeduper(rc, cfg.DeduperTTL)
		if cfg.WSRateLimit > 0 {
			streamOpts.Limiter = stream.NewRedisLimiter(rc, cfg.WSRateLimit)
		}
	}

	pub, err := journalPublisher(cfg)
	if err != nil {
		return err
	}
	if pub != nil {
		dispatcher := journal.NewDispatcher(pub, journal.Config{Workers: cfg.JournalWorkers, Buffer: cfg.JournalBuffer}, logger)
		defer func() {
			if err := dispatcher.Shutdown(); err != nil {
				logger.WithError(err).Warn("journal shutdown")
			}
			s := dispatcher.Stats()
			logger.WithFields(log.Fields{"published": s.Published, "dropped": s.Dropped, "failed": s.Failed}).Info("journal stopped")
		}()
		streamOpts.Journal = dispatcher
	}

	syncServer := stream.NewServer(store, auth, streamOpts)
	if rc != nil {
		relay := subscription.NewRelay(rc, cfg.RedisChannel, syncServer.Hub(), logger)
		syncServer.SetFanout(relay)
		go relay.Run(ctx)
		select {
		case <-relay.Ready():
		case <-time.After(relayReadyTimeout):
			logger.Warn("redis subscription not ready, changes are delivered locally until it is")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	disk, err := upload.NewDiskStore(cfg.UploadDir)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(api.Middleware(cfg.CORSOrigins, logger)...)
	api.Register(e, api.Deps{
		Tasks:     store,
		Accounts:  store,
		Auth:      auth,
		Uploads:   upload.NewRelay(disk, cfg.PublicBaseURL, cfg.UploadTimeout, logger),
		UploadDir: cfg.UploadDir,
		Sync:      syncServer,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(cfg.ListenAddr) }()
	logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "storage": cfg.StorageDriver, "redis": rc != nil, "journal": cfg.JournalDriver}).Info("board server listening")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	syncServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func journalPublisher(cfg *config.Config) (journal.Publisher, error) {
	switch cfg.JournalDriver {
	case "azqueue":
		p, err := journal.NewQueuePublisher(cfg.ConnectionString, cfg.JournalQueue)
		if err != nil {
			return nil, fmt.Errorf("journal queue: %w", err)
		}
		return p, nil
	case "kafka":
		return journal.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	}
	return nil, nil
}

// originPatterns turns CORS origins into the host patterns the WebSocket
// handshake checks.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
