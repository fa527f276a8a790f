package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/wrale/qwen-device-proxy/internal/broker"
	"github.com/wrale/qwen-device-proxy/internal/credentials"
	"github.com/wrale/qwen-device-proxy/internal/deviceflow"
)

// newSessionStore picks the pending-session store: Redis when REDIS_URL is set, memory otherwise
func newSessionStore(ctx context.Context, redisURL string) (deviceflow.Store, func() error, error) {
	if redisURL == "" {
		return deviceflow.NewMemoryStore(), func() error { return nil }, nil
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing Redis URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)

	// Verify Redis connection
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return deviceflow.NewRedisStore(redisClient), redisClient.Close, nil
}

func runServe(cfg Config) error {
	sessions, closeSessions, err := newSessionStore(context.Background(), cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSessions(); err != nil {
			log.Errorf("Error closing session store: %v", err)
		}
	}()

	bcfg := cfg.brokerConfig()
	bcfg.Sessions = sessions
	b, err := broker.New(bcfg)
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}

	if cfg.APIKey == "" {
		log.Warn("API_KEY is not set; /v1 and /auth endpoints are unauthenticated")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	watcher, err := credentials.NewWatcher(b.Store())
	if err != nil {
		log.Warnf("credential directory will not be watched: %v", err)
	} else {
		go watcher.Run(ctx)
	}

	srv := newServer(cfg, b)

	// No WriteTimeout: streamed completions and /auth/poll hold the response open
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	// Channel to listen for errors coming from the server
	serverErrors := make(chan error, 1)

	go func() {
		log.WithField("addr", cfg.Addr()).Infof("Server listening (state dir %s)", cfg.StateDir)
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Channel to listen for interrupt signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("starting server: %w", err)
		}
		return nil

	case <-shutdown:
		log.Info("Starting shutdown")
		stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Errorf("Error shutting down server: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Errorf("Error closing server: %v", err)
			}
		}
	}
	return nil
}
