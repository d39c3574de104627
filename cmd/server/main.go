package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/gomessenger/internal/account"
	"github.com/Tyrowin/gomessenger/internal/attachment"
	"github.com/Tyrowin/gomessenger/internal/delivery"
	"github.com/Tyrowin/gomessenger/internal/presence"
	"github.com/Tyrowin/gomessenger/internal/ratelimit"
	"github.com/Tyrowin/gomessenger/internal/server"
	"github.com/Tyrowin/gomessenger/internal/session"
	"github.com/Tyrowin/gomessenger/internal/store"
	"github.com/Tyrowin/gomessenger/internal/store/docstore"
	"github.com/Tyrowin/gomessenger/internal/store/sqlstore"
)

func openStore(cfg *server.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case server.DriverDocument:
		log.Printf("Using document store at %s", cfg.DocumentPath)
		return docstore.Open(cfg.DocumentPath)
	default:
		log.Printf("Using SQLite store at %s", cfg.DBPath)
		return sqlstore.Open(cfg.DBPath, sqlstore.Options{LogLevel: logger.Warn})
	}
}

// sessionCache returns the Redis cache when REDIS_ADDR is set, otherwise an
// in-process one. The returned close func is never nil.
func sessionCache(ctx context.Context, cfg *server.Config) (session.Cache, func() error, error) {
	if cfg.RedisAddr == "" {
		return session.NewMemoryCache(), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	log.Printf("Using Redis session cache at %s", cfg.RedisAddr)
	return session.NewRedisCache(client, "gomessenger:session:", cfg.SessionTTL), client.Close, nil
}

func main() {
	log.Println("Starting GoMessenger server...")

	cfg := server.NewConfigFromEnv()
	ctx := context.Background()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	cache, closeCache, err := sessionCache(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up session cache: %v", err)
	}
	auth, err := session.New(st, session.WithTTL(cfg.SessionTTL), session.WithCache(cache))
	if err != nil {
		log.Fatalf("Failed to create session authority: %v", err)
	}

	blobs, err := attachment.NewDiskBlobs(cfg.FilesDir)
	if err != nil {
		log.Fatalf("Failed to prepare files directory: %v", err)
	}

	registry := presence.New(st, presence.WithMaxPending(cfg.MaxPendingEvents))
	files := attachment.New(st, blobs, cfg.MaxFileSize)
	engine := delivery.New(st, registry, files)
	registry.OnDrain(engine.MarkDrained)

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerWindow: cfg.RateLimit.Requests,
		WindowSize:        cfg.RateLimit.Window,
	})
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	go limiter.Run(janitorCtx, cfg.RateLimit.Window)

	srv := server.New(cfg, server.Deps{
		Accounts: account.New(st, auth, registry),
		Engine:   engine,
		Files:    files,
		Registry: registry,
		Limiter:  limiter,
	})
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Println("Press Ctrl+C to shutdown")

	// Operations run concurrently, so the ordered teardown of the transport
	// and the store lives in a single operation.
	wait := gfshutdown.GracefulShutdown(
		ctx,
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"messenger": func(context.Context) error {
				var errs []error
				if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
					errs = append(errs, err)
				}
				if err := st.Close(); err != nil {
					errs = append(errs, fmt.Errorf("store close: %w", err))
				}
				if err := closeCache(); err != nil {
					errs = append(errs, fmt.Errorf("session cache close: %w", err))
				}
				return errors.Join(errs...)
			},
			"rate-limiter": func(context.Context) error {
				stopJanitor()
				return nil
			},
		},
	)

	exitCode := <-wait
	log.Printf("Server exited with code: %d", exitCode)
	os.Exit(exitCode)
}
