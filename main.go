package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/go-collab-docs/config"
	"github.com/alimasry/go-collab-docs/ot"
	"github.com/alimasry/go-collab-docs/server"
	"github.com/alimasry/go-collab-docs/session"
	"github.com/alimasry/go-collab-docs/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "collabdocs",
		Short:        "Real-time collaborative document editing server",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

func newLogger(cfg config.Config) *slog.Logger {
	level, _ := cfg.Level()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// backend is the wired persistence layer and its teardown. locker is nil
// when sessions live in this process only.
type backend struct {
	docs    store.DocumentStore
	repo    session.Repository
	locker  session.Locker
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		b.docs = store.NewMemoryStore()
		b.repo = session.NewMemoryRepository()

	case config.BackendBadger:
		// Documents and session history commit to the same database, so
		// document writes are not cached.
		db, err := store.OpenBadger(store.BadgerConfig{Path: cfg.Store.Badger.Path, Logger: logger.With("component", "badger")})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { closeBadger(db, logger) })
		b.docs = store.NewBadgerStore(db)
		b.repo = session.NewBadgerRepository(db)

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.Store.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		b.closers = append(b.closers, func() { client.Close() })
		cached := store.NewCachedStore(store.NewFirestoreStore(client), cfg.Store.FlushInterval, logger)
		// Registered last so the final flush runs before the client closes.
		b.closers = append(b.closers, cached.Close)
		b.docs = cached
		b.repo = session.NewMemoryRepository()

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		// Held session locks pin connections from their own pool.
		lockPool, err := pgxpool.New(ctx, cfg.Store.Postgres.URL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("postgres lock pool: %w", err)
		}
		b.closers = append(b.closers, lockPool.Close)

		if b.docs, err = store.NewPostgresStore(ctx, pool); err != nil {
			b.close()
			return nil, err
		}
		if b.repo, err = session.NewPostgresRepository(ctx, pool); err != nil {
			b.close()
			return nil, err
		}
		b.locker = session.NewPostgresLocker(lockPool)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return b, nil
}

func closeBadger(db *badger.DB, logger *slog.Logger) {
	if err := db.Close(); err != nil {
		logger.Error("close badger", "error", err)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	orch := session.NewOrchestrator(be.repo, be.docs, session.Config{
		MaxParticipants: cfg.Session.MaxParticipants,
		Engine:          &ot.JupiterEngine{},
		Logger:          logger,
		Locker:          be.locker,
	})

	var broadcaster server.Broadcaster
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		broadcaster = server.NewRedisBroadcaster(rdb, cfg.Redis.Channel, logger)
	}

	hub := server.NewHub(orch, broadcaster, logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewHandler(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("starting server", "addr", cfg.Addr, "store", cfg.Store.Backend, "relay", cfg.Redis.Addr != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
