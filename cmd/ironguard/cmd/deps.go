package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmcleod/ironguard/account"
	"github.com/jmcleod/ironguard/auth"
	"github.com/jmcleod/ironguard/hasher"
	"github.com/jmcleod/ironguard/internal/config"
	"github.com/jmcleod/ironguard/storage"
	bboltstorage "github.com/jmcleod/ironguard/storage/bbolt"
	"github.com/jmcleod/ironguard/storage/memory"
	pgstorage "github.com/jmcleod/ironguard/storage/postgres"
	redisstorage "github.com/jmcleod/ironguard/storage/redis"
)

// deps is what every command that touches accounts needs.
type deps struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *account.Store
	guard  *auth.Guard
	close  func()
}

func loadDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	logger := cfg.Logger(os.Stderr)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	h, err := hasher.New(hasher.WithProfile(cfg.KDFProfile))
	if err != nil {
		closeRepo()
		return nil, fmt.Errorf("configuring password hasher: %w", err)
	}
	store := account.NewStore(repo, cfg.Collection, account.WithLogger(logger))
	guard := auth.New(store, h, cfg.AuthConfig(),
		auth.WithLogger(logger),
		auth.WithAlertFunc(func(e auth.AlertEvent) {
			logger.Warn("security alert", "type", e.Type, "message", e.Message, "count", e.Count, "threshold", e.Threshold)
		}),
	)
	return &deps{cfg: cfg, logger: logger, store: store, guard: guard, close: closeRepo}, nil
}

// openRepository opens the configured storage backend. The returned func
// releases it.
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Repository, func(), error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return memory.NewRepository(), func() {}, nil
	case config.StorageBBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.BBoltPath(), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open account storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case config.StoragePostgres:
		repo, err := pgstorage.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case config.StorageRedis:
		client, err := redisstorage.NewClient(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, err
		}
		repo := redisstorage.NewRepository(client)
		return repo, func() { repo.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}
