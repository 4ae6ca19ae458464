package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/userdir/apiserver/config"
	"github.com/userdir/apiserver/internal/db"
	"github.com/userdir/apiserver/internal/services"
	"github.com/userdir/apiserver/internal/store"
)

// Backend is the user repository selected by STORE_BACKEND together with
// the connection that serves it.
type Backend struct {
	Repo  services.UserRepository
	close func() error
}

// OpenBackend connects the configured store.
func OpenBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*Backend, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn("using in-memory store, data is lost on exit")
		return &Backend{Repo: store.NewMemoryUserRepository()}, nil

	case config.StorePostgres, "":
		conn, err := db.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info("connected to postgres",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName),
		)
		return &Backend{Repo: store.NewUserRepository(conn), close: conn.Close}, nil

	case config.StoreMongo:
		client, err := db.ConnectMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		repo := store.NewMongoUserRepository(client, cfg.Mongo.Database, cfg.Mongo.Transactions)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		log.Info("connected to mongo",
			zap.String("database", cfg.Mongo.Database),
			zap.Bool("transactions", cfg.Mongo.Transactions),
		)
		return &Backend{
			Repo:  repo,
			close: func() error { return client.Disconnect(context.Background()) },
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Close releases the underlying connection, if any.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}
