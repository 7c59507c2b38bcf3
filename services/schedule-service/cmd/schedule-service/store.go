package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/driverduty/libs/config"
	"github.com/md-rashed-zaman/driverduty/libs/db"
	"github.com/md-rashed-zaman/driverduty/libs/mongox"
	"github.com/md-rashed-zaman/driverduty/libs/runtime"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/availability"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/conflict"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/consumer"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/outbox"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/scheduling"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/storage"
)

// scheduleStore is what every backend provides.
type scheduleStore interface {
	conflict.Store
	availability.Store
	scheduling.Store
	consumer.DriverUpserter
}

var (
	_ scheduleStore = (*storage.MemoryStore)(nil)
	_ scheduleStore = (*storage.PostgresRepository)(nil)
	_ scheduleStore = (*storage.MongoRepository)(nil)
)

type backend struct {
	store  scheduleStore
	pool   *db.Pool
	checks []runtime.ReadyCheck
	close  func()
}

func openBackend(ctx context.Context, kind string, logger *slog.Logger) (backend, error) {
	switch kind {
	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return backend{}, err
		}
		maxConns, err := config.Int("DB_MAX_CONNS", 20)
		if err != nil {
			return backend{}, err
		}
		pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(maxConns)})
		if err != nil {
			return backend{}, fmt.Errorf("db connection failed: %w", err)
		}
		return backend{
			store:  storage.NewPostgresRepository(pool, outbox.NewRepository(pool)),
			pool:   pool,
			checks: []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}},
			close:  pool.Close,
		}, nil

	case "mongo":
		uri, err := config.RequiredString("MONGODB_URI")
		if err != nil {
			return backend{}, err
		}
		mdb, err := mongox.Connect(ctx, uri, config.String("MONGODB_DATABASE", "driverduty"))
		if err != nil {
			return backend{}, err
		}
		repo, err := storage.NewMongoRepository(ctx, mdb)
		if err != nil {
			_ = mdb.Close(context.Background())
			return backend{}, err
		}
		return backend{
			store:  repo,
			checks: []runtime.ReadyCheck{{Name: "mongodb", Check: mongox.ReadyCheck(mdb)}},
			close: func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := mdb.Close(closeCtx); err != nil {
					logger.Error("mongodb disconnect failed", "err", err)
				}
			},
		}, nil

	default:
		logger.Warn("using the in-memory store; data is lost on restart")
		store := storage.NewMemoryStore()
		if path := config.String("FIXTURE_FILE", ""); path != "" {
			seeded, err := storage.LoadFixtureFile(path)
			if err != nil {
				return backend{}, fmt.Errorf("load fixture: %w", err)
			}
			store = seeded
		}
		return backend{store: store, close: func() {}}, nil
	}
}
