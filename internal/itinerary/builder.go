package itinerary

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"tripbooker/internal/booking"
	itinerarydb "tripbooker/internal/db/itinerary"
	"tripbooker/internal/itinerary/store"
)

// BuildService wires a Service from a Postgres DSN. If the DSN is empty or initialization
// fails, it falls back to the in-memory store. The returned cleanup closes the database.
func BuildService(ctx context.Context, dsn string, registry *booking.Registry, opts Options) (*Service, func()) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cleanup := func() {}
	var st store.Store = store.NewMemory()

	if dsn != "" {
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			logger.Warn("postgres open failed, falling back to in-memory store", zap.Error(err))
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			pg, err := itinerarydb.NewRequestStoreWithSchema(setupCtx, sqlDB)
			if err != nil {
				logger.Warn("postgres init failed, falling back to in-memory store", zap.Error(err))
				_ = sqlDB.Close()
			} else {
				logger.Info("postgres booking store enabled")
				st = pg
				cleanup = func() {
					if err := sqlDB.Close(); err != nil {
						logger.Warn("close postgres", zap.Error(err))
					}
				}
			}
		}
	}

	return NewService(st, registry, opts), cleanup
}
