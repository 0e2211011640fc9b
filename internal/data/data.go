// Package data provides data access layer implementations.
// It handles database connections and data persistence for the governance
// controllers.
package data

import (
	"Wardline/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers. Repository constructors are registered
// alongside the usecases that consume them, so only the shared clients
// live here.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewMySQLClient,
)

// Data contains all data layer dependencies.
type Data struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewData creates a new Data instance with all data layer dependencies.
// Redis connection failure does not prevent application startup (graceful degradation).
func NewData(_ *conf.Data, logger log.Logger, db *gorm.DB, rdb *redis.Client) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, probe markers and quota counters will be unavailable")
	}

	d := &Data{
		db:  db,
		rdb: rdb,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// MySQL and Redis cleanup are handled by their own constructors'
		// cleanup functions, called automatically by Wire.
	}

	return d, cleanup, nil
}

// GetDB returns the GORM client for advanced operations.
func (d *Data) GetDB() *gorm.DB {
	return d.db
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.rdb
}
