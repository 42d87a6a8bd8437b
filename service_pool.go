package permkit

import (
	"errors"
	"time"

	"github.com/fernandezvara/dbkit"
)

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxOpenConnections    int
	MaxIdleConnections    int
	ConnectionMaxLifetime time.Duration
	ConnectionMaxIdleTime time.Duration
}

// DefaultPoolConfig returns pool settings suited to a small admin service.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConnections:    25,
		MaxIdleConnections:    5,
		ConnectionMaxLifetime: 30 * time.Minute,
		ConnectionMaxIdleTime: 5 * time.Minute,
	}
}

// PoolService provides connection pool management functionality as an extension to Service
type PoolService struct {
	*Service
}

// NewPoolService creates a new pool service extension
func NewPoolService(service *Service) *PoolService {
	return &PoolService{Service: service}
}

var errPoolUnsupported = errors.New("connection pool configuration requires a dbkit.DBKit instance")

// ConfigureConnectionPool updates the database connection pool settings.
// Zero fields keep the database/sql defaults.
func (ps *PoolService) ConfigureConnectionPool(config PoolConfig) error {
	db, ok := ps.db.(*dbkit.DBKit)
	if !ok {
		return errPoolUnsupported
	}
	bunDB := db.Bun()
	if bunDB == nil {
		return errors.New("database instance not available")
	}

	if config.MaxIdleConnections > config.MaxOpenConnections && config.MaxOpenConnections > 0 {
		config.MaxIdleConnections = config.MaxOpenConnections
	}
	bunDB.SetMaxOpenConns(config.MaxOpenConnections)
	bunDB.SetMaxIdleConns(config.MaxIdleConnections)
	bunDB.SetConnMaxLifetime(config.ConnectionMaxLifetime)
	bunDB.SetConnMaxIdleTime(config.ConnectionMaxIdleTime)

	ps.logger.Info("connection pool configured",
		"max_open", config.MaxOpenConnections,
		"max_idle", config.MaxIdleConnections,
		"max_lifetime", config.ConnectionMaxLifetime,
		"max_idle_time", config.ConnectionMaxIdleTime,
	)
	return nil
}

// ResetConnectionPool resets the connection pool to default settings.
func (ps *PoolService) ResetConnectionPool() error {
	return ps.ConfigureConnectionPool(DefaultPoolConfig())
}
