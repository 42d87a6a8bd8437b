package permkit

import (
	"context"

	"github.com/fernandezvara/dbkit"
)

// HealthService provides health monitoring functionality as an extension to Service
type HealthService struct {
	*Service
}

// NewHealthService creates a new health service extension
func NewHealthService(service *Service) *HealthService {
	return &HealthService{Service: service}
}

// HealthReport combines store health with transaction metrics.
type HealthReport struct {
	Store        dbkit.HealthStatus `json:"store"`
	Transactions TransactionMetrics `json:"transactions"`
	Healthy      bool               `json:"healthy"`
}

// Health performs a comprehensive health check of the database connection.
// Returns detailed status including latency, connection pool statistics, and error information.
func (hs *HealthService) Health(ctx context.Context) dbkit.HealthStatus {
	if db, ok := hs.db.(*dbkit.DBKit); ok {
		return db.Health(ctx)
	}

	// Transactions and other handles only get a ping.
	status := dbkit.HealthStatus{Healthy: hs.IsHealthy(ctx)}
	if !status.Healthy {
		status.Error = "ping failed"
	}
	return status
}

// Report returns the store health together with transaction metrics.
// The report is healthy only when both the store and the transaction metrics are.
func (hs *HealthService) Report(ctx context.Context) HealthReport {
	store := hs.Health(ctx)
	return HealthReport{
		Store:        store,
		Transactions: hs.GetTransactionMetrics(),
		Healthy:      store.Healthy && hs.IsTransactionHealthy(),
	}
}

// IsHealthy performs a simple health check of the database connection.
func (hs *HealthService) IsHealthy(ctx context.Context) bool {
	if db, ok := hs.db.(*dbkit.DBKit); ok {
		return db.IsHealthy(ctx)
	}
	return hs.Ping(ctx) == nil
}

// GetPoolStats returns connection pool statistics for monitoring.
// Returns zero values if the database instance doesn't support pool statistics.
func (hs *HealthService) GetPoolStats() dbkit.PoolStats {
	if db, ok := hs.db.(*dbkit.DBKit); ok {
		return dbkit.PoolStatsFromSQL(db.Stats())
	}
	return dbkit.PoolStats{}
}

// Ping performs a basic connectivity test to the database.
func (hs *HealthService) Ping(ctx context.Context) error {
	var result int
	return hs.db.NewRaw("SELECT 1").Scan(ctx, &result)
}
