package http

import (
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge"
)

// PipelineStatus is the part of the traffic service the health check reports on.
type PipelineStatus interface {
	GetPendingCount() int
	LiveClients() int
	SharedChannelActive() bool
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status              string    `json:"status"`
	Timestamp           time.Time `json:"timestamp"`
	DBStatus            string    `json:"db_status"`
	PendingEvents       int       `json:"pending_events"`
	LiveClients         int       `json:"live_clients"`
	SharedChannelActive bool      `json:"shared_channel_active"`
}

// NewHealthIndexAction returns the health check endpoint for status.
func NewHealthIndexAction(status PipelineStatus) func(*cartridge.Context) error {
	return func(ctx *cartridge.Context) error {
		dbStatus := "ok"

		// Check database connectivity
		db := ctx.DBManager.GetConnection()
		if db == nil {
			dbStatus = "error"
			ctx.Logger.Error("Database connection unavailable")
		} else {
			sqlDB, err := db.DB()
			if err != nil {
				dbStatus = "error"
				ctx.Logger.Error("Database connection error", slog.Any("error", err))
			} else if err := sqlDB.Ping(); err != nil {
				dbStatus = "error"
				ctx.Logger.Error("Database ping failed", slog.Any("error", err))
			}
		}

		health := HealthStatus{
			Status:              "ok",
			Timestamp:           time.Now(),
			DBStatus:            dbStatus,
			PendingEvents:       status.GetPendingCount(),
			LiveClients:         status.LiveClients(),
			SharedChannelActive: status.SharedChannelActive(),
		}

		// Polling keeps dashboards current without the shared channel, so only the DB degrades health.
		if dbStatus != "ok" {
			health.Status = "degraded"
		}

		return ctx.JSON(health)
	}
}
