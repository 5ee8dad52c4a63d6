package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"webtraffic/internal/reconcile"
)

// Maintenance is the operator surface of the traffic service.
type Maintenance interface {
	Resync(ctx context.Context) (reconcile.Report, error)
	ForceFlush(ctx context.Context) error
	GetPendingCount() int
}

// NewSystemResyncAction overwrites the fast counters with durable totals.
func NewSystemResyncAction(svc Maintenance) func(*cartridge.Context) error {
	return func(ctx *cartridge.Context) error {
		start := time.Now()
		report, err := svc.Resync(ctx.UserContext())
		if err != nil {
			ctx.Logger.Error("Resync failed", slog.Any("error", err), slog.Int("failed", report.Failed))
			return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
				"days":    report.Days,
				"week":    report.Week,
			})
		}

		ctx.Logger.Info("Resync completed", slog.Duration("took", time.Since(start)))
		return ctx.JSON(fiber.Map{
			"success": true,
			"days":    report.Days,
			"week":    report.Week,
		})
	}
}

// NewSystemFlushAction writes all buffered hits and runs their aggregation.
func NewSystemFlushAction(svc Maintenance) func(*cartridge.Context) error {
	return func(ctx *cartridge.Context) error {
		before := svc.GetPendingCount()
		if err := svc.ForceFlush(ctx.UserContext()); err != nil {
			ctx.Logger.Error("Forced flush failed", slog.Any("error", err))
			return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
				"pending": svc.GetPendingCount(),
			})
		}
		return ctx.JSON(fiber.Map{
			"success": true,
			"flushed": before,
			"pending": svc.GetPendingCount(),
		})
	}
}
