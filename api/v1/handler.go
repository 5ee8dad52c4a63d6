package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"webtraffic/internal/buckets"
	"webtraffic/internal/live"
	"webtraffic/internal/traffic"
)

const (
	msgHitAccepted    = "Hit accepted"
	errInvalidRequest = "Invalid request"
)

// TrafficService is the pipeline surface exposed over HTTP. *traffic.Service implements it.
type TrafficService interface {
	RecordHit(ctx context.Context, req traffic.HitRequest) (traffic.Ack, error)
	GetTrafficForDate(ctx context.Context, date string) (traffic.DayTotal, error)
	GetLast7Days(ctx context.Context) ([]buckets.DayCount, error)
	GetHourlyBreakdown(ctx context.Context, date string) ([]buckets.HourCount, error)
	GetWeeklyData(ctx context.Context) ([]buckets.WeekCount, error)
	GetMonthlyData(ctx context.Context) ([]buckets.MonthCount, error)
	GetPendingCount() int
	Snapshot(ctx context.Context) (live.TrafficSnapshot, error)
}

// Handlers serves the public traffic API.
type Handlers struct {
	svc TrafficService
}

func NewHandlers(svc TrafficService) *Handlers {
	return &Handlers{svc: svc}
}

type RecordHitParams struct {
	Timestamp *time.Time        `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

// RecordHitAction accepts one hit. ?date=YYYY-MM-DD backfills it onto that date.
func (h *Handlers) RecordHitAction(ctx *cartridge.Context) error {
	var params RecordHitParams
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&params); err != nil {
			ctx.Logger.Debug("Failed to parse hit body", slog.Any("error", err))
			return handleError(ctx, fiber.NewError(http.StatusBadRequest, errInvalidRequest))
		}
	}

	ack, err := h.svc.RecordHit(ctx.UserContext(), traffic.HitRequest{
		Date:      ctx.Query("date"),
		Timestamp: params.Timestamp,
		Metadata:  params.Metadata,
	})
	if err != nil {
		return handleError(ctx, err)
	}

	ctx.Logger.Debug("Hit accepted", slog.String("id", ack.ID), slog.String("date", ack.Date), slog.Int64("today", ack.Today))
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"message": msgHitAccepted,
		"status":  http.StatusAccepted,
		"hit":     ack,
	})
}

func (h *Handlers) TrafficForDateAction(ctx *cartridge.Context) error {
	total, err := h.svc.GetTrafficForDate(ctx.UserContext(), ctx.Params("date"))
	if err != nil {
		return handleError(ctx, err)
	}
	return ctx.JSON(total)
}

func (h *Handlers) Last7DaysAction(ctx *cartridge.Context) error {
	days, err := h.svc.GetLast7Days(ctx.UserContext())
	if err != nil {
		return handleError(ctx, err)
	}
	return ctx.JSON(days)
}

func (h *Handlers) HourlyBreakdownAction(ctx *cartridge.Context) error {
	hours, err := h.svc.GetHourlyBreakdown(ctx.UserContext(), ctx.Params("date"))
	if err != nil {
		return handleError(ctx, err)
	}
	return ctx.JSON(fiber.Map{
		"date":  ctx.Params("date"),
		"hours": hours,
	})
}

func (h *Handlers) WeeklyAction(ctx *cartridge.Context) error {
	weeks, err := h.svc.GetWeeklyData(ctx.UserContext())
	if err != nil {
		return handleError(ctx, err)
	}
	return ctx.JSON(weeks)
}

func (h *Handlers) MonthlyAction(ctx *cartridge.Context) error {
	months, err := h.svc.GetMonthlyData(ctx.UserContext())
	if err != nil {
		return handleError(ctx, err)
	}
	return ctx.JSON(months)
}

func (h *Handlers) PendingAction(ctx *cartridge.Context) error {
	return ctx.JSON(fiber.Map{"pending": h.svc.GetPendingCount()})
}

func (h *Handlers) SnapshotAction(ctx *cartridge.Context) error {
	snap, err := h.svc.Snapshot(ctx.UserContext())
	if err != nil {
		return handleError(ctx, err)
	}
	return ctx.JSON(snap)
}

func handleError(ctx *cartridge.Context, err error) error {
	var fiberErr *fiber.Error
	switch {
	case errors.Is(err, traffic.ErrInvalidDate):
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "INVALID_DATE",
		})
	case errors.Is(err, traffic.ErrFutureDate):
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "FUTURE_DATE",
		})
	case errors.Is(err, traffic.ErrShuttingDown):
		return ctx.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Service is shutting down",
			"code":  "SHUTTING_DOWN",
		})
	case errors.As(err, &fiberErr):
		return ctx.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiberErr.Message,
		})
	}

	ctx.Logger.Error("Traffic request failed", slog.String("path", ctx.Path()), slog.Any("error", err))
	return ctx.Status(http.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal error",
		"code":  "INTERNAL_ERROR",
	})
}

// Mount registers the traffic API on srv.
func (h *Handlers) Mount(srv *cartridge.Server, public *cartridge.RouteConfig) {
	srv.Post("/api/hit", h.RecordHitAction, public)
	srv.Options("/api/hit", func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}, public)

	srv.Get("/api/traffic/date/:date", h.TrafficForDateAction, public)
	srv.Get("/api/traffic/last7days", h.Last7DaysAction, public)
	srv.Get("/api/traffic/hourly/:date", h.HourlyBreakdownAction, public)
	srv.Get("/api/traffic/weekly", h.WeeklyAction, public)
	srv.Get("/api/traffic/monthly", h.MonthlyAction, public)
	srv.Get("/api/traffic/pending", h.PendingAction, public)
	srv.Get("/api/traffic/snapshot", h.SnapshotAction, public)
}
