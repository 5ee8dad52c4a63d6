package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	v1 "webtraffic/api/v1"
	"webtraffic/internal/config"
	"webtraffic/internal/http"
	"webtraffic/internal/http/middleware"
	"webtraffic/internal/traffic"
)

// publicCORSConfig returns the standard CORS configuration for public endpoints.
// Hits are posted from any site embedding the counter.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, Referrer, User-Agent",
}

// MountAppRoutes mounts all application routes using cartridge's route API
func MountAppRoutes(srv *cartridge.Server, cfg *config.Config, svc *traffic.Service) {
	logger := srv.GetLogger()

	// Helper to conditionally apply rate limiting (only in production)
	// In development/test, rate limiting would interfere with load generation
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// 600/min per IP leaves room for busy pages polling the read endpoints
	publicRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(600),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	publicAPIConfig := &cartridge.RouteConfig{
		EnableCORS:         true,
		EnableSecFetchSite: cartridge.Bool(false),
		CustomMiddleware:   []fiber.Handler{publicRateLimiter},
		CORSConfig:         publicCORSConfig,
	}

	adminAPIConfig := &cartridge.RouteConfig{
		EnableSecFetchSite: cartridge.Bool(false),
		CustomMiddleware: []fiber.Handler{
			middleware.AdminTokenAuth(cfg.AdminToken, logger),
		},
	}

	// Health check endpoint
	health := http.NewHealthIndexAction(svc)
	srv.Get("/_health", health)
	srv.Head("/_health", health)

	// === PUBLIC API ROUTES ===
	v1.NewHandlers(svc).Mount(srv, publicAPIConfig)

	// === OPERATOR API ROUTES ===
	srv.Post("/admin/api/resync", http.NewSystemResyncAction(svc), adminAPIConfig)
	srv.Post("/admin/api/flush", http.NewSystemFlushAction(svc), adminAPIConfig)
}
