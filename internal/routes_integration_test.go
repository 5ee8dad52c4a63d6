package internal

import (
	"context"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"

	"webtraffic/internal/buckets"
	"webtraffic/internal/counter"
	"webtraffic/internal/live"
	"webtraffic/internal/testsupport"
	"webtraffic/internal/traffic"
)

func mountWithService(t *testing.T) []fiber.Route {
	t.Helper()
	dbManager, logger := testsupport.SetupTestDBManager(t)
	cfg := testsupport.TestConfig(t)
	svc := traffic.NewService(cfg, buckets.NewStore(dbManager, logger, time.UTC),
		counter.NewMemoryStore(counter.DefaultTTLs), live.NewLocalBroker(), logger)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	srv := ctestsupport.NewTestServer(t, ctestsupport.TestServerOptions{
		RouteMountFunc: func(s *cartridge.Server) { MountAppRoutes(s, cfg, svc) },
	})
	return srv.App.GetRoutes(true)
}

func findRoute(routes []fiber.Route, method, path string) *fiber.Route {
	for idx := range routes {
		if routes[idx].Method == method && routes[idx].Path == path {
			return &routes[idx]
		}
	}
	return nil
}

func TestPublicHitRouteRateLimited(t *testing.T) {
	routes := mountWithService(t)

	hitRoute := findRoute(routes, fiber.MethodPost, "/api/hit")
	require.NotNil(t, hitRoute, "expected hit route to be registered")

	// The rate limiter is wrapped in a conditional function that only applies
	// in production. In test environment, it passes through but the wrapper
	// still exists.
	hasRateLimiter := false
	var handlerNames []string
	for _, handler := range hitRoute.Handlers {
		name := runtime.FuncForPC(reflect.ValueOf(handler).Pointer()).Name()
		handlerNames = append(handlerNames, name)
		if strings.Contains(name, "middleware/limiter") || strings.Contains(name, "MountAppRoutes.func") {
			hasRateLimiter = true
			break
		}
	}

	require.Truef(t, hasRateLimiter, "expected rate limiter middleware for public hit route, handlers: %v", handlerNames)
}

func TestTrafficRoutesRegistered(t *testing.T) {
	routes := mountWithService(t)

	expected := []struct{ method, path string }{
		{fiber.MethodGet, "/_health"},
		{fiber.MethodPost, "/api/hit"},
		{fiber.MethodGet, "/api/traffic/date/:date"},
		{fiber.MethodGet, "/api/traffic/last7days"},
		{fiber.MethodGet, "/api/traffic/hourly/:date"},
		{fiber.MethodGet, "/api/traffic/weekly"},
		{fiber.MethodGet, "/api/traffic/monthly"},
		{fiber.MethodGet, "/api/traffic/pending"},
		{fiber.MethodGet, "/api/traffic/snapshot"},
		{fiber.MethodPost, "/admin/api/resync"},
		{fiber.MethodPost, "/admin/api/flush"},
	}
	for _, e := range expected {
		require.NotNilf(t, findRoute(routes, e.method, e.path), "missing %s %s", e.method, e.path)
	}

	// The raw database file is not downloadable over HTTP.
	require.Nil(t, findRoute(routes, fiber.MethodGet, "/admin/api/system/export-database"))
}
