// Package app provides the public API for embedding the traffic counter.
// It re-exports the types and constructors a wrapping binary needs to mount
// its own routes next to the built-in ones.
package app

import (
	"webtraffic/internal"
	"webtraffic/internal/config"
	"webtraffic/internal/database"
	"webtraffic/internal/live"
	"webtraffic/internal/traffic"

	"github.com/karloscodes/cartridge"
)

// Re-export core types
type (
	Application = internal.Application
	Config      = config.Config
	DBManager   = database.DBManager
	Service     = traffic.Service
	Snapshot    = live.TrafficSnapshot
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	return config.GetConfig()
}

// NewApp creates a new application with default routes
func NewApp() (*Application, error) {
	return internal.NewApp()
}

// NewAppWithRoutes creates a new application and lets routeMount register
// extra routes after the built-in ones.
func NewAppWithRoutes(cfg *Config, routeMount func(*cartridge.Server)) (*Application, error) {
	return internal.NewAppWithRoutes(cfg, routeMount)
}

// MountAppRoutes mounts the hit, read and admin routes on srv.
func MountAppRoutes(srv *cartridge.Server, cfg *Config, svc *Service) {
	internal.MountAppRoutes(srv, cfg, svc)
}
