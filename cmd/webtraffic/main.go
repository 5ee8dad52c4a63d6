// main.go - traffic counter server
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"webtraffic/internal"
	"webtraffic/internal/config"
)

func main() {
	cfg := config.GetConfig()

	app, err := internal.NewAppWithConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	// Run database migrations
	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations completed")

	log.Println("Starting application...")
	if err := app.StartAsync(); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
	log.Printf("Listening for hits on :%s, live updates on :%s", cfg.AppPort, cfg.LivePort)

	waitForShutdownSignal(app, cfg)
}

// waitForShutdownSignal blocks until a termination signal, then drains the
// pipeline within the configured shutdown timeout.
func waitForShutdownSignal(app *internal.Application, cfg *config.Config) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	log.Println("Initiating graceful shutdown...")
	if err := app.Shutdown(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
	log.Println("Server shutdown complete")
}
