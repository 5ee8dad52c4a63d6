package ingest

import (
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"

	"webtraffic/internal/buckets"
)

func newTestStore(dbManager cartridge.DBManager, logger *slog.Logger) *buckets.Store {
	return buckets.NewStore(dbManager, logger, time.UTC)
}
