// Package storage persists the delivery audit trail behind a small
// driver-dispatched interface.
package storage

import (
	"context"
	"errors"
	"strings"

	logx "wagate/pkg/logx"
)

// Store is the persistence API used by the dispatch and HTTP layers.
type Store interface {
	AppendDelivery(ctx context.Context, e DeliveryEntry) error

	// RecentDeliveries returns up to limit entries for a tenant, newest
	// first. An empty tenant matches all tenants.
	RecentDeliveries(ctx context.Context, tenant string, limit int) ([]DeliveryEntry, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
