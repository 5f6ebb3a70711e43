package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "reminderd/pkg/logx"
)

// Store is the delivery journal API.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// ListDeliveries returns an event's records in append order.
	ListDeliveries(ctx context.Context, eventID string) ([]DeliveryRecord, error)
	// PruneDeliveries drops records older than before and reports how many.
	PruneDeliveries(ctx context.Context, before time.Time) (int, error)
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
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
