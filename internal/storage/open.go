package storage

import (
	"context"
	"errors"
	"strings"

	logx "tierloop/pkg/logx"
)

// Store is the journal API. Reads return the newest records first.
type Store interface {
	AppendStall(ctx context.Context, r StallRecord) error
	AppendEvent(ctx context.Context, e EventRecord) error
	RecentStalls(ctx context.Context, q Query) ([]StallRecord, error)
	RecentEvents(ctx context.Context, q Query) ([]EventRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "journal"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown journal driver: " + driver)
	}
}
