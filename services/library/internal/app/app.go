package app

import (
	"fmt"
	"strings"
	"time"

	"bookloan/internal/metrics"
	"bookloan/pkg/events"
	"bookloan/pkg/store"
)

// MemoryDatabaseURL selects MemoryStore.
const MemoryDatabaseURL = "memory"

// Config holds runtime configuration for the lending core.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Publisher   events.Publisher
	Metrics     metrics.Recorder
	// Now overrides the clock used for borrow and return timestamps.
	Now func() time.Time
}

// App is the lending core: catalog, borrow ledger and the engine on top.
type App struct {
	store     store.Store
	publisher events.Publisher
	metrics   metrics.Recorder
	now       func() time.Time
}

// New constructs the application. Without an explicit Store it opens
// Postgres at DatabaseURL, or MemoryStore when DatabaseURL is "memory".
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		dsn := strings.TrimSpace(cfg.DatabaseURL)
		switch dsn {
		case "":
			return nil, fmt.Errorf("database URL required")
		case MemoryDatabaseURL:
			dataStore = store.NewMemoryStore()
		default:
			gormStore, err := store.NewGormStore(dsn)
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
			dataStore = gormStore
		}
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:     dataStore,
		publisher: publisher,
		metrics:   recorder,
		now:       now,
	}, nil
}
