package workers

import (
	"context"

	"github.com/rs/zerolog/log"

	"rental_hunter/models"
)

// LogFunc is a function that logs to the scrape_logs table
type LogFunc func(level models.LogLevel, source, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, source, message string) {}

type logStore interface {
	Log(ctx context.Context, runID *int64, level models.LogLevel, message, source string) error
}

// StoreLogger persists log lines through the store, outside of any run.
func StoreLogger(store logStore) LogFunc {
	return func(level models.LogLevel, source, message string) {
		if err := store.Log(context.Background(), nil, level, message, source); err != nil {
			log.Debug().Err(err).Str("source", source).Msg("persist log failed")
		}
	}
}
