package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"rental_hunter/clock"
	"rental_hunter/contact"
	"rental_hunter/models"
)

const (
	responsePollTimeout = 5 * time.Second
	responseRetryDelay  = 5 * time.Second
)

// ResponseEvent is pushed by the inbound mail watcher when an advertiser
// replies. At defaults to the time the event is consumed.
type ResponseEvent struct {
	ListingID string     `json:"listing_id"`
	At        *time.Time `json:"at,omitempty"`
}

// ResponseWatcher consumes response events from a Redis list and forwards
// them to the contact orchestrator.
type ResponseWatcher struct {
	client redis.Cmdable
	key    string
	sink   contact.ResponseSink
	clock  clock.Clock
}

func NewResponseWatcher(client redis.Cmdable, key string, sink contact.ResponseSink, clk clock.Clock) *ResponseWatcher {
	if clk == nil {
		clk = clock.Real()
	}
	return &ResponseWatcher{client: client, key: key, sink: sink, clock: clk}
}

// Run blocks on the list until ctx is cancelled.
func (w *ResponseWatcher) Run(ctx context.Context) {
	log.Info().Str("key", w.key).Msg("response watcher started")
	for {
		if ctx.Err() != nil {
			log.Info().Msg("response watcher stopping")
			return
		}

		res, err := w.client.BLPop(ctx, responsePollTimeout, w.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			log.Warn().Err(err).Str("key", w.key).Msg("response watcher: pop failed")
			select {
			case <-ctx.Done():
			case <-time.After(responseRetryDelay):
			}
			continue
		}

		// BLPOP answers [key, value]
		if len(res) < 2 {
			continue
		}
		if err := w.Handle(ctx, []byte(res[1])); err != nil {
			log.Warn().Err(err).Str("payload", res[1]).Msg("response watcher: event dropped")
		}
	}
}

// Handle applies one response event.
func (w *ResponseWatcher) Handle(ctx context.Context, payload []byte) error {
	var ev ResponseEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode response event: %w", err)
	}
	id, err := uuid.Parse(ev.ListingID)
	if err != nil {
		return fmt.Errorf("response event listing id: %w", err)
	}
	at := w.clock.Now()
	if ev.At != nil {
		at = *ev.At
	}

	if err := w.sink.NotifyResponse(ctx, id, at); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("response for unknown listing %s: %w", id, err)
		}
		return err
	}
	log.Info().Str("listing_id", id.String()).Time("at", at).Msg("response recorded")
	return nil
}
