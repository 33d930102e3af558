package workers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental_hunter/clock"
	"rental_hunter/models"
)

type notified struct {
	id uuid.UUID
	at time.Time
}

type recordingSink struct {
	mu    sync.Mutex
	calls []notified
	known map[uuid.UUID]bool
	done  chan struct{}
}

func (s *recordingSink) NotifyResponse(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known != nil && !s.known[id] {
		return fmt.Errorf("listing %s: %w", id, models.ErrNotFound)
	}
	s.calls = append(s.calls, notified{id, at})
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	return nil
}

// listRedis serves BLPOP from an in-process queue.
type listRedis struct {
	redis.Cmdable
	items chan string
}

func (r *listRedis) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	select {
	case v := <-r.items:
		return redis.NewStringSliceResult([]string{keys[0], v}, nil)
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	case <-time.After(10 * time.Millisecond):
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
}

func TestResponseWatcher_Handle(t *testing.T) {
	id := uuid.New()
	sink := &recordingSink{known: map[uuid.UUID]bool{id: true}}
	w := NewResponseWatcher(nil, "responses", sink, clock.NewFake(now))

	require.NoError(t, w.Handle(context.Background(), []byte(fmt.Sprintf(`{"listing_id":%q}`, id))))
	require.NoError(t, w.Handle(context.Background(),
		[]byte(fmt.Sprintf(`{"listing_id":%q,"at":"2026-03-01T18:30:00Z"}`, id))))

	require.Len(t, sink.calls, 2)
	assert.True(t, sink.calls[0].at.Equal(now))
	assert.True(t, sink.calls[1].at.Equal(time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)))

	assert.Error(t, w.Handle(context.Background(), []byte(`not json`)))
	assert.Error(t, w.Handle(context.Background(), []byte(`{"listing_id":"42"}`)))
	err := w.Handle(context.Background(), []byte(fmt.Sprintf(`{"listing_id":%q}`, uuid.New())))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestResponseWatcher_Run(t *testing.T) {
	id := uuid.New()
	done := make(chan struct{})
	sink := &recordingSink{done: done}
	rdb := &listRedis{items: make(chan string, 2)}
	rdb.items <- `garbage`
	rdb.items <- fmt.Sprintf(`{"listing_id":%q}`, id)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		NewResponseWatcher(rdb, "responses", sink, clock.NewFake(now)).Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("response was not forwarded")
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.calls, 1)
	assert.Equal(t, id, sink.calls[0].id)
}
