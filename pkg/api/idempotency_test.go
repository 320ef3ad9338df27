package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyMiddleware(t *testing.T) {
	var calls atomic.Int32
	handler := IdempotencyMiddleware(NewMemoryIdempotencyStore(time.Hour), slog.Default())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := calls.Add(1)
			if r.URL.Path == "/fail" {
				WriteBadRequest(w, "nope")
				return
			}
			WriteJSON(w, http.StatusCreated, map[string]int32{"n": n})
		}))

	send := func(path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if key != "" {
			req.Header.Set(IdempotencyKeyHeader, key)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	first := send("/ok", "a")
	second := send("/ok", "a")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, int32(1), calls.Load())

	send("/ok", "b")
	send("/ok", "")
	send("/ok", "")
	assert.Equal(t, int32(4), calls.Load())

	// errors are not cached
	send("/fail", "c")
	send("/fail", "c")
	assert.Equal(t, int32(6), calls.Load())
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s := NewMemoryIdempotencyStore(time.Minute)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", &CachedResponse{StatusCode: 201, CachedAt: now}))
	_, ok, err := s.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = s.Check(ctx, "k")
	assert.False(t, ok)
}

func TestRedisIdempotencyStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	s := NewRedisIdempotencyStore(client, time.Minute)
	key := "test-" + time.Now().Format(time.RFC3339Nano)
	defer client.Del(ctx, s.prefix+key)

	_, ok, err := s.Check(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	want := &CachedResponse{StatusCode: 201, Headers: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{"n":1}`)}
	require.NoError(t, s.Set(ctx, key, want))
	got, ok, err := s.Check(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Body, got.Body)
	assert.Equal(t, 201, got.StatusCode)
}
