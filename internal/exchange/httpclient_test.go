package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_TracksUsedWeight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if weight := r.URL.Query().Get("w"); weight != "" {
			w.Header().Set("X-MBX-USED-WEIGHT-1M", weight)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hc := NewHTTPClient(DefaultHTTPClientConfig())
	defer hc.Close()
	assert.Equal(t, 0, hc.UsedWeight())

	resp, err := hc.Client().Get(srv.URL + "?w=120")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 120, hc.UsedWeight())

	// ответ без заголовка не сбрасывает счётчик
	resp, err = hc.Client().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 120, hc.UsedWeight())
}

func TestHTTPClient_UsedWeightExpiresWithMinute(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 50, 0, time.UTC)
	hc := NewHTTPClient(DefaultHTTPClientConfig())
	hc.now = func() time.Time { return now }

	hc.observe(&http.Response{Header: http.Header{usedWeightHeader: []string{"2000"}}})
	assert.Equal(t, 2000, hc.UsedWeight())

	now = now.Add(15 * time.Second)
	assert.Equal(t, 0, hc.UsedWeight())
}

func TestHTTPClient_WaitWeight(t *testing.T) {
	cfg := DefaultHTTPClientConfig()
	cfg.WeightLimit = 100
	hc := NewHTTPClient(cfg)
	// конец минуты: ожидание до границы не больше 50ms
	now := time.Now().Truncate(time.Minute).Add(time.Minute - 50*time.Millisecond)
	hc.now = func() time.Time { return now }
	hc.observe(&http.Response{Header: http.Header{usedWeightHeader: []string{"98"}}})

	// укладывается в лимит
	require.NoError(t, hc.WaitWeight(context.Background(), 2))

	start := time.Now()
	require.NoError(t, hc.WaitWeight(context.Background(), 5))
	assert.Less(t, time.Since(start), time.Second)

	// отменённый контекст
	hc.now = func() time.Time { return now.Add(-30 * time.Second) }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hc.mu.Lock()
	hc.usedAt = hc.now()
	hc.mu.Unlock()
	assert.ErrorIs(t, hc.WaitWeight(ctx, 5), context.Canceled)

	// лимит выключен
	hc.cfg.WeightLimit = 0
	assert.NoError(t, hc.WaitWeight(ctx, 1000))
}
