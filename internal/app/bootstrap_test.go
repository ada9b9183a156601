package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, restURL string) string {
	t.Helper()
	dir := t.TempDir()
	body := `
huobi:
  host: api.huobipro.com
  rest_url: ` + restURL + `
  rate_limit_per_sec: 0
  symbols: [BTCUSDT, ethusdt]
  kline_period: 1min
  backfill_size: 2
storage:
  path: ` + filepath.Join(dir, "huobi.db") + `
logging:
  level: warn
  file: ""
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBootstrap_InitializeAndBackfill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/market/history/kline", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("size"))
		w.Write([]byte(`{"status":"ok","data":[
			{"id":180,"open":1,"close":2,"low":1,"high":2,"amount":1,"vol":1,"count":1},
			{"id":120,"open":1,"close":1,"low":1,"high":1,"amount":1,"vol":1,"count":1}]}`))
	}))
	defer srv.Close()

	b := NewBootstrap()
	require.NoError(t, b.Initialize(writeConfig(t, srv.URL)))
	defer b.Shutdown()

	assert.Nil(t, b.Metrics, "metrics server is off without an address")
	assert.Equal(t, "wss://api.huobipro.com/ws", b.Stream.URL())

	b.Backfill(context.Background())

	for _, sym := range []string{"btcusdt", "ethusdt"} {
		candles, err := b.Storage.GetCandles(sym, "1min", 0)
		require.NoError(t, err)
		assert.Len(t, candles, 2, sym)

		data, ok := b.Market.GetData(sym)
		require.True(t, ok, sym)
		assert.Equal(t, int64(180), data.Kline.ID)
	}
}

func TestBootstrap_BackfillSurvivesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","err-code":"invalid-parameter","err-msg":"invalid symbol"}`))
	}))
	defer srv.Close()

	b := NewBootstrap()
	require.NoError(t, b.Initialize(writeConfig(t, srv.URL)))
	defer b.Shutdown()

	b.Backfill(context.Background())
	assert.Empty(t, b.Market.GetAllData())
}

func TestBootstrap_SubscribeQueuesStreams(t *testing.T) {
	b := NewBootstrap()
	require.NoError(t, b.Initialize(writeConfig(t, "http://127.0.0.1:1")))
	defer b.Shutdown()

	// The stream client is not started, so nothing is dialed.
	require.NoError(t, b.Subscribe())
}

func TestBootstrap_MissingConfig(t *testing.T) {
	b := NewBootstrap()
	err := b.Initialize(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
