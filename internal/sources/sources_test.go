package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/cloudlaunch/internal/config"
	"github.com/nexus-trading/cloudlaunch/internal/fetch"
)

const geckoBody = `{
  "data": [
    {"attributes": {"name": "Moon Dog / WBNB"}, "relationships": {"base_token": {"data": {"id": "bsc_0x1"}}}},
    {"attributes": {"name": "Fallback Coin / WBNB"}, "relationships": {"base_token": {"data": {"id": "bsc_missing"}}}},
    {"attributes": {"name": "Info Img / WBNB"}, "relationships": {"base_token": {"data": {"id": "bsc_0x3"}}}},
    {"attributes": {"name": "X / WBNB"}, "relationships": {"base_token": {"data": {"id": "bsc_0x4"}}}}
  ],
  "included": [
    {"id": "bsc_0x1", "attributes": {"name": "Moon Dog", "symbol": "MDOG", "image_url": "https://assets.geckoterminal.com/m.png", "websites": ["https://moondog.xyz"]}},
    {"id": "bsc_0x3", "attributes": {"name": "Info Img", "symbol": "", "image_url": "missing.png", "token_info": {"image_url": "https://img.example/i.webp"}}},
    {"id": "bsc_0x4", "attributes": {"name": "X", "symbol": "X", "image_url": "https://img.example/x.png"}}
  ]
}`

const dexBody = `{
  "pairs": [
    {"chainId": "base", "baseToken": {"name": "Based Cat", "symbol": "BCAT"}, "info": {"imageUrl": "https://cdn.dexscreener.com/c.png", "websites": [{"url": "https://bcat.io"}]}},
    {"chainId": "", "baseToken": {"name": "Header Only", "symbol": "HDR", "icon": "https://icon"}, "info": {"header": "https://cdn.dexscreener.com/h.png"}},
    {"chainId": "bsc", "baseToken": {"name": "No Image", "symbol": "NOI"}},
    {"chainId": "bsc"}
  ]
}`

func newTestFetcher(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default().Sources
	cfg.GeckoTerminalURL = srv.URL + "/api/v2"
	cfg.DexScreenerURL = srv.URL
	cfg.Timeout = timeout
	return NewFetcher(fetch.New(time.Second), cfg)
}

func defaultHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/v2/networks/"):
			assert.Equal(t, "1", r.URL.Query().Get("page"))
			assert.Equal(t, "base_token", r.URL.Query().Get("include"))
			w.Write([]byte(geckoBody))
		case r.URL.Path == "/latest/dex/search":
			w.Write([]byte(dexBody))
		default:
			http.NotFound(w, r)
		}
	}
}

func TestFetch_Gecko(t *testing.T) {
	f := newTestFetcher(t, defaultHandler(t), time.Second)

	b := f.Fetch(context.Background(), 0)
	assert.Equal(t, "GeckoTerminal BSC", b.Label)
	assert.Equal(t, 1, b.Next)
	require.Len(t, b.Tokens, 2)

	assert.Equal(t, "Moon Dog", b.Tokens[0].Name)
	assert.Equal(t, "MDOG", b.Tokens[0].Symbol)
	assert.Equal(t, "https://moondog.xyz", b.Tokens[0].Website)
	assert.Equal(t, "bsc", b.Tokens[0].Chain)

	assert.Equal(t, "Info Img", b.Tokens[1].Name)
	assert.Equal(t, "Img", b.Tokens[1].Symbol, "symbol falls back to last word of name")
	assert.Equal(t, "https://img.example/i.webp", b.Tokens[1].Image)
}

func TestFetch_Dex(t *testing.T) {
	f := newTestFetcher(t, defaultHandler(t), time.Second)

	b := f.Fetch(context.Background(), 3)
	assert.Equal(t, "DexScreener BSC", b.Label)
	assert.Equal(t, 4, b.Next)
	require.Len(t, b.Tokens, 2)
	assert.Equal(t, "base", b.Tokens[0].Chain)
	assert.Equal(t, "https://bcat.io", b.Tokens[0].Website)
	assert.Equal(t, "https://cdn.dexscreener.com/h.png", b.Tokens[1].Image)
	assert.Equal(t, "bsc", b.Tokens[1].Chain)
}

func TestFetch_CursorWraps(t *testing.T) {
	f := newTestFetcher(t, defaultHandler(t), time.Second)
	require.Equal(t, 5, f.Len())

	b := f.Fetch(context.Background(), 4)
	assert.Equal(t, 0, b.Next)
	assert.Equal(t, "DexScreener Base", b.Label)

	b = f.Fetch(context.Background(), 7)
	assert.Equal(t, "GeckoTerminal Solana", b.Label)
	assert.Equal(t, 3, b.Next)
}

func TestFetch_FailureAdvancesCursor(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, time.Second)

	b := f.Fetch(context.Background(), 1)
	assert.Empty(t, b.Tokens)
	assert.Equal(t, 2, b.Next)
	assert.Equal(t, "GeckoTerminal Base", b.Label)
}

func TestFetch_TimeoutAdvancesCursor(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}, 30*time.Millisecond)

	var observed bool
	f.observe = func(label string, ok bool, n int) {
		observed = true
		assert.False(t, ok)
		assert.Zero(t, n)
	}

	b := f.Fetch(context.Background(), 0)
	assert.Empty(t, b.Tokens)
	assert.Equal(t, 1, b.Next)
	assert.True(t, observed)
}

func TestFetch_MalformedJSON(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [`))
	}, time.Second)

	b := f.Fetch(context.Background(), 0)
	assert.Empty(t, b.Tokens)
	assert.Equal(t, 1, b.Next)
}

func TestParseDex_FirstFifteenOnly(t *testing.T) {
	var resp dexSearchResponse
	require.NoError(t, json.Unmarshal([]byte(dexBody), &resp))
	first := resp.Pairs[0]
	resp.Pairs = nil
	for i := 0; i < 20; i++ {
		resp.Pairs = append(resp.Pairs, first)
	}
	assert.Len(t, parseDex(resp, 15), 15)
}
