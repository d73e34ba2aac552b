package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.GetJSON(context.Background(), srv.URL, &out))
	assert.True(t, out.OK)

	reqs, fails := c.Stats()
	assert.Equal(t, int64(1), reqs)
	assert.Zero(t, fails)
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	c := New(time.Second)
	body, err := c.Get(context.Background(), srv.URL, "")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTeapot, se.Code)
	assert.Equal(t, "short and stout", string(body))

	_, fails := c.Stats()
	assert.Equal(t, int64(1), fails)
}

func TestPostJSON_HeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"q":"pepe"}`, string(b))
		w.Write([]byte(`{"id":"42"}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	h := http.Header{}
	h.Set("Authorization", "Bearer k")
	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, c.PostJSON(context.Background(), srv.URL, h, map[string]string{"q": "pepe"}, &out))
	assert.Equal(t, "42", out.ID)
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := New(50 * time.Millisecond)
	_, err := c.Get(context.Background(), srv.URL, "")
	assert.Error(t, err)
}

func TestRateLimitPerHost(t *testing.T) {
	c := New(time.Second, WithRateLimit(1, 1))
	a := c.limiter("a.example")
	assert.Same(t, a, c.limiter("a.example"))
	assert.NotSame(t, a, c.limiter("b.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Wait(ctx))
	assert.Error(t, a.Wait(ctx), "second token not available within deadline")
}
