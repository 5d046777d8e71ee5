package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

func TestDoJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, Token: "tok"})
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.DoJSON(context.Background(), "POST", "/x", map[string]string{"a": "b"}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestDoJSONBadJSONIsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{nope`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL})
	var out map[string]interface{}
	err := c.DoJSON(context.Background(), "GET", "/x", nil, &out)
	assert.Equal(t, syncerr.Validation, syncerr.KindOf(err))
}

func TestAPIDelayPacesCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, APIDelay: 50 * time.Millisecond})
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.DoJSON(context.Background(), "GET", "/x", nil, nil))
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiterExhaustionFailsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// 1 token burst, tiny refill, near-zero max wait: the second call must
	// fail RateLimited instead of blocking.
	c := NewHTTPClient(HTTPOptions{
		BaseURL:       srv.URL,
		RatePerSecond: 0.001,
		RateMaxWait:   10 * time.Millisecond,
	})
	require.NoError(t, c.DoJSON(context.Background(), "GET", "/x", nil, nil))
	var err error
	for i := 0; i < 3; i++ {
		if err = c.DoJSON(context.Background(), "GET", "/x", nil, nil); err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.Equal(t, syncerr.RateLimited, syncerr.KindOf(err))
}
