package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c := New(url, zerolog.Nop())
	c.maxRetries = 3
	c.retryDelay = time.Millisecond
	c.sleep = func(time.Duration) {}
	return c
}

func TestSendCallbackSucceedsOnFirstAttempt(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.SendCallback(context.Background(), Payload{TaskID: 1, SubtaskID: 1, Progress: 50})

	assert.Equal(t, statusSuccess, result.Status)
	assert.Equal(t, 1, attempts)
}

func TestSendCallbackRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.SendCallback(context.Background(), Payload{TaskID: 2, SubtaskID: 1, Progress: 100})

	assert.Equal(t, statusSuccess, result.Status)
	assert.Equal(t, 3, attempts)
}

func TestSendCallbackDoesNotRetryOn4xx(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.SendCallback(context.Background(), Payload{TaskID: 3, SubtaskID: 1})

	assert.Equal(t, statusFailed, result.Status)
	assert.Equal(t, 1, attempts, "client errors must not be retried")
}

func TestSendCallbackExhaustsRetriesOnPersistent5xx(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.SendCallback(context.Background(), Payload{TaskID: 4, SubtaskID: 1})

	assert.Equal(t, statusFailed, result.Status)
	assert.Equal(t, c.maxRetries+1, attempts)
}

func TestSendCallbackSetsJSONContentType(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.SendCallback(context.Background(), Payload{TaskID: 5, SubtaskID: 1})

	require.Equal(t, statusSuccess, result.Status)
	assert.Equal(t, "application/json", gotHeader)
}
