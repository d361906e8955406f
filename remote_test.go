package tggl_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tggl "github.com/tggl-io/tggl-go-client"
	"github.com/tggl-io/tggl-go-client/fixtures"
)

// flagsByUserServer evaluates server-side: the response depends on the
// posted context's userId.
func flagsByUserServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/flags", req.URL.Path)
		assert.Equal(t, fixtures.APIKey, req.Header.Get("x-tggl-api-key"))

		var evalContext map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&evalContext))

		rw.Header().Set("Content-Type", "application/json")
		if evalContext["userId"] == "vip" {
			_, _ = io.WriteString(rw, `{"checkout_redesign": "premium", "new_search": true}`)
			return
		}
		_, _ = io.WriteString(rw, `{"checkout_redesign": "basic"}`)
	}))
}

func TestRemoteClientFetchesPreEvaluatedFlags(t *testing.T) {
	// Given
	server := flagsByUserServer(t)
	defer server.Close()

	client := tggl.NewRemoteClient(fixtures.APIKey, tggl.Context{"userId": "vip"},
		tggl.WithBaseURL(server.URL),
		tggl.WithoutReporting(),
	)
	defer client.Close()

	// When
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitReady(ctx))

	// Then
	assert.Equal(t, "premium", client.Get("checkout_redesign", "fallback"))
	assert.Equal(t, true, client.Get("new_search", false))
	assert.Equal(t, "fallback", client.Get("no_such_flag", "fallback"))
	assert.Equal(t, map[string]any{
		"checkout_redesign": "premium",
		"new_search":        true,
	}, client.GetAll())
}

func TestRemoteClientSetContextRefetches(t *testing.T) {
	// Given
	server := flagsByUserServer(t)
	defer server.Close()

	client := tggl.NewRemoteClient(fixtures.APIKey, tggl.Context{"userId": "vip"},
		tggl.WithBaseURL(server.URL),
		tggl.WithoutReporting(),
	)
	defer client.Close()
	require.NoError(t, client.WaitReady(context.Background()))

	// When
	require.NoError(t, client.SetContext(context.Background(), tggl.Context{"userId": "regular"}))

	// Then
	assert.Equal(t, "basic", client.Get("checkout_redesign", "fallback"))
	assert.Equal(t, false, client.Get("new_search", false))
}

func TestRemoteClientLastContextWinsUnderRacingSetContext(t *testing.T) {
	server := flagsByUserServer(t)
	defer server.Close()

	client := tggl.NewRemoteClient(fixtures.APIKey, tggl.Context{"userId": "regular"},
		tggl.WithBaseURL(server.URL),
		tggl.WithoutInitialFetch(),
		tggl.WithoutReporting(),
	)
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = client.SetContext(context.Background(), tggl.Context{"userId": "regular"})
		}()
	}
	wg.Wait()

	// The last call must always be reflected once everything settles
	require.NoError(t, client.SetContext(context.Background(), tggl.Context{"userId": "vip"}))
	assert.Equal(t, "premium", client.Get("checkout_redesign", "fallback"))
}

func TestRemoteClientShapeGuard(t *testing.T) {
	server := flagsByUserServer(t)
	defer server.Close()

	client := tggl.NewRemoteClient(fixtures.APIKey, tggl.Context{"userId": "vip"},
		tggl.WithBaseURL(server.URL),
		tggl.WithoutReporting(),
	)
	defer client.Close()
	require.NoError(t, client.WaitReady(context.Background()))

	// checkout_redesign holds a string; a numeric default wins
	assert.Equal(t, 7, client.Get("checkout_redesign", 7))
}

func TestRemoteClientNullBodyDoesNotDestroyFlags(t *testing.T) {
	// Given a server that serves flags once, then a JSON null
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if requests.Add(1) == 1 {
			_, _ = io.WriteString(rw, `{"checkout_redesign": "premium"}`)
			return
		}
		_, _ = io.WriteString(rw, `null`)
	}))
	defer server.Close()

	client := tggl.NewRemoteClient(fixtures.APIKey, tggl.Context{"userId": "vip"},
		tggl.WithBaseURL(server.URL),
		tggl.WithoutInitialFetch(),
		tggl.WithoutReporting(),
		tggl.WithMaxRetries(0),
	)
	defer client.Close()
	require.NoError(t, client.Refetch(context.Background()))
	require.Equal(t, "premium", client.Get("checkout_redesign", "fallback"))

	// When the next fetch yields a null body
	err := client.Refetch(context.Background())

	// Then it fails without touching the published flags
	require.Error(t, err)
	var malformed *tggl.MalformedResponseError
	assert.True(t, errors.As(err, &malformed))
	assert.Equal(t, "premium", client.Get("checkout_redesign", "fallback"))
}

func TestRemoteClientPollingStartsAutomatically(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		requests.Add(1)
		rw.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(rw, `{"checkout_redesign": "basic"}`)
	}))
	defer server.Close()

	client := tggl.NewRemoteClient(fixtures.APIKey, tggl.Context{},
		tggl.WithBaseURL(server.URL),
		tggl.WithoutReporting(),
		tggl.WithPollingInterval(10*time.Millisecond),
	)
	defer client.Close()

	assert.Eventually(t, func() bool {
		return requests.Load() >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRemoteClientConfigChangeEvents(t *testing.T) {
	server := flagsByUserServer(t)
	defer server.Close()

	client := tggl.NewRemoteClient(fixtures.APIKey, tggl.Context{"userId": "vip"},
		tggl.WithBaseURL(server.URL),
		tggl.WithoutReporting(),
	)
	defer client.Close()
	require.NoError(t, client.WaitReady(context.Background()))

	var mu sync.Mutex
	var events [][]string
	client.OnConfigChange(func(changed []string) {
		mu.Lock()
		events = append(events, changed)
		mu.Unlock()
	})

	// Refetching the same context changes nothing
	require.NoError(t, client.Refetch(context.Background()))
	mu.Lock()
	assert.Empty(t, events)
	mu.Unlock()

	// Switching context changes both flags
	require.NoError(t, client.SetContext(context.Background(), tggl.Context{"userId": "regular"}))
	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, []string{"checkout_redesign", "new_search"}, events[0])
	mu.Unlock()
}
