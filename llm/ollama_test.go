package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/sales-rag/embeddings"
)

func newTestOllamaClient(t *testing.T, handler http.HandlerFunc) StreamClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewOllamaClient(Options{
		Model:      "llama3.1:8b",
		OllamaHost: srv.URL + "/",
		Defaults:   GenerateOptions{MaxTokens: 128},
		Timeout:    5 * time.Second,
		Retry:      embeddings.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})
}

func TestOllamaGenerateSendsOptions(t *testing.T) {
	var got map[string]any
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		got = decodeRequest(t, r)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"Globex wants a discount."},"done":true}`)
	})

	answer, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "news?"}}, WithTemperature(0))
	require.NoError(t, err)
	assert.Equal(t, "Globex wants a discount.", answer)

	assert.Equal(t, "llama3.1:8b", got["model"])
	assert.Equal(t, false, got["stream"])
	options, ok := got["options"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 128, options["num_predict"])
	assert.EqualValues(t, 0, options["temperature"])
}

func TestOllamaGenerateOmitsEmptyOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotContains(t, decodeRequest(t, r), "options")
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{Model: "m", OllamaHost: srv.URL})
	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
}

func TestOllamaGenerateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"ready"},"done":true}`)
	})

	answer, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "ready", answer)
	assert.EqualValues(t, 3, calls.Load())
}

func TestOllamaGenerateClientErrorIsTyped(t *testing.T) {
	var calls atomic.Int32
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})

	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	var statusErr *embeddings.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "model not found")
	assert.EqualValues(t, 1, calls.Load())
}

func TestOllamaGenerateReportsBodyError(t *testing.T) {
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"context window exceeded"}`)
	})

	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	assert.ErrorContains(t, err, "context window exceeded")
}

func TestOllamaGenerateStream(t *testing.T) {
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, true, decodeRequest(t, r)["stream"])
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Deal "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"closed."},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"ignored"},"done":false}`)
	})

	var sb strings.Builder
	err := client.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(part string) error {
		sb.WriteString(part)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Deal closed.", sb.String())
}
