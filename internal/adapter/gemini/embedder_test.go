package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/option"

	"corpusd/internal/adapter/gemini"
	"corpusd/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// embedServer answers batchEmbedContents with one vector per request entry.
func embedServer(t *testing.T, values []float32, failures *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures != nil && atomic.AddInt32(failures, -1) >= 0 {
			http.Error(w, `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED"}}`, http.StatusTooManyRequests)
			return
		}

		var body struct {
			Requests []json.RawMessage `json:"requests"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		n := len(body.Requests)
		if n == 0 {
			n = 1
		}

		embeddings := make([]map[string]interface{}, n)
		for i := range embeddings {
			embeddings[i] = map[string]interface{}{"values": values}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": embeddings})
	}))
}

func newTestEmbedder(t *testing.T, url string, dims int) *gemini.Embedder {
	e, err := gemini.NewEmbedder(context.Background(), "test-key", gemini.EmbedderConfig{
		Model:      "gemini-embedding-001",
		Dimensions: dims,
		BatchSize:  2,
		Retry:      fastRetry(),
	}, option.WithEndpoint(url))
	assert.NoError(t, err)
	return e
}

func TestEmbedder_EmbedBatch(t *testing.T) {
	t.Run("Success Preserves Order And Length", func(t *testing.T) {
		ts := embedServer(t, []float32{0.1, 0.2, 0.3}, nil)
		defer ts.Close()
		e := newTestEmbedder(t, ts.URL, 3)
		defer e.Close()

		vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
		assert.NoError(t, err)
		assert.Len(t, vectors, 3)
		for _, v := range vectors {
			assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)
		}
	})

	t.Run("Empty Input", func(t *testing.T) {
		ts := embedServer(t, []float32{0.1}, nil)
		defer ts.Close()
		e := newTestEmbedder(t, ts.URL, 1)
		defer e.Close()

		vectors, err := e.EmbedBatch(context.Background(), nil)
		assert.NoError(t, err)
		assert.Empty(t, vectors)
	})

	t.Run("Dimension Mismatch Is Fatal", func(t *testing.T) {
		ts := embedServer(t, []float32{0.1, 0.2, 0.3}, nil)
		defer ts.Close()
		e := newTestEmbedder(t, ts.URL, 768)
		defer e.Close()

		_, err := e.EmbedBatch(context.Background(), []string{"a"})
		assert.ErrorIs(t, err, gemini.ErrDimensionMismatch)
	})

	t.Run("Transient Failure Retried", func(t *testing.T) {
		failures := int32(1)
		ts := embedServer(t, []float32{0.5}, &failures)
		defer ts.Close()
		e := newTestEmbedder(t, ts.URL, 1)
		defer e.Close()

		vectors, err := e.EmbedBatch(context.Background(), []string{"a"})
		assert.NoError(t, err)
		assert.Len(t, vectors, 1)
	})

	t.Run("Retry Exhaustion Fails Batch", func(t *testing.T) {
		failures := int32(100)
		ts := embedServer(t, []float32{0.5}, &failures)
		defer ts.Close()
		e := newTestEmbedder(t, ts.URL, 1)
		defer e.Close()

		_, err := e.EmbedBatch(context.Background(), []string{"a"})
		assert.Error(t, err)
	})
}

func TestEmbedder_Version(t *testing.T) {
	ts := embedServer(t, []float32{0.1}, nil)
	defer ts.Close()
	e := newTestEmbedder(t, ts.URL, 1)
	defer e.Close()

	assert.Equal(t, "gemini-embedding-001", e.Version())
}
