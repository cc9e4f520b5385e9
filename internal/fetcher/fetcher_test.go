package fetcher_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"corpusd/internal/fetcher"
)

func testClient() *fetcher.Client {
	return fetcher.New(fetcher.Config{Timeout: 2 * time.Second, RPS: 1000, Burst: 1000})
}

func TestFetch(t *testing.T) {
	t.Run("Extracts Text Title And Headings", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html><head><title>My Page</title>
				<script>var ignored = true;</script>
				<style>.ignored {}</style></head>
				<body><h1>Main  Heading</h1><h2>Sub</h2>
				<p>Some    body
				text.</p></body></html>`))
		}))
		defer ts.Close()

		res, err := testClient().Fetch(context.Background(), ts.URL)
		assert.NoError(t, err)
		assert.Equal(t, "My Page", res.Title)
		assert.Equal(t, []string{"Main Heading", "Sub"}, res.Headings)
		assert.Contains(t, res.Text, "Some body text.")
		assert.NotContains(t, res.Text, "ignored")
		assert.False(t, res.FetchedAt.IsZero())
	})

	t.Run("Title Falls Back To First Heading", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html><body><h1>Only Heading</h1><p>text</p></body></html>`))
		}))
		defer ts.Close()

		res, err := testClient().Fetch(context.Background(), ts.URL)
		assert.NoError(t, err)
		assert.Equal(t, "Only Heading", res.Title)
	})

	t.Run("Heading Cap", func(t *testing.T) {
		body := "<html><body>"
		for i := 0; i < 15; i++ {
			body += "<h2>Heading</h2>"
		}
		body += "</body></html>"
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		defer ts.Close()

		res, err := testClient().Fetch(context.Background(), ts.URL)
		assert.NoError(t, err)
		assert.Len(t, res.Headings, 10)
	})

	t.Run("Non-2xx Is A FetchError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer ts.Close()

		_, err := testClient().Fetch(context.Background(), ts.URL)
		var fe *fetcher.FetchError
		assert.ErrorAs(t, err, &fe)
		assert.Equal(t, ts.URL, fe.URL)
	})

	t.Run("Unreachable Host Is A FetchError", func(t *testing.T) {
		_, err := testClient().Fetch(context.Background(), "http://127.0.0.1:1")
		var fe *fetcher.FetchError
		assert.ErrorAs(t, err, &fe)
	})
}
