package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type indexedDoc struct {
	method string
	path   string
	body   DeadLetter
}

func fakeElasticsearch(t *testing.T, status int) (*elasticsearch.Client, <-chan indexedDoc) {
	t.Helper()
	docs := make(chan indexedDoc, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		raw, _ := io.ReadAll(r.Body)
		var dl DeadLetter
		_ = json.Unmarshal(raw, &dl)
		select {
		case docs <- indexedDoc{method: r.Method, path: r.URL.Path, body: dl}:
		default:
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return client, docs
}

func TestElasticDeadLetterIndex(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env := Envelope{
		ID:            "env-1",
		RecipientRef:  "cand-1",
		Channel:       ChannelEmail,
		CorrelationID: "chk-1",
		Payload:       json.RawMessage(`{"subject":"done"}`),
		Attempt:       4,
	}

	t.Run("indexes under a stable document id", func(t *testing.T) {
		client, docs := fakeElasticsearch(t, http.StatusCreated)
		idx, err := NewElasticDeadLetterIndex(client, "")
		require.NoError(t, err)

		require.NoError(t, idx.IndexDeadLetter(context.Background(), EnvelopeDeadLetter(env, "smtp down", at)))

		doc := <-docs
		assert.Equal(t, http.MethodPut, doc.method)
		assert.Equal(t, "/backcheck-dead-letters/_doc/notification-env-1", doc.path)
		assert.Equal(t, "email:cand-1", doc.body.Target)
		assert.Equal(t, 4, doc.body.Attempts)
		assert.Equal(t, "smtp down", doc.body.Reason)
	})

	t.Run("error status is returned", func(t *testing.T) {
		client, _ := fakeElasticsearch(t, http.StatusServiceUnavailable)
		idx, err := NewElasticDeadLetterIndex(client, "dl")
		require.NoError(t, err)

		err = idx.IndexDeadLetter(context.Background(), EnvelopeDeadLetter(env, "x", at))
		assert.Error(t, err)
	})

	t.Run("client is required", func(t *testing.T) {
		_, err := NewElasticDeadLetterIndex(nil, "")
		assert.Error(t, err)
	})
}
