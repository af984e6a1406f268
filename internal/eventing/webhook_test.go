package eventing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSinkPostsEnvelope(t *testing.T) {
	var got Envelope
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	env := mustEnvelope(t, "allocation.updated")
	require.NoError(t, NewWebhookSink(srv.URL).Deliver(context.Background(), env))

	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "allocation.updated", headers.Get("X-Event-Type"))
	assert.Equal(t, "evt-1", headers.Get("X-Event-ID"))
	assert.Equal(t, env.EventID, got.EventID)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL).Deliver(context.Background(), mustEnvelope(t, "lapse.created"))
	assert.EqualError(t, err, "webhook sink: non-2xx status 502")
}

func TestWebhookSinkEmptyURL(t *testing.T) {
	err := NewWebhookSink("").Deliver(context.Background(), mustEnvelope(t, "lapse.created"))
	assert.EqualError(t, err, "webhook sink: empty url")
}
