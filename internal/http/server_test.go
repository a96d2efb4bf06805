package http_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jmehdipour/subsync/internal/app"
	"github.com/jmehdipour/subsync/internal/config"
	httpapi "github.com/jmehdipour/subsync/internal/http"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const apiKey = "test-key"

type fixture struct {
	app *app.App
	h   http.Handler
}

func newFixture(t *testing.T, mutate func(c *config.Config)) fixture {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Auth.APIKeys = []config.APIKeyConfig{{Name: "tests", Key: apiKey}}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := app.New(cfg, zap.NewNop(), app.Options{Memory: true})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httpapi.NewServer(cfg, httpapi.Deps{
		Events:   a.EventLog,
		Ingest:   a.Ingest,
		Sweeper:  a.Sweeper(false),
		History:  a.History,
		Verifier: provider.NewStripeVerifier(cfg.Provider.WebhookSecret),
		Log:      zap.NewNop(),
	})
	return fixture{app: a, h: srv.Handler()}
}

func (f fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

const cancelEvent = `{
	"provider_event_id": "evt_1",
	"event_type": "customer.subscription.deleted",
	"owner_id": "u1",
	"payload": {"object": "subscription", "id": "sub_1", "status": "canceled"}
}`

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/sync/metrics", nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogEvent(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/v1/events", cancelEvent)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["processed"])
	assert.Equal(t, false, body["is_duplicate"])

	code, body = f.do(t, http.MethodPost, "/v1/events", cancelEvent)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_duplicate"])

	code, _ = f.do(t, http.MethodPost, "/v1/events", `{"event_type":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLogEvent_Deferred(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/v1/events?defer=true", cancelEvent)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["needs_processing"])
	assert.Equal(t, string(model.ProcessingPending), body["processing_status"])
}

func TestUpdateEventStatus(t *testing.T) {
	f := newFixture(t, nil)
	_, body := f.do(t, http.MethodPost, "/v1/events?defer=true", cancelEvent)
	id, _ := body["event_id"].(string)
	require.NotEmpty(t, id)

	code, _ := f.do(t, http.MethodPatch, "/v1/events/"+id+"/status", `{"status":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPatch, "/v1/events/"+id+"/status", `{"status":"skipped"}`)
	assert.Equal(t, http.StatusOK, code)

	// skipped is final
	code, _ = f.do(t, http.MethodPatch, "/v1/events/"+id+"/status", `{"status":"processed"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodPatch, "/v1/events/missing/status", `{"status":"processed"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestEventsForRetry(t *testing.T) {
	f := newFixture(t, nil)
	_, body := f.do(t, http.MethodPost, "/v1/events?defer=true", cancelEvent)
	id := body["event_id"].(string)
	code, _ := f.do(t, http.MethodPatch, "/v1/events/"+id+"/status",
		`{"status":"failed","error_details":{"message":"boom","code":"TEST"}}`)
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodGet, "/v1/events/retry?max_retry_count=3&retry_delay_minutes=0", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	assert.EqualValues(t, 3, body["max_retry_count"])

	code, _ = f.do(t, http.MethodGet, "/v1/events/retry?max_retry_count=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEventStats(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/events", cancelEvent)

	code, body := f.do(t, http.MethodGet, "/v1/events/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 1, body["processed"])
	assert.EqualValues(t, 100, body["success_rate"])

	code, _ = f.do(t, http.MethodGet, "/v1/events/stats?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/v1/events/stats?from=2000-01-01T00:00:00Z&to=2000-01-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["total"])
}

func TestConsistencyAndSync(t *testing.T) {
	f := newFixture(t, nil)
	f.app.Memory.PutSubscription(model.UserSubscription{OwnerID: "u1", Status: "active"})
	code, _ := f.do(t, http.MethodPost, "/v1/events", cancelEvent)
	require.Equal(t, http.StatusAccepted, code)

	// base row says active, the projected status says canceled
	code, body := f.do(t, http.MethodGet, "/v1/subscriptions/u1/consistency", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["is_consistent"])
	assert.NotEmpty(t, body["issues"])

	code, body = f.do(t, http.MethodPost, "/v1/subscriptions/u1/sync", "")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["status"])
	assert.NotEmpty(t, body["message"])

	code, body = f.do(t, http.MethodGet, "/v1/sync/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
}

func TestHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, nil)
		code, _ := f.do(t, http.MethodGet, "/v1/events/history?owner_id=u1", "")
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})

	t.Run("enabled", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.History.Enabled = true })
		code, _ := f.do(t, http.MethodGet, "/v1/events/history", "")
		assert.Equal(t, http.StatusBadRequest, code)

		code, body := f.do(t, http.MethodGet, "/v1/events/history?owner_id=u1&limit=10", "")
		require.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, 10, body["limit"])
		assert.EqualValues(t, 0, body["count"])
	})
}

func TestStripeWebhook(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, nil)
		code, _ := f.do(t, http.MethodPost, "/webhooks/stripe", `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})

	t.Run("bad signature", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.Provider.WebhookSecret = "whsec_test" })
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
		rec := httptest.NewRecorder()
		f.h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
