package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(svc).RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func dataField(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func TestHandler_SendMessageQueued(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeQueues(), newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/messages", map[string]any{
		"destination": "+233241234567",
		"message":     "hello",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	data := dataField(t, rec)
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, "normal", data["priority"])
	assert.NotEmpty(t, data["record_id"])
}

func TestHandler_SendMessageImmediate(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeQueues(), newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/messages", map[string]any{
		"destination": "+233241234567",
		"message":     "now",
		"priority":    "immediate",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "sent", dataField(t, rec)["status"])
}

func TestHandler_SendMessageImmediateProviderDown(t *testing.T) {
	prov := newFakeProvider()
	prov.sendErr = &ProviderError{Op: "send", Code: 500, Message: "down", Retryable: true}
	svc := newTestService(newFakeRepo(), newFakeQueues(), prov, newFakeDirectory())
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/messages", map[string]any{
		"destination": "+233241234567",
		"message":     "now",
		"priority":    "immediate",
	})

	// record persisted, provider failed: receipt comes back with 502
	require.Equal(t, http.StatusBadGateway, rec.Code)
	data := dataField(t, rec)
	assert.Equal(t, "failed", data["status"])
	assert.NotEmpty(t, data["record_id"])
}

func TestHandler_SendMessageValidation(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeQueues(), newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "missing destination", body: map[string]any{"message": "hi"}},
		{name: "missing message and template", body: map[string]any{"destination": "+233241234567"}},
		{name: "bad priority", body: map[string]any{"destination": "+233241234567", "message": "hi", "priority": "turbo"}},
		{name: "bad event id", body: map[string]any{"destination": "+233241234567", "message": "hi", "event_id": "not-a-uuid"}},
		{name: "bad destination", body: map[string]any{"destination": "junk", "message": "hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandler_SendMessageRateLimited(t *testing.T) {
	repo := newFakeRepo()
	queues := newFakeQueues()
	limiter := NewRateLimiter(queues, RateCaps{PerDay: 1, PerMinute: 10, PerHour: 10})
	prov := newFakeProvider()
	svc := NewService(repo, queues, limiter, NewRetryManager(queues, 3, time.Minute),
		NewRenderer(), NewSender(repo, prov), prov, newFakeDirectory(), 0.05, nil)
	router := newTestRouter(svc)

	body := map[string]any{"destination": "+233241234567", "message": "hi"}
	require.Equal(t, http.StatusAccepted, doJSON(t, router, http.MethodPost, "/messages", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, doJSON(t, router, http.MethodPost, "/messages", body).Code)
}

func TestHandler_ScheduleMessage(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeQueues(), newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/messages/schedule", map[string]any{
		"destination":  "+233241234567",
		"message":      "reminder",
		"scheduled_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "scheduled", dataField(t, rec)["status"])
}

func TestHandler_ScheduleMessagePast(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeQueues(), newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/messages/schedule", map[string]any{
		"destination":  "+233241234567",
		"message":      "reminder",
		"scheduled_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_SendBulk(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeQueues(), newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	recipients := make([]map[string]any, 3)
	for i := range recipients {
		recipients[i] = map[string]any{"destination": fmt.Sprintf("+23324123450%d", i)}
	}

	rec := doJSON(t, router, http.MethodPost, "/messages/bulk", map[string]any{
		"recipients": recipients,
		"template":   "Hi {{name}}",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	data := dataField(t, rec)
	assert.Equal(t, float64(3), data["total_recipients"])
	assert.NotEmpty(t, data["campaign_id"])
}

func TestHandler_SendBulkEmptyRecipients(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeQueues(), newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/messages/bulk", map[string]any{
		"recipients": []map[string]any{},
		"template":   "Hi",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_GetMessage(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeQueues(), newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	receipt, err := svc.Send(httptest.NewRequest(http.MethodGet, "/", nil).Context(), SendInput{
		Destination: "+233241234567",
		Message:     "hello",
	})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/messages/"+receipt.RecordID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/messages/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_GetDeliveryStatus(t *testing.T) {
	prov := newFakeProvider()
	prov.statusFor["ext-1"] = StatusResult{Status: "delivered"}
	svc := newTestService(newFakeRepo(), newFakeQueues(), prov, newFakeDirectory())
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodGet, "/deliveries/ext-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delivered", dataField(t, rec)["status"])
}

func TestHandler_GetStatistics(t *testing.T) {
	queues := newFakeQueues()
	svc := newTestService(newFakeRepo(), queues, newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	require.NoError(t, queues.IncrStat(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "2026-08-30", "checked", 3))

	rec := doJSON(t, router, http.MethodGet, "/statistics?days=7", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/statistics?days=90", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/statistics?days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_GetHealth(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeQueues(), newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodGet, "/dispatch/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataField(t, rec)
	assert.Equal(t, "fake", data["provider_mode"])
	require.NotNil(t, data["queue_sizes"])
}

func TestHandler_SendMessageBadJSON(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeQueues(), newFakeProvider(), newFakeDirectory())
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
