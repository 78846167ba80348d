package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slawatch/backend/internal/calendar"
	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/models"
	"github.com/slawatch/backend/internal/notify"
	"github.com/slawatch/backend/internal/policy"
	"github.com/slawatch/backend/internal/service"
	"github.com/slawatch/backend/internal/sources"
)

const (
	jiraSecret  = "s3cret"
	slackSecret = "sl4ck"
)

type testEnv struct {
	h      *Handler
	router *gin.Engine
	store  *db.SQLiteStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zerolog.Nop()

	store, err := db.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	set := policy.NewSet("standard", policy.New("standard", []float64{0, 24}))
	ingest := service.NewIngestService(store, set, logger, 4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ingest.Run(ctx)

	cal := calendar.Default()
	h := &Handler{
		Store:  store,
		Ingest: ingest,
		Escalation: &service.EscalationService{
			Store:    store,
			Policies: set,
			Calendar: cal,
			Dispatcher: &service.Dispatcher{
				Notifiers: notify.NewRegistry(notify.LogNotifier{Logger: logger}),
				Timeout:   time.Second,
				Logger:    logger,
			},
			Logger:      logger,
			Concurrency: 2,
		},
		Snapshots: &service.SnapshotService{Store: store, Calendar: cal, Hour: 18, Logger: logger},
		Webhooks: map[string]sources.WebhookNormalizer{
			"jira":  &sources.Jira{BaseURL: "https://jira.example.com", Secret: jiraSecret},
			"slack": &sources.Slack{BotUserID: "UBOT", SigningSecret: slackSecret},
		},
		Validator: validator.New(),
		Logger:    logger,
	}

	r := gin.New()
	r.GET("/healthz", h.Healthz)
	r.POST("/webhooks/:source", h.Webhook)
	r.GET("/api/items", h.ItemsList)
	r.GET("/api/items/:kind/:id", h.ItemDetails)
	r.GET("/api/items/:kind/:id/history", h.ItemHistory)
	r.POST("/api/items/:kind/:id/resolve", h.ResolveItem)
	r.POST("/api/items/:kind/:id/retry", h.RetryItem)
	r.POST("/api/events", h.SubmitEvents)
	r.POST("/api/escalation/run", h.RunEscalation)
	r.GET("/api/snapshots", h.SnapshotsList)
	r.POST("/api/snapshots/run", h.RunSnapshot)
	r.GET("/api/runs/latest", h.RunsLatest)
	return &testEnv{h: h, router: r, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) submit(t *testing.T, events ...map[string]any) service.IngestStats {
	t.Helper()
	body, err := json.Marshal(map[string]any{"events": events})
	require.NoError(t, err)
	w := e.do(t, http.MethodPost, "/api/events", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stats service.IngestStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	return stats
}

func ticketEvent(externalID, subjectID string) map[string]any {
	return map[string]any{
		"source":       "tracker_a",
		"external_id":  externalID,
		"subject_kind": "ticket",
		"subject_id":   subjectID,
		"kind":         "status_blocked",
		"title":        "Checkout broken",
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func signJira(body []byte) http.Header {
	mac := hmac.New(sha256.New, []byte(jiraSecret))
	mac.Write(body)
	return http.Header{"X-Hub-Signature": {"sha256=" + hex.EncodeToString(mac.Sum(nil))}}
}

func signSlack(body []byte) http.Header {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(slackSecret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return http.Header{
		"X-Slack-Request-Timestamp": {ts},
		"X-Slack-Signature":         {"v0=" + hex.EncodeToString(mac.Sum(nil))},
	}
}

var jiraComment = []byte(`{
	"webhookEvent": "comment_created",
	"timestamp": 1709542800000,
	"issue": {"key": "OPS-9", "fields": {"summary": "Refund stuck"}},
	"comment": {"id": "501", "created": "2024-03-04T09:00:00.000+0000"}
}`)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/webhooks/jira", jiraComment, http.Header{"X-Hub-Signature": {"sha256=deadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
}

func TestWebhookQueuesEvents(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/webhooks/jira", jiraComment, signJira(jiraComment))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"accepted":1}`, w.Body.String())

	key := models.ItemKey{Kind: "ticket", ID: "OPS-9"}
	require.Eventually(t, func() bool {
		_, err := env.store.Get(context.Background(), key)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	it, err := env.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "Refund stuck", it.Title)
	assert.Equal(t, "https://jira.example.com/browse/OPS-9", it.URL)
}

func TestWebhookMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{not json`)
	w := env.do(t, http.MethodPost, "/webhooks/jira", body, signJira(body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PAYLOAD", errorCode(t, w))
}

func TestWebhookSlackChallenge(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	w := env.do(t, http.MethodPost, "/webhooks/slack", body, signSlack(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"challenge":"abc123"}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/webhooks/slack", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookUnknownSource(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/webhooks/pagerduty", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// gitlab has no token configured, so it has no route either.
	w = env.do(t, http.MethodPost, "/webhooks/gitlab", []byte(`{"object_kind":"merge_request"}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookQueueFull(t *testing.T) {
	env := newTestEnv(t)
	set := policy.NewSet("standard", policy.New("standard", []float64{0}))
	stalled := service.NewIngestService(env.store, set, zerolog.Nop(), 1)
	require.NoError(t, stalled.Enqueue([]models.RawEvent{{Source: models.SourceChat, ExternalID: "x"}}))
	env.h.Ingest = stalled

	w := env.do(t, http.MethodPost, "/webhooks/jira", jiraComment, signJira(jiraComment))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "QUEUE_FULL", errorCode(t, w))
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestWebhookRefusedAfterIngestStops(t *testing.T) {
	env := newTestEnv(t)
	set := policy.NewSet("standard", policy.New("standard", []float64{0}))
	stopped := service.NewIngestService(env.store, set, zerolog.Nop(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stopped.Run(ctx)
	env.h.Ingest = stopped

	w := env.do(t, http.MethodPost, "/webhooks/jira", jiraComment, signJira(jiraComment))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "INGEST_STOPPED", errorCode(t, w))
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestSubmitEventsDeduplicates(t *testing.T) {
	env := newTestEnv(t)

	stats := env.submit(t, ticketEvent("status:OPS-1:10", "OPS-1"))
	assert.Equal(t, 1, stats.Created)
	stats = env.submit(t, ticketEvent("status:OPS-1:10", "OPS-1"), ticketEvent("comment:11", "OPS-1"))
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Updated)

	w := env.do(t, http.MethodGet, "/api/items?status=open", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []models.TrackedItem `json:"items"`
		Limit int                  `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "OPS-1", list.Items[0].ID)
	assert.Equal(t, 50, list.Limit)

	w = env.do(t, http.MethodGet, "/api/items/ticket/OPS-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var item models.TrackedItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	assert.Equal(t, "standard", item.PolicyKey)
	assert.Equal(t, 0, item.CurrentLevel)

	w = env.do(t, http.MethodGet, "/api/items/ticket/OPS-404", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitEventsValidation(t *testing.T) {
	env := newTestEnv(t)
	ev := ticketEvent("", "OPS-1")
	body, _ := json.Marshal(map[string]any{"events": []any{ev}})
	w := env.do(t, http.MethodPost, "/api/events", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))

	w = env.do(t, http.MethodPost, "/api/events", []byte(`{"events":[]}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestItemsListRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/items?status=pending", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunEscalationRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, ticketEvent("status:OPS-2:1", "OPS-2"))

	w := env.do(t, http.MethodPost, "/api/escalation/run", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary service.TickSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Evaluated)
	assert.Equal(t, 1, summary.Fired)
	assert.NotEmpty(t, summary.RunID)

	w = env.do(t, http.MethodGet, "/api/items/ticket/OPS-2/history", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		CurrentLevel int                   `json:"current_level"`
		Actions      []models.ActionRecord `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Equal(t, 1, history.CurrentLevel)
	require.Len(t, history.Actions, 1)
	assert.Equal(t, 1, history.Actions[0].Level)
	assert.Contains(t, history.Actions[0].ExternalRef, "log-")

	w = env.do(t, http.MethodGet, "/api/runs/latest?kind=escalation", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, summary.RunID, run.ID)
	assert.Equal(t, service.RunStatusCompleted, run.Status)
}

func TestRunsLatest(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/runs/latest?kind=snapshot", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/runs/latest?kind=import", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveItem(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, ticketEvent("status:OPS-3:1", "OPS-3"))

	w := env.do(t, http.MethodPost, "/api/items/ticket/OPS-3/resolve", []byte(`{"reason":"fixed upstream"}`), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var item models.TrackedItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	require.NotNil(t, item.ResolvedAt)
	assert.Equal(t, "manual: fixed upstream", item.ResolutionReason)

	w = env.do(t, http.MethodPost, "/api/items/ticket/OPS-3/resolve", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_RESOLVED", errorCode(t, w))

	w = env.do(t, http.MethodPost, "/api/items/ticket/OPS-404/resolve", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Later activity on a resolved item does not reopen it.
	stats := env.submit(t, ticketEvent("comment:99", "OPS-3"))
	assert.Equal(t, 1, stats.Ignored)
}

func TestRetryItemEvaluates(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, ticketEvent("status:OPS-4:1", "OPS-4"))

	w := env.do(t, http.MethodPost, "/api/items/ticket/OPS-4/retry", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Item    models.TrackedItem  `json:"item"`
		Outcome service.ItemOutcome `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Outcome.FromLevel)
	assert.Equal(t, 1, resp.Outcome.ToLevel)
	assert.False(t, resp.Item.NotifyFailing)
	assert.NotNil(t, resp.Item.RetryFrom)

	w = env.do(t, http.MethodPost, "/api/items/ticket/OPS-404/retry", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSnapshots(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, ticketEvent("status:OPS-5:1", "OPS-5"))

	w := env.do(t, http.MethodPost, "/api/snapshots/run", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var run struct {
		Created  bool            `json:"created"`
		Snapshot models.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.True(t, run.Created)
	assert.Equal(t, 1, run.Snapshot.Open)

	w = env.do(t, http.MethodPost, "/api/snapshots/run", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"created":false`)

	w = env.do(t, http.MethodGet, "/api/snapshots?from=2024-13-01", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/snapshots", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []models.Snapshot `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, run.Snapshot.Date, list.Items[0].Date)
}
