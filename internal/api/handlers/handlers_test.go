package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository/memory"
	"github.com/acme/dental-outreach/internal/scheduler"
	"github.com/acme/dental-outreach/internal/service/ingest"
	leadsvc "github.com/acme/dental-outreach/internal/service/lead"
)

type testAPI struct {
	app   *fiber.App
	store *memory.Store
}

func newTestAPI(t *testing.T, checks map[string]HealthCheck) *testAPI {
	t.Helper()
	store := memory.NewStore()
	policy := scheduler.StaticSettings(domain.DefaultSchedulerConfig())
	retry := scheduler.NewRetryScheduler(store.Schedules(), policy, time.UTC)
	leads := leadsvc.NewService(leadsvc.Dependencies{
		Leads:     store.Leads(),
		Calls:     store.Calls(),
		Schedules: store.Schedules(),
		Incidents: store.Incidents(),
		Archive:   store.Reports(),
		Retry:     retry,
		Policy:    policy,
	}, leadsvc.Options{})

	set := NewHandlerSet(Dependencies{
		Leads:  leads,
		Ingest: ingest.NewService(store.Leads(), retry, nil),
		Checks: checks,
	})
	app := fiber.New(fiber.Config{ErrorHandler: set.ErrorHandler})
	set.Register(app)
	return &testAPI{app: app, store: store}
}

func (a *testAPI) seed(t *testing.T, phone string) *domain.Lead {
	t.Helper()
	l := &domain.Lead{SourceBatch: "batch-1", GivenName: "Ana", PrimaryPhone: phone}
	require.NoError(t, a.store.Leads().Insert(context.Background(), l))
	return l
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(t, req)
}

func (a *testAPI) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestGetLead(t *testing.T) {
	api := newTestAPI(t, nil)
	l := api.seed(t, "612345678")

	code, body := api.do(t, http.MethodGet, "/api/v1/leads/1", "")
	require.Equal(t, http.StatusOK, code)
	lead := body["lead"].(map[string]any)
	assert.Equal(t, float64(l.ID), lead["id"])
	assert.Equal(t, "Open", lead["status_level_1"])
	assert.Equal(t, "open", lead["lead_status"])

	code, _ = api.do(t, http.MethodGet, "/api/v1/leads/9999", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = api.do(t, http.MethodGet, "/api/v1/leads/abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid lead id", body["error"])
}

func TestForceCloseAndReopen(t *testing.T) {
	api := newTestAPI(t, nil)
	api.seed(t, "612345678")
	api.seed(t, "612345679")

	code, body := api.do(t, http.MethodPost, "/api/v1/leads/1/force-close", `{"reason":"no colabora"}`)
	require.Equal(t, http.StatusOK, code)
	lead := body["lead"].(map[string]any)
	assert.Equal(t, "closed", lead["lead_status"])
	assert.Equal(t, string(domain.ClosureUncooperative), lead["closure_reason"])

	code, _ = api.do(t, http.MethodPost, "/api/v1/leads/1/force-close", `{"reason":"no colabora"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, body = api.do(t, http.MethodPost, "/api/v1/leads/1/reopen", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "open", body["lead"].(map[string]any)["lead_status"])

	code, _ = api.do(t, http.MethodPost, "/api/v1/leads/2/force-close", `{"reason":"No útil"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = api.do(t, http.MethodPost, "/api/v1/leads/2/reopen", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = api.do(t, http.MethodPost, "/api/v1/leads/2/force-close", `{"reason":"whatever"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "unknown closure reason", body["error"])
}

func TestManualAppointment(t *testing.T) {
	api := newTestAPI(t, nil)
	api.seed(t, "612345678")

	code, body := api.do(t, http.MethodPost, "/api/v1/leads/1/manual-appointment", `{"date":"2025-02-03","with_pack":true}`)
	require.Equal(t, http.StatusOK, code)
	lead := body["lead"].(map[string]any)
	assert.Equal(t, string(domain.Level1Appointment), lead["status_level_1"])
	assert.Equal(t, string(domain.Level2ManualAppointment), lead["status_level_2"])
	assert.Equal(t, "2025-02-03", lead["earliest_date"])
	assert.Nil(t, body["booking_intent_id"])

	code, _ = api.do(t, http.MethodPost, "/api/v1/leads/1/manual-appointment", `{"date":"2025-02-03"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = api.do(t, http.MethodPost, "/api/v1/leads/1/manual-appointment", `{"date":"03/02/2025"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestScheduleCall(t *testing.T) {
	api := newTestAPI(t, nil)
	api.seed(t, "612345678")

	code, body := api.do(t, http.MethodPost, "/api/v1/leads/1/schedule", `{"at":"2030-01-07T12:00:00Z"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, float64(1), body["attempt_number"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "2030-01-07T12:00:00Z", body["scheduled_at"])

	code, body = api.do(t, http.MethodGet, "/api/v1/leads/1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["schedules"], 1)
}

func TestReconcileAttemptsAndListings(t *testing.T) {
	api := newTestAPI(t, nil)
	api.seed(t, "612345678")

	code, body := api.do(t, http.MethodPost, "/api/v1/leads/1/reconcile-attempts", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["before"])
	assert.Equal(t, float64(0), body["after"])

	code, body = api.do(t, http.MethodGet, "/api/v1/leads/orphans", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["orphans"])

	require.NoError(t, api.store.Incidents().Record(context.Background(),
		domain.NewIncident(1, domain.IncidentInvariantViolation, "bad pair", time.Now().UTC())))
	code, body = api.do(t, http.MethodGet, "/api/v1/incidents?limit=10", "")
	require.Equal(t, http.StatusOK, code)
	incidents := body["incidents"].([]any)
	require.Len(t, incidents, 1)
	assert.Equal(t, string(domain.IncidentInvariantViolation), incidents[0].(map[string]any)["kind"])

	code, body = api.do(t, http.MethodGet, "/api/v1/leads/1/reports", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["reports"])
}

func TestImportWorkbook(t *testing.T) {
	api := newTestAPI(t, nil)

	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	require.NoError(t, book.SetSheetRow(sheet, "A1", &[]any{"Nombre", "Apellidos", "Teléfono"}))
	require.NoError(t, book.SetSheetRow(sheet, "A2", &[]any{"Ana", "García", "612 345 678"}))
	require.NoError(t, book.SetSheetRow(sheet, "A3", &[]any{"Luis", "Pérez", "12"}))
	xlsx, err := book.WriteToBuffer()
	require.NoError(t, err)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("batch", "2025-01"))
	part, err := form.CreateFormFile("file", "leads.xlsx")
	require.NoError(t, err)
	_, err = part.Write(xlsx.Bytes())
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	code, body := api.send(t, req)
	require.Equal(t, http.StatusCreated, code)
	assert.Len(t, body["imported"], 1)
	assert.Len(t, body["rejected"], 1)

	code, _ = api.do(t, http.MethodPost, "/api/v1/imports", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	code, body := api.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	degraded := newTestAPI(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	code, body = degraded.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["errors"].(map[string]any)["redis"])
}
