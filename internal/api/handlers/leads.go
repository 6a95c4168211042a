package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/service/ingest"
	leadsvc "github.com/acme/dental-outreach/internal/service/lead"
)

type leadResponse struct {
	ID                   int64                `json:"id"`
	SourceBatch          string               `json:"source_batch"`
	GivenName            string               `json:"given_name"`
	FamilyName           string               `json:"family_name"`
	PrimaryPhone         string               `json:"primary_phone"`
	SecondaryPhone       string               `json:"secondary_phone,omitempty"`
	ClinicAreaID         string               `json:"clinic_area_id,omitempty"`
	StatusLevel1         domain.StatusLevel1  `json:"status_level_1"`
	StatusLevel2         domain.StatusLevel2  `json:"status_level_2,omitempty"`
	LeadStatus           domain.LeadStatus    `json:"lead_status"`
	ClosureReason        domain.ClosureReason `json:"closure_reason,omitempty"`
	CallAttemptsCount    int                  `json:"call_attempts_count"`
	PlatformFailureCount int                  `json:"platform_failure_count"`
	EarliestDate         string               `json:"earliest_date,omitempty"`
	PreferredTimeOfDay   domain.TimeOfDay     `json:"preferred_time_of_day,omitempty"`
	SelectedForCalling   bool                 `json:"selected_for_calling"`
	LastCallAttempt      *time.Time           `json:"last_call_attempt,omitempty"`
	Version              int64                `json:"version"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

type callResponse struct {
	CallID          string                  `json:"call_id"`
	PhoneCalled     string                  `json:"phone_called"`
	DispatchedAt    time.Time               `json:"dispatched_at"`
	Status          domain.CallRecordStatus `json:"status"`
	DurationSeconds *int                    `json:"duration_seconds,omitempty"`
	RawOutcome      *int                    `json:"raw_outcome,omitempty"`
	CollectedInfo   map[string]any          `json:"collected_info,omitempty"`
	RecordingURL    string                  `json:"recording_url,omitempty"`
	Note            string                  `json:"note,omitempty"`
}

type scheduleResponse struct {
	ID            int64                 `json:"id"`
	ScheduledAt   time.Time             `json:"scheduled_at"`
	AttemptNumber int                   `json:"attempt_number"`
	Status        domain.ScheduleStatus `json:"status"`
	LastOutcome   string                `json:"last_outcome,omitempty"`
}

type leadDetailResponse struct {
	Lead      leadResponse       `json:"lead"`
	Calls     []callResponse     `json:"calls"`
	Schedules []scheduleResponse `json:"schedules"`
}

type transitionResponse struct {
	Lead            leadResponse      `json:"lead"`
	Schedule        *scheduleResponse `json:"schedule,omitempty"`
	BookingIntentID string            `json:"booking_intent_id,omitempty"`
}

type forceCloseRequest struct {
	Reason string `json:"reason"`
}

type manualAppointmentRequest struct {
	Date     string `json:"date"`
	WithPack bool   `json:"with_pack"`
}

type scheduleRequest struct {
	At *time.Time `json:"at"`
}

type reconcileResponse struct {
	Before int `json:"before"`
	After  int `json:"after"`
}

type orphanResponse struct {
	LeadID       int64     `json:"lead_id"`
	PrimaryPhone string    `json:"primary_phone"`
	SourceBatch  string    `json:"source_batch"`
	CallID       string    `json:"call_id"`
	DispatchedAt time.Time `json:"dispatched_at"`
	Note         string    `json:"note,omitempty"`
}

type incidentResponse struct {
	ID        string              `json:"id"`
	LeadID    int64               `json:"lead_id"`
	Kind      domain.IncidentKind `json:"kind"`
	Detail    string              `json:"detail"`
	CreatedAt time.Time           `json:"created_at"`
}

type reportResponse struct {
	CallID          string         `json:"call_id"`
	Status          string         `json:"status"`
	DurationSeconds int            `json:"duration_seconds"`
	OutcomeCode     int            `json:"outcome_code"`
	CollectedInfo   map[string]any `json:"collected_info,omitempty"`
	RecordingURL    string         `json:"recording_url,omitempty"`
}

type rejectionResponse struct {
	Line   int    `json:"line"`
	Phone  string `json:"phone"`
	Reason string `json:"reason"`
}

type importResponse struct {
	Imported []int64             `json:"imported"`
	Rejected []rejectionResponse `json:"rejected"`
}

func (h *HandlerSet) getLead(ctx *fiber.Ctx) error {
	id, err := leadID(ctx)
	if err != nil {
		return err
	}

	detail, err := h.leads.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toDetailResponse(detail))
}

func (h *HandlerSet) listReports(ctx *fiber.Ctx) error {
	id, err := leadID(ctx)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "20"))

	reports, err := h.leads.Reports(ctx.Context(), id, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]reportResponse, 0, len(reports))
	for _, r := range reports {
		resp = append(resp, reportResponse{
			CallID:          r.CallID,
			Status:          r.Status,
			DurationSeconds: r.DurationSeconds,
			OutcomeCode:     r.OutcomeCode,
			CollectedInfo:   r.CollectedInfo,
			RecordingURL:    r.RecordingURL,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"reports": resp})
}

func (h *HandlerSet) forceClose(ctx *fiber.Ctx) error {
	id, err := leadID(ctx)
	if err != nil {
		return err
	}

	var req forceCloseRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	reason, ok := domain.CanonicalClosureReason(req.Reason)
	if !ok {
		return fiber.NewError(http.StatusBadRequest, "unknown closure reason")
	}

	result, err := h.leads.ForceClose(ctx.Context(), id, reason)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toTransitionResponse(result))
}

func (h *HandlerSet) reopen(ctx *fiber.Ctx) error {
	id, err := leadID(ctx)
	if err != nil {
		return err
	}

	result, err := h.leads.Reopen(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toTransitionResponse(result))
}

func (h *HandlerSet) manualAppointment(ctx *fiber.Ctx) error {
	id, err := leadID(ctx)
	if err != nil {
		return err
	}

	var req manualAppointmentRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	date, err := time.ParseInLocation(domain.DateLayout, req.Date, h.location)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}

	result, err := h.leads.ManualAppointment(ctx.Context(), id, date, req.WithPack)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toTransitionResponse(result))
}

func (h *HandlerSet) scheduleCall(ctx *fiber.Ctx) error {
	id, err := leadID(ctx)
	if err != nil {
		return err
	}

	var req scheduleRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}

	entry, err := h.leads.ScheduleCall(ctx.Context(), id, at)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toScheduleResponse(entry))
}

func (h *HandlerSet) reconcileAttempts(ctx *fiber.Ctx) error {
	id, err := leadID(ctx)
	if err != nil {
		return err
	}

	before, after, err := h.leads.ReconcileAttempts(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(reconcileResponse{Before: before, After: after})
}

func (h *HandlerSet) listOrphans(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))

	orphans, err := h.leads.Orphans(ctx.Context(), limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]orphanResponse, 0, len(orphans))
	for _, o := range orphans {
		resp = append(resp, orphanResponse(o))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"orphans": resp})
}

func (h *HandlerSet) listIncidents(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))

	incidents, err := h.leads.Incidents(ctx.Context(), limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]incidentResponse, 0, len(incidents))
	for _, i := range incidents {
		resp = append(resp, incidentResponse{
			ID:        i.ID.String(),
			LeadID:    i.LeadID,
			Kind:      i.Kind,
			Detail:    i.Detail,
			CreatedAt: i.CreatedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"incidents": resp})
}

func (h *HandlerSet) importWorkbook(ctx *fiber.Ctx) error {
	header, err := ctx.FormFile("file")
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	file, err := header.Open()
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "cannot read uploaded file")
	}
	defer file.Close()

	rows, err := ingest.ReadWorkbook(file, ctx.FormValue("batch"))
	if err != nil {
		return translateError(err)
	}

	report, err := h.ingest.Import(ctx.Context(), rows)
	if err != nil {
		return translateError(err)
	}

	resp := importResponse{Imported: report.Imported, Rejected: make([]rejectionResponse, 0, len(report.Rejected))}
	if resp.Imported == nil {
		resp.Imported = []int64{}
	}
	for _, r := range report.Rejected {
		resp.Rejected = append(resp.Rejected, rejectionResponse(r))
	}
	return ctx.Status(http.StatusCreated).JSON(resp)
}

func leadID(ctx *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(ctx.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "invalid lead id")
	}
	return id, nil
}

func toLeadResponse(l *domain.Lead) leadResponse {
	resp := leadResponse{
		ID:                   l.ID,
		SourceBatch:          l.SourceBatch,
		GivenName:            l.GivenName,
		FamilyName:           l.FamilyName,
		PrimaryPhone:         l.PrimaryPhone,
		SecondaryPhone:       l.SecondaryPhone,
		ClinicAreaID:         l.ClinicAreaID,
		StatusLevel1:         l.StatusLevel1,
		StatusLevel2:         l.StatusLevel2,
		LeadStatus:           l.LeadStatus,
		ClosureReason:        l.ClosureReason,
		CallAttemptsCount:    l.CallAttemptsCount,
		PlatformFailureCount: l.PlatformFailureCount,
		PreferredTimeOfDay:   l.PreferredTimeOfDay,
		SelectedForCalling:   l.SelectedForCalling,
		LastCallAttempt:      l.LastCallAttempt,
		Version:              l.Version,
		UpdatedAt:            l.UpdatedAt,
	}
	if l.EarliestDate != nil {
		resp.EarliestDate = l.EarliestDate.Format(domain.DateLayout)
	}
	return resp
}

func toScheduleResponse(e *domain.ScheduleEntry) scheduleResponse {
	return scheduleResponse{
		ID:            e.ID,
		ScheduledAt:   e.ScheduledAt,
		AttemptNumber: e.AttemptNumber,
		Status:        e.Status,
		LastOutcome:   e.LastOutcome,
	}
}

func toDetailResponse(d *leadsvc.Detail) leadDetailResponse {
	resp := leadDetailResponse{
		Lead:      toLeadResponse(d.Lead),
		Calls:     make([]callResponse, 0, len(d.Calls)),
		Schedules: make([]scheduleResponse, 0, len(d.Schedules)),
	}
	for _, c := range d.Calls {
		resp.Calls = append(resp.Calls, callResponse{
			CallID:          c.CallID,
			PhoneCalled:     c.PhoneCalled,
			DispatchedAt:    c.DispatchedAt,
			Status:          c.Status,
			DurationSeconds: c.DurationSeconds,
			RawOutcome:      c.RawOutcome,
			CollectedInfo:   c.CollectedInfo,
			RecordingURL:    c.RecordingURL,
			Note:            c.Note,
		})
	}
	for _, e := range d.Schedules {
		resp.Schedules = append(resp.Schedules, toScheduleResponse(e))
	}
	return resp
}

func toTransitionResponse(r *leadsvc.Result) transitionResponse {
	resp := transitionResponse{Lead: toLeadResponse(r.Lead)}
	if r.Schedule != nil {
		s := toScheduleResponse(r.Schedule)
		resp.Schedule = &s
	}
	if r.BookingIntent != nil {
		resp.BookingIntentID = r.BookingIntent.ID.String()
	}
	return resp
}
