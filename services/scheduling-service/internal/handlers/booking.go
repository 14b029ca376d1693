package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/drmauij/viali/services/scheduling-service/internal/engine"
	"github.com/drmauij/viali/services/scheduling-service/internal/model"
	"github.com/drmauij/viali/services/scheduling-service/internal/outbox"
	"github.com/drmauij/viali/services/scheduling-service/internal/recurrence"
	"github.com/drmauij/viali/services/scheduling-service/internal/slotcache"
	"github.com/drmauij/viali/services/scheduling-service/internal/storage"
)

type BookingHandler struct {
	repo       *storage.Repository
	outboxRepo *outbox.Repository
	cache      *slotcache.Cache
	logger     *slog.Logger
}

func NewBookingHandler(repo *storage.Repository, outboxRepo *outbox.Repository, cache *slotcache.Cache, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{
		repo:       repo,
		outboxRepo: outboxRepo,
		cache:      cache,
		logger:     logger,
	}
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type bookRequest struct {
	HospitalID string `json:"hospital_id"`
	ProviderID string `json:"provider_id"`
	PatientID  string `json:"patient_id"`
	Kind       string `json:"kind"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
}

type bookResponse struct {
	CommitmentID string `json:"commitment_id"`
}

type rescheduleRequest struct {
	HospitalID   string `json:"hospital_id"`
	CommitmentID string `json:"commitment_id"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
}

type cancelRequest struct {
	HospitalID   string `json:"hospital_id"`
	CommitmentID string `json:"commitment_id"`
	Reason       string `json:"reason"`
}

type cancelResponse struct {
	CommitmentID string `json:"commitment_id"`
	Status       string `json:"status"`
	CancelledAt  string `json:"cancelled_at"`
}

type rejectionResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeRejection(w http.ResponseWriter, rej *engine.Rejection) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(rejectionResponse{Code: string(rej.Code), Message: rej.Message})
}

// Slots returns the bookable intervals for one provider and civil date.
func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hospitalID := strings.TrimSpace(r.URL.Query().Get("hospital_id"))
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	rawDate := strings.TrimSpace(r.URL.Query().Get("date"))
	if hospitalID == "" || providerID == "" || rawDate == "" {
		http.Error(w, "hospital_id, provider_id and date required", http.StatusBadRequest)
		return
	}
	date, err := time.Parse("2006-01-02", rawDate)
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	granularity := engine.DefaultGranularity
	if raw := strings.TrimSpace(r.URL.Query().Get("granularity_minutes")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 240 {
			granularity = time.Duration(n) * time.Minute
		}
	}

	ctx := r.Context()

	intervals, ok := h.cachedSlots(hospitalID, providerID, date, granularity)
	if !ok {
		intervals, err = h.resolveDay(ctx, hospitalID, providerID, date, granularity, nil)
		if err != nil {
			if storage.IsNotFound(err) {
				http.Error(w, "provider not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to resolve availability", http.StatusInternalServerError)
			return
		}
		if granularity == engine.DefaultGranularity && h.cache != nil {
			h.cache.Put(hospitalID, providerID, date, intervals)
		}
	}

	items := make([]slotItem, 0, len(intervals))
	for _, iv := range intervals {
		items = append(items, slotItem{
			StartTime: iv.Start.Format(time.RFC3339),
			EndTime:   iv.End.Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"date": rawDate, "slots": items})
}

func (h *BookingHandler) cachedSlots(hospitalID, providerID string, date time.Time, granularity time.Duration) ([]engine.Interval, bool) {
	// Only the default grid is cached; custom granularities are rare.
	if h.cache == nil || granularity != engine.DefaultGranularity {
		return nil, false
	}
	return h.cache.Get(hospitalID, providerID, date)
}

// resolveDay loads the constraint datasets and runs the resolver. q defaults
// to the pool; the booking path passes its open transaction.
func (h *BookingHandler) resolveDay(ctx context.Context, hospitalID, providerID string, date time.Time, granularity time.Duration, q storage.Querier) ([]engine.Interval, error) {
	src, loc, err := h.loadDay(ctx, hospitalID, providerID, date, q)
	if err != nil {
		return nil, err
	}
	return engine.Resolve(loc, date, granularity, src), nil
}

// loadDay loads the datasets for a bare civil date (the Slots path).
func (h *BookingHandler) loadDay(ctx context.Context, hospitalID, providerID string, date time.Time, q storage.Querier) (engine.Sources, *time.Location, error) {
	provider, err := h.repo.GetProvider(ctx, hospitalID, providerID)
	if err != nil {
		return engine.Sources{}, nil, err
	}
	loc, err := h.repo.Location(ctx, hospitalID)
	if err != nil {
		return engine.Sources{}, nil, err
	}
	return h.loadSources(ctx, hospitalID, provider, loc, recurrence.Civil(date), q)
}

// loadDayAt is loadDay for an absolute instant: the civil day is derived in
// the hospital's location, so a booking near local midnight resolves against
// the hospital-local date rather than the instant's own calendar date.
func (h *BookingHandler) loadDayAt(ctx context.Context, hospitalID, providerID string, at time.Time, q storage.Querier) (engine.Sources, *time.Location, error) {
	provider, err := h.repo.GetProvider(ctx, hospitalID, providerID)
	if err != nil {
		return engine.Sources{}, nil, err
	}
	loc, err := h.repo.Location(ctx, hospitalID)
	if err != nil {
		return engine.Sources{}, nil, err
	}
	return h.loadSources(ctx, hospitalID, provider, loc, hospitalDay(at, loc), q)
}

func (h *BookingHandler) loadSources(ctx context.Context, hospitalID string, provider model.Provider, loc *time.Location, day time.Time, q storage.Querier) (engine.Sources, *time.Location, error) {
	if q == nil {
		q = h.repo.Pool()
	}
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	src, err := storage.DaySources(ctx, q, hospitalID, provider, day, dayStart, dayEnd)
	if err != nil {
		return engine.Sources{}, nil, err
	}
	return src, loc, nil
}

// hospitalDay is the civil date of an instant as seen by the hospital.
func hospitalDay(at time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return recurrence.Civil(at.In(loc))
}

// Book creates a commitment. The requested range is validated against a
// fresh resolve inside the write transaction, so the conflict read happens
// under the same snapshot as the insert; the commitments overlap constraint
// is the backstop for two racing transactions.
func (h *BookingHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.HospitalID = strings.TrimSpace(req.HospitalID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.HospitalID == "" || req.ProviderID == "" || req.PatientID == "" {
		http.Error(w, "hospital_id, provider_id and patient_id required", http.StatusBadRequest)
		return
	}

	kind := model.CommitmentKind(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = model.KindAppointment
	}
	if kind != model.KindAppointment && kind != model.KindProcedure {
		http.Error(w, "invalid kind", http.StatusBadRequest)
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	endTime, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}
	if !endTime.After(startTime) {
		http.Error(w, "end_time must be after start_time", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey != "" {
		rec, exists, err := h.repo.LockIdempotencyKey(ctx, tx, req.HospitalID, idempotencyKey)
		if err != nil {
			http.Error(w, "failed to lock idempotency key", http.StatusInternalServerError)
			return
		}
		if exists && rec.StatusCode > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			if len(rec.ResponsePayload) > 0 {
				_, _ = w.Write(rec.ResponsePayload)
				return
			}
			_ = json.NewEncoder(w).Encode(bookResponse{CommitmentID: rec.CommitmentID})
			return
		}
	}

	src, loc, err := h.loadDayAt(ctx, req.HospitalID, req.ProviderID, startTime, tx)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "provider not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load availability", http.StatusInternalServerError)
		return
	}

	if rej := engine.Validate(loc, engine.DefaultGranularity, src, startTime, endTime, ""); rej != nil {
		if idempotencyKey != "" {
			if h.finalizeRejection(ctx, tx, req.HospitalID, idempotencyKey, rej) {
				_ = tx.Commit(ctx)
				writeRejection(w, rej)
				return
			}
		}
		writeRejection(w, rej)
		return
	}

	commitment := &model.Commitment{
		HospitalID: req.HospitalID,
		ProviderID: req.ProviderID,
		PatientID:  req.PatientID,
		Kind:       kind,
		StartTime:  startTime,
		EndTime:    endTime,
		Status:     model.StatusBooked,
	}
	id, err := h.repo.CreateCommitment(ctx, tx, commitment)
	if err != nil {
		if storage.IsConflict(err) {
			http.Error(w, "time slot already booked", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create commitment", http.StatusInternalServerError)
		return
	}
	commitment.ID = id

	evt, err := outbox.CommitmentEvent(outbox.EventCommitmentBooked, *commitment, time.Now().UTC())
	if err != nil {
		http.Error(w, "failed to build event payload", http.StatusInternalServerError)
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, evt); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}

	respBody, err := json.Marshal(bookResponse{CommitmentID: id})
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	if idempotencyKey != "" {
		if err := h.repo.FinalizeIdempotency(ctx, tx, req.HospitalID, idempotencyKey, id, http.StatusCreated, respBody); err != nil {
			http.Error(w, "failed to finalize idempotency key", http.StatusInternalServerError)
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	h.invalidateDay(req.HospitalID, req.ProviderID, startTime, loc)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(respBody)
}

// Reschedule moves an existing commitment, excluding it from its own
// conflict check so it may overlap the slot it is vacating.
func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.HospitalID = strings.TrimSpace(req.HospitalID)
	req.CommitmentID = strings.TrimSpace(req.CommitmentID)
	if req.HospitalID == "" || req.CommitmentID == "" {
		http.Error(w, "hospital_id and commitment_id required", http.StatusBadRequest)
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	endTime, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}
	if !endTime.After(startTime) {
		http.Error(w, "end_time must be after start_time", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := h.repo.GetCommitmentForUpdate(ctx, tx, req.HospitalID, req.CommitmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "commitment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load commitment", http.StatusInternalServerError)
		return
	}
	if existing.Status != model.StatusBooked {
		http.Error(w, "commitment cannot be rescheduled", http.StatusConflict)
		return
	}

	src, loc, err := h.loadDayAt(ctx, req.HospitalID, existing.ProviderID, startTime, tx)
	if err != nil {
		http.Error(w, "failed to load availability", http.StatusInternalServerError)
		return
	}
	if rej := engine.Validate(loc, engine.DefaultGranularity, src, startTime, endTime, existing.ID); rej != nil {
		writeRejection(w, rej)
		return
	}

	if err := h.repo.RescheduleCommitment(ctx, tx, req.HospitalID, existing.ID, startTime, endTime); err != nil {
		if storage.IsConflict(err) {
			http.Error(w, "time slot already booked", http.StatusConflict)
			return
		}
		http.Error(w, "failed to reschedule commitment", http.StatusInternalServerError)
		return
	}

	moved := existing
	moved.StartTime = startTime
	moved.EndTime = endTime
	evt, err := outbox.CommitmentEvent(outbox.EventCommitmentRescheduled, moved, time.Now().UTC())
	if err != nil {
		http.Error(w, "failed to build event payload", http.StatusInternalServerError)
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, evt); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	h.invalidateDay(req.HospitalID, existing.ProviderID, existing.StartTime, loc)
	h.invalidateDay(req.HospitalID, existing.ProviderID, startTime, loc)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"commitment_id": existing.ID,
		"start_time":    startTime.Format(time.RFC3339),
		"end_time":      endTime.Format(time.RFC3339),
	})
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.HospitalID = strings.TrimSpace(req.HospitalID)
	req.CommitmentID = strings.TrimSpace(req.CommitmentID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.HospitalID == "" || req.CommitmentID == "" {
		http.Error(w, "hospital_id and commitment_id required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := h.repo.GetCommitmentForUpdate(ctx, tx, req.HospitalID, req.CommitmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "commitment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load commitment", http.StatusInternalServerError)
		return
	}

	// Cancelling twice replays the original outcome.
	if existing.Status == model.StatusCancelled && existing.CancelledAt != nil {
		h.writeCancelResponse(w, existing.ID, existing.CancelledAt.UTC())
		return
	}
	if existing.Status != model.StatusBooked {
		http.Error(w, "commitment cannot be cancelled", http.StatusConflict)
		return
	}

	cancelledAt, err := h.repo.CancelCommitment(ctx, tx, req.HospitalID, existing.ID, req.Reason)
	if err != nil {
		http.Error(w, "failed to cancel commitment", http.StatusInternalServerError)
		return
	}

	cancelled := existing
	cancelled.Status = model.StatusCancelled
	cancelled.CancelReason = req.Reason
	evt, err := outbox.CommitmentEvent(outbox.EventCommitmentCancelled, cancelled, cancelledAt.UTC())
	if err != nil {
		http.Error(w, "failed to build event payload", http.StatusInternalServerError)
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, evt); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	if loc, err := h.repo.Location(ctx, req.HospitalID); err == nil {
		h.invalidateDay(req.HospitalID, existing.ProviderID, existing.StartTime, loc)
	}
	h.writeCancelResponse(w, existing.ID, cancelledAt.UTC())
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hospitalID := strings.TrimSpace(r.URL.Query().Get("hospital_id"))
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if hospitalID == "" || providerID == "" {
		http.Error(w, "hospital_id and provider_id required", http.StatusBadRequest)
		return
	}

	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	commitments, err := h.repo.ListCommitments(r.Context(), hospitalID, providerID, from, to)
	if err != nil {
		http.Error(w, "failed to list commitments", http.StatusInternalServerError)
		return
	}

	type item struct {
		CommitmentID string `json:"commitment_id"`
		PatientID    string `json:"patient_id"`
		Kind         string `json:"kind"`
		StartTime    string `json:"start_time"`
		EndTime      string `json:"end_time"`
		Status       string `json:"status"`
		CancelledAt  string `json:"cancelled_at,omitempty"`
	}
	items := make([]item, 0, len(commitments))
	for _, c := range commitments {
		it := item{
			CommitmentID: c.ID,
			PatientID:    c.PatientID,
			Kind:         string(c.Kind),
			StartTime:    c.StartTime.Format(time.RFC3339),
			EndTime:      c.EndTime.Format(time.RFC3339),
			Status:       string(c.Status),
		}
		if c.CancelledAt != nil {
			it.CancelledAt = c.CancelledAt.UTC().Format(time.RFC3339)
		}
		items = append(items, it)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"commitments": items})
}

var (
	errInvalidFrom = errors.New("invalid from date")
	errInvalidTo   = errors.New("invalid to date")
)

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now.AddDate(0, 0, 30)

	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, errInvalidFrom
		}
		from = t
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, errInvalidTo
		}
		to = t.AddDate(0, 0, 1)
	}
	return from, to, nil
}

// finalizeRejection stores a validation rejection under the idempotency key
// so retries replay the same outcome instead of re-running validation.
func (h *BookingHandler) finalizeRejection(ctx context.Context, tx pgx.Tx, hospitalID, key string, rej *engine.Rejection) bool {
	body, err := json.Marshal(rejectionResponse{Code: string(rej.Code), Message: rej.Message})
	if err != nil {
		return false
	}
	if err := h.repo.FinalizeIdempotency(ctx, tx, hospitalID, key, "", http.StatusUnprocessableEntity, body); err != nil {
		h.logger.Warn("failed to finalize idempotency rejection", "err", err)
		return false
	}
	return true
}

func (h *BookingHandler) invalidateDay(hospitalID, providerID string, at time.Time, loc *time.Location) {
	if h.cache == nil {
		return
	}
	h.cache.InvalidateDay(hospitalID, providerID, hospitalDay(at, loc))
}

func (h *BookingHandler) writeCancelResponse(w http.ResponseWriter, commitmentID string, cancelledAt time.Time) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cancelResponse{
		CommitmentID: commitmentID,
		Status:       string(model.StatusCancelled),
		CancelledAt:  cancelledAt.Format(time.RFC3339),
	})
}
