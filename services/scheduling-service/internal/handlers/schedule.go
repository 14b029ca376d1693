package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/drmauij/viali/services/scheduling-service/internal/model"
	"github.com/drmauij/viali/services/scheduling-service/internal/slotcache"
	"github.com/drmauij/viali/services/scheduling-service/internal/storage"
)

// ScheduleHandler owns the staff CRUD surface for providers and their
// constraint sources. Every write invalidates the affected slot cache
// entries.
type ScheduleHandler struct {
	repo   *storage.Repository
	cache  *slotcache.Cache
	logger *slog.Logger
}

func NewScheduleHandler(repo *storage.Repository, cache *slotcache.Cache, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{repo: repo, cache: cache, logger: logger}
}

type createProviderRequest struct {
	HospitalID string `json:"hospital_id"`
	Name       string `json:"name"`
	Mode       string `json:"mode"`
}

func (h *ScheduleHandler) Providers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listProviders(w, r)
	case http.MethodPost:
		h.createProvider(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScheduleHandler) createProvider(w http.ResponseWriter, r *http.Request) {
	var req createProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.HospitalID = strings.TrimSpace(req.HospitalID)
	req.Name = strings.TrimSpace(req.Name)
	mode := model.OperatingMode(strings.TrimSpace(req.Mode))
	if req.HospitalID == "" || req.Name == "" {
		http.Error(w, "hospital_id and name required", http.StatusBadRequest)
		return
	}
	// Mode is fixed at registration; there is deliberately no update path.
	if !mode.Valid() {
		http.Error(w, "mode must be always_available or windows_required", http.StatusBadRequest)
		return
	}

	id, err := h.repo.CreateProvider(r.Context(), req.HospitalID, req.Name, mode)
	if err != nil {
		http.Error(w, "failed to create provider", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"provider_id": id})
}

func (h *ScheduleHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	hospitalID := strings.TrimSpace(r.URL.Query().Get("hospital_id"))
	if hospitalID == "" {
		http.Error(w, "hospital_id required", http.StatusBadRequest)
		return
	}
	providers, err := h.repo.ListProviders(r.Context(), hospitalID, 0)
	if err != nil {
		http.Error(w, "failed to list providers", http.StatusInternalServerError)
		return
	}

	type item struct {
		ProviderID string `json:"provider_id"`
		Name       string `json:"name"`
		Mode       string `json:"mode"`
	}
	items := make([]item, 0, len(providers))
	for _, p := range providers {
		items = append(items, item{ProviderID: p.ID, Name: p.Name, Mode: string(p.Mode)})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"providers": items})
}

type weeklyEntryRequest struct {
	HospitalID  string `json:"hospital_id"`
	ProviderID  string `json:"provider_id"`
	EntryID     string `json:"entry_id,omitempty"`
	Weekday     int    `json:"weekday"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Active      bool   `json:"active"`
}

func (h *ScheduleHandler) WeeklySchedule(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listWeekly(w, r)
	case http.MethodPost:
		h.upsertWeekly(w, r)
	case http.MethodDelete:
		h.deleteWeekly(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScheduleHandler) upsertWeekly(w http.ResponseWriter, r *http.Request) {
	var req weeklyEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.HospitalID = strings.TrimSpace(req.HospitalID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if req.HospitalID == "" || req.ProviderID == "" {
		http.Error(w, "hospital_id and provider_id required", http.StatusBadRequest)
		return
	}
	if req.Weekday < 0 || req.Weekday > 6 {
		http.Error(w, "weekday must be 0-6", http.StatusBadRequest)
		return
	}
	if !validMinuteRange(req.StartMinute, req.EndMinute) {
		http.Error(w, "invalid minute range", http.StatusBadRequest)
		return
	}

	entry := model.WeeklyScheduleEntry{
		ID:          strings.TrimSpace(req.EntryID),
		HospitalID:  req.HospitalID,
		ProviderID:  req.ProviderID,
		Weekday:     req.Weekday,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
		Active:      req.Active,
	}

	ctx := r.Context()
	if entry.ID == "" {
		id, err := h.repo.CreateWeeklyEntry(ctx, entry)
		if err != nil {
			http.Error(w, "failed to create schedule entry", http.StatusInternalServerError)
			return
		}
		h.invalidateProvider(req.HospitalID, req.ProviderID)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"entry_id": id})
		return
	}

	if err := h.repo.UpdateWeeklyEntry(ctx, entry); err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "schedule entry not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to update schedule entry", http.StatusInternalServerError)
		return
	}
	h.invalidateProvider(req.HospitalID, req.ProviderID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ScheduleHandler) listWeekly(w http.ResponseWriter, r *http.Request) {
	hospitalID := strings.TrimSpace(r.URL.Query().Get("hospital_id"))
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if hospitalID == "" || providerID == "" {
		http.Error(w, "hospital_id and provider_id required", http.StatusBadRequest)
		return
	}
	entries, err := h.repo.ListWeeklyEntries(r.Context(), hospitalID, providerID)
	if err != nil {
		http.Error(w, "failed to list schedule entries", http.StatusInternalServerError)
		return
	}

	items := make([]weeklyEntryRequest, 0, len(entries))
	for _, e := range entries {
		items = append(items, weeklyEntryRequest{
			EntryID:     e.ID,
			Weekday:     e.Weekday,
			StartMinute: e.StartMinute,
			EndMinute:   e.EndMinute,
			Active:      e.Active,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": items})
}

func (h *ScheduleHandler) deleteWeekly(w http.ResponseWriter, r *http.Request) {
	hospitalID := strings.TrimSpace(r.URL.Query().Get("hospital_id"))
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	entryID := strings.TrimSpace(r.URL.Query().Get("entry_id"))
	if hospitalID == "" || providerID == "" || entryID == "" {
		http.Error(w, "hospital_id, provider_id and entry_id required", http.StatusBadRequest)
		return
	}
	if err := h.repo.DeleteWeeklyEntry(r.Context(), hospitalID, providerID, entryID); err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "schedule entry not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete schedule entry", http.StatusInternalServerError)
		return
	}
	h.invalidateProvider(hospitalID, providerID)
	w.WriteHeader(http.StatusNoContent)
}

type windowRequest struct {
	HospitalID  string `json:"hospital_id"`
	ProviderID  string `json:"provider_id"`
	Date        string `json:"date"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	SlotMinutes int    `json:"slot_minutes"`
	Notes       string `json:"notes"`
}

func (h *ScheduleHandler) Windows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listWindows(w, r)
	case http.MethodPost:
		h.createWindow(w, r)
	case http.MethodDelete:
		h.deleteWindow(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScheduleHandler) createWindow(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.HospitalID = strings.TrimSpace(req.HospitalID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if req.HospitalID == "" || req.ProviderID == "" {
		http.Error(w, "hospital_id and provider_id required", http.StatusBadRequest)
		return
	}
	date, err := time.Parse("2006-01-02", strings.TrimSpace(req.Date))
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}
	if !validMinuteRange(req.StartMinute, req.EndMinute) {
		http.Error(w, "invalid minute range", http.StatusBadRequest)
		return
	}
	if req.SlotMinutes <= 0 {
		req.SlotMinutes = 15
	}

	id, err := h.repo.CreateWindow(r.Context(), model.AvailabilityWindow{
		HospitalID:  req.HospitalID,
		ProviderID:  req.ProviderID,
		Date:        date,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
		SlotMinutes: req.SlotMinutes,
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		http.Error(w, "failed to create window", http.StatusInternalServerError)
		return
	}
	if h.cache != nil {
		h.cache.InvalidateDay(req.HospitalID, req.ProviderID, date)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"window_id": id})
}

func (h *ScheduleHandler) listWindows(w http.ResponseWriter, r *http.Request) {
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

	windows, err := h.repo.ListWindows(r.Context(), hospitalID, providerID, from, to)
	if err != nil {
		http.Error(w, "failed to list windows", http.StatusInternalServerError)
		return
	}

	type item struct {
		WindowID    string `json:"window_id"`
		Date        string `json:"date"`
		StartMinute int    `json:"start_minute"`
		EndMinute   int    `json:"end_minute"`
		SlotMinutes int    `json:"slot_minutes"`
		Notes       string `json:"notes,omitempty"`
	}
	items := make([]item, 0, len(windows))
	for _, win := range windows {
		items = append(items, item{
			WindowID:    win.ID,
			Date:        win.Date.Format("2006-01-02"),
			StartMinute: win.StartMinute,
			EndMinute:   win.EndMinute,
			SlotMinutes: win.SlotMinutes,
			Notes:       win.Notes,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"windows": items})
}

func (h *ScheduleHandler) deleteWindow(w http.ResponseWriter, r *http.Request) {
	hospitalID := strings.TrimSpace(r.URL.Query().Get("hospital_id"))
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	windowID := strings.TrimSpace(r.URL.Query().Get("window_id"))
	if hospitalID == "" || providerID == "" || windowID == "" {
		http.Error(w, "hospital_id, provider_id and window_id required", http.StatusBadRequest)
		return
	}
	if err := h.repo.DeleteWindow(r.Context(), hospitalID, providerID, windowID); err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "window not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete window", http.StatusInternalServerError)
		return
	}
	h.invalidateProvider(hospitalID, providerID)
	w.WriteHeader(http.StatusNoContent)
}

type timeOffRequest struct {
	HospitalID        string `json:"hospital_id"`
	ProviderID        string `json:"provider_id"`
	StartDate         string `json:"start_date"`
	EndDate           string `json:"end_date"`
	StartMinute       *int   `json:"start_minute,omitempty"`
	EndMinute         *int   `json:"end_minute,omitempty"`
	Reason            string `json:"reason"`
	IsRecurring       bool   `json:"is_recurring"`
	Pattern           string `json:"pattern,omitempty"`
	DaysOfWeek        []int  `json:"days_of_week,omitempty"`
	RecurrenceEndDate string `json:"recurrence_end_date,omitempty"`
	RecurrenceCount   *int   `json:"recurrence_count,omitempty"`
}

func (h *ScheduleHandler) TimeOff(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listTimeOff(w, r)
	case http.MethodPost:
		h.createTimeOff(w, r)
	case http.MethodDelete:
		h.deleteTimeOff(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScheduleHandler) createTimeOff(w http.ResponseWriter, r *http.Request) {
	var req timeOffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.HospitalID = strings.TrimSpace(req.HospitalID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if req.HospitalID == "" || req.ProviderID == "" {
		http.Error(w, "hospital_id and provider_id required", http.StatusBadRequest)
		return
	}

	startDate, err := time.Parse("2006-01-02", strings.TrimSpace(req.StartDate))
	if err != nil {
		http.Error(w, "invalid start_date", http.StatusBadRequest)
		return
	}
	endDate := startDate
	if raw := strings.TrimSpace(req.EndDate); raw != "" {
		endDate, err = time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "invalid end_date", http.StatusBadRequest)
			return
		}
	}
	if endDate.Before(startDate) {
		http.Error(w, "end_date before start_date", http.StatusBadRequest)
		return
	}
	if (req.StartMinute == nil) != (req.EndMinute == nil) {
		http.Error(w, "start_minute and end_minute must be given together", http.StatusBadRequest)
		return
	}
	if req.StartMinute != nil && !validMinuteRange(*req.StartMinute, *req.EndMinute) {
		http.Error(w, "invalid minute range", http.StatusBadRequest)
		return
	}

	entry := model.TimeOff{
		HospitalID:      req.HospitalID,
		ProviderID:      req.ProviderID,
		StartDate:       startDate,
		EndDate:         endDate,
		StartMinute:     req.StartMinute,
		EndMinute:       req.EndMinute,
		Reason:          strings.TrimSpace(req.Reason),
		IsRecurring:     req.IsRecurring,
		DaysOfWeek:      req.DaysOfWeek,
		RecurrenceCount: req.RecurrenceCount,
	}
	if req.IsRecurring {
		pattern := model.RecurrencePattern(strings.TrimSpace(req.Pattern))
		switch pattern {
		case model.PatternDaily, model.PatternWeekly, model.PatternBiweekly, model.PatternMonthly:
		default:
			http.Error(w, "pattern must be daily, weekly, biweekly or monthly", http.StatusBadRequest)
			return
		}
		if req.RecurrenceCount != nil && *req.RecurrenceCount <= 0 {
			http.Error(w, "recurrence_count must be positive", http.StatusBadRequest)
			return
		}
		entry.Pattern = pattern
		if raw := strings.TrimSpace(req.RecurrenceEndDate); raw != "" {
			until, err := time.Parse("2006-01-02", raw)
			if err != nil {
				http.Error(w, "invalid recurrence_end_date", http.StatusBadRequest)
				return
			}
			entry.RecurrenceEndDate = &until
		}
	}

	id, err := h.repo.CreateTimeOff(r.Context(), entry)
	if err != nil {
		http.Error(w, "failed to create time off", http.StatusInternalServerError)
		return
	}
	h.invalidateProvider(req.HospitalID, req.ProviderID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"time_off_id": id})
}

func (h *ScheduleHandler) listTimeOff(w http.ResponseWriter, r *http.Request) {
	hospitalID := strings.TrimSpace(r.URL.Query().Get("hospital_id"))
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if hospitalID == "" || providerID == "" {
		http.Error(w, "hospital_id and provider_id required", http.StatusBadRequest)
		return
	}
	entries, err := h.repo.ListTimeOff(r.Context(), hospitalID, providerID)
	if err != nil {
		http.Error(w, "failed to list time off", http.StatusInternalServerError)
		return
	}

	type item struct {
		TimeOffID         string `json:"time_off_id"`
		StartDate         string `json:"start_date"`
		EndDate           string `json:"end_date"`
		StartMinute       *int   `json:"start_minute,omitempty"`
		EndMinute         *int   `json:"end_minute,omitempty"`
		Reason            string `json:"reason,omitempty"`
		IsRecurring       bool   `json:"is_recurring"`
		Pattern           string `json:"pattern,omitempty"`
		DaysOfWeek        []int  `json:"days_of_week,omitempty"`
		RecurrenceEndDate string `json:"recurrence_end_date,omitempty"`
		RecurrenceCount   *int   `json:"recurrence_count,omitempty"`
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		it := item{
			TimeOffID:       e.ID,
			StartDate:       e.StartDate.Format("2006-01-02"),
			EndDate:         e.EndDate.Format("2006-01-02"),
			StartMinute:     e.StartMinute,
			EndMinute:       e.EndMinute,
			Reason:          e.Reason,
			IsRecurring:     e.IsRecurring,
			Pattern:         string(e.Pattern),
			DaysOfWeek:      e.DaysOfWeek,
			RecurrenceCount: e.RecurrenceCount,
		}
		if e.RecurrenceEndDate != nil {
			it.RecurrenceEndDate = e.RecurrenceEndDate.Format("2006-01-02")
		}
		items = append(items, it)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"time_off": items})
}

func (h *ScheduleHandler) deleteTimeOff(w http.ResponseWriter, r *http.Request) {
	hospitalID := strings.TrimSpace(r.URL.Query().Get("hospital_id"))
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	timeOffID := strings.TrimSpace(r.URL.Query().Get("time_off_id"))
	if hospitalID == "" || providerID == "" || timeOffID == "" {
		http.Error(w, "hospital_id, provider_id and time_off_id required", http.StatusBadRequest)
		return
	}
	// Deleting a recurring rule removes all its future occurrences.
	if err := h.repo.DeleteTimeOff(r.Context(), hospitalID, providerID, timeOffID); err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "time off not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete time off", http.StatusInternalServerError)
		return
	}
	h.invalidateProvider(hospitalID, providerID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ScheduleHandler) invalidateProvider(hospitalID, providerID string) {
	if h.cache != nil {
		h.cache.InvalidateProvider(hospitalID, providerID)
	}
}

func validMinuteRange(start, end int) bool {
	return start >= 0 && end > start && end <= 24*60
}
