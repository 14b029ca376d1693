package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drmauij/viali/libs/db"
	"github.com/drmauij/viali/services/scheduling-service/internal/engine"
	"github.com/drmauij/viali/services/scheduling-service/internal/model"
)

// Querier is the subset of pgx shared by *db.Pool and pgx.Tx, so the day
// loader can run standalone or inside the booking transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Pool() *db.Pool { return r.pool }

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsConflict matches the storage-level booking backstop: the commitments
// overlap exclusion constraint (23P01) or a unique violation (23505).
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23P01" || pgErr.Code == "23505"
}

type Hospital struct {
	ID       string
	Name     string
	Timezone string
}

func (r *Repository) GetHospital(ctx context.Context, hospitalID string) (Hospital, error) {
	var h Hospital
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, timezone
		FROM hospitals
		WHERE id = $1
	`, hospitalID).Scan(&h.ID, &h.Name, &h.Timezone)
	return h, err
}

// Location resolves the hospital's IANA timezone, falling back to UTC when
// the stored name does not load.
func (r *Repository) Location(ctx context.Context, hospitalID string) (*time.Location, error) {
	h, err := r.GetHospital(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(h.Timezone)
	if err != nil {
		return time.UTC, nil
	}
	return loc, nil
}

func (r *Repository) CreateProvider(ctx context.Context, hospitalID, name string, mode model.OperatingMode) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO providers (id, hospital_id, name, operating_mode)
		VALUES ($1, $2, $3, $4)
	`, id, hospitalID, name, string(mode))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) GetProvider(ctx context.Context, hospitalID, providerID string) (model.Provider, error) {
	var p model.Provider
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, hospital_id::text, name, operating_mode, created_at
		FROM providers
		WHERE hospital_id = $1 AND id = $2
	`, hospitalID, providerID).Scan(&p.ID, &p.HospitalID, &p.Name, &p.Mode, &p.CreatedAt)
	return p, err
}

func (r *Repository) ListProviders(ctx context.Context, hospitalID string, limit int) ([]model.Provider, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, hospital_id::text, name, operating_mode, created_at
		FROM providers
		WHERE hospital_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, hospitalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.HospitalID, &p.Name, &p.Mode, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) CreateWeeklyEntry(ctx context.Context, e model.WeeklyScheduleEntry) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO weekly_schedule_entries (id, hospital_id, provider_id, weekday, start_minute, end_minute, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, e.HospitalID, e.ProviderID, e.Weekday, e.StartMinute, e.EndMinute, e.Active)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) UpdateWeeklyEntry(ctx context.Context, e model.WeeklyScheduleEntry) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE weekly_schedule_entries
		SET weekday = $4, start_minute = $5, end_minute = $6, active = $7
		WHERE id = $1 AND hospital_id = $2 AND provider_id = $3
	`, e.ID, e.HospitalID, e.ProviderID, e.Weekday, e.StartMinute, e.EndMinute, e.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *Repository) DeleteWeeklyEntry(ctx context.Context, hospitalID, providerID, entryID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM weekly_schedule_entries
		WHERE id = $1 AND hospital_id = $2 AND provider_id = $3
	`, entryID, hospitalID, providerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *Repository) ListWeeklyEntries(ctx context.Context, hospitalID, providerID string) ([]model.WeeklyScheduleEntry, error) {
	return listWeeklyEntries(ctx, r.pool, hospitalID, providerID)
}

func (r *Repository) CreateWindow(ctx context.Context, w model.AvailabilityWindow) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO availability_windows (id, hospital_id, provider_id, window_date, start_minute, end_minute, slot_minutes, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, w.HospitalID, w.ProviderID, w.Date, w.StartMinute, w.EndMinute, w.SlotMinutes, w.Notes)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) DeleteWindow(ctx context.Context, hospitalID, providerID, windowID string) error {
	// Deleting a window never cancels commitments already booked inside it.
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM availability_windows
		WHERE id = $1 AND hospital_id = $2 AND provider_id = $3
	`, windowID, hospitalID, providerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *Repository) ListWindows(ctx context.Context, hospitalID, providerID string, from, to time.Time) ([]model.AvailabilityWindow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, hospital_id::text, provider_id::text, window_date, start_minute, end_minute, slot_minutes, COALESCE(notes, '')
		FROM availability_windows
		WHERE hospital_id = $1 AND provider_id = $2 AND window_date >= $3 AND window_date <= $4
		ORDER BY window_date ASC, start_minute ASC
	`, hospitalID, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWindows(rows)
}

func (r *Repository) CreateTimeOff(ctx context.Context, to model.TimeOff) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO time_off_entries
			(id, hospital_id, provider_id, start_date, end_date, start_minute, end_minute, reason,
			 is_recurring, pattern, days_of_week, recurrence_end_date, recurrence_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, id, to.HospitalID, to.ProviderID, to.StartDate, to.EndDate, to.StartMinute, to.EndMinute, to.Reason,
		to.IsRecurring, nullablePattern(to), to.DaysOfWeek, to.RecurrenceEndDate, to.RecurrenceCount)
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteTimeOff removes a rule by id; for recurring rules this removes all
// future occurrences since occurrences are never materialized.
func (r *Repository) DeleteTimeOff(ctx context.Context, hospitalID, providerID, timeOffID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM time_off_entries
		WHERE id = $1 AND hospital_id = $2 AND provider_id = $3
	`, timeOffID, hospitalID, providerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *Repository) ListTimeOff(ctx context.Context, hospitalID, providerID string) ([]model.TimeOff, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, hospital_id::text, provider_id::text, start_date, end_date, start_minute, end_minute,
			COALESCE(reason, ''), is_recurring, COALESCE(pattern, ''), days_of_week, recurrence_end_date, recurrence_count
		FROM time_off_entries
		WHERE hospital_id = $1 AND provider_id = $2
		ORDER BY start_date ASC
	`, hospitalID, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTimeOff(rows)
}

// ReplaceAbsencesBySource swaps the absence set for one external source in a
// single transaction, so a sync run is atomic from the engine's point of
// view.
func (r *Repository) ReplaceAbsencesBySource(ctx context.Context, hospitalID, sourceID string, absences []model.Absence) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM provider_absences
		WHERE hospital_id = $1 AND source_id = $2
	`, hospitalID, sourceID); err != nil {
		return err
	}

	for _, a := range absences {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO provider_absences (id, hospital_id, provider_id, absence_type, start_date, end_date, source_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, a.HospitalID, a.ProviderID, a.Type, a.StartDate, a.EndDate, sourceID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// DaySources loads all five constraint datasets for one provider and civil
// date. q may be the pool or an open transaction; the booking path passes its
// transaction so the conflict read happens under the row locks it holds.
func DaySources(ctx context.Context, q Querier, hospitalID string, provider model.Provider, date time.Time, dayStart, dayEnd time.Time) (engine.Sources, error) {
	var src engine.Sources
	src.Mode = provider.Mode

	weekly, err := listWeeklyEntries(ctx, q, hospitalID, provider.ID)
	if err != nil {
		return src, err
	}
	src.Weekly = weekly

	rows, err := q.Query(ctx, `
		SELECT id::text, hospital_id::text, provider_id::text, window_date, start_minute, end_minute, slot_minutes, COALESCE(notes, '')
		FROM availability_windows
		WHERE hospital_id = $1 AND provider_id = $2 AND window_date = $3
		ORDER BY start_minute ASC
	`, hospitalID, provider.ID, date)
	if err != nil {
		return src, err
	}
	src.Windows, err = scanWindows(rows)
	rows.Close()
	if err != nil {
		return src, err
	}

	// Recurring rules may have started long before the queried date; the
	// expander decides whether they hit it.
	rows, err = q.Query(ctx, `
		SELECT id::text, hospital_id::text, provider_id::text, start_date, end_date, start_minute, end_minute,
			COALESCE(reason, ''), is_recurring, COALESCE(pattern, ''), days_of_week, recurrence_end_date, recurrence_count
		FROM time_off_entries
		WHERE hospital_id = $1 AND provider_id = $2
			AND start_date <= $3
			AND (is_recurring OR end_date >= $3)
	`, hospitalID, provider.ID, date)
	if err != nil {
		return src, err
	}
	src.TimeOff, err = scanTimeOff(rows)
	rows.Close()
	if err != nil {
		return src, err
	}

	rows, err = q.Query(ctx, `
		SELECT id::text, hospital_id::text, provider_id::text, absence_type, start_date, end_date, COALESCE(source_id, '')
		FROM provider_absences
		WHERE hospital_id = $1 AND provider_id = $2 AND start_date <= $3 AND end_date >= $3
	`, hospitalID, provider.ID, date)
	if err != nil {
		return src, err
	}
	for rows.Next() {
		var a model.Absence
		if err := rows.Scan(&a.ID, &a.HospitalID, &a.ProviderID, &a.Type, &a.StartDate, &a.EndDate, &a.SourceID); err != nil {
			rows.Close()
			return src, err
		}
		src.Absences = append(src.Absences, a)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return src, err
	}

	rows, err = q.Query(ctx, `
		SELECT id::text, hospital_id::text, provider_id::text, patient_id::text, kind,
			start_time, end_time, status, COALESCE(external_ref, ''), cancelled_at, COALESCE(cancel_reason, ''), created_at
		FROM commitments
		WHERE hospital_id = $1 AND provider_id = $2
			AND status IN ('booked', 'completed')
			AND start_time < $4
			AND end_time > $3
		ORDER BY start_time ASC
	`, hospitalID, provider.ID, dayStart, dayEnd)
	if err != nil {
		return src, err
	}
	src.Commitments, err = scanCommitments(rows)
	rows.Close()
	return src, err
}

func listWeeklyEntries(ctx context.Context, q Querier, hospitalID, providerID string) ([]model.WeeklyScheduleEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id::text, hospital_id::text, provider_id::text, weekday, start_minute, end_minute, active
		FROM weekly_schedule_entries
		WHERE hospital_id = $1 AND provider_id = $2
		ORDER BY weekday ASC, start_minute ASC
	`, hospitalID, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeeklyScheduleEntry
	for rows.Next() {
		var e model.WeeklyScheduleEntry
		if err := rows.Scan(&e.ID, &e.HospitalID, &e.ProviderID, &e.Weekday, &e.StartMinute, &e.EndMinute, &e.Active); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanWindows(rows pgx.Rows) ([]model.AvailabilityWindow, error) {
	var out []model.AvailabilityWindow
	for rows.Next() {
		var w model.AvailabilityWindow
		if err := rows.Scan(&w.ID, &w.HospitalID, &w.ProviderID, &w.Date, &w.StartMinute, &w.EndMinute, &w.SlotMinutes, &w.Notes); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanTimeOff(rows pgx.Rows) ([]model.TimeOff, error) {
	var out []model.TimeOff
	for rows.Next() {
		var to model.TimeOff
		var pattern string
		if err := rows.Scan(&to.ID, &to.HospitalID, &to.ProviderID, &to.StartDate, &to.EndDate,
			&to.StartMinute, &to.EndMinute, &to.Reason, &to.IsRecurring, &pattern,
			&to.DaysOfWeek, &to.RecurrenceEndDate, &to.RecurrenceCount); err != nil {
			return nil, err
		}
		to.Pattern = model.RecurrencePattern(pattern)
		out = append(out, to)
	}
	return out, rows.Err()
}

func scanCommitments(rows pgx.Rows) ([]model.Commitment, error) {
	var out []model.Commitment
	for rows.Next() {
		var c model.Commitment
		if err := rows.Scan(&c.ID, &c.HospitalID, &c.ProviderID, &c.PatientID, &c.Kind,
			&c.StartTime, &c.EndTime, &c.Status, &c.ExternalRef, &c.CancelledAt, &c.CancelReason, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullablePattern(to model.TimeOff) *string {
	if !to.IsRecurring || to.Pattern == "" {
		return nil
	}
	s := string(to.Pattern)
	return &s
}
