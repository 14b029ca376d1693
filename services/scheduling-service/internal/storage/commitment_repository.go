package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/drmauij/viali/services/scheduling-service/internal/model"
)

// IdempotencyRecord replays a prior booking response when the same
// Idempotency-Key is retried.
type IdempotencyRecord struct {
	HospitalID      string
	IdempotencyKey  string
	CommitmentID    string
	StatusCode      int
	ResponsePayload []byte
}

// LockIdempotencyKey claims or re-locks the (hospital, key) row. The second
// return reports whether the key already existed; a retry of an in-flight
// request blocks on FOR UPDATE until the first attempt commits.
func (r *Repository) LockIdempotencyKey(ctx context.Context, tx pgx.Tx, hospitalID, key string) (IdempotencyRecord, bool, error) {
	rec, err := r.selectIdempotencyForUpdate(ctx, tx, hospitalID, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (hospital_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (hospital_id, idempotency_key) DO NOTHING
	`, hospitalID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}

	rec, err = r.selectIdempotencyForUpdate(ctx, tx, hospitalID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, false, nil
}

func (r *Repository) FinalizeIdempotency(ctx context.Context, tx pgx.Tx, hospitalID, key, commitmentID string, statusCode int, response []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET commitment_id = NULLIF($3, '')::uuid,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE hospital_id = $1 AND idempotency_key = $2
	`, hospitalID, key, commitmentID, statusCode, response)
	return err
}

func (r *Repository) CreateCommitment(ctx context.Context, tx pgx.Tx, c *model.Commitment) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO commitments
			(hospital_id, provider_id, patient_id, kind, start_time, end_time, status, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		RETURNING id
	`, c.HospitalID, c.ProviderID, c.PatientID, c.Kind, c.StartTime, c.EndTime, c.Status, c.ExternalRef).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) GetCommitmentForUpdate(ctx context.Context, tx pgx.Tx, hospitalID, commitmentID string) (model.Commitment, error) {
	var c model.Commitment
	err := tx.QueryRow(ctx, `
		SELECT id::text, hospital_id::text, provider_id::text, patient_id::text, kind,
			start_time, end_time, status, COALESCE(external_ref, ''), cancelled_at, COALESCE(cancel_reason, ''), created_at
		FROM commitments
		WHERE id = $1 AND hospital_id = $2
		FOR UPDATE
	`, commitmentID, hospitalID).Scan(
		&c.ID,
		&c.HospitalID,
		&c.ProviderID,
		&c.PatientID,
		&c.Kind,
		&c.StartTime,
		&c.EndTime,
		&c.Status,
		&c.ExternalRef,
		&c.CancelledAt,
		&c.CancelReason,
		&c.CreatedAt,
	)
	if err != nil {
		return model.Commitment{}, err
	}
	return c, nil
}

func (r *Repository) RescheduleCommitment(ctx context.Context, tx pgx.Tx, hospitalID, commitmentID string, start, end time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE commitments
		SET start_time = $3, end_time = $4
		WHERE id = $1 AND hospital_id = $2
	`, commitmentID, hospitalID, start, end)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *Repository) CancelCommitment(ctx context.Context, tx pgx.Tx, hospitalID, commitmentID, reason string) (time.Time, error) {
	var cancelledAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE commitments
		SET status = 'cancelled',
			cancelled_at = now(),
			cancel_reason = $3
		WHERE id = $1 AND hospital_id = $2
		RETURNING cancelled_at
	`, commitmentID, hospitalID, reason).Scan(&cancelledAt)
	return cancelledAt, err
}

func (r *Repository) ListCommitments(ctx context.Context, hospitalID, providerID string, from, to time.Time) ([]model.Commitment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, hospital_id::text, provider_id::text, patient_id::text, kind,
			start_time, end_time, status, COALESCE(external_ref, ''), cancelled_at, COALESCE(cancel_reason, ''), created_at
		FROM commitments
		WHERE hospital_id = $1
			AND provider_id = $2
			AND start_time < $4
			AND end_time > $3
		ORDER BY start_time ASC
	`, hospitalID, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommitments(rows)
}

func (r *Repository) selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, hospitalID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := tx.QueryRow(ctx, `
		SELECT hospital_id::text,
			idempotency_key,
			COALESCE(commitment_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE hospital_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, hospitalID, key).Scan(
		&rec.HospitalID,
		&rec.IdempotencyKey,
		&rec.CommitmentID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}
