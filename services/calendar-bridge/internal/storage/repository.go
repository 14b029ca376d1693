package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drmauij/viali/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23P01" || pgErr.Code == "23505"
}

// FeedToken is a per-provider calendar credential. Only the bcrypt hash is
// stored; the plaintext is shown once at issue time.
type FeedToken struct {
	ID         string
	HospitalID string
	ProviderID string
	TokenHash  []byte
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

func (r *Repository) InsertFeedToken(ctx context.Context, hospitalID, providerID string, tokenHash []byte) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO calendar_feed_tokens (id, hospital_id, provider_id, token_hash)
		VALUES ($1, $2, $3, $4)
	`, id, hospitalID, providerID, tokenHash)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) ActiveFeedTokens(ctx context.Context, providerID string) ([]FeedToken, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, hospital_id::text, provider_id::text, token_hash, created_at, revoked_at
		FROM calendar_feed_tokens
		WHERE provider_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeedToken
	for rows.Next() {
		var t FeedToken
		if err := rows.Scan(&t.ID, &t.HospitalID, &t.ProviderID, &t.TokenHash, &t.CreatedAt, &t.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) RevokeFeedToken(ctx context.Context, hospitalID, providerID, tokenID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE calendar_feed_tokens
		SET revoked_at = now()
		WHERE id = $1 AND hospital_id = $2 AND provider_id = $3 AND revoked_at IS NULL
	`, tokenID, hospitalID, providerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ProviderMapping links the external service's calendar/resource id to a
// local provider. Webhook events without a mapping are acknowledged but not
// processed.
type ProviderMapping struct {
	ExternalCalendarID string
	HospitalID         string
	ProviderID         string
}

func (r *Repository) GetProviderMapping(ctx context.Context, externalCalendarID string) (ProviderMapping, error) {
	var m ProviderMapping
	err := r.pool.QueryRow(ctx, `
		SELECT external_calendar_id, hospital_id::text, provider_id::text
		FROM provider_calendar_mappings
		WHERE external_calendar_id = $1
	`, externalCalendarID).Scan(&m.ExternalCalendarID, &m.HospitalID, &m.ProviderID)
	return m, err
}

func (r *Repository) UpsertProviderMapping(ctx context.Context, m ProviderMapping) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO provider_calendar_mappings (external_calendar_id, hospital_id, provider_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_calendar_id) DO UPDATE
		SET hospital_id = EXCLUDED.hospital_id,
			provider_id = EXCLUDED.provider_id
	`, m.ExternalCalendarID, m.HospitalID, m.ProviderID)
	return err
}

// GetOrCreatePatient maps an external attendee to a local patient record,
// creating one on first contact.
func (r *Repository) GetOrCreatePatient(ctx context.Context, hospitalID, externalRef, name, email string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT id::text FROM patients
		WHERE hospital_id = $1 AND external_ref = $2
	`, hospitalID, externalRef).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	id = uuid.NewString()
	err = r.pool.QueryRow(ctx, `
		INSERT INTO patients (id, hospital_id, external_ref, name, email)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hospital_id, external_ref) DO UPDATE SET name = EXCLUDED.name
		RETURNING id::text
	`, id, hospitalID, externalRef, name, email).Scan(&id)
	return id, err
}

type Commitment struct {
	ID          string
	HospitalID  string
	ProviderID  string
	PatientID   string
	Kind        string
	StartTime   time.Time
	EndTime     time.Time
	Status      string
	ExternalRef string
}

// CreateExternalCommitment writes a commitment imported from the external
// service, keyed by its external booking id. The overlap constraint is the
// only availability guard on this path; the bridge is not the booking
// critical path and must not reject what the external side already confirmed
// unless the slot is physically taken.
func (r *Repository) CreateExternalCommitment(ctx context.Context, c Commitment) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO commitments (hospital_id, provider_id, patient_id, kind, start_time, end_time, status, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6, 'booked', $7)
		ON CONFLICT (external_ref) WHERE external_ref IS NOT NULL DO NOTHING
		RETURNING id::text
	`, c.HospitalID, c.ProviderID, c.PatientID, c.Kind, c.StartTime, c.EndTime, c.ExternalRef).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already imported; idempotent replay.
		return r.commitmentIDByExternalRef(ctx, c.ExternalRef)
	}
	return id, err
}

func (r *Repository) RescheduleByExternalRef(ctx context.Context, externalRef string, start, end time.Time) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		UPDATE commitments
		SET start_time = $2, end_time = $3
		WHERE external_ref = $1 AND status = 'booked'
		RETURNING id::text
	`, externalRef, start, end).Scan(&id)
	return id, err
}

func (r *Repository) CancelByExternalRef(ctx context.Context, externalRef, reason string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		UPDATE commitments
		SET status = 'cancelled',
			cancelled_at = now(),
			cancel_reason = $2
		WHERE external_ref = $1 AND status = 'booked'
		RETURNING id::text
	`, externalRef, reason).Scan(&id)
	return id, err
}

func (r *Repository) commitmentIDByExternalRef(ctx context.Context, externalRef string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT id::text FROM commitments WHERE external_ref = $1
	`, externalRef).Scan(&id)
	return id, err
}

// FeedCommitment carries what the calendar feed renders for one event.
type FeedCommitment struct {
	ID          string
	Kind        string
	StartTime   time.Time
	EndTime     time.Time
	Status      string
	PatientName string
}

func (r *Repository) ListFeedCommitments(ctx context.Context, hospitalID, providerID string, from, to time.Time) ([]FeedCommitment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id::text, c.kind, c.start_time, c.end_time, c.status, COALESCE(p.name, '')
		FROM commitments c
		LEFT JOIN patients p ON p.id = c.patient_id
		WHERE c.hospital_id = $1
			AND c.provider_id = $2
			AND c.status IN ('booked', 'completed')
			AND c.start_time < $4
			AND c.end_time > $3
		ORDER BY c.start_time ASC, c.id ASC
	`, hospitalID, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeedCommitment
	for rows.Next() {
		var c FeedCommitment
		if err := rows.Scan(&c.ID, &c.Kind, &c.StartTime, &c.EndTime, &c.Status, &c.PatientName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
