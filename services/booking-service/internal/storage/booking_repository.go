package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/slotguard/libs/db"
	otelx "github.com/md-rashed-zaman/slotguard/libs/otel"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// BookingRepository stores appointments in Postgres. Slot uniqueness is the
// partial unique index appointments_active_slot_uniq; updates are gated on
// the version column. Events passed to a write land in outbox_events from the
// same statement, so they commit or roll back with it.
type BookingRepository struct {
	pool *db.Pool
}

func NewBookingRepository(pool *db.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

// EnsureSchema creates the tables and indexes the repository relies on. It is
// idempotent and runs once at startup.
func (r *BookingRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure booking schema: %w", err)
	}
	return nil
}

const selectColumns = `
	a.id, a.business_id, a.user_id, a.service_id, a.slot_date, a.slot_time,
	a.duration_minutes, a.status, a.version, a.status_updated_at, a.last_modified, a.created_at,
	COALESCE(b.name, ''), COALESCE(s.name, ''), COALESCE(c.name, '')`

const nameJoins = `
	LEFT JOIN business_profiles b ON b.id = a.business_id
	LEFT JOIN business_services s ON s.id = a.service_id
	LEFT JOIN customers c ON c.id = a.user_id`

func (r *BookingRepository) FindActive(ctx context.Context, businessID, date string) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM appointments a`+nameJoins+`
		WHERE a.business_id = $1
			AND a.slot_date = $2
			AND a.status <> 'canceled'
		ORDER BY a.slot_time ASC
	`, businessID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func (r *BookingRepository) FindActiveAt(ctx context.Context, businessID, date, clock string) (model.Appointment, bool, error) {
	appt, err := scanAppointment(r.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM appointments a`+nameJoins+`
		WHERE a.business_id = $1
			AND a.slot_date = $2
			AND a.slot_time = $3
			AND a.status <> 'canceled'
	`, businessID, date, clock))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, false, nil
	}
	if err != nil {
		return model.Appointment{}, false, err
	}
	return appt, true, nil
}

func (r *BookingRepository) GetByID(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := scanAppointment(r.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM appointments a`+nameJoins+`
		WHERE a.id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, model.ErrNotFound
	}
	return appt, err
}

// InsertUnique returns model.ErrDuplicate when the slot already holds a
// non-canceled appointment.
func (r *BookingRepository) InsertUnique(ctx context.Context, appt model.Appointment, events ...model.Event) (model.Appointment, error) {
	args := []any{appt.ID, appt.BusinessID, appt.UserID, appt.ServiceID, appt.Date, appt.Time, appt.DurationMinutes,
		string(appt.Status), appt.Version, appt.StatusUpdatedAt, appt.LastModified, appt.CreatedAt}
	saved, err := scanAppointment(r.pool.QueryRow(ctx, `
		WITH a AS (
			INSERT INTO appointments
				(id, business_id, user_id, service_id, slot_date, slot_time, duration_minutes,
				 status, version, status_updated_at, last_modified, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING *
		), `+outboxInsert(len(args)+1)+`
		SELECT `+selectColumns+`
		FROM a`+nameJoins+`
	`, append(args, eventArgs(ctx, events)...)...))
	if err != nil {
		return model.Appointment{}, classify(err)
	}
	return saved, nil
}

// ConditionalUpdate applies patch only while the stored version equals
// expectedVersion. A version mismatch or a missing row yields ok=false and
// writes no events.
func (r *BookingRepository) ConditionalUpdate(ctx context.Context, id string, expectedVersion int, patch model.SlotPatch, events ...model.Event) (model.Appointment, bool, error) {
	if patch.Empty() {
		return model.Appointment{}, false, errors.New("conditional update with empty patch")
	}
	var status *string
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}
	args := []any{id, expectedVersion, patch.Date, patch.Time, status}
	updated, err := scanAppointment(r.pool.QueryRow(ctx, `
		WITH a AS (
			UPDATE appointments
			SET slot_date = COALESCE($3::text, slot_date),
				slot_time = COALESCE($4::text, slot_time),
				status_updated_at = CASE
					WHEN $5::text IS NOT NULL AND $5::text <> status THEN now()
					ELSE status_updated_at
				END,
				status = COALESCE($5::text, status),
				version = version + 1,
				last_modified = now()
			WHERE id = $1 AND version = $2
			RETURNING *
		), `+outboxInsert(len(args)+1)+`
		SELECT `+selectColumns+`
		FROM a`+nameJoins+`
	`, append(args, eventArgs(ctx, events)...)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, false, nil
	}
	if err != nil {
		return model.Appointment{}, false, classify(err)
	}
	return updated, true, nil
}

// outboxInsert is the CTE that stores the events of a write. It joins on a,
// so a write that touches no row stores nothing. first is the number of the
// first of the six parameters filled by eventArgs.
func outboxInsert(first int) string {
	p := func(i int) string { return fmt.Sprintf("$%d", first+i) }
	return `e AS (
			INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
			SELECT ev.aggregate_type, ev.aggregate_id, ev.event_type, ev.payload::jsonb, ` + p(4) + `::text, ` + p(5) + `::text
			FROM a CROSS JOIN unnest(` + p(0) + `::text[], ` + p(1) + `::text[], ` + p(2) + `::text[], ` + p(3) + `::text[])
				AS ev(aggregate_type, aggregate_id, event_type, payload)
		)`
}

func eventArgs(ctx context.Context, events []model.Event) []any {
	aggTypes := make([]string, 0, len(events))
	aggIDs := make([]string, 0, len(events))
	types := make([]string, 0, len(events))
	payloads := make([]string, 0, len(events))
	for _, evt := range events {
		aggTypes = append(aggTypes, evt.AggregateType)
		aggIDs = append(aggIDs, evt.AggregateID)
		types = append(types, evt.EventType)
		payloads = append(payloads, string(evt.Payload))
	}
	tc := otelx.CaptureTraceContext(ctx)
	return []any{aggTypes, aggIDs, types, payloads, tc.Parent, tc.State}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var appt model.Appointment
	var status string
	err := row.Scan(
		&appt.ID,
		&appt.BusinessID,
		&appt.UserID,
		&appt.ServiceID,
		&appt.Date,
		&appt.Time,
		&appt.DurationMinutes,
		&status,
		&appt.Version,
		&appt.StatusUpdatedAt,
		&appt.LastModified,
		&appt.CreatedAt,
		&appt.BusinessName,
		&appt.ServiceName,
		&appt.CustomerName,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Status = model.Status(status)
	return appt, nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func classify(err error) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", model.ErrDuplicate, err)
	}
	return err
}
