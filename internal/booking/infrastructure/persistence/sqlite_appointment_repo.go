package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database"
)

const appointmentColumns = `id, patient_name, patient_email, patient_phone, appointment_date,
	appointment_time, starts_at, status, confirmation_token, reminder_24h_sent, reminder_2h_sent,
	notes, created_at, updated_at, confirmed_at, cancelled_at`

// SQLiteAppointmentRepository implements domain.Repository using SQLite.
type SQLiteAppointmentRepository struct {
	conn database.Connection
}

// NewSQLiteAppointmentRepository creates a new SQLite appointment repository.
func NewSQLiteAppointmentRepository(conn database.Connection) *SQLiteAppointmentRepository {
	return &SQLiteAppointmentRepository{conn: conn}
}

// Create inserts an appointment. The partial unique index on active slots
// turns a concurrent double booking into ErrSlotUnavailable.
func (r *SQLiteAppointmentRepository) Create(ctx context.Context, a *domain.Appointment) error {
	s := a.State()
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(),
		s.Patient.Name,
		s.Patient.Email,
		s.Patient.Phone,
		s.Slot.Date,
		s.Slot.Time,
		database.FormatTimestamp(s.Slot.StartsAt),
		string(s.Status),
		s.ConfirmationToken,
		s.Reminder24hSent,
		s.Reminder2hSent,
		s.Notes,
		database.FormatTimestamp(s.CreatedAt),
		database.FormatTimestamp(s.UpdatedAt),
		database.FormatNullTimestamp(s.ConfirmedAt),
		database.FormatNullTimestamp(s.CancelledAt),
	)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrSlotUnavailable, s.Slot)
	}
	return err
}

func (r *SQLiteAppointmentRepository) Update(ctx context.Context, a *domain.Appointment) error {
	s := a.State()
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE appointments
		SET status = ?, updated_at = ?, confirmed_at = ?, cancelled_at = ?
		WHERE id = ?`,
		string(s.Status),
		database.FormatTimestamp(s.UpdatedAt),
		database.FormatNullTimestamp(s.ConfirmedAt),
		database.FormatNullTimestamp(s.CancelledAt),
		s.ID.String(),
	)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrSlotUnavailable, s.Slot)
	}
	if err != nil {
		return err
	}
	ok, err := database.AffectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAppointmentNotFound
	}
	return nil
}

func (r *SQLiteAppointmentRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	return r.findOne(ctx, `WHERE id = ?`, id.String())
}

func (r *SQLiteAppointmentRepository) FindByConfirmationToken(ctx context.Context, token string) (*domain.Appointment, error) {
	return r.findOne(ctx, `WHERE confirmation_token = ?`, token)
}

func (r *SQLiteAppointmentRepository) ExistsActiveAt(ctx context.Context, date, clock string) (bool, error) {
	var one int
	err := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx, `
		SELECT 1 FROM appointments
		WHERE appointment_date = ? AND appointment_time = ? AND status <> 'cancelled'
		LIMIT 1`, date, clock).Scan(&one)
	if database.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *SQLiteAppointmentRepository) ActiveTimesOn(ctx context.Context, date string) ([]string, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, `
		SELECT appointment_time FROM appointments
		WHERE appointment_date = ? AND status <> 'cancelled'
		ORDER BY appointment_time`, date)
	if err != nil {
		return nil, err
	}
	return scanTimes(rows)
}

func (r *SQLiteAppointmentRepository) FindConfirmedStartingBetween(ctx context.Context, t domain.ReminderType, from, to time.Time) ([]*domain.Appointment, error) {
	flag, err := reminderColumn(t)
	if err != nil {
		return nil, err
	}
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND `+flag+` = 0
		  AND starts_at >= ? AND starts_at <= ?
		ORDER BY starts_at, id`,
		database.FormatTimestamp(from), database.FormatTimestamp(to))
	if err != nil {
		return nil, err
	}
	return scanSQLiteAppointments(rows)
}

func (r *SQLiteAppointmentRepository) MarkReminderSent(ctx context.Context, id uuid.UUID, t domain.ReminderType, at time.Time) (bool, error) {
	flag, err := reminderColumn(t)
	if err != nil {
		return false, err
	}
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE appointments SET `+flag+` = 1, updated_at = ?
		WHERE id = ? AND status = ? AND `+flag+` = 0`,
		database.FormatTimestamp(at), id.String(), string(domain.StatusConfirmed))
	if err != nil {
		return false, err
	}
	return database.AffectedOne(res)
}

func (r *SQLiteAppointmentRepository) findOne(ctx context.Context, where string, arg any) (*domain.Appointment, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments `+where, arg)
	if err != nil {
		return nil, err
	}
	found, err := scanSQLiteAppointments(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, domain.ErrAppointmentNotFound
	}
	return found[0], nil
}

func scanSQLiteAppointments(rows database.Rows) ([]*domain.Appointment, error) {
	defer rows.Close()

	var appointments []*domain.Appointment
	for rows.Next() {
		var (
			s                        domain.AppointmentState
			id, status               string
			startsAt                 string
			createdAt, updatedAt     string
			confirmedAt, cancelledAt sql.NullString
		)
		err := rows.Scan(
			&id, &s.Patient.Name, &s.Patient.Email, &s.Patient.Phone, &s.Slot.Date, &s.Slot.Time,
			&startsAt, &status, &s.ConfirmationToken, &s.Reminder24hSent, &s.Reminder2hSent,
			&s.Notes, &createdAt, &updatedAt, &confirmedAt, &cancelledAt,
		)
		if err != nil {
			return nil, err
		}

		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("appointment id %q: %w", id, err)
		}
		s.Status = domain.Status(status)
		if s.Slot.StartsAt, err = database.ParseTimestamp(startsAt); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = database.ParseTimestamp(createdAt); err != nil {
			return nil, err
		}
		if s.UpdatedAt, err = database.ParseTimestamp(updatedAt); err != nil {
			return nil, err
		}
		if s.ConfirmedAt, err = database.ParseNullTimestamp(confirmedAt); err != nil {
			return nil, err
		}
		if s.CancelledAt, err = database.ParseNullTimestamp(cancelledAt); err != nil {
			return nil, err
		}
		appointments = append(appointments, domain.RehydrateAppointment(s))
	}
	return appointments, rows.Err()
}

func scanTimes(rows database.Rows) ([]string, error) {
	defer rows.Close()

	var times []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// reminderColumn maps a reminder type onto its flag column. Only these two
// literals are ever interpolated into SQL.
func reminderColumn(t domain.ReminderType) (string, error) {
	switch t {
	case domain.Reminder24h:
		return "reminder_24h_sent", nil
	case domain.Reminder2h:
		return "reminder_2h_sent", nil
	default:
		return "", fmt.Errorf("unknown reminder type %q", t)
	}
}
