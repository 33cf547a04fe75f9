package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database"
)

// PostgresAppointmentRepository implements domain.Repository using PostgreSQL.
type PostgresAppointmentRepository struct {
	conn database.Connection
}

// NewPostgresAppointmentRepository creates a new PostgreSQL appointment repository.
func NewPostgresAppointmentRepository(conn database.Connection) *PostgresAppointmentRepository {
	return &PostgresAppointmentRepository{conn: conn}
}

func (r *PostgresAppointmentRepository) Create(ctx context.Context, a *domain.Appointment) error {
	s := a.State()
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		s.ID, s.Patient.Name, s.Patient.Email, s.Patient.Phone, s.Slot.Date, s.Slot.Time,
		s.Slot.StartsAt, string(s.Status), s.ConfirmationToken, s.Reminder24hSent, s.Reminder2hSent,
		s.Notes, s.CreatedAt, s.UpdatedAt, s.ConfirmedAt, s.CancelledAt,
	)
	if database.IsUniqueViolation(err) && database.UniqueConstraint(err) != "appointments_confirmation_token_key" {
		return fmt.Errorf("%w: %s", domain.ErrSlotUnavailable, s.Slot)
	}
	return err
}

func (r *PostgresAppointmentRepository) Update(ctx context.Context, a *domain.Appointment) error {
	s := a.State()
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE appointments
		SET status = $1, updated_at = $2, confirmed_at = $3, cancelled_at = $4
		WHERE id = $5`,
		string(s.Status), s.UpdatedAt, s.ConfirmedAt, s.CancelledAt, s.ID,
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

func (r *PostgresAppointmentRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	return r.findOne(ctx, `WHERE id = $1`, id)
}

func (r *PostgresAppointmentRepository) FindByConfirmationToken(ctx context.Context, token string) (*domain.Appointment, error) {
	return r.findOne(ctx, `WHERE confirmation_token = $1`, token)
}

func (r *PostgresAppointmentRepository) ExistsActiveAt(ctx context.Context, date, clock string) (bool, error) {
	var exists bool
	err := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE appointment_date = $1 AND appointment_time = $2 AND status <> 'cancelled'
		)`, date, clock).Scan(&exists)
	return exists, err
}

func (r *PostgresAppointmentRepository) ActiveTimesOn(ctx context.Context, date string) ([]string, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, `
		SELECT appointment_time FROM appointments
		WHERE appointment_date = $1 AND status <> 'cancelled'
		ORDER BY appointment_time`, date)
	if err != nil {
		return nil, err
	}
	return scanTimes(rows)
}

func (r *PostgresAppointmentRepository) FindConfirmedStartingBetween(ctx context.Context, t domain.ReminderType, from, to time.Time) ([]*domain.Appointment, error) {
	flag, err := reminderColumn(t)
	if err != nil {
		return nil, err
	}
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND NOT `+flag+`
		  AND starts_at BETWEEN $1 AND $2
		ORDER BY starts_at, id`, from, to)
	if err != nil {
		return nil, err
	}
	return scanPostgresAppointments(rows)
}

func (r *PostgresAppointmentRepository) MarkReminderSent(ctx context.Context, id uuid.UUID, t domain.ReminderType, at time.Time) (bool, error) {
	flag, err := reminderColumn(t)
	if err != nil {
		return false, err
	}
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE appointments SET `+flag+` = TRUE, updated_at = $1
		WHERE id = $2 AND status = $3 AND NOT `+flag, at, id, string(domain.StatusConfirmed))
	if err != nil {
		return false, err
	}
	return database.AffectedOne(res)
}

func (r *PostgresAppointmentRepository) findOne(ctx context.Context, where string, arg any) (*domain.Appointment, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments `+where, arg)
	if err != nil {
		return nil, err
	}
	found, err := scanPostgresAppointments(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, domain.ErrAppointmentNotFound
	}
	return found[0], nil
}

func scanPostgresAppointments(rows database.Rows) ([]*domain.Appointment, error) {
	defer rows.Close()

	var appointments []*domain.Appointment
	for rows.Next() {
		var (
			s      domain.AppointmentState
			status string
		)
		err := rows.Scan(
			&s.ID, &s.Patient.Name, &s.Patient.Email, &s.Patient.Phone, &s.Slot.Date, &s.Slot.Time,
			&s.Slot.StartsAt, &status, &s.ConfirmationToken, &s.Reminder24hSent, &s.Reminder2hSent,
			&s.Notes, &s.CreatedAt, &s.UpdatedAt, &s.ConfirmedAt, &s.CancelledAt,
		)
		if err != nil {
			return nil, err
		}
		s.Status = domain.Status(status)
		s.Slot.StartsAt = s.Slot.StartsAt.UTC()
		appointments = append(appointments, domain.RehydrateAppointment(s))
	}
	return appointments, rows.Err()
}
