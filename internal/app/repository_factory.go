package app

import (
	"fmt"

	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	"github.com/felixgeelhaar/clinicflow/internal/booking/infrastructure/persistence"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
)

// RepositoryFactory creates repositories based on the database driver.
type RepositoryFactory struct {
	conn   database.Connection
	driver database.Driver
}

// NewRepositoryFactory creates a new repository factory.
func NewRepositoryFactory(conn database.Connection) *RepositoryFactory {
	return &RepositoryFactory{
		conn:   conn,
		driver: conn.Driver(),
	}
}

// AppointmentRepository creates an appointment repository for the configured driver.
func (f *RepositoryFactory) AppointmentRepository() (domain.Repository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return persistence.NewPostgresAppointmentRepository(f.conn), nil
	case database.DriverSQLite:
		return persistence.NewSQLiteAppointmentRepository(f.conn), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// OutboxRepository creates an outbox repository for the configured driver.
func (f *RepositoryFactory) OutboxRepository() (outbox.Repository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return outbox.NewPostgresRepository(f.conn), nil
	case database.DriverSQLite:
		return outbox.NewSQLiteRepository(f.conn), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// Driver returns the database driver type.
func (f *RepositoryFactory) Driver() database.Driver {
	return f.driver
}
