package patients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/covecare/callops/internal/phone"
)

// PgxPool is the subset of pgxpool.Pool the repository needs; pgxmock
// satisfies it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores patients in the relational database.
type PostgresRepository struct {
	pool PgxPool
}

// NewPostgresRepository initializes a repo backed by pgx.
func NewPostgresRepository(pool PgxPool) *PostgresRepository {
	if pool == nil {
		panic("patients: pgx pool required")
	}
	return &PostgresRepository{pool: pool}
}

// Create inserts a new row.
func (r *PostgresRepository) Create(ctx context.Context, req *CreatePatientRequest) (*Patient, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	query := `
		INSERT INTO patients (id, name, phone, phone_digits, chart_number)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	var createdAt time.Time
	if err := r.pool.QueryRow(ctx, query,
		id,
		req.Name,
		phone.Format(req.Phone),
		phone.Normalize(req.Phone),
		req.ChartNumber,
	).Scan(&createdAt); err != nil {
		return nil, fmt.Errorf("patients: insert failed: %w", err)
	}

	return &Patient{
		ID:          id.String(),
		Name:        req.Name,
		Phone:       phone.Format(req.Phone),
		PhoneDigits: phone.Normalize(req.Phone),
		ChartNumber: req.ChartNumber,
		CreatedAt:   createdAt,
	}, nil
}

// GetByID fetches a patient by primary key.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Patient, error) {
	query := selectColumns + ` WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// FindByPhoneDisplay matches the stored display form exactly.
func (r *PostgresRepository) FindByPhoneDisplay(ctx context.Context, display string) (*Patient, error) {
	query := selectColumns + ` WHERE phone = $1 ORDER BY created_at DESC LIMIT 1`
	return r.scanOne(r.pool.QueryRow(ctx, query, display))
}

// FindByPhoneDigits matches the canonical digit form exactly.
func (r *PostgresRepository) FindByPhoneDigits(ctx context.Context, digits string) (*Patient, error) {
	query := selectColumns + ` WHERE phone_digits = $1 ORDER BY created_at DESC LIMIT 1`
	return r.scanOne(r.pool.QueryRow(ctx, query, digits))
}

// FindByPhoneSuffix matches the trailing digits of the stored number. Rows
// written before prefixes were normalized still resolve this way.
func (r *PostgresRepository) FindByPhoneSuffix(ctx context.Context, suffix string) (*Patient, error) {
	if suffix == "" {
		return nil, ErrPatientNotFound
	}
	query := selectColumns + ` WHERE phone_digits LIKE '%' || $1 ORDER BY created_at DESC LIMIT 1`
	return r.scanOne(r.pool.QueryRow(ctx, query, suffix))
}

const selectColumns = `
	SELECT id, name, phone, phone_digits, chart_number, created_at, last_visit_at
	FROM patients`

func (r *PostgresRepository) scanOne(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Phone,
		&p.PhoneDigits,
		&p.ChartNumber,
		&p.CreatedAt,
		&p.LastVisitAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("patients: select failed: %w", err)
	}
	return &p, nil
}
