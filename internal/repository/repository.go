package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
	q    querier
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, q: pool}
}

// InTx runs fn inside a database transaction
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &Repository{pool: r.pool, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func mapError(err error, action string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w (%s)", action, ErrDuplicate, pgErr.ConstraintName)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

const customerColumns = `id, user_id, full_name, address, phone, email, created_at`

func scanCustomer(row pgx.Row) (*db.Customer, error) {
	var c db.Customer
	err := row.Scan(&c.ID, &c.UserID, &c.FullName, &c.Address, &c.Phone, &c.Email, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCustomer retrieves a customer by id
func (r *Repository) GetCustomer(ctx context.Context, id uuid.UUID) (*db.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`
	c, err := scanCustomer(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "query customer")
	}
	return c, nil
}

// GetCustomerByUserID retrieves the customer linked to an authenticated user
func (r *Repository) GetCustomerByUserID(ctx context.Context, userID string) (*db.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE user_id = $1`
	c, err := scanCustomer(r.q.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, mapError(err, "query customer by user")
	}
	return c, nil
}

// InsertCustomer inserts a customer
func (r *Repository) InsertCustomer(ctx context.Context, c *db.Customer) error {
	query := `
		INSERT INTO customers (` + customerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.q.Exec(ctx, query, c.ID, c.UserID, c.FullName, c.Address, c.Phone, c.Email, c.CreatedAt)
	if err != nil {
		return mapError(err, "insert customer")
	}
	return nil
}

const meterColumns = `id, customer_id, serial_number, installed_on, last_reading, last_read_at, created_at`

func scanMeter(row pgx.Row) (*db.Meter, error) {
	var (
		m           db.Meter
		lastReading decimal.NullDecimal
	)
	err := row.Scan(&m.ID, &m.CustomerID, &m.SerialNumber, &m.InstalledOn, &lastReading, &m.LastReadAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastReading.Valid {
		m.LastReading = &lastReading.Decimal
	}
	return &m, nil
}

// GetMeter retrieves a meter by id
func (r *Repository) GetMeter(ctx context.Context, id uuid.UUID) (*db.Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meters WHERE id = $1`
	m, err := scanMeter(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "query meter")
	}
	return m, nil
}

// GetPrimaryMeter retrieves the first meter registered for a customer
func (r *Repository) GetPrimaryMeter(ctx context.Context, customerID uuid.UUID) (*db.Meter, error) {
	query := `
		SELECT ` + meterColumns + `
		FROM meters
		WHERE customer_id = $1
		ORDER BY created_at ASC
		LIMIT 1
	`
	m, err := scanMeter(r.q.QueryRow(ctx, query, customerID))
	if err != nil {
		return nil, mapError(err, "query primary meter")
	}
	return m, nil
}

// InsertMeter inserts a meter
func (r *Repository) InsertMeter(ctx context.Context, m *db.Meter) error {
	query := `
		INSERT INTO meters (` + meterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	var lastReading decimal.NullDecimal
	if m.LastReading != nil {
		lastReading = decimal.NewNullDecimal(*m.LastReading)
	}
	_, err := r.q.Exec(ctx, query, m.ID, m.CustomerID, m.SerialNumber, m.InstalledOn, lastReading, m.LastReadAt, m.CreatedAt)
	if err != nil {
		return mapError(err, "insert meter")
	}
	return nil
}

// LockMeter takes a row lock on the meter for the rest of the transaction
func (r *Repository) LockMeter(ctx context.Context, meterID uuid.UUID) error {
	var id uuid.UUID
	err := r.q.QueryRow(ctx, `SELECT id FROM meters WHERE id = $1 FOR UPDATE`, meterID).Scan(&id)
	if err != nil {
		return mapError(err, "lock meter")
	}
	return nil
}

// UpdateMeterLastReading refreshes the meter's cached latest reading
func (r *Repository) UpdateMeterLastReading(ctx context.Context, meterID uuid.UUID, value decimal.Decimal, readAt time.Time) error {
	query := `
		UPDATE meters
		SET last_reading = $1, last_read_at = $2
		WHERE id = $3
	`
	tag, err := r.q.Exec(ctx, query, value, readAt, meterID)
	if err != nil {
		return mapError(err, "update meter last reading")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const readingColumns = `id, meter_id, read_at, reading_value, usage, photo_ref, anomaly_reason, idempotency_key, created_at`

func scanReading(row pgx.Row) (*db.Reading, error) {
	var rd db.Reading
	err := row.Scan(&rd.ID, &rd.MeterID, &rd.ReadAt, &rd.Value, &rd.Usage,
		&rd.PhotoRef, &rd.AnomalyReason, &rd.IdempotencyKey, &rd.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rd, nil
}

// LatestReading retrieves the most recent reading of a meter
func (r *Repository) LatestReading(ctx context.Context, meterID uuid.UUID) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE meter_id = $1
		ORDER BY read_at DESC
		LIMIT 1
	`
	rd, err := scanReading(r.q.QueryRow(ctx, query, meterID))
	if err != nil {
		return nil, mapError(err, "query latest reading")
	}
	return rd, nil
}

// GetReading retrieves a reading by id
func (r *Repository) GetReading(ctx context.Context, id uuid.UUID) (*db.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM meter_readings WHERE id = $1`
	rd, err := scanReading(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "query reading")
	}
	return rd, nil
}

// GetReadingByIdempotencyKey retrieves a reading previously submitted with key
func (r *Repository) GetReadingByIdempotencyKey(ctx context.Context, meterID uuid.UUID, key string) (*db.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM meter_readings WHERE meter_id = $1 AND idempotency_key = $2`
	rd, err := scanReading(r.q.QueryRow(ctx, query, meterID, key))
	if err != nil {
		return nil, mapError(err, "query reading by idempotency key")
	}
	return rd, nil
}

// ListReadings retrieves the reading ledger of a meter, newest first
func (r *Repository) ListReadings(ctx context.Context, meterID uuid.UUID, limit int) ([]db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE meter_id = $1
		ORDER BY read_at DESC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, meterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []db.Reading
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, *rd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return readings, nil
}

// InsertReading appends a reading to the ledger
func (r *Repository) InsertReading(ctx context.Context, rd *db.Reading) error {
	query := `
		INSERT INTO meter_readings (` + readingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.q.Exec(ctx, query,
		rd.ID,
		rd.MeterID,
		rd.ReadAt,
		rd.Value,
		rd.Usage,
		rd.PhotoRef,
		rd.AnomalyReason,
		rd.IdempotencyKey,
		rd.CreatedAt,
	)
	if err != nil {
		return mapError(err, "insert meter reading")
	}
	return nil
}

const billColumns = `id, customer_id, reading_id, issued_at, usage, unit_rate, amount, currency, due_at, status, proof_ref, paid_at`

func scanBill(row pgx.Row) (*db.Bill, error) {
	var (
		b      db.Bill
		status string
	)
	err := row.Scan(&b.ID, &b.CustomerID, &b.ReadingID, &b.IssuedAt, &b.Usage, &b.UnitRate,
		&b.Amount, &b.Currency, &b.DueAt, &status, &b.ProofRef, &b.PaidAt)
	if err != nil {
		return nil, err
	}
	b.Status = db.BillStatus(status)
	return &b, nil
}

// GetBill retrieves a bill by id
func (r *Repository) GetBill(ctx context.Context, id uuid.UUID) (*db.Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills WHERE id = $1`
	b, err := scanBill(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "query bill")
	}
	return b, nil
}

// GetBillByReading retrieves the bill generated from a reading
func (r *Repository) GetBillByReading(ctx context.Context, readingID uuid.UUID) (*db.Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills WHERE reading_id = $1`
	b, err := scanBill(r.q.QueryRow(ctx, query, readingID))
	if err != nil {
		return nil, mapError(err, "query bill by reading")
	}
	return b, nil
}

// ListBills retrieves a customer's bills, newest first
func (r *Repository) ListBills(ctx context.Context, customerID uuid.UUID, limit int) ([]db.Bill, error) {
	query := `
		SELECT ` + billColumns + `
		FROM bills
		WHERE customer_id = $1
		ORDER BY issued_at DESC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []db.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bill: %w", err)
		}
		bills = append(bills, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return bills, nil
}

// InsertBill inserts a bill; a second bill for the same reading is ErrDuplicate
func (r *Repository) InsertBill(ctx context.Context, b *db.Bill) error {
	query := `
		INSERT INTO bills (` + billColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.q.Exec(ctx, query,
		b.ID,
		b.CustomerID,
		b.ReadingID,
		b.IssuedAt,
		b.Usage,
		b.UnitRate,
		b.Amount,
		b.Currency,
		b.DueAt,
		string(b.Status),
		b.ProofRef,
		b.PaidAt,
	)
	if err != nil {
		return mapError(err, "insert bill")
	}
	return nil
}

// MarkBillPaid moves an unpaid bill to paid
func (r *Repository) MarkBillPaid(ctx context.Context, id uuid.UUID, proofRef string, paidAt time.Time) (*db.Bill, error) {
	query := `
		UPDATE bills
		SET status = $1, proof_ref = $2, paid_at = $3
		WHERE id = $4 AND status = $5
		RETURNING ` + billColumns

	b, err := scanBill(r.q.QueryRow(ctx, query,
		string(db.BillStatusPaid), proofRef, paidAt, id, string(db.BillStatusUnpaid)))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the bill is gone or it is no longer unpaid.
		if _, getErr := r.GetBill(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, mapError(err, "mark bill paid")
	}
	return b, nil
}

// InsertPaymentProof records the proof artifact of a bill payment
func (r *Repository) InsertPaymentProof(ctx context.Context, p *db.PaymentProof) error {
	query := `
		INSERT INTO payment_proofs (id, bill_id, method, artifact_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.q.Exec(ctx, query, p.ID, p.BillID, p.Method, p.ArtifactRef, p.CreatedAt)
	if err != nil {
		return mapError(err, "insert payment proof")
	}
	return nil
}
