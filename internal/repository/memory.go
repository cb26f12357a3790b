package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/shopspring/decimal"
)

// Memory is an in-memory Store for tests and local runs. It enforces the
// same uniqueness rules as the SQL schema and rolls back failed transactions.
type Memory struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	customers map[uuid.UUID]db.Customer
	meters    map[uuid.UUID]db.Meter
	readings  map[uuid.UUID]db.Reading
	bills     map[uuid.UUID]db.Bill
	proofs    map[uuid.UUID]db.PaymentProof
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: &memData{
		customers: make(map[uuid.UUID]db.Customer),
		meters:    make(map[uuid.UUID]db.Meter),
		readings:  make(map[uuid.UUID]db.Reading),
		bills:     make(map[uuid.UUID]db.Bill),
		proofs:    make(map[uuid.UUID]db.PaymentProof),
	}}
}

func (d *memData) clone() *memData {
	c := &memData{
		customers: make(map[uuid.UUID]db.Customer, len(d.customers)),
		meters:    make(map[uuid.UUID]db.Meter, len(d.meters)),
		readings:  make(map[uuid.UUID]db.Reading, len(d.readings)),
		bills:     make(map[uuid.UUID]db.Bill, len(d.bills)),
		proofs:    make(map[uuid.UUID]db.PaymentProof, len(d.proofs)),
	}
	for k, v := range d.customers {
		c.customers[k] = v
	}
	for k, v := range d.meters {
		c.meters[k] = v
	}
	for k, v := range d.readings {
		c.readings[k] = v
	}
	for k, v := range d.bills {
		c.bills[k] = v
	}
	for k, v := range d.proofs {
		c.proofs[k] = v
	}
	return c
}

// InTx serializes fn against all other operations and restores the
// previous state if fn fails.
func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(ctx, m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *Memory) GetCustomer(ctx context.Context, id uuid.UUID) (*db.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetCustomer(ctx, id)
}

func (m *Memory) GetCustomerByUserID(ctx context.Context, userID string) (*db.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetCustomerByUserID(ctx, userID)
}

func (m *Memory) InsertCustomer(ctx context.Context, c *db.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertCustomer(ctx, c)
}

func (m *Memory) GetMeter(ctx context.Context, id uuid.UUID) (*db.Meter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetMeter(ctx, id)
}

func (m *Memory) GetPrimaryMeter(ctx context.Context, customerID uuid.UUID) (*db.Meter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetPrimaryMeter(ctx, customerID)
}

func (m *Memory) InsertMeter(ctx context.Context, meter *db.Meter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertMeter(ctx, meter)
}

func (m *Memory) LockMeter(ctx context.Context, meterID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LockMeter(ctx, meterID)
}

func (m *Memory) UpdateMeterLastReading(ctx context.Context, meterID uuid.UUID, value decimal.Decimal, readAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateMeterLastReading(ctx, meterID, value, readAt)
}

func (m *Memory) LatestReading(ctx context.Context, meterID uuid.UUID) (*db.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LatestReading(ctx, meterID)
}

func (m *Memory) GetReading(ctx context.Context, id uuid.UUID) (*db.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetReading(ctx, id)
}

func (m *Memory) GetReadingByIdempotencyKey(ctx context.Context, meterID uuid.UUID, key string) (*db.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetReadingByIdempotencyKey(ctx, meterID, key)
}

func (m *Memory) ListReadings(ctx context.Context, meterID uuid.UUID, limit int) ([]db.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListReadings(ctx, meterID, limit)
}

func (m *Memory) InsertReading(ctx context.Context, rd *db.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertReading(ctx, rd)
}

func (m *Memory) GetBill(ctx context.Context, id uuid.UUID) (*db.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetBill(ctx, id)
}

func (m *Memory) GetBillByReading(ctx context.Context, readingID uuid.UUID) (*db.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetBillByReading(ctx, readingID)
}

func (m *Memory) ListBills(ctx context.Context, customerID uuid.UUID, limit int) ([]db.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListBills(ctx, customerID, limit)
}

func (m *Memory) InsertBill(ctx context.Context, b *db.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertBill(ctx, b)
}

func (m *Memory) MarkBillPaid(ctx context.Context, id uuid.UUID, proofRef string, paidAt time.Time) (*db.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.MarkBillPaid(ctx, id, proofRef, paidAt)
}

func (m *Memory) InsertPaymentProof(ctx context.Context, p *db.PaymentProof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertPaymentProof(ctx, p)
}

// =============================================================================
// memData implements Queries without locking; callers hold Memory.mu.
// =============================================================================

func (d *memData) GetCustomer(_ context.Context, id uuid.UUID) (*db.Customer, error) {
	c, ok := d.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (d *memData) GetCustomerByUserID(_ context.Context, userID string) (*db.Customer, error) {
	for _, c := range d.customers {
		if c.UserID == userID {
			c := c
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) InsertCustomer(_ context.Context, c *db.Customer) error {
	if _, ok := d.customers[c.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range d.customers {
		if existing.UserID == c.UserID {
			return ErrDuplicate
		}
	}
	d.customers[c.ID] = *c
	return nil
}

func (d *memData) GetMeter(_ context.Context, id uuid.UUID) (*db.Meter, error) {
	m, ok := d.meters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (d *memData) GetPrimaryMeter(_ context.Context, customerID uuid.UUID) (*db.Meter, error) {
	var primary *db.Meter
	for _, m := range d.meters {
		if m.CustomerID != customerID {
			continue
		}
		if primary == nil || m.CreatedAt.Before(primary.CreatedAt) {
			m := m
			primary = &m
		}
	}
	if primary == nil {
		return nil, ErrNotFound
	}
	return primary, nil
}

func (d *memData) InsertMeter(_ context.Context, m *db.Meter) error {
	if _, ok := d.meters[m.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := d.customers[m.CustomerID]; !ok {
		return ErrNotFound
	}
	for _, existing := range d.meters {
		if existing.SerialNumber == m.SerialNumber {
			return ErrDuplicate
		}
	}
	d.meters[m.ID] = *m
	return nil
}

// LockMeter only checks existence; InTx already holds the store lock.
func (d *memData) LockMeter(_ context.Context, meterID uuid.UUID) error {
	if _, ok := d.meters[meterID]; !ok {
		return ErrNotFound
	}
	return nil
}

func (d *memData) UpdateMeterLastReading(_ context.Context, meterID uuid.UUID, value decimal.Decimal, readAt time.Time) error {
	m, ok := d.meters[meterID]
	if !ok {
		return ErrNotFound
	}
	m.LastReading = &value
	m.LastReadAt = &readAt
	d.meters[meterID] = m
	return nil
}

// ledger returns a meter's readings sorted by read_at descending
func (d *memData) ledger(meterID uuid.UUID) []db.Reading {
	var out []db.Reading
	for _, rd := range d.readings {
		if rd.MeterID == meterID {
			out = append(out, rd)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReadAt.After(out[j].ReadAt)
	})
	return out
}

func (d *memData) LatestReading(_ context.Context, meterID uuid.UUID) (*db.Reading, error) {
	ledger := d.ledger(meterID)
	if len(ledger) == 0 {
		return nil, ErrNotFound
	}
	return &ledger[0], nil
}

func (d *memData) GetReading(_ context.Context, id uuid.UUID) (*db.Reading, error) {
	rd, ok := d.readings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rd, nil
}

func (d *memData) GetReadingByIdempotencyKey(_ context.Context, meterID uuid.UUID, key string) (*db.Reading, error) {
	for _, rd := range d.readings {
		if rd.MeterID == meterID && rd.IdempotencyKey != nil && *rd.IdempotencyKey == key {
			rd := rd
			return &rd, nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) ListReadings(_ context.Context, meterID uuid.UUID, limit int) ([]db.Reading, error) {
	ledger := d.ledger(meterID)
	if limit > 0 && len(ledger) > limit {
		ledger = ledger[:limit]
	}
	return ledger, nil
}

func (d *memData) InsertReading(_ context.Context, rd *db.Reading) error {
	if _, ok := d.meters[rd.MeterID]; !ok {
		return ErrNotFound
	}
	if _, ok := d.readings[rd.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range d.readings {
		if existing.MeterID != rd.MeterID {
			continue
		}
		if existing.ReadAt.Equal(rd.ReadAt) {
			return ErrDuplicate
		}
		if rd.IdempotencyKey != nil && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *rd.IdempotencyKey {
			return ErrDuplicate
		}
	}
	d.readings[rd.ID] = *rd
	return nil
}

func (d *memData) GetBill(_ context.Context, id uuid.UUID) (*db.Bill, error) {
	b, ok := d.bills[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (d *memData) GetBillByReading(_ context.Context, readingID uuid.UUID) (*db.Bill, error) {
	for _, b := range d.bills {
		if b.ReadingID == readingID {
			b := b
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) ListBills(_ context.Context, customerID uuid.UUID, limit int) ([]db.Bill, error) {
	var out []db.Bill
	for _, b := range d.bills {
		if b.CustomerID == customerID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *memData) InsertBill(_ context.Context, b *db.Bill) error {
	if _, ok := d.bills[b.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range d.bills {
		if existing.ReadingID == b.ReadingID {
			return ErrDuplicate
		}
	}
	d.bills[b.ID] = *b
	return nil
}

func (d *memData) MarkBillPaid(_ context.Context, id uuid.UUID, proofRef string, paidAt time.Time) (*db.Bill, error) {
	b, ok := d.bills[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := billing.MarkPaid(&b, proofRef, paidAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	d.bills[id] = b
	return &b, nil
}

func (d *memData) InsertPaymentProof(_ context.Context, p *db.PaymentProof) error {
	if _, ok := d.bills[p.BillID]; !ok {
		return ErrNotFound
	}
	for _, existing := range d.proofs {
		if existing.BillID == p.BillID {
			return ErrDuplicate
		}
	}
	d.proofs[p.ID] = *p
	return nil
}
