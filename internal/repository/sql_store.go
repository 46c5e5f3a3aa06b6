package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

const paymentColumns = `id, cpf, description, amount, payment_method, status, created_at, updated_at`

// SQLStore is the database/sql backed ledger. It implements
// interfaces.LedgerStore, interfaces.CheckpointStore and interfaces.OutboxStore.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) RunInTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, store: s}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var method, status string
	if err := row.Scan(&p.ID, &p.PayerID, &p.Description, &p.Amount, &method, &status,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Method = models.PaymentMethod(method)
	p.Status = models.PaymentStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *SQLStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment: %w", err)
	}
	return p, nil
}

func (s *SQLStore) ListPayments(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, error) {
	var where []string
	var args []any
	if filter.PayerID != "" {
		where = append(where, "cpf = ?")
		args = append(args, filter.PayerID)
	}
	if filter.Method != "" {
		where = append(where, "payment_method = ?")
		args = append(args, string(filter.Method))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.PageSize, filter.Offset())

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (s *SQLStore) ListHistory(ctx context.Context, paymentID string) ([]models.PaymentHistory, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, payment_id, event, event_data, created_at
		FROM payment_history
		WHERE payment_id = ?
		ORDER BY created_at ASC, id ASC
	`), paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment history: %w", err)
	}
	defer rows.Close()

	entries := []models.PaymentHistory{}
	for rows.Next() {
		var h models.PaymentHistory
		var event string
		var data []byte
		if err := rows.Scan(&h.ID, &h.PaymentID, &event, &data, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment history: %w", err)
		}
		h.Event = models.HistoryEvent(event)
		h.Data = data
		h.CreatedAt = h.CreatedAt.UTC()
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

type sqlTx struct {
	tx    *sql.Tx
	store *SQLStore
}

func (t *sqlTx) LockPayment(ctx context.Context, id string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = ?` + t.store.dialect.lockClause()
	p, err := scanPayment(t.tx.QueryRowContext(ctx, t.store.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}
	return p, nil
}

func (t *sqlTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := t.tx.ExecContext(ctx, t.store.q(`
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.PayerID, p.Description, p.Amount, string(p.Method), string(p.Status),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	res, err := t.tx.ExecContext(ctx, t.store.q(`
		UPDATE payments
		SET description = ?, amount = ?, status = ?, updated_at = ?
		WHERE id = ?
	`), p.Description, p.Amount, string(p.Status), p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (t *sqlTx) AppendHistory(ctx context.Context, h *models.PaymentHistory) error {
	err := t.tx.QueryRowContext(ctx, t.store.q(`
		INSERT INTO payment_history (payment_id, event, event_data, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), h.PaymentID, string(h.Event), string(h.Data), h.CreatedAt).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("failed to append payment history: %w", err)
	}
	return nil
}

func (t *sqlTx) EnqueueEvent(ctx context.Context, e *models.OutboxEvent) error {
	_, err := t.tx.ExecContext(ctx, t.store.q(`
		INSERT INTO outbox_events (id, payment_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), e.ID, e.PaymentID, string(e.Type), string(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

const runColumns = `payment_id, step, attempt, next_poll_at, preference_id, init_point,
	sandbox_init_point, outcome, last_error, created_at, updated_at`

func scanRun(row rowScanner) (*models.SettlementRun, error) {
	var r models.SettlementRun
	var step, outcome string
	var nextPoll sql.NullTime
	if err := row.Scan(&r.PaymentID, &step, &r.Attempt, &nextPoll, &r.PreferenceID, &r.InitPoint,
		&r.SandboxInitPoint, &outcome, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Step = models.SettlementStep(step)
	r.Outcome = models.SettlementOutcome(outcome)
	if nextPoll.Valid {
		r.NextPollAt = nextPoll.Time.UTC()
	}
	return &r, nil
}

func (s *SQLStore) SaveRun(ctx context.Context, r *models.SettlementRun) error {
	var nextPoll sql.NullTime
	if !r.NextPollAt.IsZero() {
		nextPoll = sql.NullTime{Time: r.NextPollAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO settlement_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_id) DO UPDATE SET
			step = excluded.step,
			attempt = excluded.attempt,
			next_poll_at = excluded.next_poll_at,
			preference_id = excluded.preference_id,
			init_point = excluded.init_point,
			sandbox_init_point = excluded.sandbox_init_point,
			outcome = excluded.outcome,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`), r.PaymentID, string(r.Step), r.Attempt, nextPoll, r.PreferenceID, r.InitPoint,
		r.SandboxInitPoint, string(r.Outcome), r.LastError, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save settlement run: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, paymentID string) (*models.SettlementRun, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM settlement_runs WHERE payment_id = ?`), paymentID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch settlement run: %w", err)
	}
	return r, nil
}

func (s *SQLStore) ListActiveRuns(ctx context.Context) ([]models.SettlementRun, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+runColumns+`
		FROM settlement_runs
		WHERE outcome = ''
		ORDER BY created_at ASC
	`))
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SettlementRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLStore) FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, payment_id, event_type, payload, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox events: %w", err)
	}
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var e models.OutboxEvent
		var typ string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.PaymentID, &typ, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Type = models.EventType(typ)
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLStore) MarkPublished(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE outbox_events SET published_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event published: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
