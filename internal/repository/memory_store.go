package repository

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

// MemoryStore keeps the ledger in process memory. Transactions are
// serialized by a single mutex and staged until the callback returns nil.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]models.Payment
	history  []models.PaymentHistory
	outbox   []models.OutboxEvent
	runs     map[string]models.SettlementRun
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]models.Payment),
		runs:     make(map[string]models.SettlementRun),
	}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:    s,
		payments: make(map[string]models.Payment),
		nextID:   s.nextID,
	}
	if err := fn(tx); err != nil {
		return err
	}

	maps.Copy(s.payments, tx.payments)
	s.history = append(s.history, tx.history...)
	s.outbox = append(s.outbox, tx.outbox...)
	s.nextID = tx.nextID
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ListPayments(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []models.Payment{}
	for _, p := range s.payments {
		if filter.PayerID != "" && p.PayerID != filter.PayerID {
			continue
		}
		if filter.Method != "" && p.Method != filter.Method {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		matched = append(matched, p)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	offset := filter.Offset()
	if offset < 0 || offset >= len(matched) {
		return []models.Payment{}, nil
	}
	end := offset + filter.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (s *MemoryStore) ListHistory(ctx context.Context, paymentID string) ([]models.PaymentHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := []models.PaymentHistory{}
	for _, h := range s.history {
		if h.PaymentID == paymentID {
			entries = append(entries, h)
		}
	}
	return entries, nil
}

func (s *MemoryStore) SaveRun(ctx context.Context, r *models.SettlementRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[r.PaymentID] = *r
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, paymentID string) (*models.SettlementRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[paymentID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) ListActiveRuns(ctx context.Context) ([]models.SettlementRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []models.SettlementRun
	for _, r := range s.runs {
		if r.Active() {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

func (s *MemoryStore) FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []models.OutboxEvent
	for _, e := range s.outbox {
		if e.PublishedAt != nil {
			continue
		}
		events = append(events, e)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == id {
			now := time.Now().UTC()
			s.outbox[i].PublishedAt = &now
			return nil
		}
	}
	return interfaces.ErrNotFound
}

// Payments returns a snapshot of every stored payment keyed by id.
func (s *MemoryStore) Payments() map[string]models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.payments)
}

type memoryTx struct {
	store    *MemoryStore
	payments map[string]models.Payment
	history  []models.PaymentHistory
	outbox   []models.OutboxEvent
	nextID   int64
}

func (t *memoryTx) lookup(id string) (models.Payment, bool) {
	if p, ok := t.payments[id]; ok {
		return p, true
	}
	p, ok := t.store.payments[id]
	return p, ok
}

func (t *memoryTx) LockPayment(ctx context.Context, id string) (*models.Payment, error) {
	p, ok := t.lookup(id)
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &p, nil
}

func (t *memoryTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	t.payments[p.ID] = *p
	return nil
}

func (t *memoryTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	if _, ok := t.lookup(p.ID); !ok {
		return interfaces.ErrNotFound
	}
	t.payments[p.ID] = *p
	return nil
}

func (t *memoryTx) AppendHistory(ctx context.Context, h *models.PaymentHistory) error {
	t.nextID++
	h.ID = t.nextID
	t.history = append(t.history, *h)
	return nil
}

func (t *memoryTx) EnqueueEvent(ctx context.Context, e *models.OutboxEvent) error {
	t.outbox = append(t.outbox, *e)
	return nil
}
