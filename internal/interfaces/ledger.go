package interfaces

import (
	"context"
	"errors"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// LedgerStore defines the contract for payment and history persistence.
// RunInTx commits every write done through tx, or none of them.
type LedgerStore interface {
	RunInTx(ctx context.Context, fn func(tx LedgerTx) error) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	ListPayments(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, error)
	ListHistory(ctx context.Context, paymentID string) ([]models.PaymentHistory, error)
}

// LedgerTx is a transactional handle. LockPayment serializes concurrent
// transactions touching the same payment until commit or rollback.
type LedgerTx interface {
	LockPayment(ctx context.Context, id string) (*models.Payment, error)
	InsertPayment(ctx context.Context, payment *models.Payment) error
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	AppendHistory(ctx context.Context, entry *models.PaymentHistory) error
	EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error
}

// CheckpointStore persists settlement workflow progress.
type CheckpointStore interface {
	SaveRun(ctx context.Context, run *models.SettlementRun) error
	GetRun(ctx context.Context, paymentID string) (*models.SettlementRun, error)
	ListActiveRuns(ctx context.Context) ([]models.SettlementRun, error)
}

// OutboxStore is read by the event dispatcher.
type OutboxStore interface {
	FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string) error
}
