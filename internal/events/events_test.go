package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
	"github.com/akylbek/payment-system/payment-service/internal/payment"
	"github.com/akylbek/payment-system/payment-service/internal/repository"
)

type fakePublisher struct {
	published []models.OutboxEvent
	fail      func(models.OutboxEvent) error
}

func (f *fakePublisher) Publish(ctx context.Context, evt models.OutboxEvent) error {
	if f.fail != nil {
		if err := f.fail(evt); err != nil {
			return err
		}
	}
	f.published = append(f.published, evt)
	return nil
}

type fakeWriter struct {
	messages []kafka.Message
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

type fakeConn struct {
	subjects []string
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.subjects = append(f.subjects, subj)
	return nil
}

func seedPayment(t *testing.T) (*repository.MemoryStore, *payment.Service, *models.Payment) {
	t.Helper()
	store := repository.NewMemoryStore()
	svc := payment.NewService(store, zap.NewNop())
	p, err := svc.CreatePayment(context.Background(), payment.CreatePaymentInput{
		PayerID:     "11122233344",
		Description: "Headphones",
		Amount:      decimal.NewFromInt(250),
		Method:      models.MethodCreditCard,
	})
	require.NoError(t, err)
	return store, svc, p
}

func TestDispatcher_PublishesAndMarks(t *testing.T) {
	store, svc, p := seedPayment(t)
	_, err := svc.TransitionStatus(context.Background(), p.ID, models.StatusPaid, models.TransitionContext{Source: models.SourceWebhook})
	require.NoError(t, err)

	a, b := &fakePublisher{}, &fakePublisher{}
	d := NewDispatcher(store, []interfaces.EventPublisher{a, b}, time.Millisecond, 10, zap.NewNop(), nil)

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, a.published, 2)
	assert.Equal(t, models.EventTypePaymentCreated, a.published[0].Type)
	assert.Equal(t, models.EventTypePaymentStatusChanged, a.published[1].Type)
	assert.Equal(t, a.published, b.published)

	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, a.published, 2)
}

func TestDispatcher_StopsAtFailureAndRetries(t *testing.T) {
	store, svc, p := seedPayment(t)
	_, err := svc.TransitionStatus(context.Background(), p.ID, models.StatusFailed, models.TransitionContext{Source: models.SourceSettlement})
	require.NoError(t, err)

	down := true
	pub := &fakePublisher{fail: func(evt models.OutboxEvent) error {
		if down && evt.Type == models.EventTypePaymentStatusChanged {
			return errors.New("broker unavailable")
		}
		return nil
	}}
	d := NewDispatcher(store, []interfaces.EventPublisher{pub}, time.Millisecond, 10, zap.NewNop(), nil)

	n, err := d.DispatchOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	down = false
	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.published, 2)
	var evt models.PaymentStateChangedEvent
	require.NoError(t, json.Unmarshal(pub.published[1].Payload, &evt))
	assert.Equal(t, models.StatusFailed, evt.State)
	assert.Equal(t, models.StatusPending, evt.PreviousState)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	store, _, _ := seedPayment(t)
	pub := &fakePublisher{}
	d := NewDispatcher(store, []interfaces.EventPublisher{pub}, time.Millisecond, 10, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		events, err := store.FetchUnpublished(context.Background(), 10)
		return err == nil && len(events) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Len(t, pub.published, 1)
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), models.OutboxEvent{
		ID:        "evt-1",
		PaymentID: "pay-1",
		Type:      models.EventTypePaymentStatusChanged,
		Payload:   []byte(`{"state":"PAID"}`),
		CreatedAt: created,
	})
	require.NoError(t, err)

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "pay-1", string(msg.Key))
	assert.JSONEq(t, `{"state":"PAID"}`, string(msg.Value))
	assert.Equal(t, created, msg.Time)
	assert.Equal(t, []kafka.Header{
		{Key: "event_id", Value: []byte("evt-1")},
		{Key: "event_type", Value: []byte("payment.status_changed")},
	}, msg.Headers)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNATSPublisher_Subjects(t *testing.T) {
	conn := &fakeConn{}
	p := &NATSPublisher{conn: conn, prefix: "payments"}
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, models.OutboxEvent{ID: "1", Type: models.EventTypePaymentCreated, Payload: []byte(`{}`)}))
	require.NoError(t, p.Publish(ctx, models.OutboxEvent{ID: "2", Type: models.EventTypePaymentStatusChanged, Payload: []byte(`{"state":"PAID"}`)}))
	require.NoError(t, p.Publish(ctx, models.OutboxEvent{ID: "3", Type: models.EventTypePaymentStatusChanged, Payload: []byte(`{"state":"FAILED"}`)}))

	assert.Equal(t, []string{"payments.created", "payments.paid", "payments.failed"}, conn.subjects)

	err := p.Publish(ctx, models.OutboxEvent{ID: "4", Type: models.EventTypePaymentStatusChanged, Payload: []byte(`not json`)})
	assert.Error(t, err)
	assert.Len(t, conn.subjects, 3)
}
