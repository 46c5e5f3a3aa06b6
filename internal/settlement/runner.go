package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
	"github.com/akylbek/payment-system/payment-service/internal/payment"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

const (
	ReasonPreferenceFailed = "Failed to create Mercado Pago preference"
	ReasonTimeout          = "Payment timeout - no status update from Mercado Pago"
)

// preferenceTimeout bounds step 1, which runs detached from the caller.
const preferenceTimeout = 30 * time.Second

var (
	ErrTimeout            = errors.New("payment processing timeout")
	ErrRunInProgress      = errors.New("settlement run already in progress")
	ErrNotGatewayMediated = errors.New("payment method is not gateway-mediated")
)

// WorkflowError reports a run that stopped at a failing step.
type WorkflowError struct {
	PaymentID string
	Step      models.SettlementStep
	Err       error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("settlement of payment %s failed at %s: %v", e.PaymentID, e.Step, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// PaymentService is the part of payment.Service the runner drives.
type PaymentService interface {
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	TransitionStatus(ctx context.Context, id string, status models.PaymentStatus, tctx models.TransitionContext) (payment.TransitionResult, error)
}

type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	GrowthFactor float64
	LeaseTTL     time.Duration
	// AppURL is the public base URL used for back and notification URLs.
	AppURL string
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Second
	}
	if c.GrowthFactor <= 0 {
		c.GrowthFactor = 1.5
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	if c.AppURL == "" {
		c.AppURL = "http://localhost:3000"
	}
	c.AppURL = strings.TrimSuffix(c.AppURL, "/")
}

// Runner executes one durable settlement workflow per gateway-mediated payment.
// Progress is checkpointed after every step so a restarted process resumes
// each run where it stopped.
type Runner struct {
	payments    PaymentService
	gateway     interfaces.GatewayClient
	checkpoints interfaces.CheckpointStore
	locker      interfaces.Locker
	cfg         Config
	backoff     Backoff
	logger      *zap.Logger
	metrics     *telemetry.Metrics
	tracer      trace.Tracer

	// Sleep and Now are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
}

func NewRunner(
	payments PaymentService,
	gateway interfaces.GatewayClient,
	checkpoints interfaces.CheckpointStore,
	locker interfaces.Locker,
	cfg Config,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
) *Runner {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		payments:    payments,
		gateway:     gateway,
		checkpoints: checkpoints,
		locker:      locker,
		cfg:         cfg,
		backoff:     Backoff{Initial: cfg.InitialDelay, Factor: cfg.GrowthFactor},
		logger:      logger,
		metrics:     metrics,
		tracer:      telemetry.Tracer("payment-service/settlement"),
		Sleep:       sleepContext,
		Now:         func() time.Time { return time.Now().UTC() },
		ctx:         ctx,
		cancel:      cancel,
		running:     make(map[string]struct{}),
	}
}

// Start creates the gateway preference for p and polls for the outcome in the
// background. Starting a payment that already has a run returns that run's
// preference instead of creating another one.
func (r *Runner) Start(ctx context.Context, p *models.Payment) (*models.Preference, error) {
	if !p.Method.IsGatewayMediated() {
		return nil, fmt.Errorf("%w: %s", ErrNotGatewayMediated, p.Method)
	}

	existing, err := r.checkpoints.GetRun(ctx, p.ID)
	switch {
	case err == nil:
		if pref := existing.Preference(); pref != nil {
			if existing.Active() {
				r.resumeRun(ctx, *existing)
			}
			return pref, nil
		}
		if !existing.Active() {
			return nil, &WorkflowError{PaymentID: p.ID, Step: models.StepCreatePreference, Err: errors.New(existing.LastError)}
		}
	case !errors.Is(err, interfaces.ErrNotFound):
		return nil, fmt.Errorf("failed to load settlement run: %w", err)
	default:
		existing = nil
	}

	acquired, err := r.locker.TryLock(ctx, p.ID, r.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, p.ID)
	}

	run := models.SettlementRun{
		PaymentID: p.ID,
		Step:      models.StepCreatePreference,
		CreatedAt: r.Now(),
		UpdatedAt: r.Now(),
	}
	if existing != nil {
		run.CreatedAt = existing.CreatedAt
	}

	pref, err := r.createPreference(ctx, p, &run, existing != nil)
	if err != nil {
		r.release(p.ID)
		return nil, err
	}

	r.logger.Info("Settlement run started",
		zap.String("payment_id", p.ID),
		zap.String("preference_id", pref.ExternalID),
		zap.Duration("poll_budget", r.backoff.Total(r.cfg.MaxAttempts)),
	)
	r.launch(run)
	return pref, nil
}

// Resume restarts every unfinished run from its checkpoint. Runs whose lease
// is held elsewhere are skipped.
func (r *Runner) Resume(ctx context.Context) (int, error) {
	runs, err := r.checkpoints.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list settlement runs: %w", err)
	}

	resumed := 0
	for _, run := range runs {
		if r.resumeRun(ctx, run) {
			resumed++
		}
	}

	r.logger.Info("Settlement runs resumed", zap.Int("active", len(runs)), zap.Int("resumed", resumed))
	return resumed, nil
}

// Wait blocks until every background run has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stop cancels background runs and waits for them. Cancelled runs stay
// active in the checkpoint store and are picked up by the next Resume.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) resumeRun(ctx context.Context, run models.SettlementRun) bool {
	if r.isRunning(run.PaymentID) {
		return false
	}

	acquired, err := r.locker.TryLock(ctx, run.PaymentID, r.cfg.LeaseTTL)
	if err != nil {
		r.logger.Warn("Failed to acquire settlement lease", zap.String("payment_id", run.PaymentID), zap.Error(err))
		return false
	}
	if !acquired {
		return false
	}

	if run.Step == models.StepCreatePreference {
		p, err := r.payments.FindByID(ctx, run.PaymentID)
		if err == nil {
			_, err = r.createPreference(ctx, p, &run, true)
		}
		if err != nil {
			r.logger.Error("Failed to resume settlement run",
				zap.String("payment_id", run.PaymentID),
				zap.Error(err),
			)
			r.release(run.PaymentID)
			return false
		}
	}

	r.logger.Info("Resuming settlement run",
		zap.String("payment_id", run.PaymentID),
		zap.Int("attempt", run.Attempt),
	)
	r.launch(run)
	return true
}

// createPreference runs step 1. A recovering run first asks the gateway for
// a preference created before the process stopped so it is not duplicated.
// The step ignores the caller's cancellation: once started it either records
// a preference or marks the payment FAILED.
func (r *Runner) createPreference(ctx context.Context, p *models.Payment, run *models.SettlementRun, recovering bool) (*models.Preference, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), preferenceTimeout)
	defer cancel()

	if err := r.save(ctx, run); err != nil {
		return nil, err
	}

	var pref *models.Preference
	if recovering {
		found, err := r.gateway.FindPreferenceByReference(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up existing preference: %w", err)
		}
		if found != nil {
			r.logger.Info("Reusing existing preference",
				zap.String("payment_id", p.ID),
				zap.String("preference_id", found.ExternalID),
			)
		}
		pref = found
	}

	if pref == nil {
		created, err := r.gateway.CreatePreference(ctx, models.PreferenceRequest{
			PaymentID:       p.ID,
			Description:     p.Description,
			Amount:          p.Amount,
			PayerID:         p.PayerID,
			SuccessURL:      fmt.Sprintf("%s/api/payment/%s/success", r.cfg.AppURL, p.ID),
			PendingURL:      fmt.Sprintf("%s/api/payment/%s/pending", r.cfg.AppURL, p.ID),
			FailureURL:      fmt.Sprintf("%s/api/payment/%s/failure", r.cfg.AppURL, p.ID),
			NotificationURL: r.cfg.AppURL + "/api/webhooks/mercado-pago",
		})
		if err != nil {
			return nil, r.failPreference(ctx, p.ID, run, err)
		}
		pref = created
	}

	run.Step = models.StepPolling
	run.PreferenceID = pref.ExternalID
	run.InitPoint = pref.InitPoint
	run.SandboxInitPoint = pref.SandboxInitPoint
	if err := r.save(ctx, run); err != nil {
		return nil, err
	}
	return pref, nil
}

// failPreference marks the payment FAILED after step 1 failed. The run is
// only finished once that transition is in the ledger; otherwise it stays at
// step 1 for the next Resume.
func (r *Runner) failPreference(ctx context.Context, paymentID string, run *models.SettlementRun, cause error) error {
	r.logger.Error("Failed to create preference",
		zap.String("payment_id", paymentID),
		zap.Error(cause),
	)

	_, err := r.payments.TransitionStatus(ctx, paymentID, models.StatusFailed, models.TransitionContext{
		Source: models.SourceSettlement,
		Reason: ReasonPreferenceFailed,
		Detail: cause.Error(),
	})
	if err != nil && !errors.Is(err, payment.ErrAlreadyFinalized) {
		r.logger.Error("Failed to mark payment failed, run left for resume",
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		run.LastError = cause.Error()
		if serr := r.save(ctx, run); serr != nil {
			r.logger.Error("Failed to checkpoint settlement run", zap.String("payment_id", paymentID), zap.Error(serr))
		}
		return &WorkflowError{PaymentID: paymentID, Step: models.StepCreatePreference, Err: errors.Join(cause, err)}
	}

	r.finish(ctx, run, models.OutcomeFailed, cause)
	return &WorkflowError{PaymentID: paymentID, Step: models.StepCreatePreference, Err: cause}
}

func (r *Runner) launch(run models.SettlementRun) {
	r.mu.Lock()
	r.running[run.PaymentID] = struct{}{}
	r.mu.Unlock()

	r.metrics.SettlementRunStarted()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.metrics.SettlementRunFinished()
		defer func() {
			r.mu.Lock()
			delete(r.running, run.PaymentID)
			r.mu.Unlock()
			r.release(run.PaymentID)
		}()

		err := r.poll(r.ctx, &run)
		switch {
		case errors.Is(err, context.Canceled):
			r.logger.Info("Settlement run suspended",
				zap.String("payment_id", run.PaymentID),
				zap.Int("attempt", run.Attempt),
			)
		case err != nil:
			r.logger.Warn("Settlement run stopped",
				zap.String("payment_id", run.PaymentID),
				zap.Int("attempt", run.Attempt),
				zap.Error(err),
			)
		}
	}()
}

// poll runs the polling step until the payment reaches a terminal status or
// the attempt budget is spent.
func (r *Runner) poll(ctx context.Context, run *models.SettlementRun) error {
	for run.Attempt < r.cfg.MaxAttempts {
		if run.NextPollAt.IsZero() {
			run.NextPollAt = r.Now().Add(r.backoff.Delay(run.Attempt))
			if err := r.save(ctx, run); err != nil {
				return err
			}
		}

		if err := r.Sleep(ctx, run.NextPollAt.Sub(r.Now())); err != nil {
			return err
		}

		if err := r.locker.Refresh(ctx, run.PaymentID, r.cfg.LeaseTTL); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				return err
			}
			r.logger.Warn("Failed to refresh settlement lease", zap.String("payment_id", run.PaymentID), zap.Error(err))
		}

		current, err := r.payments.FindByID(ctx, run.PaymentID)
		if errors.Is(err, payment.ErrNotFound) {
			r.finish(ctx, run, models.OutcomeFailed, err)
			return err
		}
		if err == nil && current.Status.IsTerminal() {
			r.logger.Info("Payment already finalized, settlement run complete",
				zap.String("payment_id", run.PaymentID),
				zap.String("status", string(current.Status)),
			)
			r.finish(ctx, run, outcomeFor(current.Status), nil)
			return nil
		}

		done, err := r.pollOnce(ctx, run)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		run.Attempt++
		run.NextPollAt = time.Time{}
		if err := r.save(ctx, run); err != nil {
			return err
		}
	}

	return r.timeout(ctx, run)
}

func (r *Runner) pollOnce(ctx context.Context, run *models.SettlementRun) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "settlement.poll", trace.WithAttributes(
		attribute.String("payment.id", run.PaymentID),
		attribute.Int("settlement.attempt", run.Attempt+1),
	))
	defer span.End()

	gp, err := r.gateway.FindPaymentByReference(ctx, run.PaymentID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		span.RecordError(err)
		r.metrics.SettlementPolled("error")
		r.logger.Warn("Failed to check payment status",
			zap.String("payment_id", run.PaymentID),
			zap.Int("attempt", run.Attempt+1),
			zap.Error(err),
		)
		run.LastError = err.Error()
		return false, nil
	}

	status := payment.MapGatewayStatus(gp.Status)
	span.SetAttributes(attribute.String("gateway.status", gp.Status))
	if status == models.StatusPending {
		r.metrics.SettlementPolled("pending")
		return false, nil
	}
	r.metrics.SettlementPolled("final")

	res, err := r.payments.TransitionStatus(ctx, run.PaymentID, status, models.TransitionContext{
		Source:           models.SourceSettlement,
		GatewayStatus:    gp.Status,
		GatewayPaymentID: gp.ID,
	})
	switch {
	case errors.Is(err, payment.ErrAlreadyFinalized):
		r.finish(ctx, run, settledOutcome(res), nil)
		return true, nil
	case err != nil:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.logger.Error("Failed to apply gateway status",
			zap.String("payment_id", run.PaymentID),
			zap.String("gateway_status", gp.Status),
			zap.Error(err),
		)
		run.LastError = err.Error()
		return false, nil
	}

	r.finish(ctx, run, settledOutcome(res), nil)
	return true, nil
}

func (r *Runner) timeout(ctx context.Context, run *models.SettlementRun) error {
	res, err := r.payments.TransitionStatus(ctx, run.PaymentID, models.StatusFailed, models.TransitionContext{
		Source: models.SourceSettlement,
		Reason: ReasonTimeout,
	})
	switch {
	case errors.Is(err, payment.ErrAlreadyFinalized):
		r.finish(ctx, run, settledOutcome(res), nil)
		return nil
	case err != nil:
		return fmt.Errorf("failed to mark payment %s timed out: %w", run.PaymentID, err)
	}

	r.logger.Warn("Settlement run timed out",
		zap.String("payment_id", run.PaymentID),
		zap.Int("attempts", run.Attempt),
	)
	r.finish(ctx, run, models.OutcomeTimedOut, ErrTimeout)
	return ErrTimeout
}

func (r *Runner) finish(ctx context.Context, run *models.SettlementRun, outcome models.SettlementOutcome, cause error) {
	run.Step = models.StepDone
	run.Outcome = outcome
	run.NextPollAt = time.Time{}
	if cause != nil {
		run.LastError = cause.Error()
	}

	// the outcome is already in the ledger, so the checkpoint must not be
	// lost to a cancelled request context
	if err := r.save(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Error("Failed to save settlement outcome", zap.String("payment_id", run.PaymentID), zap.Error(err))
	}
}

func (r *Runner) save(ctx context.Context, run *models.SettlementRun) error {
	run.UpdatedAt = r.Now()
	if err := r.checkpoints.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to checkpoint settlement run: %w", err)
	}
	return nil
}

func (r *Runner) release(paymentID string) {
	if err := r.locker.Unlock(context.Background(), paymentID); err != nil {
		r.logger.Warn("Failed to release settlement lease", zap.String("payment_id", paymentID), zap.Error(err))
	}
}

func (r *Runner) isRunning(paymentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[paymentID]
	return ok
}

// settledOutcome reads the outcome of a run that lost the race to another
// reconciliation path.
func settledOutcome(res payment.TransitionResult) models.SettlementOutcome {
	if res.Payment == nil {
		return models.OutcomeFailed
	}
	return outcomeFor(res.Payment.Status)
}

func outcomeFor(status models.PaymentStatus) models.SettlementOutcome {
	switch status {
	case models.StatusPaid:
		return models.OutcomePaid
	case models.StatusFailed:
		return models.OutcomeFailed
	}
	return models.OutcomeNone
}
