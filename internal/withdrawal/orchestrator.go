// Package withdrawal moves reserved marks to an on-chain payout. The ledger
// reservation commits before anything is sent, so every step after it either
// finalizes the withdrawal or leaves it for the reconciler.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/ledger"
	"github.com/surveyhelp/backend/internal/metrics"
	"github.com/surveyhelp/backend/internal/models"
	"github.com/surveyhelp/backend/internal/rates"
	"github.com/surveyhelp/backend/internal/settlement"
)

// Ledger is the subset of *ledger.Store the orchestrator and reconciler use.
type Ledger interface {
	ReserveForWithdrawal(ctx context.Context, r ledger.Reservation) (*models.Withdrawal, error)
	RecordSubmission(ctx context.Context, id uuid.UUID, ref string, seq uint64, payload []byte) error
	FinalizeWithdrawal(ctx context.Context, id uuid.UUID, o ledger.Outcome) (*models.Withdrawal, error)
	ApproveWithdrawal(ctx context.Context, id uuid.UUID, ref string) (*models.Withdrawal, error)
	RejectWithdrawal(ctx context.Context, id uuid.UUID, reason string) (*models.Withdrawal, error)
	CancelWithdrawal(ctx context.Context, id, userID uuid.UUID) (*models.Withdrawal, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	ListUnsettled(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Withdrawal, error)
	ListExpired(ctx context.Context, limit int) ([]*models.Withdrawal, error)
}

// InsertTxFunc enqueues a job within the given transaction. Provided by main
// using river.Client.InsertTx.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error

type Config struct {
	// Mode is models.SettlementGateway or models.SettlementManual.
	Mode           string
	Deadline       time.Duration
	ReconcileDelay time.Duration
	StaleAfter     time.Duration
	RetryIn        time.Duration
	// SettleTimeout bounds the gateway calls of one inline settlement.
	SettleTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = models.SettlementGateway
	}
	if c.Deadline <= 0 {
		c.Deadline = 30 * time.Minute
	}
	if c.ReconcileDelay <= 0 {
		c.ReconcileDelay = 2 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = c.ReconcileDelay
	}
	if c.RetryIn <= 0 {
		c.RetryIn = time.Minute
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 2 * time.Minute
	}
}

// Request is an inbound withdrawal.
type Request struct {
	UserID        uuid.UUID
	Marks         int
	WalletAddress string
	Nonce         string
	Deadline      time.Time
}

// Result is what the caller sees once processing stops, settled or not.
type Result struct {
	WithdrawalID  uuid.UUID       `json:"withdrawal_id"`
	Status        string          `json:"status"`
	Settlement    string          `json:"settlement"`
	Marks         int             `json:"marks"`
	GrossAmount   decimal.Decimal `json:"gross_amount"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	WalletAddress string          `json:"wallet_address"`
	TxRef         *string         `json:"tx_ref,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
}

func resultOf(w *models.Withdrawal) *Result {
	r := &Result{
		WithdrawalID:  w.ID,
		Status:        w.Status,
		Settlement:    w.Settlement,
		Marks:         w.Marks(),
		GrossAmount:   w.GrossExternalAmount,
		PlatformFee:   w.PlatformFee,
		NetAmount:     w.NetExternalAmount,
		TxRef:         w.ExternalTxRef,
		FailureReason: w.FailureReason,
	}
	if w.WalletAddress != nil {
		r.WalletAddress = *w.WalletAddress
	}
	return r
}

type Orchestrator struct {
	ledger  Ledger
	gateway settlement.Gateway
	insert  InsertTxFunc
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

// NewOrchestrator wires the state machine. insert may be nil, in which case
// no reconciliation job is scheduled at reservation time and only the
// periodic sweep picks up stuck withdrawals.
func NewOrchestrator(l Ledger, g settlement.Gateway, insert InsertTxFunc, cfg Config, log *zap.Logger) *Orchestrator {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{ledger: l, gateway: g, insert: insert, cfg: cfg, log: log, now: time.Now}
}

func (o *Orchestrator) Mode() string { return o.cfg.Mode }

// ProcessWithdrawal validates, reserves and settles a withdrawal.
//
// Errors are returned only when nothing was reserved or the ledger could not
// be written. Once marks are reserved the result carries the outcome:
// COMPLETED, FAILED (marks refunded), PROCESSING (outcome unknown, left to
// reconciliation) or PENDING (manual settlement).
func (o *Orchestrator) ProcessWithdrawal(ctx context.Context, req Request) (*Result, error) {
	if err := rates.ValidateAmount(req.Marks); err != nil {
		return nil, err
	}
	if err := rates.ValidateAddress(req.WalletAddress); err != nil {
		return nil, err
	}
	now := o.now()
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = now.Add(o.cfg.Deadline)
	} else if !deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline is in the past", rates.ErrValidation)
	}

	res := ledger.Reservation{
		UserID:        req.UserID,
		Marks:         req.Marks,
		WalletAddress: req.WalletAddress,
		Nonce:         req.Nonce,
		Settlement:    o.cfg.Mode,
		Deadline:      deadline,
	}
	if o.cfg.Mode == models.SettlementGateway && o.insert != nil {
		res.OnReserved = func(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error {
			return o.insert(ctx, tx, ReconcileArgs{WithdrawalID: w.ID}, &river.InsertOpts{
				ScheduledAt: now.Add(o.cfg.ReconcileDelay),
			})
		}
	}
	w, err := o.ledger.ReserveForWithdrawal(ctx, res)
	if err != nil {
		return nil, err
	}
	if o.cfg.Mode == models.SettlementManual {
		metrics.Business.WithdrawalsTotal.WithLabelValues(w.Status).Inc()
		return resultOf(w), nil
	}

	// The reservation is committed; finish even if the caller goes away.
	return o.settle(context.WithoutCancel(ctx), w), nil
}

// settle runs the gateway calls under SettleTimeout; ledger writes use ctx
// so an outcome reached just before the deadline is still recorded.
func (o *Orchestrator) settle(ctx context.Context, w *models.Withdrawal) *Result {
	log := o.log.With(zap.String("withdrawal_id", w.ID.String()))
	amount := w.NetExternalMinor.BigInt()
	gctx, cancel := context.WithTimeout(ctx, o.cfg.SettleTimeout)
	defer cancel()

	start := time.Now()
	p, err := o.gateway.Prepare(gctx, *w.WalletAddress, amount)
	metrics.Business.GatewayDuration.WithLabelValues("prepare").Observe(time.Since(start).Seconds())
	if err != nil {
		log.Warn("settlement prepare failed", zap.Error(err))
		return o.finalize(ctx, w, ledger.Failed(err.Error()))
	}

	if err := o.ledger.RecordSubmission(ctx, w.ID, p.Ref, p.Seq, p.Payload); err != nil {
		o.gateway.Release(p)
		log.Error("recording settlement failed", zap.Error(err))
		return o.finalize(ctx, w, ledger.Failed("settlement could not be recorded"))
	}
	w.Status, w.ExternalTxRef = models.TxStatusProcessing, &p.Ref
	log = log.With(zap.String("ref", p.Ref))

	start = time.Now()
	err = o.gateway.Submit(gctx, p)
	metrics.Business.GatewayDuration.WithLabelValues("submit").Observe(time.Since(start).Seconds())
	if err != nil {
		return o.afterGatewayError(ctx, log, w, "submit", err)
	}

	start = time.Now()
	err = o.gateway.Confirm(gctx, p.Ref)
	metrics.Business.GatewayDuration.WithLabelValues("confirm").Observe(time.Since(start).Seconds())
	if err != nil {
		return o.afterGatewayError(ctx, log, w, "confirm", err)
	}
	return o.finalize(ctx, w, ledger.Completed(p.Ref))
}

// afterGatewayError refunds on a definitive failure and otherwise leaves the
// withdrawal PROCESSING; a transfer that may still land is never refunded.
func (o *Orchestrator) afterGatewayError(ctx context.Context, log *zap.Logger, w *models.Withdrawal, phase string, err error) *Result {
	if errors.Is(err, settlement.ErrGateway) {
		log.Warn("settlement failed", zap.String("phase", phase), zap.Error(err))
		return o.finalize(ctx, w, ledger.Failed(err.Error()))
	}
	log.Warn("settlement outcome unknown, leaving for reconciliation", zap.String("phase", phase), zap.Error(err))
	metrics.Business.WithdrawalsTotal.WithLabelValues(models.TxStatusProcessing).Inc()
	return resultOf(w)
}

// finalize applies the outcome. If the ledger write fails the withdrawal
// keeps its current status and the reconciler settles it later.
func (o *Orchestrator) finalize(ctx context.Context, w *models.Withdrawal, out ledger.Outcome) *Result {
	done, err := o.ledger.FinalizeWithdrawal(ctx, w.ID, out)
	if err != nil {
		o.log.Error("finalizing withdrawal failed",
			zap.String("withdrawal_id", w.ID.String()),
			zap.String("outcome", out.Status),
			zap.Error(err))
		return resultOf(w)
	}
	recordFinal(done)
	return resultOf(done)
}

func recordFinal(w *models.Withdrawal) {
	metrics.Business.WithdrawalsTotal.WithLabelValues(w.Status).Inc()
	if w.Status == models.TxStatusCompleted {
		metrics.Business.WithdrawnMarksTotal.Add(float64(w.Marks()))
	}
}

// Resolve actions for the manual settlement path.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Resolve is the administrative decision on a PENDING manual withdrawal.
// Approve needs the reference of the payout made outside this system.
func (o *Orchestrator) Resolve(ctx context.Context, id uuid.UUID, action, ref, reason string) (*Result, error) {
	var (
		w   *models.Withdrawal
		err error
	)
	switch action {
	case ActionApprove:
		if ref == "" {
			return nil, fmt.Errorf("%w: approve requires an external reference", rates.ErrValidation)
		}
		w, err = o.ledger.ApproveWithdrawal(ctx, id, ref)
	case ActionReject:
		if reason == "" {
			reason = "rejected by admin"
		}
		w, err = o.ledger.RejectWithdrawal(ctx, id, reason)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", rates.ErrValidation, action)
	}
	if err != nil {
		return nil, err
	}
	recordFinal(w)
	o.log.Info("withdrawal resolved", zap.String("withdrawal_id", id.String()), zap.String("action", action))
	return resultOf(w), nil
}

// Cancel lets the owner withdraw a PENDING manual request.
func (o *Orchestrator) Cancel(ctx context.Context, id, userID uuid.UUID) (*Result, error) {
	w, err := o.ledger.CancelWithdrawal(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	recordFinal(w)
	return resultOf(w), nil
}

// Get returns a withdrawal. A non-zero userID restricts it to its owner.
func (o *Orchestrator) Get(ctx context.Context, id, userID uuid.UUID) (*Result, error) {
	w, err := o.ledger.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != uuid.Nil && (w.UserID == nil || *w.UserID != userID) {
		return nil, ledger.ErrNotFound
	}
	return resultOf(w), nil
}
