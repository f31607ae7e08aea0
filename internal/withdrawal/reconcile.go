package withdrawal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/ledger"
	"github.com/surveyhelp/backend/internal/metrics"
	"github.com/surveyhelp/backend/internal/models"
	"github.com/surveyhelp/backend/internal/settlement"
)

// Action is what a reconciliation pass did with a withdrawal.
type Action string

const (
	ActionNoop        Action = "noop"
	ActionCompleted   Action = "completed"
	ActionFailed      Action = "failed"
	ActionResubmitted Action = "resubmitted"
	ActionPending     Action = "pending"
	ActionExpired     Action = "expired"
)

// settled reports whether the withdrawal needs no further passes.
func (a Action) settled() bool {
	return a == ActionNoop || a == ActionCompleted || a == ActionFailed || a == ActionExpired
}

const sweepBatch = 100

var errNoGateway = errors.New("no settlement gateway configured")

// Reconcile settles a withdrawal whose outcome was left unknown. It asks the
// gateway what became of the recorded transfer and finalizes from that; a
// transfer the network never saw is broadcast again from the stored payload.
func (o *Orchestrator) Reconcile(ctx context.Context, id uuid.UUID) (Action, error) {
	w, err := o.ledger.GetWithdrawal(ctx, id)
	if err != nil {
		return "", err
	}
	log := o.log.With(zap.String("withdrawal_id", id.String()))
	if models.IsTerminalStatus(w.Status) || w.Settlement != models.SettlementGateway {
		return ActionNoop, nil
	}

	act, err := o.reconcile(ctx, log, w)
	if err != nil {
		metrics.Business.ReconcileTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.Business.ReconcileTotal.WithLabelValues(string(act)).Inc()
	if act != ActionPending {
		log.Info("withdrawal reconciled", zap.String("action", string(act)))
	}
	return act, nil
}

func (o *Orchestrator) reconcile(ctx context.Context, log *zap.Logger, w *models.Withdrawal) (Action, error) {
	// Nothing was recorded, so nothing can have been broadcast.
	if w.Status == models.TxStatusPending || w.ExternalTxRef == nil || w.SettlementSeq == nil {
		return o.conclude(ctx, w.ID, ledger.Failed("settlement was never submitted"))
	}
	ref, seq := *w.ExternalTxRef, *w.SettlementSeq
	if o.gateway == nil {
		return "", errNoGateway
	}

	st, err := o.gateway.Status(ctx, ref, seq)
	if err != nil {
		return "", fmt.Errorf("settlement status %s: %w", ref, err)
	}
	switch st {
	case settlement.StatusConfirmed:
		return o.conclude(ctx, w.ID, ledger.Completed(ref))
	case settlement.StatusReverted:
		return o.conclude(ctx, w.ID, ledger.Failed("transfer reverted"))
	case settlement.StatusSuperseded:
		return o.conclude(ctx, w.ID, ledger.Failed("transfer superseded by another transaction"))
	case settlement.StatusPending:
		return ActionPending, nil
	case settlement.StatusMissing:
		if len(w.SettlementPayload) == 0 {
			return o.conclude(ctx, w.ID, ledger.Failed("settlement payload lost"))
		}
		err := o.gateway.Submit(ctx, &settlement.Prepared{Ref: ref, Seq: seq, Payload: w.SettlementPayload})
		if errors.Is(err, settlement.ErrGateway) {
			log.Warn("resubmission rejected", zap.Error(err))
			return o.conclude(ctx, w.ID, ledger.Failed(err.Error()))
		}
		if err != nil {
			return "", fmt.Errorf("resubmit %s: %w", ref, err)
		}
		return ActionResubmitted, nil
	default:
		return "", fmt.Errorf("unexpected settlement status %q", st)
	}
}

func (o *Orchestrator) conclude(ctx context.Context, id uuid.UUID, out ledger.Outcome) (Action, error) {
	w, err := o.ledger.FinalizeWithdrawal(ctx, id, out)
	if errors.Is(err, ledger.ErrWithdrawalFinalized) {
		return ActionNoop, nil
	}
	if err != nil {
		return "", err
	}
	recordFinal(w)
	if out.Status == models.TxStatusCompleted {
		return ActionCompleted, nil
	}
	return ActionFailed, nil
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Checked int            `json:"checked"`
	Actions map[Action]int `json:"actions"`
	Errors  int            `json:"errors"`
}

// Sweep reconciles gateway withdrawals that have not moved for StaleAfter and
// rejects manual withdrawals still PENDING past their deadline. Per-withdrawal
// errors are logged and counted; they do not stop the sweep.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepReport, error) {
	rep := SweepReport{Actions: map[Action]int{}}
	ws, err := o.ledger.ListUnsettled(ctx, o.cfg.StaleAfter, sweepBatch)
	if err != nil {
		return rep, err
	}
	for _, w := range ws {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		act, err := o.Reconcile(ctx, w.ID)
		if err != nil {
			rep.Errors++
			o.log.Warn("reconcile failed", zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
			continue
		}
		rep.Actions[act]++
	}

	expired, err := o.ledger.ListExpired(ctx, sweepBatch)
	if err != nil {
		return rep, err
	}
	for _, w := range expired {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		act, err := o.expire(ctx, w.ID)
		if err != nil {
			rep.Errors++
			o.log.Warn("expiring withdrawal failed", zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
			continue
		}
		rep.Actions[act]++
	}

	if rep.Checked > 0 {
		o.log.Info("reconcile sweep finished",
			zap.Int("checked", rep.Checked),
			zap.Int("errors", rep.Errors))
	}
	return rep, nil
}

// expire rejects and refunds a manual withdrawal nobody resolved in time. A
// decision that lands first wins.
func (o *Orchestrator) expire(ctx context.Context, id uuid.UUID) (Action, error) {
	w, err := o.ledger.RejectWithdrawal(ctx, id, "withdrawal deadline passed")
	if errors.Is(err, ledger.ErrWithdrawalFinalized) {
		return ActionNoop, nil
	}
	if err != nil {
		return "", err
	}
	recordFinal(w)
	o.log.Info("withdrawal expired", zap.String("withdrawal_id", id.String()))
	return ActionExpired, nil
}
