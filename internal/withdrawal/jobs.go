package withdrawal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type ReconcileArgs struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
}

func (ReconcileArgs) Kind() string { return "reconcile_withdrawal" }

func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 10,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

type SweepArgs struct{}

func (SweepArgs) Kind() string { return "reconcile_sweep" }

func (SweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Minute},
	}
}

// Reconciler is implemented by *Orchestrator.
type Reconciler interface {
	Reconcile(ctx context.Context, id uuid.UUID) (Action, error)
	Sweep(ctx context.Context) (SweepReport, error)
}

// ReconcileWorker settles one withdrawal. While the transfer is still in
// flight the job snoozes and checks again later.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	rec     Reconciler
	retryIn time.Duration
}

func NewReconcileWorker(rec Reconciler, retryIn time.Duration) *ReconcileWorker {
	if retryIn <= 0 {
		retryIn = time.Minute
	}
	return &ReconcileWorker{rec: rec, retryIn: retryIn}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	act, err := w.rec.Reconcile(ctx, job.Args.WithdrawalID)
	if err != nil {
		return err
	}
	if !act.settled() {
		return river.JobSnooze(w.retryIn)
	}
	return nil
}

type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	rec Reconciler
}

func NewSweepWorker(rec Reconciler) *SweepWorker {
	return &SweepWorker{rec: rec}
}

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	_, err := w.rec.Sweep(ctx)
	return err
}

// AddWorkers registers the reconciliation workers.
func AddWorkers(workers *river.Workers, o *Orchestrator) {
	river.AddWorker(workers, NewReconcileWorker(o, o.cfg.RetryIn))
	river.AddWorker(workers, NewSweepWorker(o))
}

// PeriodicJobs schedules the sweep every interval.
func PeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) { return SweepArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
