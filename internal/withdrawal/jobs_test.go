package withdrawal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveyhelp/backend/internal/withdrawal"
)

type stubReconciler struct {
	action withdrawal.Action
	err    error
	calls  []uuid.UUID
	swept  int
}

func (s *stubReconciler) Reconcile(_ context.Context, id uuid.UUID) (withdrawal.Action, error) {
	s.calls = append(s.calls, id)
	return s.action, s.err
}

func (s *stubReconciler) Sweep(context.Context) (withdrawal.SweepReport, error) {
	s.swept++
	return withdrawal.SweepReport{}, s.err
}

func TestReconcileWorker(t *testing.T) {
	id := uuid.New()
	job := &river.Job[withdrawal.ReconcileArgs]{Args: withdrawal.ReconcileArgs{WithdrawalID: id}}

	for _, tc := range []struct {
		action withdrawal.Action
		snooze bool
	}{
		{withdrawal.ActionCompleted, false},
		{withdrawal.ActionFailed, false},
		{withdrawal.ActionNoop, false},
		{withdrawal.ActionPending, true},
		{withdrawal.ActionResubmitted, true},
	} {
		t.Run(string(tc.action), func(t *testing.T) {
			rec := &stubReconciler{action: tc.action}
			err := withdrawal.NewReconcileWorker(rec, 30*time.Second).Work(context.Background(), job)
			if tc.snooze {
				assert.Equal(t, river.JobSnooze(30*time.Second), err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, []uuid.UUID{id}, rec.calls)
		})
	}

	rec := &stubReconciler{err: errors.New("rpc down")}
	err := withdrawal.NewReconcileWorker(rec, 0).Work(context.Background(), job)
	assert.EqualError(t, err, "rpc down")
}

func TestSweepWorker(t *testing.T) {
	rec := &stubReconciler{}
	require.NoError(t, withdrawal.NewSweepWorker(rec).Work(context.Background(), &river.Job[withdrawal.SweepArgs]{}))
	assert.Equal(t, 1, rec.swept)
}

func TestJobArgs(t *testing.T) {
	assert.Equal(t, "reconcile_withdrawal", withdrawal.ReconcileArgs{}.Kind())
	assert.True(t, withdrawal.ReconcileArgs{}.InsertOpts().UniqueOpts.ByArgs)
	assert.Equal(t, "reconcile_sweep", withdrawal.SweepArgs{}.Kind())
	assert.Len(t, withdrawal.PeriodicJobs(time.Minute), 1)
}
