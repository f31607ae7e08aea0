// Package ledger owns user mark balances and the mark transaction table.
// Every balance mutation takes the user's row lock first, so all changes to
// one user are linearized while different users proceed in parallel.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/models"
	"github.com/surveyhelp/backend/internal/rates"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo is the data layer the store drives. *Repository implements it.
type Repo interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	AddMarks(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) (int, error)
	ActiveWithdrawals(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (count int, marks int, err error)
	FindByNonce(ctx context.Context, tx pgx.Tx, nonce string) (*models.MarkTransaction, error)
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.MarkTransaction) error
	InsertTransactionOnce(ctx context.Context, tx pgx.Tx, t *models.MarkTransaction) (bool, error)
	InsertWithdrawal(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	GetWithdrawalForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Withdrawal, error)
	SetWithdrawalStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, ref, reason *string) error
	MarkProcessing(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref string, seq uint64, payload []byte) (bool, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.MarkTransaction, error)
	ListWithdrawals(ctx context.Context, status string, limit int) ([]*models.Withdrawal, error)
	ListUnsettled(ctx context.Context, cutoff time.Time, limit int) ([]*models.Withdrawal, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Withdrawal, error)
}

// Store is the only component allowed to change balances or ledger rows.
type Store struct {
	db   TxBeginner
	repo Repo
	log  *zap.Logger
}

func NewStore(db TxBeginner, repo Repo, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, repo: repo, log: log}
}

// Entry describes the ledger row written alongside a balance change.
type Entry struct {
	Type           string
	Nonce          string
	SurveyID       *uuid.UUID
	ExternalAmount *decimal.Decimal
	ExternalRef    string
	Metadata       map[string]any
}

// Credit is the result of a capped credit. Credited may be less than
// Requested when the user is close to MaxMarksCap.
type Credit struct {
	TransactionID uuid.UUID
	Requested     int
	Credited      int
	Capped        bool
	Balance       int
}

// Forfeited returns the marks that could not be credited because of the cap.
func (c Credit) Forfeited() int { return c.Requested - c.Credited }

// Outcome is the terminal result applied to a withdrawal.
type Outcome struct {
	Status string
	Ref    string
	Reason string
}

func Completed(ref string) Outcome { return Outcome{Status: models.TxStatusCompleted, Ref: ref} }
func Failed(reason string) Outcome { return Outcome{Status: models.TxStatusFailed, Reason: reason} }
func Rejected(reason string) Outcome {
	return Outcome{Status: models.TxStatusRejected, Reason: reason}
}
func Cancelled(reason string) Outcome {
	return Outcome{Status: models.TxStatusCancelled, Reason: reason}
}

// refunds reports whether reaching this outcome returns the reserved marks.
func (o Outcome) refunds() bool { return o.Status != models.TxStatusCompleted }

// Txn is one open ledger transaction. It is only valid inside Store.Update.
type Txn struct {
	tx   pgx.Tx
	repo Repo
}

// Tx exposes the underlying pgx transaction so callers can enqueue work
// that must commit together with the ledger change.
func (t *Txn) Tx() pgx.Tx { return t.tx }

// Update runs fn in a single database transaction. fn's error rolls back
// everything it did.
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, t *Txn) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(ctx, &Txn{tx: tx, repo: s.repo}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Credit adds up to amount marks to the user, clamped to Headroom so a later
// withdrawal refund cannot push the balance over the cap. A row is written
// when anything was credited or when the entry carries a nonce.
func (t *Txn) Credit(ctx context.Context, userID uuid.UUID, amount int, e Entry) (Credit, error) {
	if err := rates.ValidatePositive(amount); err != nil {
		return Credit{}, err
	}
	u, headroom, err := t.Headroom(ctx, userID)
	if err != nil {
		return Credit{}, err
	}
	res := Credit{Requested: amount, Credited: min(amount, headroom), Balance: u.Marks}
	res.Capped = res.Credited < amount
	if res.Credited > 0 {
		if res.Balance, err = t.repo.AddMarks(ctx, t.tx, userID, res.Credited); err != nil {
			return Credit{}, err
		}
	}
	if res.Credited == 0 && e.Nonce == "" {
		return res, nil
	}
	meta := e.Metadata
	if res.Capped {
		meta = with(meta, "requested", amount)
	}
	row := newRow(&userID, e, res.Credited, models.TxStatusCompleted, meta)
	row.BalanceAfter = intPtr(res.Balance)
	if err := t.repo.InsertTransaction(ctx, t.tx, row); err != nil {
		return Credit{}, err
	}
	res.TransactionID = row.ID
	return res, nil
}

// Headroom locks the user and returns how many marks can still be credited.
// Marks held by non-terminal withdrawals count as occupied.
func (t *Txn) Headroom(ctx context.Context, userID uuid.UUID) (*models.User, int, error) {
	u, err := t.repo.GetUserForUpdate(ctx, t.tx, userID)
	if err != nil {
		return nil, 0, err
	}
	_, reserved, err := t.repo.ActiveWithdrawals(ctx, t.tx, userID)
	if err != nil {
		return nil, 0, err
	}
	return u, max(models.MaxMarksCap-u.Marks-reserved, 0), nil
}

// Debit removes amount marks from the user and returns the new balance.
func (t *Txn) Debit(ctx context.Context, userID uuid.UUID, amount int, e Entry) (int, error) {
	if err := rates.ValidatePositive(amount); err != nil {
		return 0, err
	}
	u, err := t.repo.GetUserForUpdate(ctx, t.tx, userID)
	if err != nil {
		return 0, err
	}
	if u.Marks < amount {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, u.Marks, amount)
	}
	balance, err := t.repo.AddMarks(ctx, t.tx, userID, -amount)
	if err != nil {
		return 0, err
	}
	row := newRow(&userID, e, -amount, models.TxStatusCompleted, e.Metadata)
	row.BalanceAfter = intPtr(balance)
	if err := t.repo.InsertTransaction(ctx, t.tx, row); err != nil {
		return 0, err
	}
	return balance, nil
}

// RecordPlatform writes a platform-owned row (no user). It is a no-op when
// the nonce already exists and reports whether a row was written.
func (t *Txn) RecordPlatform(ctx context.Context, amount int, e Entry) (bool, error) {
	if e.Nonce == "" {
		return false, errors.New("platform entries require a nonce")
	}
	return t.repo.InsertTransactionOnce(ctx, t.tx, newRow(nil, e, amount, models.TxStatusCompleted, e.Metadata))
}

// FindByNonce returns the row carrying nonce or ErrNotFound.
func (t *Txn) FindByNonce(ctx context.Context, nonce string) (*models.MarkTransaction, error) {
	return t.repo.FindByNonce(ctx, t.tx, nonce)
}

// LockUser takes the user's row lock and returns the locked row.
func (t *Txn) LockUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	return t.repo.GetUserForUpdate(ctx, t.tx, userID)
}

// CreditMarks credits a single user in its own transaction.
func (s *Store) CreditMarks(ctx context.Context, userID uuid.UUID, amount int, e Entry) (Credit, error) {
	var res Credit
	err := s.Update(ctx, func(ctx context.Context, t *Txn) error {
		var err error
		res, err = t.Credit(ctx, userID, amount, e)
		return err
	})
	return res, err
}

// DebitMarks debits a single user in its own transaction.
func (s *Store) DebitMarks(ctx context.Context, userID uuid.UUID, amount int, e Entry) (int, error) {
	var balance int
	err := s.Update(ctx, func(ctx context.Context, t *Txn) error {
		var err error
		balance, err = t.Debit(ctx, userID, amount, e)
		return err
	})
	return balance, err
}

func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Marks, nil
}

// Reservation describes a withdrawal to reserve.
type Reservation struct {
	UserID        uuid.UUID
	Marks         int
	WalletAddress string
	Nonce         string
	Settlement    string
	Deadline      time.Time

	// OnReserved runs inside the reservation transaction after the row is
	// written; its error aborts the reservation.
	OnReserved func(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error
}

// ReserveForWithdrawal debits the marks immediately and records a PENDING
// withdrawal. Checks run under the user's row lock in this order:
// balance, existing active withdrawal, nonce reuse.
func (s *Store) ReserveForWithdrawal(ctx context.Context, r Reservation) (*models.Withdrawal, error) {
	if err := rates.ValidatePositive(r.Marks); err != nil {
		return nil, err
	}
	conv := rates.Convert(r.Marks)
	var w *models.Withdrawal
	err := s.Update(ctx, func(ctx context.Context, t *Txn) error {
		u, err := s.repo.GetUserForUpdate(ctx, t.tx, r.UserID)
		if err != nil {
			return err
		}
		if u.Marks < r.Marks {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, u.Marks, r.Marks)
		}
		active, _, err := s.repo.ActiveWithdrawals(ctx, t.tx, r.UserID)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrConflictingWithdrawal
		}
		if r.Nonce != "" {
			if _, err := s.repo.FindByNonce(ctx, t.tx, r.Nonce); err == nil {
				return ErrDuplicateNonce
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		balance, err := s.repo.AddMarks(ctx, t.tx, r.UserID, -r.Marks)
		if err != nil {
			return err
		}

		w = &models.Withdrawal{
			MarkTransaction: models.MarkTransaction{
				ID:             uuid.New(),
				UserID:         &r.UserID,
				Type:           models.TxTypeWithdrawal,
				MarksAmount:    -r.Marks,
				ExternalAmount: &conv.Net,
				WalletAddress:  &r.WalletAddress,
				Status:         models.TxStatusPending,
				Nonce:          strPtr(r.Nonce),
				BalanceAfter:   intPtr(balance),
			},
			Deadline:            r.Deadline,
			GrossExternalAmount: conv.Gross,
			PlatformFee:         conv.Fee,
			NetExternalAmount:   conv.Net,
			NetExternalMinor:    conv.NetMinorDecimal(),
			Settlement:          r.Settlement,
		}
		if err := s.repo.InsertWithdrawal(ctx, t.tx, w); err != nil {
			return err
		}
		if r.OnReserved != nil {
			return r.OnReserved(ctx, t.tx, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("withdrawal reserved",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("user_id", r.UserID.String()),
		zap.Int("marks", r.Marks),
		zap.String("settlement", r.Settlement))
	return w, nil
}

// RecordSubmission stores the prepared settlement reference, sequence and
// signed payload and moves the withdrawal from PENDING to PROCESSING. It
// must commit before the payload is sent anywhere.
func (s *Store) RecordSubmission(ctx context.Context, id uuid.UUID, ref string, seq uint64, payload []byte) error {
	return s.Update(ctx, func(ctx context.Context, t *Txn) error {
		ok, err := s.repo.MarkProcessing(ctx, t.tx, id, ref, seq, payload)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is not PENDING", ErrInvalidTransition, id)
		}
		return nil
	})
}

// FinalizeWithdrawal applies a terminal outcome. Every outcome other than
// Completed refunds the reserved marks in the same transaction.
func (s *Store) FinalizeWithdrawal(ctx context.Context, id uuid.UUID, o Outcome) (*models.Withdrawal, error) {
	return s.finalize(ctx, id, o, nil)
}

// ApproveWithdrawal completes a PENDING manual withdrawal with an externally
// provided reference.
func (s *Store) ApproveWithdrawal(ctx context.Context, id uuid.UUID, ref string) (*models.Withdrawal, error) {
	return s.finalize(ctx, id, Completed(ref), func(w *models.Withdrawal) error {
		if w.Status != models.TxStatusPending || w.Settlement != models.SettlementManual {
			return fmt.Errorf("%w: only PENDING manual withdrawals can be approved", ErrInvalidTransition)
		}
		return nil
	})
}

// RejectWithdrawal refunds a withdrawal that was never handed to the gateway.
func (s *Store) RejectWithdrawal(ctx context.Context, id uuid.UUID, reason string) (*models.Withdrawal, error) {
	return s.finalize(ctx, id, Rejected(reason), func(w *models.Withdrawal) error {
		if w.Status != models.TxStatusPending || w.ExternalTxRef != nil {
			return fmt.Errorf("%w: withdrawal already submitted for settlement", ErrInvalidTransition)
		}
		return nil
	})
}

// CancelWithdrawal lets a user withdraw their own PENDING manual request.
func (s *Store) CancelWithdrawal(ctx context.Context, id, userID uuid.UUID) (*models.Withdrawal, error) {
	return s.finalize(ctx, id, Cancelled("cancelled by user"), func(w *models.Withdrawal) error {
		if w.UserID == nil || *w.UserID != userID {
			return ErrNotFound
		}
		if w.Status != models.TxStatusPending || w.Settlement != models.SettlementManual {
			return fmt.Errorf("%w: only PENDING manual withdrawals can be cancelled", ErrInvalidTransition)
		}
		return nil
	})
}

func (s *Store) finalize(ctx context.Context, id uuid.UUID, o Outcome, guard func(*models.Withdrawal) error) (*models.Withdrawal, error) {
	switch o.Status {
	case models.TxStatusCompleted, models.TxStatusFailed, models.TxStatusRejected, models.TxStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: %q is not a terminal status", ErrInvalidTransition, o.Status)
	}

	// Lock order is user row, then withdrawal row, same as reservation.
	peek, err := s.repo.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if peek.UserID == nil {
		return nil, fmt.Errorf("withdrawal %s has no owner", id)
	}
	userID := *peek.UserID

	var w *models.Withdrawal
	var balance *int
	err = s.Update(ctx, func(ctx context.Context, t *Txn) error {
		u, err := s.repo.GetUserForUpdate(ctx, t.tx, userID)
		if err != nil {
			return err
		}
		if w, err = s.repo.GetWithdrawalForUpdate(ctx, t.tx, id); err != nil {
			return err
		}
		if models.IsTerminalStatus(w.Status) {
			return fmt.Errorf("%w: %s is %s", ErrWithdrawalFinalized, id, w.Status)
		}
		if guard != nil {
			if err := guard(w); err != nil {
				return err
			}
		}
		if o.refunds() {
			b, err := s.repo.AddMarks(ctx, t.tx, userID, w.Marks())
			if err != nil {
				return err
			}
			balance = &b
		} else {
			balance = &u.Marks
		}
		if err := s.repo.SetWithdrawalStatus(ctx, t.tx, id, o.Status, strPtr(o.Ref), strPtr(o.Reason)); err != nil {
			return err
		}
		w.Status = o.Status
		if o.Ref != "" {
			w.ExternalTxRef = strPtr(o.Ref)
		}
		w.FailureReason = strPtr(o.Reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("withdrawal finalized",
		zap.String("withdrawal_id", id.String()),
		zap.String("status", o.Status),
		zap.Bool("refunded", o.refunds()),
		zap.Int("balance", *balance))
	return w, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	return s.repo.GetWithdrawal(ctx, id)
}

func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.MarkTransaction, error) {
	return s.repo.ListTransactions(ctx, userID, clampLimit(limit))
}

func (s *Store) ListWithdrawals(ctx context.Context, status string, limit int) ([]*models.Withdrawal, error) {
	return s.repo.ListWithdrawals(ctx, status, clampLimit(limit))
}

// ListUnsettled returns gateway withdrawals still PENDING or PROCESSING that
// have not changed for at least olderThan.
func (s *Store) ListUnsettled(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Withdrawal, error) {
	return s.repo.ListUnsettled(ctx, time.Now().Add(-olderThan), clampLimit(limit))
}

// ListExpired returns PENDING manual withdrawals whose deadline has passed.
func (s *Store) ListExpired(ctx context.Context, limit int) ([]*models.Withdrawal, error) {
	return s.repo.ListExpired(ctx, time.Now(), clampLimit(limit))
}

func newRow(userID *uuid.UUID, e Entry, amount int, status string, meta map[string]any) *models.MarkTransaction {
	row := &models.MarkTransaction{
		ID:             uuid.New(),
		UserID:         userID,
		SurveyID:       e.SurveyID,
		Type:           e.Type,
		MarksAmount:    amount,
		ExternalAmount: e.ExternalAmount,
		ExternalTxRef:  strPtr(e.ExternalRef),
		Status:         status,
		Nonce:          strPtr(e.Nonce),
	}
	if len(meta) > 0 {
		row.Metadata, _ = json.Marshal(meta)
	}
	return row
}

func with(meta map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for mk, mv := range meta {
		out[mk] = mv
	}
	out[k] = v
	return out
}

func clampLimit(n int) int {
	if n <= 0 || n > 200 {
		return 50
	}
	return n
}

func intPtr(n int) *int { return &n }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
