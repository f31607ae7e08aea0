// Package ledgertest provides an in-memory ledger for tests. It implements
// ledger.Repo and ledger.TxBeginner, emulates SELECT ... FOR UPDATE with a
// per-user mutex held until commit or rollback, and undoes a transaction's
// writes on rollback.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/surveyhelp/backend/internal/ledger"
	"github.com/surveyhelp/backend/internal/models"
)

var (
	_ ledger.Repo       = (*Ledger)(nil)
	_ ledger.TxBeginner = (*Ledger)(nil)
)

// ErrCheckViolation mirrors the users.marks check constraint.
var ErrCheckViolation = errors.New("users_marks_check violated")

type Ledger struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
	rows  []*models.Withdrawal
	locks map[uuid.UUID]*sync.Mutex

	// BeginErr is returned by Begin when set.
	BeginErr error
	// CommitErr makes every Commit roll back and fail when set.
	CommitErr error
	// Now stamps created_at/updated_at.
	Now func() time.Time
}

func New() *Ledger {
	return &Ledger{
		users: make(map[uuid.UUID]*models.User),
		locks: make(map[uuid.UUID]*sync.Mutex),
		Now:   time.Now,
	}
}

// AddUser creates a user holding marks and returns its id.
func (l *Ledger) AddUser(marks int) uuid.UUID {
	id := uuid.New()
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	l.users[id] = &models.User{ID: id, Marks: marks, CreatedAt: now, UpdatedAt: now}
	return id
}

func (l *Ledger) Balance(id uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.users[id].Marks
}

// Rows returns a copy of every ledger row in insertion order.
func (l *Ledger) Rows() []*models.Withdrawal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Withdrawal, 0, len(l.rows))
	for _, r := range l.rows {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// Row returns a copy of the row with id, or nil.
func (l *Ledger) Row(id uuid.UUID) *models.Withdrawal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.find(id); r != nil {
		cp := *r
		return &cp
	}
	return nil
}

// Age moves a row's updated_at back by d.
func (l *Ledger) Age(id uuid.UUID, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.find(id); r != nil {
		r.UpdatedAt = r.UpdatedAt.Add(-d)
	}
}

func (l *Ledger) Begin(context.Context) (pgx.Tx, error) {
	if l.BeginErr != nil {
		return nil, l.BeginErr
	}
	return &Tx{l: l}, nil
}

// ---------------------------------------------------------------------------
// Repo
// ---------------------------------------------------------------------------

func (l *Ledger) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (l *Ledger) GetUserForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	l.mu.Lock()
	_, ok := l.users[id]
	l.mu.Unlock()
	if !ok {
		return nil, ledger.ErrNotFound
	}
	l.lock(asTx(tx), id)
	return l.GetUser(ctx, id)
}

func (l *Ledger) AddMarks(_ context.Context, tx pgx.Tx, id uuid.UUID, delta int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[id]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	next := u.Marks + delta
	if next < 0 || next > models.MaxMarksCap {
		return 0, fmt.Errorf("%w: marks=%d", ErrCheckViolation, next)
	}
	prev := u.Marks
	u.Marks = next
	asTx(tx).onRollback(func() { u.Marks = prev })
	return next, nil
}

func (l *Ledger) ActiveWithdrawals(_ context.Context, _ pgx.Tx, userID uuid.UUID) (int, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count, marks := l.active(userID)
	return count, marks, nil
}

func (l *Ledger) FindByNonce(_ context.Context, _ pgx.Tx, nonce string) (*models.MarkTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if r.Nonce != nil && *r.Nonce == nonce {
			cp := r.MarkTransaction
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (l *Ledger) InsertTransaction(_ context.Context, tx pgx.Tx, t *models.MarkTransaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nonceTaken(t.Nonce) {
		return ledger.ErrDuplicateNonce
	}
	l.insert(asTx(tx), &models.Withdrawal{MarkTransaction: *t})
	t.CreatedAt, t.UpdatedAt = l.rows[len(l.rows)-1].CreatedAt, l.rows[len(l.rows)-1].UpdatedAt
	return nil
}

func (l *Ledger) InsertTransactionOnce(ctx context.Context, tx pgx.Tx, t *models.MarkTransaction) (bool, error) {
	err := l.InsertTransaction(ctx, tx, t)
	if errors.Is(err, ledger.ErrDuplicateNonce) {
		return false, nil
	}
	return err == nil, err
}

func (l *Ledger) InsertWithdrawal(_ context.Context, tx pgx.Tx, w *models.Withdrawal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nonceTaken(w.Nonce) {
		return ledger.ErrDuplicateNonce
	}
	if n, _ := l.active(*w.UserID); n > 0 {
		return ledger.ErrConflictingWithdrawal
	}
	cp := *w
	cp.Type = models.TxTypeWithdrawal
	l.insert(asTx(tx), &cp)
	w.CreatedAt, w.UpdatedAt = cp.CreatedAt, cp.UpdatedAt
	return nil
}

func (l *Ledger) GetWithdrawal(_ context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.find(id)
	if r == nil || r.Type != models.TxTypeWithdrawal {
		return nil, ledger.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *Ledger) GetWithdrawalForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Withdrawal, error) {
	return l.GetWithdrawal(ctx, id)
}

func (l *Ledger) SetWithdrawalStatus(_ context.Context, tx pgx.Tx, id uuid.UUID, status string, ref, reason *string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.find(id)
	if r == nil {
		return nil
	}
	prev := *r
	r.Status = status
	if ref != nil {
		r.ExternalTxRef = ref
	}
	r.FailureReason = reason
	r.UpdatedAt = l.Now()
	asTx(tx).onRollback(func() { *r = prev })
	return nil
}

func (l *Ledger) MarkProcessing(_ context.Context, tx pgx.Tx, id uuid.UUID, ref string, seq uint64, payload []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.find(id)
	if r == nil || r.Status != models.TxStatusPending {
		return false, nil
	}
	prev := *r
	r.Status = models.TxStatusProcessing
	r.ExternalTxRef = &ref
	r.SettlementSeq = &seq
	r.SettlementPayload = append([]byte(nil), payload...)
	r.UpdatedAt = l.Now()
	asTx(tx).onRollback(func() { *r = prev })
	return true, nil
}

func (l *Ledger) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]*models.MarkTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.MarkTransaction
	for i := len(l.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if r := l.rows[i]; r.UserID != nil && *r.UserID == userID {
			cp := r.MarkTransaction
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *Ledger) ListWithdrawals(_ context.Context, status string, limit int) ([]*models.Withdrawal, error) {
	return l.filter(limit, func(r *models.Withdrawal) bool {
		return status == "" || r.Status == status
	}), nil
}

func (l *Ledger) ListUnsettled(_ context.Context, cutoff time.Time, limit int) ([]*models.Withdrawal, error) {
	return l.filter(limit, func(r *models.Withdrawal) bool {
		return r.Settlement == models.SettlementGateway &&
			!models.IsTerminalStatus(r.Status) && r.UpdatedAt.Before(cutoff)
	}), nil
}

func (l *Ledger) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Withdrawal, error) {
	return l.filter(limit, func(r *models.Withdrawal) bool {
		return r.Settlement == models.SettlementManual &&
			r.Status == models.TxStatusPending && r.Deadline.Before(now)
	}), nil
}

// ---------------------------------------------------------------------------
// internals; callers hold l.mu
// ---------------------------------------------------------------------------

func (l *Ledger) find(id uuid.UUID) *models.Withdrawal {
	for _, r := range l.rows {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (l *Ledger) active(userID uuid.UUID) (int, int) {
	var count, marks int
	for _, r := range l.rows {
		if r.Type == models.TxTypeWithdrawal && r.UserID != nil && *r.UserID == userID && !models.IsTerminalStatus(r.Status) {
			count++
			marks += r.Marks()
		}
	}
	return count, marks
}

func (l *Ledger) nonceTaken(nonce *string) bool {
	if nonce == nil {
		return false
	}
	for _, r := range l.rows {
		if r.Nonce != nil && *r.Nonce == *nonce {
			return true
		}
	}
	return false
}

func (l *Ledger) insert(t *Tx, r *models.Withdrawal) {
	now := l.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	l.rows = append(l.rows, r)
	t.onRollback(func() {
		for i, x := range l.rows {
			if x == r {
				l.rows = append(l.rows[:i], l.rows[i+1:]...)
				return
			}
		}
	})
}

func (l *Ledger) filter(limit int, keep func(*models.Withdrawal) bool) []*models.Withdrawal {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Withdrawal
	for i := len(l.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if r := l.rows[i]; r.Type == models.TxTypeWithdrawal && keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

func (l *Ledger) lock(t *Tx, id uuid.UUID) {
	if t == nil {
		return
	}
	for _, h := range t.held {
		if h == id {
			return
		}
	}
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	t.held = append(t.held, id)
}

// ---------------------------------------------------------------------------
// Tx satisfies pgx.Tx; only Commit and Rollback do anything.
// ---------------------------------------------------------------------------

type Tx struct {
	l    *Ledger
	held []uuid.UUID
	undo []func()
	done bool
}

func asTx(tx pgx.Tx) *Tx {
	t, _ := tx.(*Tx)
	return t
}

func (t *Tx) onRollback(fn func()) {
	if t != nil {
		t.undo = append(t.undo, fn)
	}
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	if t.l.CommitErr != nil {
		t.Rollback(ctx)
		return t.l.CommitErr
	}
	t.done = true
	t.release()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.l.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.l.mu.Unlock()
	t.release()
	return nil
}

func (t *Tx) release() {
	t.l.mu.Lock()
	locks := make([]*sync.Mutex, 0, len(t.held))
	for _, id := range t.held {
		locks = append(locks, t.l.locks[id])
	}
	t.l.mu.Unlock()
	for _, m := range locks {
		m.Unlock()
	}
	t.held = nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("nested transactions not supported") }
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }
