package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/surveyhelp/backend/internal/models"
)

const pgUniqueViolation = "23505"

const txColumns = `
	id, user_id, survey_id, type, marks_amount, external_amount::text, external_tx_ref,
	wallet_address, status, nonce, balance_after, metadata, created_at, updated_at`

const withdrawalColumns = txColumns + `,
	deadline, gross_external_amount::text, platform_fee::text, net_external_amount::text,
	net_external_minor::text, settlement, settlement_seq, settlement_payload, failure_reason`

// Repository is the pgx-backed ledger data layer. Every mutating method runs
// inside the caller's transaction.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, COALESCE(nickname, ''), marks, is_admin, created_at, updated_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Nickname, &u.Marks, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetUserForUpdate locks the user's balance row until the transaction ends.
func (r *Repository) GetUserForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := tx.QueryRow(ctx, `
		SELECT id, COALESCE(nickname, ''), marks, is_admin, created_at, updated_at
		FROM users WHERE id = $1
		FOR UPDATE
	`, id).Scan(&u.ID, &u.Nickname, &u.Marks, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// AddMarks applies a signed delta and returns the new balance. The column's
// check constraint rejects anything outside [0, MaxMarksCap].
func (r *Repository) AddMarks(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) (int, error) {
	var balance int
	err := tx.QueryRow(ctx, `
		UPDATE users SET marks = marks + $1, updated_at = now()
		WHERE id = $2
		RETURNING marks
	`, delta, id).Scan(&balance)
	if err != nil {
		return 0, notFound(err)
	}
	return balance, nil
}

// ActiveWithdrawals returns the count and total marks of the user's
// non-terminal withdrawals.
func (r *Repository) ActiveWithdrawals(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int, int, error) {
	var count, marks int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(-marks_amount), 0)
		FROM mark_transactions
		WHERE user_id = $1 AND type = 'WITHDRAWAL' AND status IN ('PENDING', 'PROCESSING')
	`, userID).Scan(&count, &marks)
	return count, marks, err
}

func (r *Repository) FindByNonce(ctx context.Context, tx pgx.Tx, nonce string) (*models.MarkTransaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM mark_transactions WHERE nonce = $1`, nonce))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// InsertTransaction inserts a ledger row. A nonce collision is reported as
// ErrDuplicateNonce.
func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.MarkTransaction) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO mark_transactions (id, user_id, survey_id, type, marks_amount, external_amount, external_tx_ref, wallet_address, status, nonce, balance_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.SurveyID, t.Type, t.MarksAmount, decimalArg(t.ExternalAmount), t.ExternalTxRef, t.WalletAddress,
		t.Status, t.Nonce, t.BalanceAfter, jsonArg(t.Metadata)).Scan(&t.CreatedAt, &t.UpdatedAt)
	return duplicate(err)
}

// InsertTransactionOnce inserts a row unless its nonce already exists and
// reports whether it did.
func (r *Repository) InsertTransactionOnce(ctx context.Context, tx pgx.Tx, t *models.MarkTransaction) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO mark_transactions (id, user_id, survey_id, type, marks_amount, external_amount, external_tx_ref, wallet_address, status, nonce, balance_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (nonce) DO NOTHING
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.SurveyID, t.Type, t.MarksAmount, decimalArg(t.ExternalAmount), t.ExternalTxRef, t.WalletAddress,
		t.Status, t.Nonce, t.BalanceAfter, jsonArg(t.Metadata)).Scan(&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) InsertWithdrawal(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO mark_transactions (
			id, user_id, type, marks_amount, external_amount, wallet_address, status, nonce, balance_after, metadata,
			deadline, gross_external_amount, platform_fee, net_external_amount, net_external_minor, settlement)
		VALUES ($1, $2, 'WITHDRAWAL', $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`, w.ID, w.UserID, w.MarksAmount, decimalArg(w.ExternalAmount), w.WalletAddress, w.Status, w.Nonce, w.BalanceAfter,
		jsonArg(w.Metadata), w.Deadline, w.GrossExternalAmount.String(), w.PlatformFee.String(),
		w.NetExternalAmount.String(), w.NetExternalMinor.String(), w.Settlement).Scan(&w.CreatedAt, &w.UpdatedAt)
	return duplicate(err)
}

func (r *Repository) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	w, err := scanWithdrawal(r.pool.QueryRow(ctx, `
		SELECT `+withdrawalColumns+` FROM mark_transactions WHERE id = $1 AND type = 'WITHDRAWAL'
	`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return w, nil
}

func (r *Repository) GetWithdrawalForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Withdrawal, error) {
	w, err := scanWithdrawal(tx.QueryRow(ctx, `
		SELECT `+withdrawalColumns+` FROM mark_transactions WHERE id = $1 AND type = 'WITHDRAWAL'
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return w, nil
}

// SetWithdrawalStatus moves a withdrawal to a new status. A nil ref keeps the
// stored one.
func (r *Repository) SetWithdrawalStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, ref, reason *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE mark_transactions
		SET status = $2,
		    external_tx_ref = COALESCE($3, external_tx_ref),
		    failure_reason = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, status, ref, reason)
	return err
}

// MarkProcessing records the prepared settlement on a PENDING withdrawal and
// moves it to PROCESSING. It reports false if the row was not PENDING.
func (r *Repository) MarkProcessing(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref string, seq uint64, payload []byte) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE mark_transactions
		SET status = 'PROCESSING', external_tx_ref = $2, settlement_seq = $3, settlement_payload = $4, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, id, ref, int64(seq), payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.MarkTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM mark_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.MarkTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// ListWithdrawals returns withdrawals, newest first, optionally filtered by status.
func (r *Repository) ListWithdrawals(ctx context.Context, status string, limit int) ([]*models.Withdrawal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM mark_transactions
		WHERE type = 'WITHDRAWAL' AND ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

// ListUnsettled returns non-terminal gateway withdrawals not touched since cutoff.
func (r *Repository) ListUnsettled(ctx context.Context, cutoff time.Time, limit int) ([]*models.Withdrawal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM mark_transactions
		WHERE type = 'WITHDRAWAL' AND settlement = 'gateway'
		  AND status IN ('PENDING', 'PROCESSING') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

// ListExpired returns PENDING manual withdrawals past their deadline.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Withdrawal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM mark_transactions
		WHERE type = 'WITHDRAWAL' AND settlement = 'manual'
		  AND status = 'PENDING' AND deadline < $1
		ORDER BY deadline
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func collectWithdrawals(rows pgx.Rows) ([]*models.Withdrawal, error) {
	defer rows.Close()
	var list []*models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}

func scanTransaction(row pgx.Row) (*models.MarkTransaction, error) {
	var t models.MarkTransaction
	var ext *string
	var meta []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.SurveyID, &t.Type, &t.MarksAmount, &ext, &t.ExternalTxRef,
		&t.WalletAddress, &t.Status, &t.Nonce, &t.BalanceAfter, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	amount, err := parseDecimalPtr(ext)
	if err != nil {
		return nil, err
	}
	t.ExternalAmount = amount
	t.Metadata = json.RawMessage(meta)
	return &t, nil
}

func scanWithdrawal(row pgx.Row) (*models.Withdrawal, error) {
	var w models.Withdrawal
	var ext, gross, fee, net, minor *string
	var meta []byte
	var seq *int64
	var deadline *time.Time
	var settlement *string
	if err := row.Scan(&w.ID, &w.UserID, &w.SurveyID, &w.Type, &w.MarksAmount, &ext, &w.ExternalTxRef,
		&w.WalletAddress, &w.Status, &w.Nonce, &w.BalanceAfter, &meta, &w.CreatedAt, &w.UpdatedAt,
		&deadline, &gross, &fee, &net, &minor, &settlement, &seq, &w.SettlementPayload, &w.FailureReason); err != nil {
		return nil, err
	}
	var err error
	if w.ExternalAmount, err = parseDecimalPtr(ext); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src *string
		dst *decimal.Decimal
	}{{gross, &w.GrossExternalAmount}, {fee, &w.PlatformFee}, {net, &w.NetExternalAmount}, {minor, &w.NetExternalMinor}} {
		d, err := parseDecimalPtr(f.src)
		if err != nil {
			return nil, err
		}
		if d != nil {
			*f.dst = *d
		}
	}
	if deadline != nil {
		w.Deadline = *deadline
	}
	if settlement != nil {
		w.Settlement = *settlement
	}
	if seq != nil {
		s := uint64(*seq)
		w.SettlementSeq = &s
	}
	w.Metadata = json.RawMessage(meta)
	return &w, nil
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func jsonArg(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func duplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == "uq_active_withdrawal" {
			return ErrConflictingWithdrawal
		}
		return ErrDuplicateNonce
	}
	return err
}
