package ledger

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrConflictingWithdrawal = errors.New("a withdrawal is already pending for this user")
	ErrDuplicateNonce        = errors.New("duplicate nonce")
	ErrWithdrawalFinalized   = errors.New("withdrawal already finalized")
	ErrInvalidTransition     = errors.New("invalid withdrawal status transition")
)
