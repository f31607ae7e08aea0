package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mark transaction types.
const (
	TxTypePurchase    = "PURCHASE"
	TxTypeWithdrawal  = "WITHDRAWAL"
	TxTypeSurveyHelp  = "SURVEY_HELP"
	TxTypeSurveyBoost = "SURVEY_BOOST"
	TxTypeCommission  = "COMMISSION"
)

// Mark transaction statuses. PENDING and PROCESSING are the only non-terminal ones.
const (
	TxStatusPending    = "PENDING"
	TxStatusProcessing = "PROCESSING"
	TxStatusCompleted  = "COMPLETED"
	TxStatusFailed     = "FAILED"
	TxStatusRejected   = "REJECTED"
	TxStatusCancelled  = "CANCELLED"
)

// Settlement paths a withdrawal can take.
const (
	SettlementGateway = "gateway"
	SettlementManual  = "manual"
)

// IsTerminalStatus reports whether a transaction in this status is final.
func IsTerminalStatus(status string) bool {
	return status != TxStatusPending && status != TxStatusProcessing
}

// MarkTransaction is one row of the marks ledger. MarksAmount is signed:
// positive credits the user, negative debits them. Platform-owned rows
// (commission, rounding remainder, cap forfeits) have a nil UserID.
type MarkTransaction struct {
	ID             uuid.UUID        `json:"id"`
	UserID         *uuid.UUID       `json:"user_id,omitempty"`
	SurveyID       *uuid.UUID       `json:"survey_id,omitempty"`
	Type           string           `json:"type"`
	MarksAmount    int              `json:"marks_amount"`
	ExternalAmount *decimal.Decimal `json:"external_amount,omitempty"`
	ExternalTxRef  *string          `json:"external_tx_ref,omitempty"`
	WalletAddress  *string          `json:"wallet_address,omitempty"`
	Status         string           `json:"status"`
	Nonce          *string          `json:"nonce,omitempty"`
	BalanceAfter   *int             `json:"balance_after,omitempty"`
	Metadata       json.RawMessage  `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Withdrawal is a WITHDRAWAL-type mark transaction together with its
// settlement details.
type Withdrawal struct {
	MarkTransaction

	Deadline            time.Time       `json:"deadline"`
	GrossExternalAmount decimal.Decimal `json:"gross_external_amount"`
	PlatformFee         decimal.Decimal `json:"platform_fee"`
	NetExternalAmount   decimal.Decimal `json:"net_external_amount"`
	NetExternalMinor    decimal.Decimal `json:"net_external_minor"`
	Settlement          string          `json:"settlement"`
	SettlementSeq       *uint64         `json:"-"`
	SettlementPayload   []byte          `json:"-"`
	FailureReason       *string         `json:"failure_reason,omitempty"`
}

// Marks returns the positive number of marks reserved by the withdrawal.
func (w *Withdrawal) Marks() int {
	if w.MarksAmount < 0 {
		return -w.MarksAmount
	}
	return w.MarksAmount
}
