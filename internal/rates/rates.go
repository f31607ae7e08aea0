// Package rates converts marks into the external token amount paid out on
// withdrawal and validates withdrawal requests against policy. Nothing here
// performs I/O.
package rates

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Withdrawal policy.
const (
	MarksPerToken      = 100 // 100 marks = 1 token
	PlatformFeePercent = 20
	MinWithdrawalMarks = 500
	WithdrawalStep     = 500
	TokenDecimals      = 18
)

var (
	// ErrValidation wraps every input error produced by this package.
	ErrValidation = errors.New("validation error")

	ErrBelowMinimum   = errors.New("below minimum withdrawal")
	ErrNotMultiple    = errors.New("not a multiple of the withdrawal step")
	ErrInvalidAddress = errors.New("invalid wallet address format")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// Conversion is the external-currency breakdown of a marks amount.
type Conversion struct {
	Gross    decimal.Decimal
	Fee      decimal.Decimal
	Net      decimal.Decimal
	NetMinor *big.Int
}

// NetMinorDecimal returns NetMinor as a decimal, for storage.
func (c Conversion) NetMinorDecimal() decimal.Decimal {
	return decimal.NewFromBigInt(c.NetMinor, 0)
}

// Convert turns marks into gross, fee and net token amounts. The minor-unit
// amount is floored so rounding never pays out more than net.
func Convert(marks int) Conversion {
	gross := decimal.NewFromInt(int64(marks)).Div(decimal.NewFromInt(MarksPerToken))
	fee := gross.Mul(decimal.NewFromInt(PlatformFeePercent)).Div(decimal.NewFromInt(100))
	net := gross.Sub(fee)
	return Conversion{
		Gross:    gross,
		Fee:      fee,
		Net:      net,
		NetMinor: net.Shift(TokenDecimals).Floor().BigInt(),
	}
}

// ValidateAmount checks a withdrawal amount against the minimum and step.
func ValidateAmount(marks int) error {
	if marks < MinWithdrawalMarks {
		return fmt.Errorf("%w: %w: minimum withdrawal is %d marks", ErrValidation, ErrBelowMinimum, MinWithdrawalMarks)
	}
	if marks%WithdrawalStep != 0 {
		return fmt.Errorf("%w: %w: withdrawal must be a multiple of %d marks", ErrValidation, ErrNotMultiple, WithdrawalStep)
	}
	return nil
}

// ValidateAddress accepts a 0x-prefixed 20-byte hex address. Mixed-case
// addresses must carry a valid EIP-55 checksum.
func ValidateAddress(addr string) error {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: %w", ErrValidation, ErrInvalidAddress)
	}
	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if addr != common.HexToAddress(addr).Hex() {
		return fmt.Errorf("%w: %w: checksum mismatch", ErrValidation, ErrInvalidAddress)
	}
	return nil
}

// ValidatePositive rejects zero or negative mark amounts.
func ValidatePositive(marks int) error {
	if marks <= 0 {
		return fmt.Errorf("%w: %w: marks must be > 0", ErrValidation, ErrInvalidAmount)
	}
	return nil
}

