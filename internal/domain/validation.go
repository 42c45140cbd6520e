package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitExponent is the number of fractional digits kept in minor units.
const minorUnitExponent = 2

// Amount is a monetary value in integer minor units (e.g. cents).
// Integer arithmetic keeps balances free of floating point drift.
type Amount int64

// ParseAmount converts a decimal value (e.g. "100", "100.5", "0.01") into
// minor units. More than two fractional digits or a non-positive value is
// rejected with ErrInvalidAmount.
func ParseAmount(value decimal.Decimal) (Amount, error) {
	if !value.IsPositive() {
		return 0, ErrInvalidAmount
	}

	shifted := value.Shift(minorUnitExponent)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, minorUnitExponent)
	}
	if shifted.GreaterThan(decimal.NewFromInt(maxAmount)) {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}

	return Amount(shifted.IntPart()), nil
}

// maxAmount bounds admitted amounts well below int64 overflow on credit.
const maxAmount = 1 << 53

// IsPositive reports whether the amount is greater than zero.
func (a Amount) IsPositive() bool {
	return a > 0
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -minorUnitExponent)
}

// String formats the amount with two decimal places (e.g. "100.50").
func (a Amount) String() string {
	return a.Decimal().StringFixed(minorUnitExponent)
}

// ParseTransactionType normalizes and validates a transaction type.
func ParseTransactionType(value string) (TransactionType, error) {
	t := TransactionType(strings.ToLower(strings.TrimSpace(value)))
	switch t {
	case TransactionTypeTransfer, TransactionTypeDeposit, TransactionTypeWithdrawal:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, value)
}

// ValidateCreateRequest checks the business rules that can be decided
// without talking to other services. The returned error wraps ErrValidation.
func ValidateCreateRequest(req CreateRequest) error {
	if strings.TrimSpace(req.FromUserID) == "" {
		return validationError(fmt.Errorf("%w: fromUserId is required", ErrMissingParty))
	}
	if strings.TrimSpace(req.ToUserID) == "" {
		return validationError(fmt.Errorf("%w: toUserId is required", ErrMissingParty))
	}
	if !req.Amount.IsPositive() {
		return validationError(ErrInvalidAmount)
	}
	typ, err := ParseTransactionType(string(req.Type))
	if err != nil {
		return validationError(err)
	}
	if typ == TransactionTypeTransfer && req.FromUserID == req.ToUserID {
		return validationError(ErrSameParty)
	}
	if len(req.Description) > 1024 {
		return validationError(fmt.Errorf("description exceeds 1024 characters"))
	}
	if len(req.ExternalReference) > 255 {
		return validationError(fmt.Errorf("externalReference exceeds 255 characters"))
	}
	return nil
}

func validationError(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}
