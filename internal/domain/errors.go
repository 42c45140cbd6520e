package domain

import "errors"

var (
	// ErrValidation wraps every synchronous input rejection.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidAmount is returned when the amount is not a positive value
	ErrInvalidAmount = errors.New("invalid amount: must be positive")

	// ErrSameParty is returned when a transfer names the same customer twice
	ErrSameParty = errors.New("fromUserId and toUserId must be different for transfers")

	// ErrMissingParty is returned when a customer id is empty
	ErrMissingParty = errors.New("missing customer id")

	// ErrUnknownType is returned for an unsupported transaction type
	ErrUnknownType = errors.New("unknown transaction type")
)

var (
	// ErrCustomerInactive is a business rejection: the customer exists but is inactive.
	ErrCustomerInactive = errors.New("customer is inactive")

	// ErrCustomerNotFound is returned when the customer service explicitly reports no such customer.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrCustomerUnresolvable is a retryable infrastructure fault while validating a customer.
	ErrCustomerUnresolvable = errors.New("customer could not be resolved")
)

var (
	// ErrTransactionNotFound is returned when no transaction has the requested id
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateExternalReference is returned when an external reference is already taken
	ErrDuplicateExternalReference = errors.New("transaction with external reference already exists")

	// ErrPersistence wraps store failures surfaced to callers
	ErrPersistence = errors.New("transaction store unavailable")

	// ErrInsufficientFunds is returned when the debited account cannot cover the amount
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound is returned when an account doesn't exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrClaimLost is returned when a terminal update no longer holds the processing claim
	ErrClaimLost = errors.New("processing claim lost")
)
