package loyalty

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/qrtoken"
)

// Domain-level error values returned by the loyalty service.
var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrAmountTooSmall        = errors.New("amount too small to earn points")
	ErrAmountRequired        = errors.New("amount required for identity scan")
	ErrReasonRequired        = errors.New("adjustment reason required")
	ErrInsufficientBalance   = errors.New("insufficient points balance")
	ErrVoucherNotFound       = errors.New("voucher instance not found")
	ErrVoucherAlreadyUsed    = errors.New("voucher already used")
	ErrVoucherExpired        = errors.New("voucher expired")
	ErrDefinitionNotFound    = errors.New("voucher definition not found")
	ErrDefinitionInactive    = errors.New("voucher definition inactive")
	ErrDefinitionExpired     = errors.New("voucher definition expired")
	ErrReferralCodeNotFound  = errors.New("referral code not found")
	ErrReferralCodeInactive  = errors.New("referral code inactive")
	ErrSelfReferral          = errors.New("self referral rejected")
	ErrReferralExists        = errors.New("referee already referred")
	ErrReferralCapReached    = errors.New("monthly referral cap reached")
	ErrReferralNotFound      = errors.New("referral not found")
	ErrReferralClosed        = errors.New("referral already closed")
	ErrTransientStorage      = errors.New("transient storage failure")
	ErrInvalidAccountID      = errors.New("invalid account id")
	ErrInvalidInstanceID     = errors.New("invalid voucher instance id")
	ErrInvalidDefinitionID   = errors.New("invalid voucher definition id")
	ErrInvalidOutletID       = errors.New("invalid outlet id")
	ErrInvalidStaffID        = errors.New("invalid staff id")
	ErrInvalidReferralCode   = errors.New("invalid referral code")
	ErrInvalidAmountCents    = errors.New("invalid amount cents")
	ErrInvalidEntryKind      = errors.New("invalid entry kind")
	ErrInvalidVoucherStatus  = errors.New("invalid voucher status")
	ErrInvalidReferralStatus = errors.New("invalid referral status")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
	ErrInvalidExpiry         = errors.New("invalid expiry timestamp")
)

// Class is the closed error taxonomy surfaced at the API boundary.
type Class string

const (
	ClassValidation          Class = "validation"
	ClassNotFound            Class = "not_found"
	ClassConflict            Class = "conflict"
	ClassInsufficientBalance Class = "insufficient_balance"
	ClassTokenInvalid        Class = "token_invalid"
	ClassTokenExpired        Class = "token_expired"
	ClassTransient           Class = "transient"
	ClassInternal            Class = "internal"
)

// Classify maps any error produced by the service onto the closed taxonomy.
// Raw storage errors never escape unclassified: anything unrecognized is
// internal.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, qrtoken.ErrTokenExpired):
		return ClassTokenExpired
	case errors.Is(err, qrtoken.ErrTokenInvalid):
		return ClassTokenInvalid
	case errors.Is(err, ErrInsufficientBalance):
		return ClassInsufficientBalance
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrVoucherNotFound),
		errors.Is(err, ErrDefinitionNotFound),
		errors.Is(err, ErrReferralCodeNotFound),
		errors.Is(err, ErrReferralNotFound):
		return ClassNotFound
	case errors.Is(err, ErrVoucherAlreadyUsed),
		errors.Is(err, ErrVoucherExpired),
		errors.Is(err, ErrDefinitionInactive),
		errors.Is(err, ErrDefinitionExpired),
		errors.Is(err, ErrReferralCodeInactive),
		errors.Is(err, ErrSelfReferral),
		errors.Is(err, ErrReferralExists),
		errors.Is(err, ErrReferralCapReached),
		errors.Is(err, ErrReferralClosed):
		return ClassConflict
	case errors.Is(err, ErrAmountTooSmall),
		errors.Is(err, ErrAmountRequired),
		errors.Is(err, ErrReasonRequired),
		errors.Is(err, ErrInvalidAccountID),
		errors.Is(err, ErrInvalidInstanceID),
		errors.Is(err, ErrInvalidDefinitionID),
		errors.Is(err, ErrInvalidOutletID),
		errors.Is(err, ErrInvalidStaffID),
		errors.Is(err, ErrInvalidReferralCode),
		errors.Is(err, ErrInvalidAmountCents),
		errors.Is(err, ErrInvalidExpiry):
		return ClassValidation
	case errors.Is(err, ErrTransientStorage):
		return ClassTransient
	default:
		return ClassInternal
	}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
