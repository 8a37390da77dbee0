package collection

import "errors"

// Collection error taxonomy. Balance- and identity-related vendor errors are
// handled locally by mutating account state and are not re-raised; transient
// and undefined errors surface to the caller for scheduler-driven retry.
var (
	// ErrNoActiveRegistration means no registered, non-suspended autodebet
	// account exists for the (account, vendor) pair.
	ErrNoActiveRegistration = errors.New("no active autodebet registration")
	// ErrInsufficientAmount means the computed due amount is zero or
	// negative after adjustments; the vendor must not be called.
	ErrInsufficientAmount = errors.New("due amount is zero or negative")
	// ErrNoCapacityToday means the daily cap leaves no headroom.
	ErrNoCapacityToday = errors.New("no collection capacity left today")
	// ErrInsufficientBalance is a vendor-reported balance failure; the
	// account is suspended as a consequence.
	ErrInsufficientBalance = errors.New("vendor reported insufficient balance")
	// ErrInvalidPaymentMethod is a vendor-reported identity failure; the
	// registration is revoked as a consequence.
	ErrInvalidPaymentMethod = errors.New("vendor reported invalid payment method")
	// ErrVendorTransient covers network and 5xx-class vendor failures.
	ErrVendorTransient = errors.New("transient vendor error")
	// ErrDuplicateAttempt means another attempt for the same key is in
	// flight or already recorded; callers treat it as a no-op success.
	ErrDuplicateAttempt = errors.New("collection attempt already in progress")
	// ErrUndefinedVendorResponse covers unparseable or unexpected vendor
	// response shapes; no state change, retryable.
	ErrUndefinedVendorResponse = errors.New("undefined vendor response")
	// ErrDownstreamProcessing means repayment processing failed after a
	// successful vendor debit; the whole attempt is rolled back and must
	// not be retried automatically.
	ErrDownstreamProcessing = errors.New("downstream repayment processing failed")
	// ErrAmountAboveLimit rejects an amount above the platform ceiling
	// before any vendor is called.
	ErrAmountAboveLimit = errors.New("amount above platform limit")
)
