package domain

// Vendor identifies one of the supported autodebet payment rails.
type Vendor string

const (
	VendorBCA     Vendor = "bca"
	VendorBRI     Vendor = "bri"
	VendorMandiri Vendor = "mandiri"
	VendorGoPay   Vendor = "gopay"
	VendorOVO     Vendor = "ovo"
	VendorDANA    Vendor = "dana"
)

// Vendors is the closed set of supported rails, used to build the strategy map
// at startup and to validate callback routes.
var Vendors = []Vendor{VendorBCA, VendorBRI, VendorMandiri, VendorGoPay, VendorOVO, VendorDANA}

// Valid reports whether v names a supported vendor.
func (v Vendor) Valid() bool {
	switch v {
	case VendorBCA, VendorBRI, VendorMandiri, VendorGoPay, VendorOVO, VendorDANA:
		return true
	}
	return false
}

func (v Vendor) String() string { return string(v) }

// IsWallet reports whether the vendor settles asynchronously via callback.
func (v Vendor) IsWallet() bool {
	return v == VendorOVO || v == VendorDANA
}

// Registration statuses for an AutodebetAccount.
const (
	RegStatusRequested          = "REQUESTED"
	RegStatusPending            = "PENDING"
	RegStatusRegistered         = "REGISTERED"
	RegStatusFailedRegistration = "FAILED_REGISTRATION"
	RegStatusRejected           = "REJECTED"
	RegStatusRevoked            = "REVOKED"
	RegStatusSuspended          = "SUSPENDED"
)

// Ledger transaction statuses.
const (
	TxStatusPending   = "PENDING"
	TxStatusProcessed = "PROCESSED"
	TxStatusFailed    = "FAILED"
)

// Vendor shadow transaction statuses.
const (
	VendorTxStatusPending = "PENDING"
	VendorTxStatusSuccess = "SUCCESS"
	VendorTxStatusFailed  = "FAILED"
	VendorTxStatusUnknown = "UNKNOWN"
)

// Failure reasons recorded on AutodebetAccount rows.
const (
	FailureReasonExpired  = "expired"
	FailureReasonRejected = "rejected_by_vendor"
	DeleteReasonRevoked   = "revoked_invalid_payment_method"
	DeleteReasonUser      = "deactivated_by_user"
)
