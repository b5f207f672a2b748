package loyalty

import (
	"fmt"
	"strings"
)

// AmountCents is an integer currency amount in cents.
type AmountCents int64

// Int64 returns the raw cent amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Points is a signed points quantity. Account balances never go below zero;
// individual ledger deltas may be negative.
type Points int64

// Int64 returns the raw points value.
func (points Points) Int64() int64 {
	return int64(points)
}

// AccountID identifies a customer account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// InstanceID identifies one issued voucher instance.
type InstanceID struct {
	value string
}

// NewInstanceID validates and normalizes a voucher instance id.
func NewInstanceID(raw string) (InstanceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return InstanceID{}, fmt.Errorf("%w: empty value", ErrInvalidInstanceID)
	}
	return InstanceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id InstanceID) String() string {
	return id.value
}

// DefinitionID identifies a reusable voucher definition.
type DefinitionID struct {
	value string
}

// NewDefinitionID validates and normalizes a voucher definition id.
func NewDefinitionID(raw string) (DefinitionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefinitionID{}, fmt.Errorf("%w: empty value", ErrInvalidDefinitionID)
	}
	return DefinitionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id DefinitionID) String() string {
	return id.value
}

// OutletID identifies the outlet where a scan happened.
type OutletID struct {
	value string
}

// NewOutletID validates and normalizes an outlet id.
func NewOutletID(raw string) (OutletID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OutletID{}, fmt.Errorf("%w: empty value", ErrInvalidOutletID)
	}
	return OutletID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OutletID) String() string {
	return id.value
}

// StaffID identifies the staff member performing a mutation.
type StaffID struct {
	value string
}

// NewStaffID validates and normalizes a staff id.
func NewStaffID(raw string) (StaffID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StaffID{}, fmt.Errorf("%w: empty value", ErrInvalidStaffID)
	}
	return StaffID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id StaffID) String() string {
	return id.value
}

// Code is a referral code as typed or shared by a customer.
type Code struct {
	value string
}

// NewCode validates and normalizes a referral code.
func NewCode(raw string) (Code, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return Code{}, fmt.Errorf("%w: empty value", ErrInvalidReferralCode)
	}
	return Code{value: trimmed}, nil
}

// String returns the normalized code.
func (code Code) String() string {
	return code.value
}

// NewAmountCents validates a strictly positive cent amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryEarn     EntryKind = "earn"
	EntryRedeem   EntryKind = "redeem"
	EntryUse      EntryKind = "use"
	EntryGrant    EntryKind = "grant"
	EntryReferral EntryKind = "referral"
	EntryBirthday EntryKind = "birthday"
	EntryStreak   EntryKind = "streak"
)

// String returns the stored kind value.
func (kind EntryKind) String() string {
	return string(kind)
}

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntryEarn, EntryRedeem, EntryUse, EntryGrant, EntryReferral, EntryBirthday, EntryStreak:
		return EntryKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// VoucherStatus defines the voucher instance lifecycle. Only active and used
// are ever stored; expired is derived at read time from the row's expiry.
type VoucherStatus string

const (
	VoucherActive  VoucherStatus = "active"
	VoucherUsed    VoucherStatus = "used"
	VoucherExpired VoucherStatus = "expired"
)

// String returns the stored status value.
func (status VoucherStatus) String() string {
	return string(status)
}

// ParseVoucherStatus validates a stored voucher status.
func ParseVoucherStatus(raw string) (VoucherStatus, error) {
	switch VoucherStatus(raw) {
	case VoucherActive, VoucherUsed:
		return VoucherStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVoucherStatus, raw)
	}
}

// ReferralStatus defines the referral lifecycle.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
	ReferralExpired   ReferralStatus = "expired"
)

// String returns the stored status value.
func (status ReferralStatus) String() string {
	return string(status)
}

// ParseReferralStatus validates a stored referral status.
func ParseReferralStatus(raw string) (ReferralStatus, error) {
	switch ReferralStatus(raw) {
	case ReferralPending, ReferralCompleted, ReferralExpired:
		return ReferralStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReferralStatus, raw)
	}
}

// Account is the balance row, mutated only through ledger operations under a
// row lock.
type Account struct {
	AccountID       string
	PointsBalance   int64
	TotalSpendCents int64
	PurchaseCount   int64
}

// Entry is a single immutable line in the points ledger. The sum of an
// account's deltas equals its current balance.
type Entry struct {
	EntryID        string
	AccountID      string
	Kind           EntryKind
	PointsDelta    int64
	AmountCents    int64
	DefinitionID   string
	InstanceID     string
	Outlet         string
	StaffID        string
	Reason         string
	CreatedUnixUTC int64
}

// VoucherDefinition is a reusable reward template, read-only to this core.
type VoucherDefinition struct {
	DefinitionID     string
	Title            string
	PointsCost       int64
	CashValueCents   int64
	RulesJSON        string
	Active           bool
	ExpiresAtUnixUTC int64
}

// Redeemable reports whether the definition can currently be exchanged.
func (definition VoucherDefinition) Redeemable(nowUnixUTC int64) error {
	if !definition.Active {
		return ErrDefinitionInactive
	}
	if definition.ExpiresAtUnixUTC != 0 && nowUnixUTC > definition.ExpiresAtUnixUTC {
		return ErrDefinitionExpired
	}
	return nil
}

// VoucherInstance is one concrete redeemable unit issued to an account.
type VoucherInstance struct {
	InstanceID       string
	AccountID        string
	DefinitionID     string
	Status           VoucherStatus
	ExpiresAtUnixUTC int64
	UsedAtUnixUTC    int64
	UsedByStaffID    string
	UsedAtOutlet     string
}

// EffectiveStatus derives the visible status. Expiry is evaluated lazily and
// never written back to the row.
func (instance VoucherInstance) EffectiveStatus(nowUnixUTC int64) VoucherStatus {
	if instance.Status == VoucherActive && instance.ExpiresAtUnixUTC != 0 && nowUnixUTC > instance.ExpiresAtUnixUTC {
		return VoucherExpired
	}
	return instance.Status
}

// ReferralCode is a shareable code owned by a referrer.
type ReferralCode struct {
	CodeID     string
	Code       string
	ReferrerID string
	Uses       int64
	Active     bool
}

// Referral tracks one referee's progression. At most one referral exists per
// referee.
type Referral struct {
	ReferralID       string
	ReferrerID       string
	RefereeID        string
	CodeID           string
	Status           ReferralStatus
	PointsAwarded    int64
	CompletedUnixUTC int64
	CreatedUnixUTC   int64
}

// Balance is the read view of an account.
type Balance struct {
	AccountID       string
	Points          int64
	TotalSpendCents int64
	PurchaseCount   int64
}

// ScanResult reports the outcome of a processed scan.
type ScanResult struct {
	Kind          string
	AccountID     string
	PointsEarned  int64
	NewBalance    int64
	InstanceID    string
	CashValue     int64
	DefinitionID  string
}
