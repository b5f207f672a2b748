package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The balance column is the locked,
// authoritative value; ledger_entries deltas must always sum to it.
type Account struct {
	AccountID       string    `gorm:"type:uuid;primaryKey"`
	PointsBalance   int64     `gorm:"not null;default:0"`
	TotalSpendCents int64     `gorm:"not null;default:0"`
	PurchaseCount   int64     `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	EntryID      string    `gorm:"type:uuid;primaryKey"`
	AccountID    string    `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1"`
	Kind         string    `gorm:"not null"`
	PointsDelta  int64     `gorm:"not null"`
	AmountCents  int64     `gorm:"not null;default:0"`
	DefinitionID *string   `gorm:""`
	InstanceID   *string   `gorm:"index"`
	Outlet       string    `gorm:""`
	StaffID      *string   `gorm:""`
	Reason       string    `gorm:""`
	CreatedAt    time.Time `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// VoucherDefinition mirrors the voucher_definitions table, read-only to the
// core.
type VoucherDefinition struct {
	DefinitionID   string         `gorm:"type:uuid;primaryKey"`
	Title          string         `gorm:"not null"`
	PointsCost     int64          `gorm:"not null"`
	CashValueCents int64          `gorm:"not null"`
	Rules          datatypes.JSON `gorm:"type:jsonb;not null"`
	Active         bool           `gorm:"not null;default:true"`
	ExpiresAt      *time.Time     `gorm:""`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (VoucherDefinition) TableName() string { return "voucher_definitions" }

func (definition *VoucherDefinition) BeforeCreate(tx *gorm.DB) error {
	if definition.DefinitionID == "" {
		definition.DefinitionID = uuid.NewString()
	}
	return nil
}

// VoucherInstance mirrors the voucher_instances table. Status only ever
// stores active or used; expiry is derived at read time.
type VoucherInstance struct {
	InstanceID    string     `gorm:"type:uuid;primaryKey"`
	AccountID     string     `gorm:"type:uuid;not null;index"`
	DefinitionID  string     `gorm:"type:uuid;not null"`
	Status        string     `gorm:"not null;default:active"`
	ExpiresAt     time.Time  `gorm:"not null"`
	UsedAt        *time.Time `gorm:""`
	UsedByStaffID *string    `gorm:""`
	UsedAtOutlet  *string    `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (VoucherInstance) TableName() string { return "voucher_instances" }

func (instance *VoucherInstance) BeforeCreate(tx *gorm.DB) error {
	if instance.InstanceID == "" {
		instance.InstanceID = uuid.NewString()
	}
	return nil
}

// ReferralCode mirrors the referral_codes table.
type ReferralCode struct {
	CodeID     string    `gorm:"type:uuid;primaryKey"`
	Code       string    `gorm:"not null;uniqueIndex"`
	ReferrerID string    `gorm:"type:uuid;not null;index"`
	Uses       int64     `gorm:"not null;default:0"`
	Active     bool      `gorm:"not null;default:true"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (ReferralCode) TableName() string { return "referral_codes" }

func (code *ReferralCode) BeforeCreate(tx *gorm.DB) error {
	if code.CodeID == "" {
		code.CodeID = uuid.NewString()
	}
	return nil
}

// Referral mirrors the referrals table. The unique index on referee_id
// enforces at most one referral per referee at the storage level.
type Referral struct {
	ReferralID    string     `gorm:"type:uuid;primaryKey"`
	ReferrerID    string     `gorm:"type:uuid;not null;index"`
	RefereeID     string     `gorm:"type:uuid;not null;uniqueIndex:uniq_referrals_referee"`
	CodeID        string     `gorm:"type:uuid;not null"`
	Status        string     `gorm:"not null;default:pending"`
	PointsAwarded int64      `gorm:"not null;default:0"`
	CompletedAt   *time.Time `gorm:"index"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (Referral) TableName() string { return "referrals" }

func (referral *Referral) BeforeCreate(tx *gorm.DB) error {
	if referral.ReferralID == "" {
		referral.ReferralID = uuid.NewString()
	}
	return nil
}
