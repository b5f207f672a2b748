package loyalty

import "context"

// Store is the persistence contract used by Service. Implementations must
// provide real row locking inside WithTx: the *ForUpdate getters hold a
// pessimistic lock until the surrounding transaction commits or rolls back.
// Multiple server instances may run concurrently, so correctness rests
// entirely on the storage engine, never on in-process coordination.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error

	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)

	GetVoucherDefinition(ctx context.Context, definitionID DefinitionID) (VoucherDefinition, error)
	CreateVoucherInstance(ctx context.Context, instance VoucherInstance) (VoucherInstance, error)
	GetVoucherInstanceForUpdate(ctx context.Context, instanceID InstanceID) (VoucherInstance, error)
	// MarkVoucherUsed transitions active -> used, guarded on the stored
	// status: zero rows affected means another writer got there first.
	MarkVoucherUsed(ctx context.Context, instanceID InstanceID, staffID StaffID, outlet OutletID, usedAtUnixUTC int64) error

	GetReferralCodeForUpdate(ctx context.Context, code Code) (ReferralCode, error)
	GetReferralCodeByIDForUpdate(ctx context.Context, codeID string) (ReferralCode, error)
	IncrementReferralCodeUses(ctx context.Context, codeID string) error
	GetReferralByReferee(ctx context.Context, refereeID AccountID) (Referral, error)
	CountCompletedReferrals(ctx context.Context, referrerID string, fromUnixUTC int64, toUnixUTC int64) (int64, error)
	InsertReferral(ctx context.Context, referral Referral) error
	// UpdateReferralStatus transitions guarded on the current status, same
	// RowsAffected discipline as MarkVoucherUsed.
	UpdateReferralStatus(ctx context.Context, referralID string, from ReferralStatus, to ReferralStatus, completedUnixUTC int64, pointsAwarded int64) error
}
