package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintRefereeUnique = "uniq_referrals_referee"
	defaultRulesJSON        = "{}"
	pgUniqueViolationCode   = "23505"
	pgLockNotAvailableCode  = "55P03"
	pgDeadlockDetectedCode  = "40P01"
	pgSerializationFailure  = "40001"
	pgQueryCanceledCode     = "57014"
	sqliteConstraintCode    = 19
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectDefinition  = "definition"
	errorSubjectInstance    = "instance"
	errorSubjectCode        = "referral_code"
	errorSubjectReferral    = "referral"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeCount          = "count"
	errorCodeTransient      = "transient"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements loyalty.Store using GORM. It serves both postgres and
// sqlite; row locking degrades gracefully on sqlite, where the single-writer
// database lock provides the same serialization.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore loyalty.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetAccount(ctx context.Context, accountID loyalty.AccountID) (loyalty.Account, error) {
	return store.getAccount(ctx, accountID, false)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID loyalty.AccountID) (loyalty.Account, error) {
	return store.getAccount(ctx, accountID, true)
}

func (store *Store) getAccount(ctx context.Context, accountID loyalty.AccountID, forUpdate bool) (loyalty.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := query.Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return loyalty.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, loyalty.ErrAccountNotFound)
		}
		return loyalty.Account{}, classifyStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return loyalty.Account{
		AccountID:       model.AccountID,
		PointsBalance:   model.PointsBalance,
		TotalSpendCents: model.TotalSpendCents,
		PurchaseCount:   model.PurchaseCount,
	}, nil
}

func (store *Store) UpdateAccount(ctx context.Context, account loyalty.Account) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", account.AccountID).
		Updates(map[string]interface{}{
			"points_balance":    account.PointsBalance,
			"total_spend_cents": account.TotalSpendCents,
			"purchase_count":    account.PurchaseCount,
		})
	if result.Error != nil {
		return classifyStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, loyalty.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry loyalty.Entry) error {
	model := LedgerEntry{
		EntryID:      entry.EntryID,
		AccountID:    entry.AccountID,
		Kind:         entry.Kind.String(),
		PointsDelta:  entry.PointsDelta,
		AmountCents:  entry.AmountCents,
		DefinitionID: optionalString(entry.DefinitionID),
		InstanceID:   optionalString(entry.InstanceID),
		Outlet:       entry.Outlet,
		StaffID:      optionalString(entry.StaffID),
		Reason:       entry.Reason,
		CreatedAt:    time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return classifyStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID loyalty.AccountID, beforeUnixUTC int64, limit int) ([]loyalty.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, classifyStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]loyalty.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) GetVoucherDefinition(ctx context.Context, definitionID loyalty.DefinitionID) (loyalty.VoucherDefinition, error) {
	var model VoucherDefinition
	err := store.db.WithContext(ctx).
		Where("definition_id = ?", definitionID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return loyalty.VoucherDefinition{}, wrapStoreError(errorSubjectDefinition, errorCodeGet, loyalty.ErrDefinitionNotFound)
		}
		return loyalty.VoucherDefinition{}, classifyStoreError(errorSubjectDefinition, errorCodeGet, err)
	}
	return loyalty.VoucherDefinition{
		DefinitionID:     model.DefinitionID,
		Title:            model.Title,
		PointsCost:       model.PointsCost,
		CashValueCents:   model.CashValueCents,
		RulesJSON:        rulesJSONString(model.Rules),
		Active:           model.Active,
		ExpiresAtUnixUTC: timeOrZero(model.ExpiresAt),
	}, nil
}

func (store *Store) CreateVoucherInstance(ctx context.Context, instance loyalty.VoucherInstance) (loyalty.VoucherInstance, error) {
	model := VoucherInstance{
		InstanceID:   instance.InstanceID,
		AccountID:    instance.AccountID,
		DefinitionID: instance.DefinitionID,
		Status:       instance.Status.String(),
		ExpiresAt:    time.Unix(instance.ExpiresAtUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return loyalty.VoucherInstance{}, classifyStoreError(errorSubjectInstance, errorCodeCreate, err)
	}
	instance.InstanceID = model.InstanceID
	return instance, nil
}

func (store *Store) GetVoucherInstanceForUpdate(ctx context.Context, instanceID loyalty.InstanceID) (loyalty.VoucherInstance, error) {
	var model VoucherInstance
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("instance_id = ?", instanceID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return loyalty.VoucherInstance{}, wrapStoreError(errorSubjectInstance, errorCodeGet, loyalty.ErrVoucherNotFound)
		}
		return loyalty.VoucherInstance{}, classifyStoreError(errorSubjectInstance, errorCodeGet, err)
	}
	status, err := loyalty.ParseVoucherStatus(model.Status)
	if err != nil {
		return loyalty.VoucherInstance{}, wrapStoreError(errorSubjectInstance, errorCodeInvalid, err)
	}
	return loyalty.VoucherInstance{
		InstanceID:       model.InstanceID,
		AccountID:        model.AccountID,
		DefinitionID:     model.DefinitionID,
		Status:           status,
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
		UsedAtUnixUTC:    timeOrZero(model.UsedAt),
		UsedByStaffID:    stringOrEmpty(model.UsedByStaffID),
		UsedAtOutlet:     stringOrEmpty(model.UsedAtOutlet),
	}, nil
}

func (store *Store) MarkVoucherUsed(ctx context.Context, instanceID loyalty.InstanceID, staffID loyalty.StaffID, outlet loyalty.OutletID, usedAtUnixUTC int64) error {
	usedAt := time.Unix(usedAtUnixUTC, 0).UTC()
	staff := staffID.String()
	outletValue := outlet.String()
	result := store.db.WithContext(ctx).
		Model(&VoucherInstance{}).
		Where("instance_id = ? AND status = ?", instanceID.String(), loyalty.VoucherActive.String()).
		Updates(map[string]interface{}{
			"status":           loyalty.VoucherUsed.String(),
			"used_at":          usedAt,
			"used_by_staff_id": staff,
			"used_at_outlet":   outletValue,
		})
	if result.Error != nil {
		return classifyStoreError(errorSubjectInstance, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectInstance, errorCodeUpdateStatus, loyalty.ErrVoucherAlreadyUsed)
	}
	return nil
}

func (store *Store) GetReferralCodeForUpdate(ctx context.Context, code loyalty.Code) (loyalty.ReferralCode, error) {
	return store.getReferralCode(ctx, "code = ?", code.String())
}

func (store *Store) GetReferralCodeByIDForUpdate(ctx context.Context, codeID string) (loyalty.ReferralCode, error) {
	return store.getReferralCode(ctx, "code_id = ?", codeID)
}

func (store *Store) getReferralCode(ctx context.Context, condition string, value string) (loyalty.ReferralCode, error) {
	var model ReferralCode
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(condition, value).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return loyalty.ReferralCode{}, wrapStoreError(errorSubjectCode, errorCodeGet, loyalty.ErrReferralCodeNotFound)
		}
		return loyalty.ReferralCode{}, classifyStoreError(errorSubjectCode, errorCodeGet, err)
	}
	return loyalty.ReferralCode{
		CodeID:     model.CodeID,
		Code:       model.Code,
		ReferrerID: model.ReferrerID,
		Uses:       model.Uses,
		Active:     model.Active,
	}, nil
}

func (store *Store) IncrementReferralCodeUses(ctx context.Context, codeID string) error {
	result := store.db.WithContext(ctx).
		Model(&ReferralCode{}).
		Where("code_id = ?", codeID).
		Update("uses", gorm.Expr("uses + 1"))
	if result.Error != nil {
		return classifyStoreError(errorSubjectCode, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCode, errorCodeUpdate, loyalty.ErrReferralCodeNotFound)
	}
	return nil
}

func (store *Store) GetReferralByReferee(ctx context.Context, refereeID loyalty.AccountID) (loyalty.Referral, error) {
	var model Referral
	err := store.db.WithContext(ctx).
		Where("referee_id = ?", refereeID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return loyalty.Referral{}, wrapStoreError(errorSubjectReferral, errorCodeGet, loyalty.ErrReferralNotFound)
		}
		return loyalty.Referral{}, classifyStoreError(errorSubjectReferral, errorCodeGet, err)
	}
	status, err := loyalty.ParseReferralStatus(model.Status)
	if err != nil {
		return loyalty.Referral{}, wrapStoreError(errorSubjectReferral, errorCodeInvalid, err)
	}
	return loyalty.Referral{
		ReferralID:       model.ReferralID,
		ReferrerID:       model.ReferrerID,
		RefereeID:        model.RefereeID,
		CodeID:           model.CodeID,
		Status:           status,
		PointsAwarded:    model.PointsAwarded,
		CompletedUnixUTC: timeOrZero(model.CompletedAt),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func (store *Store) CountCompletedReferrals(ctx context.Context, referrerID string, fromUnixUTC int64, toUnixUTC int64) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Referral{}).
		Where("referrer_id = ? AND status = ?", referrerID, loyalty.ReferralCompleted.String()).
		Where("completed_at >= ? AND completed_at < ?", time.Unix(fromUnixUTC, 0).UTC(), time.Unix(toUnixUTC, 0).UTC()).
		Count(&count).Error
	if err != nil {
		return 0, classifyStoreError(errorSubjectReferral, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertReferral(ctx context.Context, referral loyalty.Referral) error {
	model := Referral{
		ReferralID:    referral.ReferralID,
		ReferrerID:    referral.ReferrerID,
		RefereeID:     referral.RefereeID,
		CodeID:        referral.CodeID,
		Status:        referral.Status.String(),
		PointsAwarded: referral.PointsAwarded,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isRefereeConflict(err) {
		return wrapStoreError(errorSubjectReferral, errorCodeDuplicate, loyalty.ErrReferralExists)
	}
	if err != nil {
		return classifyStoreError(errorSubjectReferral, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateReferralStatus(ctx context.Context, referralID string, from loyalty.ReferralStatus, to loyalty.ReferralStatus, completedUnixUTC int64, pointsAwarded int64) error {
	completedAt := time.Unix(completedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Referral{}).
		Where("referral_id = ? AND status = ?", referralID, from.String()).
		Updates(map[string]interface{}{
			"status":         to.String(),
			"completed_at":   completedAt,
			"points_awarded": pointsAwarded,
		})
	if result.Error != nil {
		return classifyStoreError(errorSubjectReferral, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReferral, errorCodeUpdateStatus, loyalty.ErrReferralClosed)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return loyalty.WrapError(errorOperationStore, subject, code, err)
}

// classifyStoreError folds lock timeouts, deadlocks, and connection failures
// into the retryable transient class before wrapping. Raw driver errors never
// reach callers unclassified.
func classifyStoreError(subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return wrapStoreError(subject, errorCodeTransient, loyalty.ErrTransientStorage)
	}
	return wrapStoreError(subject, code, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailableCode, pgDeadlockDetectedCode, pgSerializationFailure, pgQueryCanceledCode:
			return true
		}
		// Class 08: connection exceptions.
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primary := sqliteErr.Code() & 0xFF
		return primary == sqliteBusyCode || primary == sqliteLockedCode
	}
	return false
}

func isRefereeConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintRefereeUnique
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func mapLedgerEntry(row LedgerEntry) (loyalty.Entry, error) {
	kind, err := loyalty.ParseEntryKind(row.Kind)
	if err != nil {
		return loyalty.Entry{}, err
	}
	return loyalty.Entry{
		EntryID:        row.EntryID,
		AccountID:      row.AccountID,
		Kind:           kind,
		PointsDelta:    row.PointsDelta,
		AmountCents:    row.AmountCents,
		DefinitionID:   stringOrEmpty(row.DefinitionID),
		InstanceID:     stringOrEmpty(row.InstanceID),
		Outlet:         row.Outlet,
		StaffID:        stringOrEmpty(row.StaffID),
		Reason:         row.Reason,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func rulesJSONString(raw datatypes.JSON) string {
	if len(raw) == 0 {
		return defaultRulesJSON
	}
	return string(raw)
}
