package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintRefereeUnique = "uniq_referrals_referee"
	pgUniqueViolationCode   = "23505"
	pgLockNotAvailableCode  = "55P03"
	pgDeadlockDetectedCode  = "40P01"
	pgSerializationFailure  = "40001"
	pgQueryCanceledCode     = "57014"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectDefinition  = "definition"
	errorSubjectInstance    = "instance"
	errorSubjectCode        = "referral_code"
	errorSubjectReferral    = "referral"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeCount          = "count"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeTransient      = "transient"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"

	sqlSelectAccount = `
		select account_id::text, points_balance, total_spend_cents, purchase_count
		from accounts
		where account_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlUpdateAccount = `
		update accounts
		set points_balance = $2, total_spend_cents = $3, purchase_count = $4, updated_at = now()
		where account_id = $1
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, kind, points_delta, amount_cents,
			definition_id, instance_id, outlet, staff_id, reason, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			nullif($5,'')::uuid, nullif($6,'')::uuid, $7, nullif($8,''), $9,
			to_timestamp($10)
		)
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			account_id::text,
			kind,
			points_delta,
			amount_cents,
			coalesce(definition_id::text,''),
			coalesce(instance_id::text,''),
			outlet,
			coalesce(staff_id,''),
			reason,
			extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlSelectDefinition = `
		select definition_id::text, title, points_cost, cash_value_cents,
			coalesce(rules::text,'{}'), active,
			coalesce(extract(epoch from expires_at)::bigint,0)
		from voucher_definitions
		where definition_id = $1
	`

	sqlInsertInstance = `
		insert into voucher_instances(instance_id, account_id, definition_id, status, expires_at)
		values (gen_random_uuid(), $1, $2, $3, to_timestamp($4))
		returning instance_id::text
	`

	sqlSelectInstanceForUpdate = `
		select instance_id::text, account_id::text, definition_id::text, status,
			extract(epoch from expires_at)::bigint,
			coalesce(extract(epoch from used_at)::bigint,0),
			coalesce(used_by_staff_id,''),
			coalesce(used_at_outlet,'')
		from voucher_instances
		where instance_id = $1
		for update
	`

	sqlMarkInstanceUsed = `
		update voucher_instances
		set status = 'used', used_at = to_timestamp($2), used_by_staff_id = $3,
			used_at_outlet = $4, updated_at = now()
		where instance_id = $1 and status = 'active'
	`

	sqlSelectCodeForUpdate = `
		select code_id::text, code, referrer_id::text, uses, active
		from referral_codes
		where code = $1
		for update
	`

	sqlSelectCodeByIDForUpdate = `
		select code_id::text, code, referrer_id::text, uses, active
		from referral_codes
		where code_id = $1
		for update
	`

	sqlIncrementCodeUses = `
		update referral_codes
		set uses = uses + 1, updated_at = now()
		where code_id = $1
	`

	sqlSelectReferralByReferee = `
		select referral_id::text, referrer_id::text, referee_id::text, code_id::text,
			status, points_awarded,
			coalesce(extract(epoch from completed_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from referrals
		where referee_id = $1
	`

	sqlCountCompletedReferrals = `
		select count(*)
		from referrals
		where referrer_id = $1 and status = 'completed'
			and completed_at >= to_timestamp($2) and completed_at < to_timestamp($3)
	`

	sqlInsertReferral = `
		insert into referrals(referral_id, referrer_id, referee_id, code_id, status, points_awarded, created_at)
		values (gen_random_uuid(), $1, $2, $3, $4, $5, to_timestamp($6))
	`

	sqlUpdateReferralStatus = `
		update referrals
		set status = $3, completed_at = to_timestamp($4), points_awarded = $5, updated_at = now()
		where referral_id = $1 and status = $2
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements loyalty.Store against postgres using pgx directly. A Store
// built by New runs in autocommit mode; WithTx yields a Store bound to an
// open transaction, within which the FOR UPDATE selects hold their row locks
// until commit or rollback.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx executes fn within a transaction. A Store already bound to a
// transaction joins it instead of nesting.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore loyalty.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classifyStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{q: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID loyalty.AccountID) (loyalty.Account, error) {
	return store.scanAccount(ctx, sqlSelectAccount, accountID)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID loyalty.AccountID) (loyalty.Account, error) {
	return store.scanAccount(ctx, sqlSelectAccountForUpdate, accountID)
}

func (store *Store) scanAccount(ctx context.Context, query string, accountID loyalty.AccountID) (loyalty.Account, error) {
	var account loyalty.Account
	err := store.q.QueryRow(ctx, query, accountID.String()).Scan(
		&account.AccountID,
		&account.PointsBalance,
		&account.TotalSpendCents,
		&account.PurchaseCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return loyalty.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, loyalty.ErrAccountNotFound)
		}
		return loyalty.Account{}, classifyStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) UpdateAccount(ctx context.Context, account loyalty.Account) error {
	tag, err := store.q.Exec(ctx, sqlUpdateAccount,
		account.AccountID,
		account.PointsBalance,
		account.TotalSpendCents,
		account.PurchaseCount,
	)
	if err != nil {
		return classifyStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, loyalty.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry loyalty.Entry) error {
	_, err := store.q.Exec(ctx, sqlInsertEntry,
		entry.AccountID,
		entry.Kind.String(),
		entry.PointsDelta,
		entry.AmountCents,
		entry.DefinitionID,
		entry.InstanceID,
		entry.Outlet,
		entry.StaffID,
		entry.Reason,
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return classifyStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID loyalty.AccountID, beforeUnixUTC int64, limit int) ([]loyalty.Entry, error) {
	rows, err := store.q.Query(ctx, sqlListEntriesBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, classifyStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]loyalty.Entry, 0, 32)
	for rows.Next() {
		var entry loyalty.Entry
		var kindValue string
		if err := rows.Scan(
			&entry.EntryID,
			&entry.AccountID,
			&kindValue,
			&entry.PointsDelta,
			&entry.AmountCents,
			&entry.DefinitionID,
			&entry.InstanceID,
			&entry.Outlet,
			&entry.StaffID,
			&entry.Reason,
			&entry.CreatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		kind, err := loyalty.ParseEntryKind(kindValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entry.Kind = kind
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) GetVoucherDefinition(ctx context.Context, definitionID loyalty.DefinitionID) (loyalty.VoucherDefinition, error) {
	var definition loyalty.VoucherDefinition
	err := store.q.QueryRow(ctx, sqlSelectDefinition, definitionID.String()).Scan(
		&definition.DefinitionID,
		&definition.Title,
		&definition.PointsCost,
		&definition.CashValueCents,
		&definition.RulesJSON,
		&definition.Active,
		&definition.ExpiresAtUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return loyalty.VoucherDefinition{}, wrapStoreError(errorSubjectDefinition, errorCodeGet, loyalty.ErrDefinitionNotFound)
		}
		return loyalty.VoucherDefinition{}, classifyStoreError(errorSubjectDefinition, errorCodeGet, err)
	}
	return definition, nil
}

func (store *Store) CreateVoucherInstance(ctx context.Context, instance loyalty.VoucherInstance) (loyalty.VoucherInstance, error) {
	err := store.q.QueryRow(ctx, sqlInsertInstance,
		instance.AccountID,
		instance.DefinitionID,
		instance.Status.String(),
		instance.ExpiresAtUnixUTC,
	).Scan(&instance.InstanceID)
	if err != nil {
		return loyalty.VoucherInstance{}, classifyStoreError(errorSubjectInstance, errorCodeCreate, err)
	}
	return instance, nil
}

func (store *Store) GetVoucherInstanceForUpdate(ctx context.Context, instanceID loyalty.InstanceID) (loyalty.VoucherInstance, error) {
	var instance loyalty.VoucherInstance
	var statusValue string
	err := store.q.QueryRow(ctx, sqlSelectInstanceForUpdate, instanceID.String()).Scan(
		&instance.InstanceID,
		&instance.AccountID,
		&instance.DefinitionID,
		&statusValue,
		&instance.ExpiresAtUnixUTC,
		&instance.UsedAtUnixUTC,
		&instance.UsedByStaffID,
		&instance.UsedAtOutlet,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return loyalty.VoucherInstance{}, wrapStoreError(errorSubjectInstance, errorCodeGet, loyalty.ErrVoucherNotFound)
		}
		return loyalty.VoucherInstance{}, classifyStoreError(errorSubjectInstance, errorCodeGet, err)
	}
	status, err := loyalty.ParseVoucherStatus(statusValue)
	if err != nil {
		return loyalty.VoucherInstance{}, wrapStoreError(errorSubjectInstance, errorCodeInvalid, err)
	}
	instance.Status = status
	return instance, nil
}

func (store *Store) MarkVoucherUsed(ctx context.Context, instanceID loyalty.InstanceID, staffID loyalty.StaffID, outlet loyalty.OutletID, usedAtUnixUTC int64) error {
	tag, err := store.q.Exec(ctx, sqlMarkInstanceUsed,
		instanceID.String(),
		usedAtUnixUTC,
		staffID.String(),
		outlet.String(),
	)
	if err != nil {
		return classifyStoreError(errorSubjectInstance, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectInstance, errorCodeUpdateStatus, loyalty.ErrVoucherAlreadyUsed)
	}
	return nil
}

func (store *Store) GetReferralCodeForUpdate(ctx context.Context, code loyalty.Code) (loyalty.ReferralCode, error) {
	return store.scanReferralCode(ctx, sqlSelectCodeForUpdate, code.String())
}

func (store *Store) GetReferralCodeByIDForUpdate(ctx context.Context, codeID string) (loyalty.ReferralCode, error) {
	return store.scanReferralCode(ctx, sqlSelectCodeByIDForUpdate, codeID)
}

func (store *Store) scanReferralCode(ctx context.Context, query string, value string) (loyalty.ReferralCode, error) {
	var code loyalty.ReferralCode
	err := store.q.QueryRow(ctx, query, value).Scan(
		&code.CodeID,
		&code.Code,
		&code.ReferrerID,
		&code.Uses,
		&code.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return loyalty.ReferralCode{}, wrapStoreError(errorSubjectCode, errorCodeGet, loyalty.ErrReferralCodeNotFound)
		}
		return loyalty.ReferralCode{}, classifyStoreError(errorSubjectCode, errorCodeGet, err)
	}
	return code, nil
}

func (store *Store) IncrementReferralCodeUses(ctx context.Context, codeID string) error {
	tag, err := store.q.Exec(ctx, sqlIncrementCodeUses, codeID)
	if err != nil {
		return classifyStoreError(errorSubjectCode, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectCode, errorCodeUpdate, loyalty.ErrReferralCodeNotFound)
	}
	return nil
}

func (store *Store) GetReferralByReferee(ctx context.Context, refereeID loyalty.AccountID) (loyalty.Referral, error) {
	var referral loyalty.Referral
	var statusValue string
	err := store.q.QueryRow(ctx, sqlSelectReferralByReferee, refereeID.String()).Scan(
		&referral.ReferralID,
		&referral.ReferrerID,
		&referral.RefereeID,
		&referral.CodeID,
		&statusValue,
		&referral.PointsAwarded,
		&referral.CompletedUnixUTC,
		&referral.CreatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return loyalty.Referral{}, wrapStoreError(errorSubjectReferral, errorCodeGet, loyalty.ErrReferralNotFound)
		}
		return loyalty.Referral{}, classifyStoreError(errorSubjectReferral, errorCodeGet, err)
	}
	status, err := loyalty.ParseReferralStatus(statusValue)
	if err != nil {
		return loyalty.Referral{}, wrapStoreError(errorSubjectReferral, errorCodeInvalid, err)
	}
	referral.Status = status
	return referral, nil
}

func (store *Store) CountCompletedReferrals(ctx context.Context, referrerID string, fromUnixUTC int64, toUnixUTC int64) (int64, error) {
	var count int64
	err := store.q.QueryRow(ctx, sqlCountCompletedReferrals, referrerID, fromUnixUTC, toUnixUTC).Scan(&count)
	if err != nil {
		return 0, classifyStoreError(errorSubjectReferral, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertReferral(ctx context.Context, referral loyalty.Referral) error {
	_, err := store.q.Exec(ctx, sqlInsertReferral,
		referral.ReferrerID,
		referral.RefereeID,
		referral.CodeID,
		referral.Status.String(),
		referral.PointsAwarded,
		referral.CreatedUnixUTC,
	)
	if isRefereeConflict(err) {
		return wrapStoreError(errorSubjectReferral, errorCodeDuplicate, loyalty.ErrReferralExists)
	}
	if err != nil {
		return classifyStoreError(errorSubjectReferral, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateReferralStatus(ctx context.Context, referralID string, from loyalty.ReferralStatus, to loyalty.ReferralStatus, completedUnixUTC int64, pointsAwarded int64) error {
	tag, err := store.q.Exec(ctx, sqlUpdateReferralStatus,
		referralID,
		from.String(),
		to.String(),
		completedUnixUTC,
		pointsAwarded,
	)
	if err != nil {
		return classifyStoreError(errorSubjectReferral, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReferral, errorCodeUpdateStatus, loyalty.ErrReferralClosed)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return loyalty.WrapError(errorOperationStore, subject, code, err)
}

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
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	return false
}

func isRefereeConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintRefereeUnique
	}
	return false
}
