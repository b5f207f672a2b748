// Package loyalty implements the transactional points ledger, the voucher
// redemption state machine, and the referral completion tracker.
//
// Every multi-step mutation runs inside one Store.WithTx transaction and
// locks the rows it mutates before reading their authoritative state. No
// external I/O happens while a lock is held: notification and audit are
// dispatched only after commit, best-effort.
package loyalty

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/qrtoken"
)

// EarnRule converts an amount spent into awarded points:
// floor(amount / UnitCents) * PointsPerUnit.
type EarnRule struct {
	UnitCents     int64
	PointsPerUnit int64
}

// PointsFor computes the award for an amount spent.
func (rule EarnRule) PointsFor(amountCents int64) int64 {
	if amountCents <= 0 {
		return 0
	}
	return amountCents / rule.UnitCents * rule.PointsPerUnit
}

// ReferralPolicy caps completed referrals per referrer per calendar month.
type ReferralPolicy struct {
	MonthlyCap  int64
	AwardPoints int64
}

// TokenDecoder verifies a scanned QR token and returns its claim.
type TokenDecoder interface {
	Decode(token string) (qrtoken.Claim, error)
}

// Service contains the domain logic over a Store.
type Service struct {
	store     Store
	codec     TokenDecoder
	nowFn     func() int64
	logger    OperationLogger
	notifier  Notifier
	auditor   AuditRecorder
	earnRule  EarnRule
	referrals ReferralPolicy
}

// NewService wires a Service.
func NewService(store Store, codec TokenDecoder, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: token codec dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:     store,
		codec:     codec,
		nowFn:     now,
		earnRule:  EarnRule{UnitCents: defaultEarnUnitCents, PointsPerUnit: defaultEarnPointsPerUnit},
		referrals: ReferralPolicy{MonthlyCap: defaultReferralMonthlyCap, AwardPoints: defaultReferralAwardPoints},
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.earnRule.UnitCents <= 0 || service.earnRule.PointsPerUnit <= 0 {
		return nil, fmt.Errorf("%w: earn rule must be positive", ErrInvalidServiceConfig)
	}
	if service.referrals.MonthlyCap <= 0 || service.referrals.AwardPoints <= 0 {
		return nil, fmt.Errorf("%w: referral policy must be positive", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Balance returns the account's balance view.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		AccountID:       account.AccountID,
		Points:          account.PointsBalance,
		TotalSpendCents: account.TotalSpendCents,
		PurchaseCount:   account.PurchaseCount,
	}, nil
}

// ListEntries lists ledger entries for an account before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

// Earn converts an amount spent into points. The award is computed before the
// transaction opens; an award of zero fails with no side effects at all.
func (service *Service) Earn(ctx context.Context, accountID AccountID, amountSpent AmountCents, outlet OutletID, staffID StaffID) (Balance, error) {
	var before, after Account
	awarded := service.earnRule.PointsFor(amountSpent.Int64())
	operationError := func() error {
		if awarded == 0 {
			return ErrAmountTooSmall
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
			if err != nil {
				return err
			}
			before = account
			account.PointsBalance += awarded
			account.TotalSpendCents += amountSpent.Int64()
			account.PurchaseCount++
			if err := transactionStore.UpdateAccount(ctx, account); err != nil {
				return err
			}
			after = account
			return transactionStore.InsertEntry(ctx, Entry{
				AccountID:      account.AccountID,
				Kind:           EntryEarn,
				PointsDelta:    awarded,
				AmountCents:    amountSpent.Int64(),
				Outlet:         outlet.String(),
				StaffID:        staffID.String(),
				CreatedUnixUTC: service.nowFn(),
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:   operationEarn,
		AccountID:   accountID,
		StaffID:     staffID,
		Outlet:      outlet,
		Points:      awarded,
		AmountCents: amountSpent.Int64(),
		Error:       operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	service.recordAudit(ctx, AuditRecord{
		Operation: operationEarn,
		ActorID:   staffID.String(),
		AccountID: accountID.String(),
		Before:    before,
		After:     after,
		AtUnixUTC: service.nowFn(),
	})
	service.emit(ctx, Event{
		Kind:        EventPointsEarned,
		AccountID:   accountID.String(),
		Points:      awarded,
		AmountCents: amountSpent.Int64(),
		AtUnixUTC:   service.nowFn(),
	})
	return Balance{
		AccountID:       after.AccountID,
		Points:          after.PointsBalance,
		TotalSpendCents: after.TotalSpendCents,
		PurchaseCount:   after.PurchaseCount,
	}, nil
}

// Adjust applies an admin correction. The delta may be negative but the
// balance never drops below zero; a reason is always required and forwarded
// to the audit collaborator.
func (service *Service) Adjust(ctx context.Context, accountID AccountID, delta Points, reason string, actorID StaffID) (Balance, error) {
	var before, after Account
	reason = strings.TrimSpace(reason)
	operationError := func() error {
		if reason == "" {
			return ErrReasonRequired
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
			if err != nil {
				return err
			}
			before = account
			updatedBalance := account.PointsBalance + delta.Int64()
			if updatedBalance < 0 {
				return ErrInsufficientBalance
			}
			account.PointsBalance = updatedBalance
			if err := transactionStore.UpdateAccount(ctx, account); err != nil {
				return err
			}
			after = account
			return transactionStore.InsertEntry(ctx, Entry{
				AccountID:      account.AccountID,
				Kind:           EntryGrant,
				PointsDelta:    delta.Int64(),
				StaffID:        actorID.String(),
				Reason:         reason,
				CreatedUnixUTC: service.nowFn(),
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		AccountID: accountID,
		StaffID:   actorID,
		Points:    delta.Int64(),
		Error:     operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	service.recordAudit(ctx, AuditRecord{
		Operation: operationAdjust,
		ActorID:   actorID.String(),
		AccountID: accountID.String(),
		Reason:    reason,
		Before:    before,
		After:     after,
		AtUnixUTC: service.nowFn(),
	})
	service.emit(ctx, Event{
		Kind:      EventPointsAdjusted,
		AccountID: accountID.String(),
		Points:    delta.Int64(),
		AtUnixUTC: service.nowFn(),
	})
	return Balance{
		AccountID:       after.AccountID,
		Points:          after.PointsBalance,
		TotalSpendCents: after.TotalSpendCents,
		PurchaseCount:   after.PurchaseCount,
	}, nil
}

// RedeemDirect exchanges points for a voucher definition at the counter,
// without a pre-issued instance. This path coexists with instance-based
// redemption via Scan.
func (service *Service) RedeemDirect(ctx context.Context, accountID AccountID, definitionID DefinitionID, outlet OutletID, staffID StaffID) (Balance, error) {
	var before, after Account
	var definition VoucherDefinition
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		definition, err = transactionStore.GetVoucherDefinition(ctx, definitionID)
		if err != nil {
			return err
		}
		if err := definition.Redeemable(service.nowFn()); err != nil {
			return err
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		before = account
		if account.PointsBalance < definition.PointsCost {
			return ErrInsufficientBalance
		}
		account.PointsBalance -= definition.PointsCost
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		after = account
		return transactionStore.InsertEntry(ctx, Entry{
			AccountID:      account.AccountID,
			Kind:           EntryRedeem,
			PointsDelta:    -definition.PointsCost,
			AmountCents:    definition.CashValueCents,
			DefinitionID:   definition.DefinitionID,
			Outlet:         outlet.String(),
			StaffID:        staffID.String(),
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationRedeemDirect,
		AccountID:   accountID,
		StaffID:     staffID,
		Outlet:      outlet,
		Points:      -definition.PointsCost,
		AmountCents: definition.CashValueCents,
		Error:       operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	service.recordAudit(ctx, AuditRecord{
		Operation: operationRedeemDirect,
		ActorID:   staffID.String(),
		AccountID: accountID.String(),
		Before:    before,
		After:     after,
		AtUnixUTC: service.nowFn(),
	})
	service.emit(ctx, Event{
		Kind:        EventVoucherRedeemed,
		AccountID:   accountID.String(),
		Points:      -definition.PointsCost,
		AmountCents: definition.CashValueCents,
		AtUnixUTC:   service.nowFn(),
	})
	return Balance{
		AccountID:       after.AccountID,
		Points:          after.PointsBalance,
		TotalSpendCents: after.TotalSpendCents,
		PurchaseCount:   after.PurchaseCount,
	}, nil
}

// IssueVoucher creates a new active instance for an account. Eligibility is
// decided by an external process; this is only the create primitive.
func (service *Service) IssueVoucher(ctx context.Context, accountID AccountID, definitionID DefinitionID, expiresAtUnixUTC int64) (VoucherInstance, error) {
	var issued VoucherInstance
	operationError := func() error {
		if expiresAtUnixUTC <= service.nowFn() {
			return fmt.Errorf("%w: expiry must be in the future", ErrInvalidExpiry)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.GetAccount(ctx, accountID); err != nil {
				return err
			}
			definition, err := transactionStore.GetVoucherDefinition(ctx, definitionID)
			if err != nil {
				return err
			}
			issued, err = transactionStore.CreateVoucherInstance(ctx, VoucherInstance{
				AccountID:        accountID.String(),
				DefinitionID:     definition.DefinitionID,
				Status:           VoucherActive,
				ExpiresAtUnixUTC: expiresAtUnixUTC,
			})
			return err
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationIssueVoucher,
		AccountID: accountID,
		Error:     operationError,
	})
	if operationError != nil {
		return VoucherInstance{}, operationError
	}
	return issued, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// emit pushes a post-commit event. Failures are logged, never returned: the
// transaction has already committed and the caller's outcome is settled.
func (service *Service) emit(ctx context.Context, event Event) {
	if service.notifier == nil {
		return
	}
	if err := service.notifier.Notify(ctx, event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationNotify,
			Status:    operationStatusEffectError,
			Error:     err,
		})
	}
}

// recordAudit forwards a before/after snapshot. Same best-effort contract as
// emit.
func (service *Service) recordAudit(ctx context.Context, record AuditRecord) {
	if service.auditor == nil {
		return
	}
	if err := service.auditor.Record(ctx, record); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationAudit,
			Status:    operationStatusEffectError,
			Error:     err,
		})
	}
}

// monthWindow returns the UTC calendar month [start, end) containing the
// given instant.
func monthWindow(atUnixUTC int64) (int64, int64) {
	at := time.Unix(atUnixUTC, 0).UTC()
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return start.Unix(), end.Unix()
}
