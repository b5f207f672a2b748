package loyalty

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/qrtoken"
)

// Scan decodes a signed QR token and routes it to the matching mutation.
// amountCents is only consulted for identity claims (the purchase amount
// keyed in at the terminal); pass zero for voucher scans.
//
// Failures discovered before a lock is acquired cause no side effects at
// all. Failures after the lock abort the whole transaction: the instance
// transition and its ledger entry are one atomic unit.
func (service *Service) Scan(ctx context.Context, token string, amountCents int64, outlet OutletID, staffID StaffID) (ScanResult, error) {
	claim, err := service.codec.Decode(token)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationScan, StaffID: staffID, Outlet: outlet, Error: err})
		return ScanResult{}, err
	}
	switch claim.Kind {
	case qrtoken.ClaimIdentity:
		return service.scanIdentity(ctx, claim, amountCents, outlet, staffID)
	case qrtoken.ClaimVoucher:
		return service.scanVoucher(ctx, claim, outlet, staffID)
	default:
		err := fmt.Errorf("%w: unsupported claim kind %q", qrtoken.ErrTokenInvalid, claim.Kind)
		service.logOperation(ctx, OperationLog{Operation: operationScan, StaffID: staffID, Outlet: outlet, Error: err})
		return ScanResult{}, err
	}
}

func (service *Service) scanIdentity(ctx context.Context, claim qrtoken.Claim, amountCents int64, outlet OutletID, staffID StaffID) (ScanResult, error) {
	accountID, err := NewAccountID(claim.AccountID)
	if err != nil {
		return ScanResult{}, err
	}
	if amountCents <= 0 {
		err := ErrAmountRequired
		service.logOperation(ctx, OperationLog{Operation: operationScan, AccountID: accountID, StaffID: staffID, Outlet: outlet, Error: err})
		return ScanResult{}, err
	}
	amount, err := NewAmountCents(amountCents)
	if err != nil {
		return ScanResult{}, err
	}
	balance, err := service.Earn(ctx, accountID, amount, outlet, staffID)
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{
		Kind:         string(qrtoken.ClaimIdentity),
		AccountID:    balance.AccountID,
		PointsEarned: service.earnRule.PointsFor(amountCents),
		NewBalance:   balance.Points,
	}, nil
}

func (service *Service) scanVoucher(ctx context.Context, claim qrtoken.Claim, outlet OutletID, staffID StaffID) (ScanResult, error) {
	instanceID, err := NewInstanceID(claim.InstanceID)
	if err != nil {
		return ScanResult{}, err
	}
	// The claim embeds the instance expiry independently of the JWT
	// envelope. A stale token is rejected here, before any lock is taken.
	if service.nowFn() > claim.VoucherExpiresAtUnixUTC {
		err := fmt.Errorf("%w: voucher claim expiry elapsed", qrtoken.ErrTokenExpired)
		service.logOperation(ctx, OperationLog{Operation: operationScan, InstanceID: instanceID, StaffID: staffID, Outlet: outlet, Error: err})
		return ScanResult{}, err
	}

	var account Account
	var definition VoucherDefinition
	usedAtUnixUTC := service.nowFn()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		instance, err := transactionStore.GetVoucherInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		// Status is re-checked while the row lock is held: of any number
		// of concurrent attempts, exactly one observes active.
		if instance.Status == VoucherUsed {
			return ErrVoucherAlreadyUsed
		}
		if instance.EffectiveStatus(usedAtUnixUTC) == VoucherExpired {
			return ErrVoucherExpired
		}
		if instance.AccountID != claim.AccountID {
			return fmt.Errorf("%w: claim does not match instance owner", qrtoken.ErrTokenInvalid)
		}
		account, err = transactionStore.GetAccount(ctx, mustAccountID(instance.AccountID))
		if err != nil {
			return err
		}
		definition, err = transactionStore.GetVoucherDefinition(ctx, mustDefinitionID(instance.DefinitionID))
		if err != nil {
			return err
		}
		if err := transactionStore.MarkVoucherUsed(ctx, instanceID, staffID, outlet, usedAtUnixUTC); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			AccountID:      account.AccountID,
			Kind:           EntryUse,
			PointsDelta:    0,
			AmountCents:    definition.CashValueCents,
			DefinitionID:   definition.DefinitionID,
			InstanceID:     instanceID.String(),
			Outlet:         outlet.String(),
			StaffID:        staffID.String(),
			CreatedUnixUTC: usedAtUnixUTC,
		})
	})
	accountID, _ := NewAccountID(claim.AccountID)
	service.logOperation(ctx, OperationLog{
		Operation:   operationScan,
		AccountID:   accountID,
		StaffID:     staffID,
		Outlet:      outlet,
		InstanceID:  instanceID,
		AmountCents: definition.CashValueCents,
		Error:       operationError,
	})
	if operationError != nil {
		return ScanResult{}, operationError
	}
	service.recordAudit(ctx, AuditRecord{
		Operation: operationScan,
		ActorID:   staffID.String(),
		AccountID: account.AccountID,
		Before:    account,
		After:     account,
		AtUnixUTC: usedAtUnixUTC,
	})
	service.emit(ctx, Event{
		Kind:        EventVoucherRedeemed,
		AccountID:   account.AccountID,
		AmountCents: definition.CashValueCents,
		InstanceID:  instanceID.String(),
		AtUnixUTC:   usedAtUnixUTC,
	})
	return ScanResult{
		Kind:         string(qrtoken.ClaimVoucher),
		AccountID:    account.AccountID,
		InstanceID:   instanceID.String(),
		CashValue:    definition.CashValueCents,
		DefinitionID: definition.DefinitionID,
	}, nil
}

// mustAccountID converts a stored, already-validated account id.
func mustAccountID(raw string) AccountID {
	return AccountID{value: raw}
}

// mustDefinitionID converts a stored, already-validated definition id.
func mustDefinitionID(raw string) DefinitionID {
	return DefinitionID{value: raw}
}
