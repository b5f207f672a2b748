package loyalty

import (
	"context"
	"errors"
)

// ApplyReferralCode binds a new referee to a referrer's code as a pending
// referral. The code row is locked first so the duplicate-referee check and
// the monthly cap check cannot race with a concurrent application.
func (service *Service) ApplyReferralCode(ctx context.Context, refereeID AccountID, code Code) (Referral, error) {
	var applied Referral
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		codeRow, err := transactionStore.GetReferralCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if !codeRow.Active {
			return ErrReferralCodeInactive
		}
		if codeRow.ReferrerID == refereeID.String() {
			return ErrSelfReferral
		}
		if _, err := transactionStore.GetReferralByReferee(ctx, refereeID); err == nil {
			return ErrReferralExists
		} else if !errors.Is(err, ErrReferralNotFound) {
			return err
		}
		nowUnixUTC := service.nowFn()
		fromUnixUTC, toUnixUTC := monthWindow(nowUnixUTC)
		completed, err := transactionStore.CountCompletedReferrals(ctx, codeRow.ReferrerID, fromUnixUTC, toUnixUTC)
		if err != nil {
			return err
		}
		if completed >= service.referrals.MonthlyCap {
			return ErrReferralCapReached
		}
		applied = Referral{
			ReferrerID:     codeRow.ReferrerID,
			RefereeID:      refereeID.String(),
			CodeID:         codeRow.CodeID,
			Status:         ReferralPending,
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.InsertReferral(ctx, applied); err != nil {
			return err
		}
		return transactionStore.IncrementReferralCodeUses(ctx, codeRow.CodeID)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationApplyReferral,
		AccountID: refereeID,
		Error:     operationError,
	})
	if operationError != nil {
		return Referral{}, operationError
	}
	return applied, nil
}

// CompleteReferral is invoked by the external purchase-completion trigger.
// The monthly cap is re-validated at completion time under the code row's
// lock: referrals that matured since apply time may have consumed the
// remaining slots. A referral over the cap is forfeited silently, moving to
// expired with no payout and no retry.
func (service *Service) CompleteReferral(ctx context.Context, refereeID AccountID) (Referral, error) {
	var outcome Referral
	var awarded int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		referral, err := transactionStore.GetReferralByReferee(ctx, refereeID)
		if err != nil {
			return err
		}
		if referral.Status != ReferralPending {
			return ErrReferralClosed
		}
		// Lock the code row to serialize completions for this referrer.
		if _, err := transactionStore.GetReferralCodeByIDForUpdate(ctx, referral.CodeID); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		fromUnixUTC, toUnixUTC := monthWindow(nowUnixUTC)
		completed, err := transactionStore.CountCompletedReferrals(ctx, referral.ReferrerID, fromUnixUTC, toUnixUTC)
		if err != nil {
			return err
		}
		if completed >= service.referrals.MonthlyCap {
			if err := transactionStore.UpdateReferralStatus(ctx, referral.ReferralID, ReferralPending, ReferralExpired, nowUnixUTC, 0); err != nil {
				return err
			}
			referral.Status = ReferralExpired
			referral.CompletedUnixUTC = nowUnixUTC
			outcome = referral
			return nil
		}
		referrerID := mustAccountID(referral.ReferrerID)
		account, err := transactionStore.GetAccountForUpdate(ctx, referrerID)
		if err != nil {
			return err
		}
		account.PointsBalance += service.referrals.AwardPoints
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      account.AccountID,
			Kind:           EntryReferral,
			PointsDelta:    service.referrals.AwardPoints,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		if err := transactionStore.UpdateReferralStatus(ctx, referral.ReferralID, ReferralPending, ReferralCompleted, nowUnixUTC, service.referrals.AwardPoints); err != nil {
			return err
		}
		referral.Status = ReferralCompleted
		referral.CompletedUnixUTC = nowUnixUTC
		referral.PointsAwarded = service.referrals.AwardPoints
		outcome = referral
		awarded = service.referrals.AwardPoints
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCompleteReferral,
		AccountID: refereeID,
		Points:    awarded,
		Error:     operationError,
	})
	if operationError != nil {
		return Referral{}, operationError
	}
	if outcome.Status == ReferralCompleted {
		service.emit(ctx, Event{
			Kind:      EventReferralCompleted,
			AccountID: outcome.ReferrerID,
			Points:    awarded,
			AtUnixUTC: outcome.CompletedUnixUTC,
		})
	}
	return outcome, nil
}
