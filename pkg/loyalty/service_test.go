package loyalty

import (
	"context"
	"errors"
	"sync"
	"testing"
)

const (
	accountIDValue = "acct-1"
	outletValue    = "outlet-7"
	staffIDValue   = "staff-9"
)

func TestEarnAwardsFlooredPoints(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 0)
	service := mustNewService(test, store)

	balance, err := service.Earn(context.Background(), mustAccount(test, accountIDValue), mustAmount(test, 2500), mustOutlet(test, outletValue), mustStaff(test, staffIDValue))
	if err != nil {
		test.Fatalf("earn: %v", err)
	}
	if balance.Points != 20 {
		test.Fatalf("expected 20 points for 2500 cents, got %d", balance.Points)
	}
	if balance.TotalSpendCents != 2500 {
		test.Fatalf("expected total spend 2500, got %d", balance.TotalSpendCents)
	}
	if balance.PurchaseCount != 1 {
		test.Fatalf("expected purchase count 1, got %d", balance.PurchaseCount)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 ledger entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Kind != EntryEarn {
		test.Fatalf("expected earn entry, got %s", entry.Kind)
	}
	if entry.PointsDelta != 20 || entry.AmountCents != 2500 {
		test.Fatalf("unexpected entry delta=%d amount=%d", entry.PointsDelta, entry.AmountCents)
	}
	if entry.Outlet != outletValue || entry.StaffID != staffIDValue {
		test.Fatalf("unexpected entry attribution: %q %q", entry.Outlet, entry.StaffID)
	}
}

func TestEarnBelowOneUnitFailsWithoutSideEffects(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 50)
	service := mustNewService(test, store)

	_, err := service.Earn(context.Background(), mustAccount(test, accountIDValue), mustAmount(test, 999), mustOutlet(test, outletValue), mustStaff(test, staffIDValue))
	if !errors.Is(err, ErrAmountTooSmall) {
		test.Fatalf("expected ErrAmountTooSmall, got %v", err)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no ledger entries, got %d", len(store.entries))
	}
	if store.accounts[accountIDValue].PointsBalance != 50 {
		test.Fatalf("balance changed on rejected earn")
	}
}

func TestEarnUnknownAccountRollsBack(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.Earn(context.Background(), mustAccount(test, "missing"), mustAmount(test, 1000), mustOutlet(test, outletValue), mustStaff(test, staffIDValue))
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no ledger entries, got %d", len(store.entries))
	}
}

func TestConcurrentEarnsLoseNoUpdates(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 0)
	service := mustNewService(test, store)

	const workers = 20
	var group sync.WaitGroup
	group.Add(workers)
	for index := 0; index < workers; index++ {
		go func() {
			defer group.Done()
			_, err := service.Earn(context.Background(), mustAccount(test, accountIDValue), mustAmount(test, 1000), mustOutlet(test, outletValue), mustStaff(test, staffIDValue))
			if err != nil {
				test.Errorf("earn: %v", err)
			}
		}()
	}
	group.Wait()

	account := store.accounts[accountIDValue]
	if account.PointsBalance != workers*10 {
		test.Fatalf("expected %d points, got %d", workers*10, account.PointsBalance)
	}
	if account.PurchaseCount != workers {
		test.Fatalf("expected %d purchases, got %d", workers, account.PurchaseCount)
	}
	if len(store.entries) != workers {
		test.Fatalf("expected %d entries, got %d", workers, len(store.entries))
	}
}

func TestAdjustRequiresReason(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 100)
	service := mustNewService(test, store)

	_, err := service.Adjust(context.Background(), mustAccount(test, accountIDValue), Points(-10), "  ", mustStaff(test, staffIDValue))
	if !errors.Is(err, ErrReasonRequired) {
		test.Fatalf("expected ErrReasonRequired, got %v", err)
	}
}

func TestAdjustNeverDropsBelowZero(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 30)
	service := mustNewService(test, store)

	_, err := service.Adjust(context.Background(), mustAccount(test, accountIDValue), Points(-31), "correction", mustStaff(test, staffIDValue))
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if store.accounts[accountIDValue].PointsBalance != 30 {
		test.Fatalf("balance changed on rejected adjustment")
	}
}

func TestAdjustAppendsGrantEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 30)
	service := mustNewService(test, store)

	balance, err := service.Adjust(context.Background(), mustAccount(test, accountIDValue), Points(-25), "complaint goodwill", mustStaff(test, staffIDValue))
	if err != nil {
		test.Fatalf("adjust: %v", err)
	}
	if balance.Points != 5 {
		test.Fatalf("expected balance 5, got %d", balance.Points)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Kind != EntryGrant || entry.PointsDelta != -25 {
		test.Fatalf("unexpected entry kind=%s delta=%d", entry.Kind, entry.PointsDelta)
	}
	if entry.Reason != "complaint goodwill" {
		test.Fatalf("unexpected reason %q", entry.Reason)
	}
}

func TestRedeemDirectDebitsPointsCost(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 500)
	seedDefinition(store, "def-1", 300, 500)
	service := mustNewService(test, store)

	balance, err := service.RedeemDirect(context.Background(), mustAccount(test, accountIDValue), mustDefinition(test, "def-1"), mustOutlet(test, outletValue), mustStaff(test, staffIDValue))
	if err != nil {
		test.Fatalf("redeem: %v", err)
	}
	if balance.Points != 200 {
		test.Fatalf("expected 200 points remaining, got %d", balance.Points)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Kind != EntryRedeem || entry.PointsDelta != -300 || entry.AmountCents != 500 {
		test.Fatalf("unexpected redeem entry kind=%s delta=%d amount=%d", entry.Kind, entry.PointsDelta, entry.AmountCents)
	}
}

func TestRedeemDirectInsufficientBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 100)
	seedDefinition(store, "def-1", 300, 500)
	service := mustNewService(test, store)

	_, err := service.RedeemDirect(context.Background(), mustAccount(test, accountIDValue), mustDefinition(test, "def-1"), mustOutlet(test, outletValue), mustStaff(test, staffIDValue))
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if store.accounts[accountIDValue].PointsBalance != 100 {
		test.Fatalf("balance changed on rejected redemption")
	}
}

func TestRedeemDirectRejectsUnredeemableDefinitions(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(definition *VoucherDefinition)
		wantErr   error
	}{
		{
			name:      "inactive definition",
			configure: func(definition *VoucherDefinition) { definition.Active = false },
			wantErr:   ErrDefinitionInactive,
		},
		{
			name:      "expired definition",
			configure: func(definition *VoucherDefinition) { definition.ExpiresAtUnixUTC = frozenNow - 1 },
			wantErr:   ErrDefinitionExpired,
		},
	}

	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			seedAccount(store, accountIDValue, 500)
			seedDefinition(store, "def-1", 300, 500)
			definition := store.definitions["def-1"]
			testCase.configure(&definition)
			store.definitions["def-1"] = definition
			service := mustNewService(test, store)

			_, err := service.RedeemDirect(context.Background(), mustAccount(test, accountIDValue), mustDefinition(test, "def-1"), mustOutlet(test, outletValue), mustStaff(test, staffIDValue))
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestIssueVoucherRequiresFutureExpiry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 0)
	seedDefinition(store, "def-1", 300, 500)
	service := mustNewService(test, store)

	_, err := service.IssueVoucher(context.Background(), mustAccount(test, accountIDValue), mustDefinition(test, "def-1"), frozenNow)
	if !errors.Is(err, ErrInvalidExpiry) {
		test.Fatalf("expected ErrInvalidExpiry, got %v", err)
	}
}

func TestIssueVoucherCreatesActiveInstance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 0)
	seedDefinition(store, "def-1", 300, 500)
	service := mustNewService(test, store)

	issued, err := service.IssueVoucher(context.Background(), mustAccount(test, accountIDValue), mustDefinition(test, "def-1"), frozenNow+3600)
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	if issued.InstanceID == "" {
		test.Fatalf("expected assigned instance id")
	}
	if issued.Status != VoucherActive {
		test.Fatalf("expected active instance, got %s", issued.Status)
	}
	stored := store.instances[issued.InstanceID]
	if stored.AccountID != accountIDValue || stored.ExpiresAtUnixUTC != frozenNow+3600 {
		test.Fatalf("unexpected stored instance %+v", stored)
	}
}

func TestBalanceReflectsAccountRow(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.accounts[accountIDValue] = Account{AccountID: accountIDValue, PointsBalance: 120, TotalSpendCents: 45000, PurchaseCount: 9}
	service := mustNewService(test, store)

	balance, err := service.Balance(context.Background(), mustAccount(test, accountIDValue))
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Points != 120 || balance.TotalSpendCents != 45000 || balance.PurchaseCount != 9 {
		test.Fatalf("unexpected balance %+v", balance)
	}
}

func TestListEntriesDefaultsCutoffToNow(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 0)
	store.entries = []Entry{
		{EntryID: "entry-1", AccountID: accountIDValue, Kind: EntryEarn, PointsDelta: 10, CreatedUnixUTC: frozenNow - 60},
		{EntryID: "entry-2", AccountID: accountIDValue, Kind: EntryEarn, PointsDelta: 10, CreatedUnixUTC: frozenNow},
		{EntryID: "entry-3", AccountID: "other", Kind: EntryEarn, PointsDelta: 10, CreatedUnixUTC: frozenNow},
	}
	service := mustNewService(test, store)

	entries, err := service.ListEntries(context.Background(), mustAccount(test, accountIDValue), 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].EntryID != "entry-2" {
		test.Fatalf("expected newest entry first, got %s", entries[0].EntryID)
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	if _, err := NewService(nil, newStubDecoder(), func() int64 { return frozenNow }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(store, nil, func() int64 { return frozenNow }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil codec, got %v", err)
	}
	if _, err := NewService(store, newStubDecoder(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
	if _, err := NewService(store, newStubDecoder(), func() int64 { return frozenNow }, WithEarnRule(EarnRule{})); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for zero earn rule, got %v", err)
	}
}
