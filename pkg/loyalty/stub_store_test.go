package loyalty

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/qrtoken"
)

const frozenNow int64 = 1_700_000_000

// stubStore keeps all state in memory behind one mutex. WithTx holds the
// mutex for the whole closure and restores a snapshot on error, which gives
// tests the same serialization and atomicity guarantees a real store provides
// with row locks. Calls outside WithTx take the mutex per call.
type stubStore struct {
	mu          sync.Mutex
	accounts    map[string]Account
	entries     []Entry
	definitions map[string]VoucherDefinition
	instances   map[string]VoucherInstance
	codes       map[string]ReferralCode
	referrals   map[string]Referral
	sequence    int

	getAccountError     error
	updateAccountError  error
	insertEntryError    error
	listEntriesError    error
	getDefinitionError  error
	createInstanceError error
	getInstanceError    error
	markUsedError       error
	getCodeError        error
	incrementUsesError  error
	getReferralError    error
	countCompletedError error
	insertReferralError error
	updateReferralError error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:    map[string]Account{},
		definitions: map[string]VoucherDefinition{},
		instances:   map[string]VoucherInstance{},
		codes:       map[string]ReferralCode{},
		referrals:   map[string]Referral{},
	}
}

func (store *stubStore) snapshot() *stubStore {
	clone := &stubStore{
		accounts:    make(map[string]Account, len(store.accounts)),
		definitions: make(map[string]VoucherDefinition, len(store.definitions)),
		instances:   make(map[string]VoucherInstance, len(store.instances)),
		codes:       make(map[string]ReferralCode, len(store.codes)),
		referrals:   make(map[string]Referral, len(store.referrals)),
		entries:     append([]Entry(nil), store.entries...),
		sequence:    store.sequence,
	}
	for key, value := range store.accounts {
		clone.accounts[key] = value
	}
	for key, value := range store.definitions {
		clone.definitions[key] = value
	}
	for key, value := range store.instances {
		clone.instances[key] = value
	}
	for key, value := range store.codes {
		clone.codes[key] = value
	}
	for key, value := range store.referrals {
		clone.referrals[key] = value
	}
	return clone
}

func (store *stubStore) restore(saved *stubStore) {
	store.accounts = saved.accounts
	store.definitions = saved.definitions
	store.instances = saved.instances
	store.codes = saved.codes
	store.referrals = saved.referrals
	store.entries = saved.entries
	store.sequence = saved.sequence
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	saved := store.snapshot()
	if err := fn(ctx, &stubTx{store: store}); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) getAccount(accountID AccountID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) updateAccount(account Account) error {
	if store.updateAccountError != nil {
		return store.updateAccountError
	}
	if _, ok := store.accounts[account.AccountID]; !ok {
		return ErrAccountNotFound
	}
	store.accounts[account.AccountID] = account
	return nil
}

func (store *stubStore) insertEntry(entry Entry) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	store.sequence++
	entry.EntryID = fmt.Sprintf("entry-%d", store.sequence)
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) listEntries(accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	listed := make([]Entry, 0, limit)
	for index := len(store.entries) - 1; index >= 0 && len(listed) < limit; index-- {
		entry := store.entries[index]
		if entry.AccountID == accountID.String() && entry.CreatedUnixUTC < beforeUnixUTC {
			listed = append(listed, entry)
		}
	}
	return listed, nil
}

func (store *stubStore) getDefinition(definitionID DefinitionID) (VoucherDefinition, error) {
	if store.getDefinitionError != nil {
		return VoucherDefinition{}, store.getDefinitionError
	}
	definition, ok := store.definitions[definitionID.String()]
	if !ok {
		return VoucherDefinition{}, ErrDefinitionNotFound
	}
	return definition, nil
}

func (store *stubStore) createInstance(instance VoucherInstance) (VoucherInstance, error) {
	if store.createInstanceError != nil {
		return VoucherInstance{}, store.createInstanceError
	}
	store.sequence++
	instance.InstanceID = fmt.Sprintf("inst-%d", store.sequence)
	store.instances[instance.InstanceID] = instance
	return instance, nil
}

func (store *stubStore) getInstance(instanceID InstanceID) (VoucherInstance, error) {
	if store.getInstanceError != nil {
		return VoucherInstance{}, store.getInstanceError
	}
	instance, ok := store.instances[instanceID.String()]
	if !ok {
		return VoucherInstance{}, ErrVoucherNotFound
	}
	return instance, nil
}

func (store *stubStore) markUsed(instanceID InstanceID, staffID StaffID, outlet OutletID, usedAtUnixUTC int64) error {
	if store.markUsedError != nil {
		return store.markUsedError
	}
	instance, ok := store.instances[instanceID.String()]
	if !ok || instance.Status != VoucherActive {
		return ErrVoucherAlreadyUsed
	}
	instance.Status = VoucherUsed
	instance.UsedAtUnixUTC = usedAtUnixUTC
	instance.UsedByStaffID = staffID.String()
	instance.UsedAtOutlet = outlet.String()
	store.instances[instanceID.String()] = instance
	return nil
}

func (store *stubStore) getCodeByValue(code Code) (ReferralCode, error) {
	if store.getCodeError != nil {
		return ReferralCode{}, store.getCodeError
	}
	for _, row := range store.codes {
		if row.Code == code.String() {
			return row, nil
		}
	}
	return ReferralCode{}, ErrReferralCodeNotFound
}

func (store *stubStore) getCodeByID(codeID string) (ReferralCode, error) {
	if store.getCodeError != nil {
		return ReferralCode{}, store.getCodeError
	}
	row, ok := store.codes[codeID]
	if !ok {
		return ReferralCode{}, ErrReferralCodeNotFound
	}
	return row, nil
}

func (store *stubStore) incrementUses(codeID string) error {
	if store.incrementUsesError != nil {
		return store.incrementUsesError
	}
	row, ok := store.codes[codeID]
	if !ok {
		return ErrReferralCodeNotFound
	}
	row.Uses++
	store.codes[codeID] = row
	return nil
}

func (store *stubStore) getReferral(refereeID AccountID) (Referral, error) {
	if store.getReferralError != nil {
		return Referral{}, store.getReferralError
	}
	referral, ok := store.referrals[refereeID.String()]
	if !ok {
		return Referral{}, ErrReferralNotFound
	}
	return referral, nil
}

func (store *stubStore) countCompleted(referrerID string, fromUnixUTC int64, toUnixUTC int64) (int64, error) {
	if store.countCompletedError != nil {
		return 0, store.countCompletedError
	}
	var count int64
	for _, referral := range store.referrals {
		if referral.ReferrerID == referrerID && referral.Status == ReferralCompleted &&
			referral.CompletedUnixUTC >= fromUnixUTC && referral.CompletedUnixUTC < toUnixUTC {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) insertReferral(referral Referral) error {
	if store.insertReferralError != nil {
		return store.insertReferralError
	}
	if _, ok := store.referrals[referral.RefereeID]; ok {
		return ErrReferralExists
	}
	store.sequence++
	referral.ReferralID = fmt.Sprintf("ref-%d", store.sequence)
	store.referrals[referral.RefereeID] = referral
	return nil
}

func (store *stubStore) updateReferralStatus(referralID string, from ReferralStatus, to ReferralStatus, completedUnixUTC int64, pointsAwarded int64) error {
	if store.updateReferralError != nil {
		return store.updateReferralError
	}
	for refereeID, referral := range store.referrals {
		if referral.ReferralID != referralID {
			continue
		}
		if referral.Status != from {
			return ErrReferralClosed
		}
		referral.Status = to
		referral.CompletedUnixUTC = completedUnixUTC
		referral.PointsAwarded = pointsAwarded
		store.referrals[refereeID] = referral
		return nil
	}
	return ErrReferralNotFound
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getAccount(accountID)
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *stubStore) UpdateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.updateAccount(account)
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.insertEntry(entry)
}

func (store *stubStore) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.listEntries(accountID, beforeUnixUTC, limit)
}

func (store *stubStore) GetVoucherDefinition(ctx context.Context, definitionID DefinitionID) (VoucherDefinition, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getDefinition(definitionID)
}

func (store *stubStore) CreateVoucherInstance(ctx context.Context, instance VoucherInstance) (VoucherInstance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.createInstance(instance)
}

func (store *stubStore) GetVoucherInstanceForUpdate(ctx context.Context, instanceID InstanceID) (VoucherInstance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getInstance(instanceID)
}

func (store *stubStore) MarkVoucherUsed(ctx context.Context, instanceID InstanceID, staffID StaffID, outlet OutletID, usedAtUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.markUsed(instanceID, staffID, outlet, usedAtUnixUTC)
}

func (store *stubStore) GetReferralCodeForUpdate(ctx context.Context, code Code) (ReferralCode, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getCodeByValue(code)
}

func (store *stubStore) GetReferralCodeByIDForUpdate(ctx context.Context, codeID string) (ReferralCode, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getCodeByID(codeID)
}

func (store *stubStore) IncrementReferralCodeUses(ctx context.Context, codeID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.incrementUses(codeID)
}

func (store *stubStore) GetReferralByReferee(ctx context.Context, refereeID AccountID) (Referral, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getReferral(refereeID)
}

func (store *stubStore) CountCompletedReferrals(ctx context.Context, referrerID string, fromUnixUTC int64, toUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.countCompleted(referrerID, fromUnixUTC, toUnixUTC)
}

func (store *stubStore) InsertReferral(ctx context.Context, referral Referral) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.insertReferral(referral)
}

func (store *stubStore) UpdateReferralStatus(ctx context.Context, referralID string, from ReferralStatus, to ReferralStatus, completedUnixUTC int64, pointsAwarded int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.updateReferralStatus(referralID, from, to, completedUnixUTC, pointsAwarded)
}

// stubTx is the view handed to WithTx closures; the outer mutex is already
// held so it calls the unlocked internals directly.
type stubTx struct {
	store *stubStore
}

func (tx *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTx) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	return tx.store.getAccount(accountID)
}

func (tx *stubTx) GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	return tx.store.getAccount(accountID)
}

func (tx *stubTx) UpdateAccount(ctx context.Context, account Account) error {
	return tx.store.updateAccount(account)
}

func (tx *stubTx) InsertEntry(ctx context.Context, entry Entry) error {
	return tx.store.insertEntry(entry)
}

func (tx *stubTx) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return tx.store.listEntries(accountID, beforeUnixUTC, limit)
}

func (tx *stubTx) GetVoucherDefinition(ctx context.Context, definitionID DefinitionID) (VoucherDefinition, error) {
	return tx.store.getDefinition(definitionID)
}

func (tx *stubTx) CreateVoucherInstance(ctx context.Context, instance VoucherInstance) (VoucherInstance, error) {
	return tx.store.createInstance(instance)
}

func (tx *stubTx) GetVoucherInstanceForUpdate(ctx context.Context, instanceID InstanceID) (VoucherInstance, error) {
	return tx.store.getInstance(instanceID)
}

func (tx *stubTx) MarkVoucherUsed(ctx context.Context, instanceID InstanceID, staffID StaffID, outlet OutletID, usedAtUnixUTC int64) error {
	return tx.store.markUsed(instanceID, staffID, outlet, usedAtUnixUTC)
}

func (tx *stubTx) GetReferralCodeForUpdate(ctx context.Context, code Code) (ReferralCode, error) {
	return tx.store.getCodeByValue(code)
}

func (tx *stubTx) GetReferralCodeByIDForUpdate(ctx context.Context, codeID string) (ReferralCode, error) {
	return tx.store.getCodeByID(codeID)
}

func (tx *stubTx) IncrementReferralCodeUses(ctx context.Context, codeID string) error {
	return tx.store.incrementUses(codeID)
}

func (tx *stubTx) GetReferralByReferee(ctx context.Context, refereeID AccountID) (Referral, error) {
	return tx.store.getReferral(refereeID)
}

func (tx *stubTx) CountCompletedReferrals(ctx context.Context, referrerID string, fromUnixUTC int64, toUnixUTC int64) (int64, error) {
	return tx.store.countCompleted(referrerID, fromUnixUTC, toUnixUTC)
}

func (tx *stubTx) InsertReferral(ctx context.Context, referral Referral) error {
	return tx.store.insertReferral(referral)
}

func (tx *stubTx) UpdateReferralStatus(ctx context.Context, referralID string, from ReferralStatus, to ReferralStatus, completedUnixUTC int64, pointsAwarded int64) error {
	return tx.store.updateReferralStatus(referralID, from, to, completedUnixUTC, pointsAwarded)
}

// stubDecoder serves canned claims keyed by the raw token string.
type stubDecoder struct {
	claims map[string]qrtoken.Claim
	errs   map[string]error
}

func newStubDecoder() *stubDecoder {
	return &stubDecoder{claims: map[string]qrtoken.Claim{}, errs: map[string]error{}}
}

func (decoder *stubDecoder) Decode(token string) (qrtoken.Claim, error) {
	if err, ok := decoder.errs[token]; ok {
		return qrtoken.Claim{}, err
	}
	claim, ok := decoder.claims[token]
	if !ok {
		return qrtoken.Claim{}, qrtoken.ErrTokenInvalid
	}
	return claim, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, newStubDecoder(), func() int64 { return frozenNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustNewServiceWithDecoder(test *testing.T, store Store, decoder TokenDecoder, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, decoder, func() int64 { return frozenNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccount(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustInstance(test *testing.T, raw string) InstanceID {
	test.Helper()
	instanceID, err := NewInstanceID(raw)
	if err != nil {
		test.Fatalf("instance id: %v", err)
	}
	return instanceID
}

func mustDefinition(test *testing.T, raw string) DefinitionID {
	test.Helper()
	definitionID, err := NewDefinitionID(raw)
	if err != nil {
		test.Fatalf("definition id: %v", err)
	}
	return definitionID
}

func mustOutlet(test *testing.T, raw string) OutletID {
	test.Helper()
	outlet, err := NewOutletID(raw)
	if err != nil {
		test.Fatalf("outlet id: %v", err)
	}
	return outlet
}

func mustStaff(test *testing.T, raw string) StaffID {
	test.Helper()
	staffID, err := NewStaffID(raw)
	if err != nil {
		test.Fatalf("staff id: %v", err)
	}
	return staffID
}

func mustReferralCode(test *testing.T, raw string) Code {
	test.Helper()
	code, err := NewCode(raw)
	if err != nil {
		test.Fatalf("referral code: %v", err)
	}
	return code
}

func mustAmount(test *testing.T, raw int64) AmountCents {
	test.Helper()
	amount, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func seedAccount(store *stubStore, accountID string, points int64) {
	store.accounts[accountID] = Account{AccountID: accountID, PointsBalance: points}
}

func seedDefinition(store *stubStore, definitionID string, cost int64, cashValue int64) {
	store.definitions[definitionID] = VoucherDefinition{
		DefinitionID:   definitionID,
		Title:          "test reward",
		PointsCost:     cost,
		CashValueCents: cashValue,
		Active:         true,
	}
}

func seedInstance(store *stubStore, instanceID string, accountID string, definitionID string, status VoucherStatus, expiresAtUnixUTC int64) {
	store.instances[instanceID] = VoucherInstance{
		InstanceID:       instanceID,
		AccountID:        accountID,
		DefinitionID:     definitionID,
		Status:           status,
		ExpiresAtUnixUTC: expiresAtUnixUTC,
	}
}

func seedCode(store *stubStore, codeID string, code string, referrerID string, active bool) {
	store.codes[codeID] = ReferralCode{CodeID: codeID, Code: code, ReferrerID: referrerID, Active: active}
}
