package loyalty

import "context"

// Event is a live notification pushed to the affected account after a
// successful commit. Delivery is best-effort and at-most-once; a failed push
// is logged and never surfaces as the operation's outcome.
type Event struct {
	Kind        string
	AccountID   string
	Points      int64
	AmountCents int64
	InstanceID  string
	AtUnixUTC   int64
}

// Event kinds emitted by the service.
const (
	EventPointsEarned      = "points_earned"
	EventPointsAdjusted    = "points_adjusted"
	EventVoucherRedeemed   = "voucher_redeemed"
	EventReferralCompleted = "referral_completed"
)

// Notifier pushes post-commit events toward the affected account.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// AuditRecord carries before/after snapshots of a mutation for the external
// audit collaborator.
type AuditRecord struct {
	Operation string
	ActorID   string
	AccountID string
	Reason    string
	Before    Account
	After     Account
	AtUnixUTC int64
}

// AuditRecorder receives fire-and-forget audit records. Failures never block
// or roll back the core's transactions.
type AuditRecorder interface {
	Record(ctx context.Context, record AuditRecord) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(ctx context.Context, event Event) error { return nil }

// NopAuditRecorder drops every record.
type NopAuditRecorder struct{}

// Record implements AuditRecorder.
func (NopAuditRecorder) Record(ctx context.Context, record AuditRecord) error { return nil }
