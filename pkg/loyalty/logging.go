package loyalty

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing loyalty operation.
type OperationLog struct {
	Operation   string
	AccountID   AccountID
	StaffID     StaffID
	Outlet      OutletID
	InstanceID  InstanceID
	Points      int64
	AmountCents int64
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithNotifier wires the post-commit notification emitter.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithAuditRecorder wires the post-commit audit collaborator.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(service *Service) {
		service.auditor = recorder
	}
}

// WithEarnRule overrides the spend-to-points conversion rule.
func WithEarnRule(rule EarnRule) ServiceOption {
	return func(service *Service) {
		service.earnRule = rule
	}
}

// WithReferralPolicy overrides the referral cap and award.
func WithReferralPolicy(policy ReferralPolicy) ServiceOption {
	return func(service *Service) {
		service.referrals = policy
	}
}
