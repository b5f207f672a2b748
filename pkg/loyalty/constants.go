package loyalty

const (
	operationEarn             = "earn"
	operationAdjust           = "adjust"
	operationRedeemDirect     = "redeem_direct"
	operationScan             = "scan"
	operationIssueVoucher     = "issue_voucher"
	operationApplyReferral    = "apply_referral"
	operationCompleteReferral = "complete_referral"
	operationNotify           = "notify"
	operationAudit            = "audit"

	operationStatusOK          = "ok"
	operationStatusError       = "error"
	operationStatusEffectError = "effect_error"

	defaultEarnUnitCents       int64 = 1000
	defaultEarnPointsPerUnit   int64 = 10
	defaultReferralMonthlyCap  int64 = 10
	defaultReferralAwardPoints int64 = 100
)
