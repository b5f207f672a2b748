// Package notify provides log-backed implementations of the post-commit
// effect collaborators. They stand in for a push channel and an audit sink;
// both write structured records through zap and never fail.
package notify

import (
	"context"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	"go.uber.org/zap"
)

// LogNotifier emits events as structured log lines.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a Notifier writing to logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements loyalty.Notifier.
func (notifier *LogNotifier) Notify(ctx context.Context, event loyalty.Event) error {
	notifier.logger.Info("event",
		zap.String("kind", event.Kind),
		zap.String("account_id", event.AccountID),
		zap.Int64("points", event.Points),
		zap.Int64("amount_cents", event.AmountCents),
		zap.String("instance_id", event.InstanceID),
		zap.Int64("at", event.AtUnixUTC),
	)
	return nil
}

// OperationLogger mirrors every service operation into zap.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns an OperationLogger writing to logger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements loyalty.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry loyalty.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("staff_id", entry.StaffID.String()),
		zap.String("outlet", entry.Outlet.String()),
		zap.String("instance_id", entry.InstanceID.String()),
		zap.Int64("points", entry.Points),
		zap.Int64("amount_cents", entry.AmountCents),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("operation", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("operation", fields...)
}

// LogAuditRecorder emits audit records as structured log lines.
type LogAuditRecorder struct {
	logger *zap.Logger
}

// NewLogAuditRecorder returns an AuditRecorder writing to logger.
func NewLogAuditRecorder(logger *zap.Logger) *LogAuditRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAuditRecorder{logger: logger}
}

// Record implements loyalty.AuditRecorder.
func (recorder *LogAuditRecorder) Record(ctx context.Context, record loyalty.AuditRecord) error {
	recorder.logger.Info("audit",
		zap.String("operation", record.Operation),
		zap.String("actor_id", record.ActorID),
		zap.String("account_id", record.AccountID),
		zap.String("reason", record.Reason),
		zap.Int64("balance_before", record.Before.PointsBalance),
		zap.Int64("balance_after", record.After.PointsBalance),
		zap.Int64("at", record.AtUnixUTC),
	)
	return nil
}
