package loyalty

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	logs []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.logs = append(logger.logs, entry)
}

type failingNotifier struct {
	err error
}

func (notifier failingNotifier) Notify(context.Context, Event) error { return notifier.err }

type recordingNotifier struct {
	events []Event
}

func (notifier *recordingNotifier) Notify(_ context.Context, event Event) error {
	notifier.events = append(notifier.events, event)
	return nil
}

type recordingAuditor struct {
	records []AuditRecord
}

func (auditor *recordingAuditor) Record(_ context.Context, record AuditRecord) error {
	auditor.records = append(auditor.records, record)
	return nil
}

func TestEarnLogsSuccessfulOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 0)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	if _, err := service.Earn(context.Background(), mustAccount(test, accountIDValue), mustAmount(test, 1000), mustOutlet(test, outletValue), mustStaff(test, staffIDValue)); err != nil {
		test.Fatalf("earn: %v", err)
	}
	if len(logger.logs) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(logger.logs))
	}
	entry := logger.logs[0]
	if entry.Operation != operationEarn || entry.Status != operationStatusOK {
		test.Fatalf("unexpected log entry %+v", entry)
	}
	if entry.Points != 10 || entry.AmountCents != 1000 {
		test.Fatalf("unexpected log amounts %+v", entry)
	}
}

func TestFailedOperationLogsError(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	if _, err := service.Earn(context.Background(), mustAccount(test, "missing"), mustAmount(test, 1000), mustOutlet(test, outletValue), mustStaff(test, staffIDValue)); err == nil {
		test.Fatalf("expected earn failure")
	}
	if len(logger.logs) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(logger.logs))
	}
	entry := logger.logs[0]
	if entry.Status != operationStatusError || entry.Error == nil {
		test.Fatalf("unexpected log entry %+v", entry)
	}
}

func TestNotifierFailureNeverFailsOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 0)
	logger := &recorderLogger{}
	notifyError := errors.New("push channel down")
	service := mustNewService(test, store, WithOperationLogger(logger), WithNotifier(failingNotifier{err: notifyError}))

	if _, err := service.Earn(context.Background(), mustAccount(test, accountIDValue), mustAmount(test, 1000), mustOutlet(test, outletValue), mustStaff(test, staffIDValue)); err != nil {
		test.Fatalf("earn must succeed despite notifier failure: %v", err)
	}
	if store.accounts[accountIDValue].PointsBalance != 10 {
		test.Fatalf("commit lost after notifier failure")
	}

	var effectLogged bool
	for _, entry := range logger.logs {
		if entry.Operation == operationNotify && entry.Status == operationStatusEffectError {
			effectLogged = true
		}
	}
	if !effectLogged {
		test.Fatalf("notifier failure was not logged: %+v", logger.logs)
	}
}

func TestSuccessfulEarnEmitsEventAndAudit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 0)
	notifier := &recordingNotifier{}
	auditor := &recordingAuditor{}
	service := mustNewService(test, store, WithNotifier(notifier), WithAuditRecorder(auditor))

	if _, err := service.Earn(context.Background(), mustAccount(test, accountIDValue), mustAmount(test, 2000), mustOutlet(test, outletValue), mustStaff(test, staffIDValue)); err != nil {
		test.Fatalf("earn: %v", err)
	}
	if len(notifier.events) != 1 {
		test.Fatalf("expected 1 event, got %d", len(notifier.events))
	}
	event := notifier.events[0]
	if event.Kind != EventPointsEarned || event.Points != 20 {
		test.Fatalf("unexpected event %+v", event)
	}
	if len(auditor.records) != 1 {
		test.Fatalf("expected 1 audit record, got %d", len(auditor.records))
	}
	record := auditor.records[0]
	if record.Before.PointsBalance != 0 || record.After.PointsBalance != 20 {
		test.Fatalf("unexpected audit snapshots %+v", record)
	}
}

func TestFailedOperationEmitsNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedAccount(store, accountIDValue, 0)
	notifier := &recordingNotifier{}
	auditor := &recordingAuditor{}
	service := mustNewService(test, store, WithNotifier(notifier), WithAuditRecorder(auditor))

	if _, err := service.Earn(context.Background(), mustAccount(test, accountIDValue), mustAmount(test, 999), mustOutlet(test, outletValue), mustStaff(test, staffIDValue)); err == nil {
		test.Fatalf("expected earn failure")
	}
	if len(notifier.events) != 0 || len(auditor.records) != 0 {
		test.Fatalf("side effects emitted for failed operation")
	}
}
