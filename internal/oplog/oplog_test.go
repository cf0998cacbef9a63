package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogOperationEmitsInfoWithFields(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := New(zap.New(core))
	accountID, err := wallet.NewAccountID("acct-log")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	period, err := wallet.NewBillingPeriod("2024-03")
	if err != nil {
		test.Fatalf("period: %v", err)
	}

	logger.LogOperation(context.Background(), wallet.OperationLog{
		Operation: "charge",
		AccountID: accountID,
		Period:    period,
		Amount:    25,
		Source:    "allowance",
		Status:    "ok",
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		test.Fatalf("expected info level, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["operation"] != "charge" {
		test.Fatalf("unexpected operation field: %v", fields["operation"])
	}
	if fields["account_id"] != "acct-log" {
		test.Fatalf("unexpected account field: %v", fields["account_id"])
	}
	if fields["period"] != "2024-03" {
		test.Fatalf("unexpected period field: %v", fields["period"])
	}
	if fields["amount"] != int64(25) {
		test.Fatalf("unexpected amount field: %v", fields["amount"])
	}
	if fields["source"] != "allowance" {
		test.Fatalf("unexpected source field: %v", fields["source"])
	}
}

func TestLogOperationEmitsWarnOnError(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := New(zap.New(core))
	accountID, err := wallet.NewAccountID("acct-fail")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}

	logger.LogOperation(context.Background(), wallet.OperationLog{
		Operation: "charge",
		AccountID: accountID,
		Status:    "error",
		Error:     errors.New("store offline"),
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		test.Fatalf("expected warn level, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["error"] != "store offline" {
		test.Fatalf("unexpected error field: %v", fields["error"])
	}
	if _, present := fields["amount"]; present {
		test.Fatalf("zero amount must not be logged")
	}
	if _, present := fields["period"]; present {
		test.Fatalf("empty period must not be logged")
	}
}
