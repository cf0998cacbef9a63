package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"go.uber.org/zap"
)

// Logger forwards wallet operation records to a zap logger.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger writing through the given zap logger.
func New(logger *zap.Logger) *Logger {
	return &Logger{logger: logger}
}

func (operationLogger *Logger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("status", entry.Status),
	}
	if entry.Period.String() != "" {
		fields = append(fields, zap.String("period", entry.Period.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Source != "" {
		fields = append(fields, zap.String("source", entry.Source))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("wallet operation failed", fields...)
		return
	}
	operationLogger.logger.Info("wallet operation", fields...)
}
