package wallet

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation string
	AccountID AccountID
	Period    BillingPeriod
	Amount    int64
	Source    string
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithMetrics wires a metrics set updated by cache and charge activity.
func WithMetrics(metrics *Metrics) ServiceOption {
	return func(service *Service) {
		service.metrics = metrics
	}
}

// WithRandomSource replaces the probabilistic flush draw, for deterministic tests.
func WithRandomSource(random func() float64) ServiceOption {
	return func(service *Service) {
		if random != nil {
			service.randFn = random
		}
	}
}
