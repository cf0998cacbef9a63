package wallet

import (
	"fmt"
	"time"
)

// ChargePolicy selects how a charge draws across allowance and wallet.
type ChargePolicy string

const (
	// PolicyAllowanceFirst serves the whole cost from the allowance when it
	// fits, otherwise the whole cost from the wallet.
	PolicyAllowanceFirst ChargePolicy = "allowance_first"
	// PolicySplitDraw drains the remaining allowance and charges the
	// remainder to the wallet in one operation.
	PolicySplitDraw ChargePolicy = "split_draw"
)

// ParseChargePolicy validates a raw policy value.
func ParseChargePolicy(raw string) (ChargePolicy, error) {
	policy := ChargePolicy(raw)
	switch policy {
	case PolicyAllowanceFirst, PolicySplitDraw:
		return policy, nil
	}
	return "", fmt.Errorf("%w: unknown policy %q", ErrInvalidChargePolicy, raw)
}

const (
	defaultCriticalBalanceThreshold int64 = 100
	defaultWriteThroughProbability        = 0.05
	defaultFlushBatchSize                 = 200
	defaultCacheMaxAge                    = time.Hour
	defaultFlushInterval                  = 5 * time.Minute
	defaultSweepInterval                  = 30 * time.Minute
)

// Config aggregates the engine's tunables.
type Config struct {
	ChargePolicy             ChargePolicy
	CriticalBalanceThreshold int64
	WriteThroughProbability  float64
	FlushBatchSize           int
	CacheMaxAge              time.Duration
	FlushInterval            time.Duration
	SweepInterval            time.Duration
}

// Validate fills defaults and rejects out-of-range values.
func (config *Config) Validate() error {
	if config.ChargePolicy == "" {
		config.ChargePolicy = PolicyAllowanceFirst
	}
	if _, err := ParseChargePolicy(string(config.ChargePolicy)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	if config.CriticalBalanceThreshold == 0 {
		config.CriticalBalanceThreshold = defaultCriticalBalanceThreshold
	}
	if config.CriticalBalanceThreshold < 0 {
		return fmt.Errorf("%w: critical balance threshold must not be negative", ErrInvalidServiceConfig)
	}
	if config.WriteThroughProbability == 0 {
		config.WriteThroughProbability = defaultWriteThroughProbability
	}
	if config.WriteThroughProbability < 0 || config.WriteThroughProbability > 1 {
		return fmt.Errorf("%w: write-through probability must be within [0, 1]", ErrInvalidServiceConfig)
	}
	if config.FlushBatchSize == 0 {
		config.FlushBatchSize = defaultFlushBatchSize
	}
	if config.FlushBatchSize < 0 {
		return fmt.Errorf("%w: flush batch size must not be negative", ErrInvalidServiceConfig)
	}
	if config.CacheMaxAge == 0 {
		config.CacheMaxAge = defaultCacheMaxAge
	}
	if config.CacheMaxAge < 0 {
		return fmt.Errorf("%w: cache max age must not be negative", ErrInvalidServiceConfig)
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = defaultFlushInterval
	}
	if config.FlushInterval < 0 {
		return fmt.Errorf("%w: flush interval must not be negative", ErrInvalidServiceConfig)
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = defaultSweepInterval
	}
	if config.SweepInterval < 0 {
		return fmt.Errorf("%w: sweep interval must not be negative", ErrInvalidServiceConfig)
	}
	return nil
}
