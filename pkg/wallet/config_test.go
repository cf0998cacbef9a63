package wallet

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidateFillsDefaults(test *testing.T) {
	test.Parallel()
	config := Config{}
	if err := config.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if config.ChargePolicy != PolicyAllowanceFirst {
		test.Fatalf("expected allowance_first default, got %s", config.ChargePolicy)
	}
	if config.CriticalBalanceThreshold != 100 {
		test.Fatalf("expected threshold 100, got %d", config.CriticalBalanceThreshold)
	}
	if config.WriteThroughProbability != 0.05 {
		test.Fatalf("expected probability 0.05, got %v", config.WriteThroughProbability)
	}
	if config.FlushBatchSize != 200 {
		test.Fatalf("expected batch size 200, got %d", config.FlushBatchSize)
	}
	if config.CacheMaxAge != time.Hour {
		test.Fatalf("expected max age 1h, got %s", config.CacheMaxAge)
	}
	if config.FlushInterval != 5*time.Minute || config.SweepInterval != 30*time.Minute {
		test.Fatalf("unexpected intervals: %s / %s", config.FlushInterval, config.SweepInterval)
	}
}

func TestConfigValidateKeepsExplicitValues(test *testing.T) {
	test.Parallel()
	config := Config{
		ChargePolicy:             PolicySplitDraw,
		CriticalBalanceThreshold: 250,
		WriteThroughProbability:  0.5,
		FlushBatchSize:           10,
		CacheMaxAge:              10 * time.Minute,
		FlushInterval:            time.Minute,
		SweepInterval:            time.Hour,
	}
	if err := config.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if config.CriticalBalanceThreshold != 250 || config.WriteThroughProbability != 0.5 {
		test.Fatalf("explicit values must survive validation: %+v", config)
	}
}

func TestConfigValidateRejectsOutOfRange(test *testing.T) {
	test.Parallel()
	for name, config := range map[string]Config{
		"negative threshold":   {CriticalBalanceThreshold: -1},
		"probability above 1":  {WriteThroughProbability: 1.5},
		"negative probability": {WriteThroughProbability: -0.1},
		"negative batch":       {FlushBatchSize: -5},
		"negative max age":     {CacheMaxAge: -time.Minute},
		"negative interval":    {FlushInterval: -time.Second},
		"unknown policy":       {ChargePolicy: ChargePolicy("greedy")},
	} {
		config := config
		if err := config.Validate(); !errors.Is(err, ErrInvalidServiceConfig) {
			test.Fatalf("%s: expected ErrInvalidServiceConfig, got %v", name, err)
		}
	}
}

func TestParseChargePolicy(test *testing.T) {
	test.Parallel()
	policy, err := ParseChargePolicy("allowance_first")
	if err != nil {
		test.Fatalf("parse policy: %v", err)
	}
	if policy != PolicyAllowanceFirst {
		test.Fatalf("unexpected policy %s", policy)
	}
	policy, err = ParseChargePolicy("split_draw")
	if err != nil {
		test.Fatalf("parse policy: %v", err)
	}
	if policy != PolicySplitDraw {
		test.Fatalf("unexpected policy %s", policy)
	}
	if _, err := ParseChargePolicy("wallet_first"); !errors.Is(err, ErrInvalidChargePolicy) {
		test.Fatalf("expected ErrInvalidChargePolicy, got %v", err)
	}
}
