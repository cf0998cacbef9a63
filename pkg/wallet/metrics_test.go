package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsTrackCacheAndChargeActivity(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-metrics")
	store.seedBalance(accountID, 1000)
	service := mustNewServiceWith(test, store, Config{}, newStubClock(), WithMetrics(metrics))

	if _, err := service.ChargeCredits(context.Background(), accountID, mustCreditAmount(test, 100)); err != nil {
		test.Fatalf("charge: %v", err)
	}
	if _, err := service.Balance(context.Background(), accountID); err != nil {
		test.Fatalf("balance: %v", err)
	}

	if misses := testutil.ToFloat64(metrics.CacheMissesTotal); misses != 1 {
		test.Fatalf("expected 1 cache miss, got %v", misses)
	}
	if hits := testutil.ToFloat64(metrics.CacheHitsTotal); hits != 1 {
		test.Fatalf("expected 1 cache hit, got %v", hits)
	}
	if charges := testutil.ToFloat64(metrics.ChargesTotal.WithLabelValues("wallet", "ok")); charges != 1 {
		test.Fatalf("expected 1 wallet charge, got %v", charges)
	}
	if dirty := testutil.ToFloat64(metrics.DirtyEntries); dirty != 1 {
		test.Fatalf("expected 1 dirty entry, got %v", dirty)
	}

	if _, err := service.FlushDirty(context.Background()); err != nil {
		test.Fatalf("flush: %v", err)
	}
	if flushed := testutil.ToFloat64(metrics.FlushedRowsTotal); flushed != 1 {
		test.Fatalf("expected 1 flushed row, got %v", flushed)
	}
	if dirty := testutil.ToFloat64(metrics.DirtyEntries); dirty != 0 {
		test.Fatalf("expected clean cache, got %v", dirty)
	}
}

func TestMetricsCountRejectionsAndWriteThroughs(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-metrics-reject")
	store.seedBalance(accountID, 1000)
	service := mustNewServiceWith(test, store, Config{}, newStubClock(), WithMetrics(metrics))

	if _, err := service.ChargeCredits(context.Background(), accountID, mustCreditAmount(test, 5000)); err == nil {
		test.Fatalf("expected rejection")
	}
	if rejected := testutil.ToFloat64(metrics.ChargesTotal.WithLabelValues("none", "error")); rejected != 1 {
		test.Fatalf("expected 1 rejected charge, got %v", rejected)
	}

	if _, err := service.ChargeCredits(context.Background(), accountID, mustCreditAmount(test, 50), ForceWriteThrough()); err != nil {
		test.Fatalf("charge: %v", err)
	}
	if forced := testutil.ToFloat64(metrics.WriteThroughsTotal.WithLabelValues("forced")); forced != 1 {
		test.Fatalf("expected 1 forced write-through, got %v", forced)
	}
}

func TestMetricsCountEvictions(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-metrics-evict")
	store.seedBalance(accountID, 500)
	clock := newStubClock()
	service := mustNewServiceWith(test, store, Config{}, clock, WithMetrics(metrics))

	if _, err := service.Balance(context.Background(), accountID); err != nil {
		test.Fatalf("balance: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if evicted := service.SweepCache(context.Background()); evicted != 1 {
		test.Fatalf("expected eviction, got %d", evicted)
	}
	if evictions := testutil.ToFloat64(metrics.CacheEvictionsTotal); evictions != 1 {
		test.Fatalf("expected 1 recorded eviction, got %v", evictions)
	}
}
