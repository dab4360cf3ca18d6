// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewChecker(t *testing.T) {
	checker := NewChecker()
	if checker == nil {
		t.Fatal("NewChecker returned nil")
		return
	}
	if len(checker.checks) != 0 {
		t.Errorf("expected 0 checks, got %d", len(checker.checks))
	}
	if time.Since(checker.startTime) > time.Second {
		t.Error("startTime should be recent")
	}
}

func TestLive(t *testing.T) {
	checker := NewChecker()
	result := checker.Live(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("liveness should always be healthy, got %s", result.Status)
	}
	if result.Name != "liveness" {
		t.Errorf("expected name 'liveness', got %s", result.Name)
	}
}

func TestReadyNoChecks(t *testing.T) {
	checker := NewChecker()
	results := checker.Ready(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected 1 default result, got %d", len(results))
	}
	if results[0].Status != StatusHealthy {
		t.Errorf("default readiness should be healthy, got %s", results[0].Status)
	}
}

func TestReadyRunsRegisteredChecks(t *testing.T) {
	checker := NewChecker()
	checker.RegisterCheck("keystore", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy, Message: "keystore accessible"}
	})
	checker.RegisterCheck("metadata", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: "connection refused"}
	})

	results := checker.Ready(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	byName := map[string]CheckResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	if byName["keystore"].Status != StatusHealthy {
		t.Errorf("keystore check should be healthy, got %s", byName["keystore"].Status)
	}
	if byName["metadata"].Status != StatusUnhealthy {
		t.Errorf("metadata check should be unhealthy, got %s", byName["metadata"].Status)
	}
	if byName["metadata"].Error != "connection refused" {
		t.Errorf("unexpected error detail: %s", byName["metadata"].Error)
	}
}

func TestReadyFillsMissingName(t *testing.T) {
	checker := NewChecker()
	checker.RegisterCheck("backups", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})

	results := checker.Ready(context.Background())
	if results[0].Name != "backups" {
		t.Errorf("expected registration name to fill in, got %q", results[0].Name)
	}
}

func TestRegisterCheckReplaces(t *testing.T) {
	checker := NewChecker()
	checker.RegisterCheck("dep", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})
	checker.RegisterCheck("dep", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})

	results := checker.Ready(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected 1 result after replacement, got %d", len(results))
	}
	if results[0].Status != StatusHealthy {
		t.Errorf("replacement check should win, got %s", results[0].Status)
	}
}

func TestRegisterCheckIgnoresNil(t *testing.T) {
	checker := NewChecker()
	checker.RegisterCheck("nothing", nil)
	if len(checker.checks) != 0 {
		t.Errorf("nil check should not be registered, have %d", len(checker.checks))
	}
}

func TestIsHealthy(t *testing.T) {
	checker := NewChecker()
	checker.RegisterCheck("ok", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	if !checker.IsHealthy(context.Background()) {
		t.Error("expected healthy with all checks passing")
	}

	checker.RegisterCheck("down", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})
	if checker.IsHealthy(context.Background()) {
		t.Error("expected unhealthy with a failing check")
	}
}

func TestUptime(t *testing.T) {
	checker := NewChecker()
	time.Sleep(10 * time.Millisecond)
	if checker.Uptime() < 10*time.Millisecond {
		t.Errorf("uptime should advance, got %s", checker.Uptime())
	}
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		results  []CheckResult
		expected Status
	}{
		{
			name:     "all healthy",
			results:  []CheckResult{{Status: StatusHealthy}, {Status: StatusHealthy}},
			expected: StatusHealthy,
		},
		{
			name:     "one degraded",
			results:  []CheckResult{{Status: StatusHealthy}, {Status: StatusDegraded}},
			expected: StatusDegraded,
		},
		{
			name:     "unhealthy wins over degraded",
			results:  []CheckResult{{Status: StatusDegraded}, {Status: StatusUnhealthy}},
			expected: StatusUnhealthy,
		},
		{
			name:     "empty is healthy",
			results:  nil,
			expected: StatusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateStatus(tt.results); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestConcurrentRegistration(t *testing.T) {
	checker := NewChecker()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checker.RegisterCheck("shared", func(ctx context.Context) CheckResult {
				return CheckResult{Status: StatusHealthy}
			})
			checker.Ready(context.Background())
		}()
	}
	wg.Wait()

	results := checker.Ready(context.Background())
	if len(results) != 1 {
		t.Errorf("expected 1 check after concurrent registration, got %d", len(results))
	}
}
