package ratelimiter

import "testing"

func TestAllowAllAlwaysAllows(t *testing.T) {
	l := AllowAll()
	decision, err := l.CanProcess(1_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected AllowAll limiter to allow any request")
	}
}

func TestDenyAllAlwaysDenies(t *testing.T) {
	l := DenyAll()
	decision, err := l.CanProcess(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected DenyAll limiter to deny every request")
	}
	if decision.Reason != DenyReasonRPM {
		t.Errorf("expected RPM to be the limiting axis when both are zero, got %v", decision.Reason)
	}
}

func TestFixedWindowDeniesOnTPMExhaustion(t *testing.T) {
	l := NewFixedWindow(100, 50)
	decision, err := l.CanProcess(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected request exceeding TPM budget to be denied")
	}
	if decision.Reason != DenyReasonTPM {
		t.Errorf("decision.Reason = %v, want DenyReasonTPM", decision.Reason)
	}
}

func TestConsumeReducesAvailableBudget(t *testing.T) {
	l := NewFixedWindow(10, 1000)
	l.Consume(400)

	metrics, err := l.GetMetrics()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metrics.TPM.Used != 400 {
		t.Errorf("TPM.Used = %d, want 400", metrics.TPM.Used)
	}
	if metrics.RPM.Used != 1 {
		t.Errorf("RPM.Used = %d, want 1", metrics.RPM.Used)
	}
}

func TestGetMetricsEfficiencyReflectsUtilization(t *testing.T) {
	l := NewFixedWindow(10, 1000)
	before, _ := l.GetMetrics()
	if before.Efficiency != 1.0 {
		t.Errorf("expected full efficiency with no usage, got %v", before.Efficiency)
	}
	l.Consume(1000)
	after, _ := l.GetMetrics()
	if after.Efficiency != 0.0 {
		t.Errorf("expected zero efficiency at full TPM utilization, got %v", after.Efficiency)
	}
}
