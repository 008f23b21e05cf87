package ratelimiter

import (
	"sync"
	"time"
)

// FixedWindow is a minimal in-process RateLimiter used to exercise the
// dispatcher without a real collaborator wired in (SPEC_FULL.md, External
// Interfaces supplement). It tracks RPM and TPM against a single fixed
// window that resets once it has elapsed, and is not meant to be the production rate limiter spec.md §1
// excludes from scope.
type FixedWindow struct {
	mu sync.Mutex

	rpmLimit int64
	tpmLimit int64
	window   time.Duration

	windowStart   time.Time
	requestsUsed  int64
	tokensUsed    int64
	totalRequests int64
	totalTokens   int64
}

// NewFixedWindow builds a reference limiter admitting up to rpmLimit
// requests and tpmLimit tokens per one-minute window.
func NewFixedWindow(rpmLimit, tpmLimit int64) *FixedWindow {
	return &FixedWindow{
		rpmLimit:    rpmLimit,
		tpmLimit:    tpmLimit,
		window:      time.Minute,
		windowStart: time.Now(),
	}
}

// AllowAll returns a limiter that admits every request, matching the
// "no-limit" rate limiter scenario in spec §8 scenario 1.
func AllowAll() *FixedWindow {
	return NewFixedWindow(1<<62, 1<<62)
}

// DenyAll returns a limiter that refuses every request, used to exercise
// spec §8's "for any rate-limiter that denies every call" property.
func DenyAll() *FixedWindow {
	return NewFixedWindow(0, 0)
}

func (f *FixedWindow) rollWindow(now time.Time) {
	if now.Sub(f.windowStart) >= f.window {
		f.windowStart = now
		f.requestsUsed = 0
		f.tokensUsed = 0
	}
}

// CanProcess implements RateLimiter.
func (f *FixedWindow) CanProcess(estimatedTokens int) (Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rollWindow(time.Now())

	availRPM := f.rpmLimit - f.requestsUsed
	availTPM := f.tpmLimit - f.tokensUsed

	if availRPM <= 0 {
		return Decision{
			Allowed:         false,
			Reason:          DenyReasonRPM,
			AvailableInMS:   f.msUntilReset(),
			AvailableTokens: TokenBudget{RPM: availRPM, TPM: availTPM},
		}, nil
	}
	if int64(estimatedTokens) > availTPM {
		return Decision{
			Allowed:         false,
			Reason:          DenyReasonTPM,
			AvailableInMS:   f.msUntilReset(),
			AvailableTokens: TokenBudget{RPM: availRPM, TPM: availTPM},
		}, nil
	}

	return Decision{
		Allowed:         true,
		AvailableTokens: TokenBudget{RPM: availRPM, TPM: availTPM},
	}, nil
}

func (f *FixedWindow) msUntilReset() int64 {
	remaining := f.window - time.Since(f.windowStart)
	if remaining < 0 {
		return 0
	}
	return remaining.Milliseconds()
}

// Consume debits the limiter for a request the caller actually issued to
// the downstream LLM. The dispatcher never calls this itself (spec §6);
// it exists for callers and for tests that simulate real usage.
func (f *FixedWindow) Consume(tokens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollWindow(time.Now())
	f.requestsUsed++
	f.tokensUsed += int64(tokens)
	f.totalRequests++
	f.totalTokens += int64(tokens)
}

// GetMetrics implements RateLimiter.
func (f *FixedWindow) GetMetrics() (Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollWindow(time.Now())

	rpmPct, tpmPct := 0.0, 0.0
	if f.rpmLimit > 0 {
		rpmPct = float64(f.requestsUsed) / float64(f.rpmLimit)
	}
	if f.tpmLimit > 0 {
		tpmPct = float64(f.tokensUsed) / float64(f.tpmLimit)
	}

	avgTokens := 0.0
	if f.totalRequests > 0 {
		avgTokens = float64(f.totalTokens) / float64(f.totalRequests)
	}

	return Metrics{
		RPM: AxisMetrics{
			Used:       f.requestsUsed,
			Available:  f.rpmLimit - f.requestsUsed,
			Limit:      f.rpmLimit,
			Percentage: rpmPct,
		},
		TPM: AxisMetrics{
			Used:       f.tokensUsed,
			Available:  f.tpmLimit - f.tokensUsed,
			Limit:      f.tpmLimit,
			Percentage: tpmPct,
		},
		Efficiency: 1.0 - tpmPct,
		Consumption: ConsumptionHistory{
			Count:                  f.totalRequests,
			AverageTokensPerRequest: avgTokens,
			TotalTokens:            f.totalTokens,
		},
		Memory:       MemoryMetrics{},
		Compensation: CompensationMetrics{},
		AsOf:         time.Now(),
	}, nil
}
