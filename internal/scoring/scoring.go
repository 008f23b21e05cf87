// Package scoring implements the dispatcher's pure, non-blocking scoring
// function (spec §4.C, Score Calculator). Calculate never mutates its
// inputs and never blocks; all the context it needs is handed in by the
// caller as a snapshot.
package scoring

import (
	"math"
	"time"

	"ratequeue/internal/queue"
)

// RateSnapshot is the slice of the rate limiter's metrics the calculator
// needs: available budget on each axis (spec §4.C, context.rpm/tpm).
type RateSnapshot struct {
	RPMAvailable int64
	TPMAvailable int64
	Efficiency   float64
}

// QueueSnapshot is the slice of queue-wide metrics the calculator
// receives. The built-in sub-scores do not read it; it exists so custom
// scorers can reach queue depth without changing Calculate's signature.
type QueueSnapshot struct {
	Depth int
}

// Context bundles everything Calculate needs beyond the candidate message
// itself (spec §4.C, "context carries a snapshot of rate-limiter
// metrics... current queue metrics, and currentTime").
type Context struct {
	Rate        RateSnapshot
	Queue       QueueSnapshot
	CurrentTime time.Time
}

// CustomScorer is a user-supplied additive term (spec §4.C, "Custom
// scorers"). Calculate does not clamp its return value.
type CustomScorer struct {
	Name     string
	Weight   float64
	Calculate func(msg queue.Message, ctx Context) float64
}

// Weights are the per-component multipliers applied to each sub-score
// before summing into Score.Total (spec §4.C and §4.F).
type Weights struct {
	Priority       float64
	Efficiency     float64
	WaitTime       float64
	Retry          float64
	TokenFit       float64
	ProcessingTime float64
}

// DefaultWeights matches the "default" preset in spec §4.F.
func DefaultWeights() Weights {
	return Weights{
		Priority:       0.25,
		Efficiency:     0.20,
		WaitTime:       0.20,
		Retry:          0.10,
		TokenFit:       0.15,
		ProcessingTime: 0.10,
	}
}

// Calculator is a pure function object: build it once with a set of
// weights and custom scorers, then call Calculate per candidate per
// dequeue. It holds no mutable state and is safe for concurrent use.
type Calculator struct {
	Weights       Weights
	CustomScorers []CustomScorer
}

// New builds a Calculator. A zero-value Weights is valid (every weighted
// term is simply zero) but DefaultWeights is almost always what callers
// want.
func New(weights Weights, custom ...CustomScorer) *Calculator {
	return &Calculator{Weights: weights, CustomScorers: custom}
}

var priorityTable = map[queue.Priority]float64{
	queue.Urgent: 1.0,
	queue.High:   0.7,
	queue.Normal: 0.4,
	queue.Low:    0.1,
}

// priorityScore implements spec §4.C's priority table lookup.
func priorityScore(p queue.Priority) float64 {
	if v, ok := priorityTable[p]; ok {
		return v
	}
	return 0
}

// efficiencyScore implements spec §4.C's efficiencyScore(est, availTPM).
func efficiencyScore(estimated int, availTPM int64) float64 {
	if availTPM <= 0 {
		return 0
	}
	u := float64(estimated) / float64(availTPM)
	switch {
	case u > 1.0:
		return 0
	case u > 0.9:
		return 0.9
	case u >= 0.7:
		return 1.0
	default:
		return u / 0.7
	}
}

var waitMaxByPriority = map[queue.Priority]float64{
	queue.Urgent: 10 * 1000,
	queue.High:   30 * 1000,
	queue.Normal: 60 * 1000,
	queue.Low:    300 * 1000,
}

// waitTimeScore implements spec §4.C's waitTimeScore(waitMs, priority),
// including the URGENT concave transform.
func waitTimeScore(waitMs float64, p queue.Priority) float64 {
	max, ok := waitMaxByPriority[p]
	if !ok {
		max = waitMaxByPriority[queue.Normal]
	}
	s := waitMs / max
	if s > 1 {
		s = 1
	}
	if s < 0 {
		s = 0
	}
	if p == queue.Urgent {
		s = math.Sqrt(s)
	}
	return s
}

// retryPenalty implements spec §4.C's retryPenalty(receiveCount).
func retryPenalty(receiveCount int) float64 {
	if receiveCount <= 0 {
		return 1.0
	}
	v := math.Pow(0.7, float64(receiveCount))
	if v < 0.1 {
		return 0.1
	}
	return v
}

// tokenFitScore implements spec §4.C's tokenFitScore(est, availTPM).
func tokenFitScore(estimated int, availTPM int64) float64 {
	if availTPM <= 0 {
		return 0
	}
	r := float64(estimated) / float64(availTPM)
	switch {
	case r > 1.0:
		return 0
	case r > 0.5:
		return 1.0 - 0.4*(r-0.5)
	case r >= 0.1:
		return 1.0
	default:
		return 10 * r
	}
}

// processingTimeScore implements spec §4.C's processingTimeScore(est,
// expected?).
func processingTimeScore(estimated int, expectedMS *int64) float64 {
	var t float64
	if expectedMS != nil {
		t = float64(*expectedMS)
	} else {
		t = float64(estimated) * 10
	}
	switch {
	case t <= 1000:
		return 1.0
	case t <= 5000:
		return 1.0 - 0.3*(t-1000)/4000
	case t <= 30000:
		return 0.7 - 0.6*(t-5000)/25000
	default:
		return 0.1
	}
}

// Calculate scores a single candidate (spec §4.C, score(message,
// context)). It is pure and non-blocking: no I/O, no mutation of msg or
// ctx, safe to call concurrently from multiple dequeue goroutines.
func (c *Calculator) Calculate(msg queue.Message, ctx Context) queue.Score {
	waitMs := float64(ctx.CurrentTime.Sub(msg.Attributes.EnqueuedAt).Milliseconds())
	if waitMs < 0 {
		waitMs = 0
	}

	breakdown := queue.ScoreBreakdown{
		Priority:       priorityScore(msg.Body.Priority),
		Efficiency:     efficiencyScore(msg.Body.TokenInfo.Estimated, ctx.Rate.TPMAvailable),
		WaitTime:       waitTimeScore(waitMs, msg.Body.Priority),
		Retry:          retryPenalty(msg.Attributes.ReceiveCount),
		TokenFit:       tokenFitScore(msg.Body.TokenInfo.Estimated, ctx.Rate.TPMAvailable),
		ProcessingTime: processingTimeScore(msg.Body.TokenInfo.Estimated, msg.Body.ExpectedProcessingTime),
	}

	total := c.Weights.Priority*breakdown.Priority +
		c.Weights.Efficiency*breakdown.Efficiency +
		c.Weights.WaitTime*breakdown.WaitTime +
		c.Weights.Retry*breakdown.Retry +
		c.Weights.TokenFit*breakdown.TokenFit +
		c.Weights.ProcessingTime*breakdown.ProcessingTime

	for _, cs := range c.CustomScorers {
		if cs.Calculate == nil {
			continue
		}
		total += cs.Weight * cs.Calculate(msg, ctx)
	}

	return queue.Score{Total: total, Breakdown: breakdown}
}
