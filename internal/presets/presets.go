// Package presets ships the named scoring-weight profiles spec §4.F
// defines as convenience factories over a raw scoring.Weights value,
// plus the non-weight config overrides ("Extras") a couple of those
// presets carry.
package presets

import "ratequeue/internal/scoring"

// Name identifies one of the built-in weight profiles.
type Name string

const (
	Default        Name = "default"
	SimplePriority Name = "simple-priority"
	Throughput     Name = "throughput"
	Fair           Name = "fair"
	Prefetching    Name = "prefetching"
)

// Profile is a named preset's full effect (spec §4.F): its scoring
// weights plus any config fields it overrides. A zero BufferSize or
// MaxCandidatesToEvaluate means "no override" — the preset only ever
// raises these, never lowers them below whatever the caller already
// configured.
type Profile struct {
	Weights                 scoring.Weights
	EnablePrefetch          bool
	BufferSize              int
	MaxCandidatesToEvaluate int
}

// Resolve returns the Profile for a named preset (spec §4.F). An
// unknown name returns the default profile and false.
func Resolve(name Name) (Profile, bool) {
	switch name {
	case Default, "":
		return Profile{Weights: scoring.DefaultWeights()}, true
	case SimplePriority:
		return Profile{
			Weights: scoring.Weights{
				Priority:       0.80,
				Efficiency:     0.05,
				WaitTime:       0.10,
				Retry:          0.05,
				TokenFit:       0,
				ProcessingTime: 0,
			},
		}, true
	case Throughput:
		return Profile{
			Weights: scoring.Weights{
				Priority:       0.15,
				Efficiency:     0.35,
				WaitTime:       0.10,
				Retry:          0.05,
				TokenFit:       0.25,
				ProcessingTime: 0.10,
			},
			EnablePrefetch:          true,
			BufferSize:              200,
			MaxCandidatesToEvaluate: 50,
		}, true
	case Fair:
		return Profile{
			Weights: scoring.Weights{
				Priority:       0.20,
				Efficiency:     0.10,
				WaitTime:       0.50,
				Retry:          0.15,
				TokenFit:       0.05,
				ProcessingTime: 0,
			},
		}, true
	case Prefetching:
		// Inherits the default weights verbatim (spec §4.F); only the
		// extras differ.
		return Profile{
			Weights:        scoring.DefaultWeights(),
			EnablePrefetch: true,
			BufferSize:     100,
		}, true
	default:
		return Profile{Weights: scoring.DefaultWeights()}, false
	}
}

// Weights returns just the scoring.Weights for a named preset, for
// callers that only care about scoring. An unknown name returns
// scoring.DefaultWeights() and false.
func Weights(name Name) (scoring.Weights, bool) {
	p, ok := Resolve(name)
	return p.Weights, ok
}
