// Package tracker maintains the authoritative tracked-component set for one
// extractor and applies the TVL admission policy (spec.md §4.2).
package tracker

import "fmt"

// PolicyMode selects which admission rule is active. Exactly one is active
// per extractor.
type PolicyMode int

const (
	// ModeExplicit tracks only a caller-provided finite set of components,
	// ignoring TVL entirely.
	ModeExplicit PolicyMode = iota
	// ModeRanged admits at add_threshold and removes below remove_threshold,
	// holding everything in between (hysteresis). Single-threshold mode is
	// modeled as Ranged with Add == Remove.
	ModeRanged
)

// Policy is the resolved admission configuration for one extractor.
type Policy struct {
	Mode     PolicyMode
	Explicit map[string]struct{} // component IDs, as raw strings to stay package-agnostic
	Add      float64
	Remove   float64
}

// PolicyConfig is the raw, as-configured input: at most one of Explicit,
// MinTVL, or the (Add, Remove) pair should be set, mirroring the CLI
// surface in spec.md §6 (--exchange name:component_id, --min-tvl,
// --add-tvl-threshold/--remove-tvl-threshold).
type PolicyConfig struct {
	ExplicitComponents []string
	MinTVL             *float64
	AddThreshold        *float64
	RemoveThreshold      *float64
}

// Resolve validates cfg and returns the effective Policy.
//
// Precedence, per spec.md §4.2: if both min_tvl and the ranged pair are
// configured, ranged wins; min_tvl alone is equivalent to ranged with
// add == remove == min_tvl.
func Resolve(cfg PolicyConfig) (Policy, error) {
	if len(cfg.ExplicitComponents) > 0 {
		set := make(map[string]struct{}, len(cfg.ExplicitComponents))
		for _, c := range cfg.ExplicitComponents {
			set[c] = struct{}{}
		}
		return Policy{Mode: ModeExplicit, Explicit: set}, nil
	}

	hasRanged := cfg.AddThreshold != nil || cfg.RemoveThreshold != nil
	if hasRanged {
		if cfg.AddThreshold == nil || cfg.RemoveThreshold == nil {
			return Policy{}, fmt.Errorf("ranged admission requires both --add-tvl-threshold and --remove-tvl-threshold")
		}
		if *cfg.RemoveThreshold > *cfg.AddThreshold {
			return Policy{}, fmt.Errorf("remove threshold (%v) must be <= add threshold (%v)", *cfg.RemoveThreshold, *cfg.AddThreshold)
		}
		return Policy{Mode: ModeRanged, Add: *cfg.AddThreshold, Remove: *cfg.RemoveThreshold}, nil
	}

	if cfg.MinTVL != nil {
		return Policy{Mode: ModeRanged, Add: *cfg.MinTVL, Remove: *cfg.MinTVL}, nil
	}

	return Policy{}, fmt.Errorf("no admission policy configured: need --exchange component ids, --min-tvl, or --add/--remove-tvl-threshold")
}

// ShouldAdmit reports whether a component not currently tracked should be
// admitted given its current TVL. Explicit mode never admits via TVL (the
// tracked set is fixed at startup).
func (p Policy) ShouldAdmit(tvl float64) bool {
	if p.Mode == ModeExplicit {
		return false
	}
	return tvl >= p.Add
}

// ShouldRemove reports whether a currently-tracked component should be
// dropped given its current TVL. Strict inequality: a component exactly at
// remove_threshold remains tracked (spec.md §8 boundary behavior).
func (p Policy) ShouldRemove(tvl float64) bool {
	if p.Mode == ModeExplicit {
		return false
	}
	return tvl < p.Remove
}
