package alerts

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultOfflineGrace is how long telemetry may be stale before a provider counts as offline
const DefaultOfflineGrace = 15 * time.Minute

// Thresholds maps each level kind to its cutoff. Percent kinds are percentages;
// ProviderOffline is the grace period in seconds. Values are not capped at 100.
type Thresholds map[Kind]float64

// DefaultThresholds returns a fresh copy of the built-in cutoffs
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUHigh:         90,
		RAMHigh:         90,
		NetworkHigh:     90,
		DiskLoadHigh:    90,
		DiskSpaceLow:    90,
		ProviderOffline: DefaultOfflineGrace.Seconds(),
	}
}

// Clone returns an independent copy
func (t Thresholds) Clone() Thresholds {
	out := make(Thresholds, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// OfflineGrace returns the offline cutoff as a duration
func (t Thresholds) OfflineGrace() time.Duration {
	secs, ok := t[ProviderOffline]
	if !ok || secs <= 0 {
		return DefaultOfflineGrace
	}
	return time.Duration(secs * float64(time.Second))
}

// MergeResult is the outcome of applying user overrides
type MergeResult struct {
	Thresholds Thresholds
	Rejected   []string // override keys that were ignored, sorted
}

// MergeThresholds applies overrides on top of defaults. Unknown kinds, non-level
// kinds and values that are not finite non-negative numbers are rejected and
// reported; defaults are never mutated.
func MergeThresholds(defaults Thresholds, overrides map[string]any) MergeResult {
	merged := defaults.Clone()
	var rejected []string

	for key, raw := range overrides {
		kind, ok := ParseKind(key)
		if !ok || !kind.IsLevel() {
			rejected = append(rejected, key)
			continue
		}
		v, ok := toFloat(raw)
		if !ok || v < 0 {
			rejected = append(rejected, key)
			continue
		}
		merged[kind] = v
	}

	sort.Strings(rejected)
	return MergeResult{Thresholds: merged, Rejected: rejected}
}

func toFloat(raw any) (float64, bool) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
