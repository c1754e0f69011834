package alerts

import "sort"

// Kind identifies an alert type
type Kind string

const (
	CPUHigh          Kind = "cpu_high"
	RAMHigh          Kind = "ram_high"
	NetworkHigh      Kind = "network_high"
	DiskLoadHigh     Kind = "disk_load_high"
	DiskSpaceLow     Kind = "disk_space_low"
	ProviderOffline  Kind = "provider_offline"
	ServiceRestarted Kind = "service_restarted"
	MonthlyReport    Kind = "monthly_report"
)

// LevelKinds are the stateful kinds that go through the lifecycle tracker
var LevelKinds = []Kind{CPUHigh, RAMHigh, NetworkHigh, DiskLoadHigh, DiskSpaceLow, ProviderOffline}

// AllKinds lists every kind a user can enable
var AllKinds = append(append([]Kind{}, LevelKinds...), ServiceRestarted, MonthlyReport)

// IsLevel reports whether k has persisted active state
func (k Kind) IsLevel() bool {
	for _, l := range LevelKinds {
		if k == l {
			return true
		}
	}
	return false
}

// ParseKind validates a stored kind name
func ParseKind(s string) (Kind, bool) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Stage is the lifecycle stage a notification reports
type Stage string

const (
	StageDetected Stage = "detected"
	StageResolved Stage = "resolved"
	StageInfo     Stage = "info"
)

// KindSet is an unordered set of kinds
type KindSet map[Kind]struct{}

// NewKindSet builds a set from kinds
func NewKindSet(kinds ...Kind) KindSet {
	s := make(KindSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// ParseKindSet builds a set from stored names, dropping unknown ones
func ParseKindSet(names []string) KindSet {
	s := make(KindSet, len(names))
	for _, n := range names {
		if k, ok := ParseKind(n); ok {
			s[k] = struct{}{}
		}
	}
	return s
}

func (s KindSet) Add(k Kind) { s[k] = struct{}{} }

func (s KindSet) Has(k Kind) bool {
	_, ok := s[k]
	return ok
}

// Intersect returns the kinds present in both sets
func (s KindSet) Intersect(other KindSet) KindSet {
	out := make(KindSet)
	for k := range s {
		if other.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Minus returns the kinds of s absent from other
func (s KindSet) Minus(other KindSet) KindSet {
	out := make(KindSet)
	for k := range s {
		if !other.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Sorted returns the kinds in a stable order
func (s KindSet) Sorted() []Kind {
	out := make([]Kind, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
