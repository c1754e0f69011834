package alerts

import (
	"time"

	"github.com/storagewatch/storagewatch/internal/models"
)

// Series slots
const (
	slot1m  = 0
	slot5m  = 1
	slot15m = 2
)

// DetectOverload returns the level kinds triggered by one snapshot.
// Every check treats missing or degenerate data as not triggered.
func DetectOverload(p models.Provider, snap models.Telemetry, th Thresholds, now time.Time) KindSet {
	out := make(KindSet)
	if IsCPUHigh(snap, th[CPUHigh]) {
		out.Add(CPUHigh)
	}
	if IsRAMHigh(snap, th[RAMHigh]) {
		out.Add(RAMHigh)
	}
	if IsNetworkHigh(p, snap, th[NetworkHigh]) {
		out.Add(NetworkHigh)
	}
	if IsDiskLoadHigh(snap, th[DiskLoadHigh]) {
		out.Add(DiskLoadHigh)
	}
	if IsDiskSpaceLow(snap, th[DiskSpaceLow]) {
		out.Add(DiskSpaceLow)
	}
	if IsProviderOffline(p, snap, th.OfflineGrace(), now) {
		out.Add(ProviderOffline)
	}
	return out
}

// CPULoadPercent is the 5m load average as a percentage of core capacity
func CPULoadPercent(snap models.Telemetry) (float64, bool) {
	cpu := snap.CPUInfo
	if cpu == nil || cpu.CPUCount == nil || *cpu.CPUCount <= 0 || len(cpu.CPULoad) <= slot5m {
		return 0, false
	}
	return cpu.CPULoad[slot5m] / float64(*cpu.CPUCount) * 100, true
}

// IsCPUHigh triggers strictly above the threshold
func IsCPUHigh(snap models.Telemetry, threshold float64) bool {
	pct, ok := CPULoadPercent(snap)
	return ok && pct > threshold
}

// IsRAMHigh triggers at or above the threshold
func IsRAMHigh(snap models.Telemetry, threshold float64) bool {
	if snap.RAM == nil || snap.RAM.UsagePercent == nil {
		return false
	}
	return *snap.RAM.UsagePercent >= threshold
}

// NetworkLoadPercent converts the busiest of load/recv/sent (MB/s) to a share of link capacity
func NetworkLoadPercent(p models.Provider, snap models.Telemetry) (float64, bool) {
	capacity, ok := p.LinkCapacityMbps()
	if !ok {
		return 0, false
	}

	best, found := 0.0, false
	for _, s := range []models.Series{snap.NetLoad, snap.NetRecv, snap.NetSent} {
		v, ok := s.FirstOf(slot5m, slot1m, slot15m)
		if !ok {
			continue
		}
		if mbps := v * 8; !found || mbps > best {
			best, found = mbps, true
		}
	}
	if !found {
		return 0, false
	}
	return best / capacity * 100, true
}

// IsNetworkHigh triggers at or above the threshold; unknown capacity never triggers
func IsNetworkHigh(p models.Provider, snap models.Telemetry, threshold float64) bool {
	pct, ok := NetworkLoadPercent(p, snap)
	return ok && pct >= threshold
}

// DiskLoadPercent reads the 15m slot of the provider's storage disk,
// falling back to the first disk when the named one is not reported.
func DiskLoadPercent(snap models.Telemetry) (float64, bool) {
	loads := snap.DisksLoadPercent
	if len(loads) == 0 {
		return 0, false
	}

	series, ok := loads[snap.Storage.DiskBase()]
	if !ok {
		series = loads[firstKey(loads)]
	}
	if len(series) <= slot15m {
		return 0, false
	}
	return series.At(slot15m)
}

// IsDiskLoadHigh triggers strictly above the threshold
func IsDiskLoadHigh(snap models.Telemetry, threshold float64) bool {
	pct, ok := DiskLoadPercent(snap)
	return ok && pct > threshold
}

// DiskSpacePercent is used / total of the provider partition
func DiskSpacePercent(snap models.Telemetry) (float64, bool) {
	sp := snap.Storage.Provider
	if sp.UsedProviderSpace == nil || sp.TotalProviderSpace == nil || *sp.TotalProviderSpace <= 0 {
		return 0, false
	}
	return *sp.UsedProviderSpace / *sp.TotalProviderSpace * 100, true
}

// IsDiskSpaceLow triggers at or above the threshold
func IsDiskSpaceLow(snap models.Telemetry, threshold float64) bool {
	pct, ok := DiskSpacePercent(snap)
	return ok && pct >= threshold
}

// IsProviderOffline triggers when telemetry is older than grace and the
// registry does not vouch for the provider's long-run stability.
func IsProviderOffline(p models.Provider, snap models.Telemetry, grace time.Duration, now time.Time) bool {
	if snap.Timestamp == nil {
		return false
	}
	age := now.Sub(time.Unix(*snap.Timestamp, 0))
	if age <= grace {
		return false
	}
	return !p.IsStable()
}

// firstKey picks a deterministic key since map order is random
func firstKey(m map[string]models.Series) string {
	first, seen := "", false
	for k := range m {
		if !seen || k < first {
			first, seen = k, true
		}
	}
	return first
}
