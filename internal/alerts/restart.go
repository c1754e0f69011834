package alerts

import "github.com/storagewatch/storagewatch/internal/models"

// Tracked services
const (
	ServiceStorage  = "ton-storage"
	ServiceProvider = "ton-storage-provider"
)

// Restart is one detected service restart
type Restart struct {
	Service string
}

// DetectRestarts compares uptime counters of two consecutive snapshots of the
// same provider. A counter that went down means the service restarted.
func DetectRestarts(prev *models.Telemetry, curr models.Telemetry) []Restart {
	if prev == nil {
		return nil
	}
	var out []Restart
	if regressed(prev.Storage.ServiceUptime, curr.Storage.ServiceUptime) {
		out = append(out, Restart{Service: ServiceStorage})
	}
	if regressed(prev.Storage.Provider.ServiceUptime, curr.Storage.Provider.ServiceUptime) {
		out = append(out, Restart{Service: ServiceProvider})
	}
	return out
}

func regressed(prev, curr *int64) bool {
	if prev == nil || curr == nil {
		return false
	}
	return *curr < *prev
}
