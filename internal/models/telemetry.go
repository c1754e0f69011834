package models

import "path/filepath"

// Series is a 1m/5m/15m window array as reported by the provider agent.
// Agents send null for windows they could not measure.
type Series []*float64

// At returns the value at index i and whether it is present
func (s Series) At(i int) (float64, bool) {
	if i < 0 || i >= len(s) || s[i] == nil {
		return 0, false
	}
	return *s[i], true
}

// FirstOf returns the first present value in the given index order
func (s Series) FirstOf(order ...int) (float64, bool) {
	for _, i := range order {
		if v, ok := s.At(i); ok {
			return v, true
		}
	}
	return 0, false
}

// CPUInfo holds load averages (1m, 5m, 15m) and core count
type CPUInfo struct {
	CPUCount    *int      `json:"cpu_count,omitempty"`
	CPULoad     []float64 `json:"cpu_load,omitempty"`
	CPUName     string    `json:"cpu_name,omitempty"`
	IsVirtual   *bool     `json:"is_virtual,omitempty"`
	ProductName string    `json:"product_name,omitempty"`
}

// RAMInfo is used for both ram and swap
type RAMInfo struct {
	Total        *float64 `json:"total,omitempty"`
	Usage        *float64 `json:"usage,omitempty"`
	UsagePercent *float64 `json:"usage_percent,omitempty"`
}

// ProviderSpace describes the provider-allocated partition
type ProviderSpace struct {
	MaxBagSizeBytes    int64    `json:"max_bag_size_bytes"`
	Pubkey             string   `json:"pubkey"`
	ServiceUptime      *int64   `json:"service_uptime,omitempty"`
	TotalProviderSpace *float64 `json:"total_provider_space,omitempty"`
	UsedProviderSpace  *float64 `json:"used_provider_space,omitempty"`
}

// StorageInfo describes the whole disk and the ton-storage daemon
type StorageInfo struct {
	DiskName       string        `json:"disk_name,omitempty"`
	FreeDiskSpace  *float64      `json:"free_disk_space,omitempty"`
	Provider       ProviderSpace `json:"provider"`
	Pubkey         string        `json:"pubkey"`
	ServiceUptime  *int64        `json:"service_uptime,omitempty"`
	TotalDiskSpace *float64      `json:"total_disk_space,omitempty"`
	UsedDiskSpace  *float64      `json:"used_disk_space,omitempty"`
}

// DiskBase returns the device name without its /dev prefix
func (s StorageInfo) DiskBase() string {
	if s.DiskName == "" {
		return ""
	}
	return filepath.Base(s.DiskName)
}

// UnameInfo mirrors the agent's uname block
type UnameInfo struct {
	Machine string `json:"machine,omitempty"`
	Release string `json:"release,omitempty"`
	Sysname string `json:"sysname,omitempty"`
	Version string `json:"version,omitempty"`
}

// Telemetry is one snapshot reported by a provider agent.
// Byte counters are cumulative since the agent host booted.
type Telemetry struct {
	BytesRecv        *int64             `json:"bytes_recv,omitempty"`
	BytesSent        *int64             `json:"bytes_sent,omitempty"`
	CPUInfo          *CPUInfo           `json:"cpu_info,omitempty" gorm:"type:text;serializer:json"`
	DisksLoad        map[string]Series  `json:"disks_load,omitempty" gorm:"type:text;serializer:json"`
	DisksLoadPercent map[string]Series  `json:"disks_load_percent,omitempty" gorm:"type:text;serializer:json"`
	GitHashes        map[string]*string `json:"git_hashes,omitempty" gorm:"type:text;serializer:json"`
	IOPS             map[string]Series  `json:"iops,omitempty" gorm:"column:iops;type:text;serializer:json"`
	NetLoad          Series             `json:"net_load,omitempty" gorm:"type:text;serializer:json"`
	NetRecv          Series             `json:"net_recv,omitempty" gorm:"type:text;serializer:json"`
	NetSent          Series             `json:"net_sent,omitempty" gorm:"type:text;serializer:json"`
	Pings            map[string]float64 `json:"pings,omitempty" gorm:"type:text;serializer:json"`
	PPS              Series             `json:"pps,omitempty" gorm:"column:pps;type:text;serializer:json"`
	RAM              *RAMInfo           `json:"ram,omitempty" gorm:"column:ram;type:text;serializer:json"`
	Storage          StorageInfo        `json:"storage" gorm:"type:text;serializer:json"`
	Swap             *RAMInfo           `json:"swap,omitempty" gorm:"type:text;serializer:json"`
	TelemetryPass    *string            `json:"telemetry_pass,omitempty" gorm:"size:128"`
	Timestamp        *int64             `json:"timestamp,omitempty"`
	Uname            *UnameInfo         `json:"uname,omitempty" gorm:"type:text;serializer:json"`
}

// ProviderPubkey returns the normalized key the snapshot belongs to
func (t Telemetry) ProviderPubkey() string {
	return NormalizePubkey(t.Storage.Provider.Pubkey)
}
