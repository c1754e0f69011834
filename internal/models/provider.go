package models

import "strings"

// Location is the provider's self-reported geo location
type Location struct {
	Country    string `json:"country,omitempty"`
	CountryISO string `json:"country_iso,omitempty"`
	City       string `json:"city,omitempty"`
	TimeZone   string `json:"time_zone,omitempty"`
}

// ProviderTelemetryInfo is the telemetry summary the registry attaches to each provider entry.
// Speedtest values are bytes per second.
type ProviderTelemetryInfo struct {
	StorageGitHash     string   `json:"storage_git_hash,omitempty"`
	ProviderGitHash    string   `json:"provider_git_hash,omitempty"`
	DiskReadSpeed      string   `json:"qd64_disk_read_speed,omitempty"`
	DiskWriteSpeed     string   `json:"qd64_disk_write_speed,omitempty"`
	Country            string   `json:"country,omitempty"`
	ISP                string   `json:"isp,omitempty"`
	CPUName            string   `json:"cpu_name,omitempty"`
	UpdatedAt          *int64   `json:"updated_at,omitempty"`
	TotalProviderSpace *float64 `json:"total_provider_space,omitempty"`
	UsedProviderSpace  *float64 `json:"used_provider_space,omitempty"`
	TotalRAM           *float64 `json:"total_ram,omitempty"`
	UsageRAM           *float64 `json:"usage_ram,omitempty"`
	RAMUsagePercent    *float64 `json:"ram_usage_percent,omitempty"`
	SpeedtestDownload  *float64 `json:"speedtest_download,omitempty"`
	SpeedtestUpload    *float64 `json:"speedtest_upload,omitempty"`
	SpeedtestPing      *float64 `json:"speedtest_ping,omitempty"`
	CPUNumber          *int     `json:"cpu_number,omitempty"`
	CPUIsVirtual       *bool    `json:"cpu_is_virtual,omitempty"`
}

// Provider is one storage provider as published by the registry.
// Pubkey is the stable identity; everything else is overwritten on each sync.
type Provider struct {
	Pubkey          string                `json:"pubkey" gorm:"primaryKey;size:64"`
	Address         string                `json:"address" gorm:"size:128;index"`
	Location        *Location             `json:"location,omitempty" gorm:"type:text;serializer:json"`
	Status          *int                  `json:"status,omitempty"`
	Uptime          float64               `json:"uptime"`
	StatusRatio     *float64              `json:"status_ratio,omitempty"`
	WorkingTime     int64                 `json:"working_time"`
	Rating          float64               `json:"rating"`
	MaxSpan         int64                 `json:"max_span"`
	Price           int64                 `json:"price"`
	MinSpan         int64                 `json:"min_span"`
	MaxBagSizeBytes int64                 `json:"max_bag_size_bytes"`
	RegTime         int64                 `json:"reg_time"`
	IsSendTelemetry bool                  `json:"is_send_telemetry"`
	TelemetryInfo   ProviderTelemetryInfo `json:"telemetry" gorm:"column:telemetry_info;type:text;serializer:json"`
}

// NormalizePubkey lower-cases a public key so registry and agent spellings match
func NormalizePubkey(pubkey string) string {
	return strings.ToLower(strings.TrimSpace(pubkey))
}

// LinkCapacityMbps returns the advertised download capacity in megabits per second.
// The second return is false when the speedtest is missing or not positive.
func (p Provider) LinkCapacityMbps() (float64, bool) {
	dl := p.TelemetryInfo.SpeedtestDownload
	if dl == nil || *dl <= 0 {
		return 0, false
	}
	return *dl / 125000, true
}

// IsStable reports whether the registry considers the provider healthy over the long run
func (p Provider) IsStable() bool {
	if p.Status == nil || p.StatusRatio == nil {
		return false
	}
	return *p.Status == 0 && *p.StatusRatio >= 0.99
}
