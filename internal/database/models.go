package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/storagewatch/storagewatch/internal/models"
)

// JSONMap is a free-form JSON object column (jsonb on PostgreSQL)
type JSONMap map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// User states mirroring chat membership
const (
	UserStateMember = "member"
	UserStateKicked = "kicked"
	UserStateLeft   = "left"
)

// Provider is the current registry entry, overwritten on every sync
type Provider struct {
	models.Provider
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;index"`
}

func (Provider) TableName() string { return "providers" }

// ProviderHistory is an append-only provider snapshot per sync minute
type ProviderHistory struct {
	models.Provider
	ArchivedAt time.Time `gorm:"primaryKey"`
}

func (ProviderHistory) TableName() string { return "providers_history" }

// Telemetry is the latest agent snapshot of a provider
type Telemetry struct {
	Pubkey string `gorm:"primaryKey;size:64"`
	models.Telemetry
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;index"`
}

func (Telemetry) TableName() string { return "telemetry" }

// TelemetryHistory keeps one snapshot per provider per sync minute
type TelemetryHistory struct {
	Pubkey string `gorm:"primaryKey;size:64"`
	models.Telemetry
	ArchivedAt time.Time `gorm:"primaryKey"`
}

func (TelemetryHistory) TableName() string { return "telemetry_history" }

// User is a chat user of the bot
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ChatID       string    `gorm:"uniqueIndex;size:64;not null" json:"chat_id"`
	Username     string    `gorm:"size:255" json:"username"`
	LanguageCode string    `gorm:"size:8;default:en" json:"language_code"`
	State        string    `gorm:"size:16;default:member" json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserAlertSettings holds the alert toggle, enabled kinds and threshold overrides
type UserAlertSettings struct {
	UserID     uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Enabled    bool      `gorm:"default:true" json:"enabled"`
	Kinds      []string  `gorm:"type:text;serializer:json" json:"kinds"`
	Thresholds JSONMap   `gorm:"type:jsonb" json:"thresholds"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UserSubscription links a user to a provider they follow
type UserSubscription struct {
	UserID         uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	ProviderPubkey string    `gorm:"primaryKey;size:64" json:"provider_pubkey"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserActiveAlert marks a level alert as currently detected
type UserActiveAlert struct {
	UserID         uint      `gorm:"primaryKey;autoIncrement:false"`
	ProviderPubkey string    `gorm:"primaryKey;size:64"`
	Kind           string    `gorm:"primaryKey;size:32"`
	DetectedAt     time.Time `gorm:"not null"`
}

// RestartCheck is the newest snapshot restart detection has run on for a provider
type RestartCheck struct {
	ProviderPubkey string    `gorm:"primaryKey;size:64"`
	CurrentAt      time.Time `gorm:"not null"`
}

// Wallet is a provider contract address and its accounting cursor
type Wallet struct {
	Address        string `gorm:"primaryKey;size:128"`
	ProviderPubkey string `gorm:"size:64;index"`
	LastLT         int64  `gorm:"column:last_lt;not null;default:0"`
	Balance        int64  `gorm:"not null;default:0"`
	Earned         int64  `gorm:"not null;default:0"`
	UpdatedAt      time.Time
}

// WalletHistory aggregates a wallet's transactions per hour
type WalletHistory struct {
	Address     string    `gorm:"primaryKey;size:128"`
	BucketStart time.Time `gorm:"primaryKey"`
	Earned      int64     `gorm:"not null;default:0"`
	Balance     int64     `gorm:"not null;default:0"`
	LastLT      int64     `gorm:"column:last_lt;not null;default:0"`
	TxCount     int       `gorm:"not null;default:0"`
}

func (WalletHistory) TableName() string { return "wallet_history" }

// TrafficHistory is one provider's network traffic for one day
type TrafficHistory struct {
	ProviderPubkey string    `gorm:"primaryKey;size:64"`
	Day            time.Time `gorm:"primaryKey"`
	TrafficIn      int64     `gorm:"not null;default:0"`
	TrafficOut     int64     `gorm:"not null;default:0"`
	LastBytesRecv  int64     `gorm:"not null;default:0"`
	LastBytesSent  int64     `gorm:"not null;default:0"`
	UpdatedAt      time.Time
}

func (TrafficHistory) TableName() string { return "traffic_history" }

// StorageHistory is one provider's used space growth for one day
type StorageHistory struct {
	ProviderPubkey    string    `gorm:"primaryKey;size:64"`
	Day               time.Time `gorm:"primaryKey"`
	UsedProviderSpace float64   `gorm:"not null;default:0"`
	UsedDailySpace    float64   `gorm:"not null;default:0"`
	UpdatedAt         time.Time
}

func (StorageHistory) TableName() string { return "storage_history" }

// MonthlyReportRun marks a month whose report was delivered
type MonthlyReportRun struct {
	Month      string `gorm:"primaryKey;size:7"`
	Recipients int
	SentAt     time.Time
}
