package database

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storagewatch/storagewatch/internal/alerts"
	"github.com/storagewatch/storagewatch/internal/models"
)

// DefaultTelemetrySalt prefixes telemetry passwords before hashing
const DefaultTelemetrySalt = "https://mytonprovider.org/api/v1/providers"

// ErrWrongPassword is returned when a subscription password does not match
var ErrWrongPassword = errors.New("wrong telemetry password")

// TelemetryPasswordHash is the digest provider agents publish as telemetry_pass
func TelemetryPasswordHash(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// EnsureUser returns the user for chatID, creating it with every alert kind
// enabled on first contact.
func (s *Store) EnsureUser(ctx context.Context, chatID, username, language string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("chat_id = ?", chatID).First(&user).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if language == "" {
			language = "en"
		}
		user = User{ChatID: chatID, Username: username, LanguageCode: language, State: UserStateMember}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("create user: %w", err)
		}

		kinds := make([]string, len(alerts.AllKinds))
		for i, k := range alerts.AllKinds {
			kinds[i] = string(k)
		}
		settings := UserAlertSettings{UserID: user.ID, Enabled: true, Kinds: kinds, Thresholds: JSONMap{}}
		if err := tx.Create(&settings).Error; err != nil {
			return fmt.Errorf("create alert settings: %w", err)
		}
		return nil
	})
	return user, err
}

// UserByChatID returns the user registered for chatID
func (s *Store) UserByChatID(ctx context.Context, chatID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&user).Error
	return user, notFound(err)
}

// SetUserState records the chat membership state (member, kicked, left)
func (s *Store) SetUserState(ctx context.Context, userID uint, state string) error {
	return s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("state", state).Error
}

// AlertSettings returns a user's alert settings
func (s *Store) AlertSettings(ctx context.Context, userID uint) (UserAlertSettings, error) {
	var settings UserAlertSettings
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error; err != nil {
		return settings, notFound(err)
	}
	return settings, nil
}

// SaveAlertSettings overwrites a user's alert settings
func (s *Store) SaveAlertSettings(ctx context.Context, settings UserAlertSettings) error {
	return s.db.WithContext(ctx).Save(&settings).Error
}

// UpdateAlertSettings loads a user's settings, applies fn and saves the result
// in one transaction. An error from fn leaves the stored settings unchanged.
func (s *Store) UpdateAlertSettings(ctx context.Context, userID uint, fn func(*UserAlertSettings) error) error {
	return s.WithTx(ctx, func(tx *Store) error {
		settings, err := tx.AlertSettings(ctx, userID)
		if err != nil {
			return err
		}
		if err := fn(&settings); err != nil {
			return err
		}
		return tx.SaveAlertSettings(ctx, settings)
	})
}

// Subscribe links a user to a provider. When the provider publishes a
// telemetry password hash, password must match it.
func (s *Store) Subscribe(ctx context.Context, userID uint, pubkey, password, salt string) error {
	pubkey = models.NormalizePubkey(pubkey)
	if _, err := s.Provider(ctx, pubkey); err != nil {
		return err
	}

	var tel Telemetry
	err := s.db.WithContext(ctx).Select("pubkey", "telemetry_pass").Where("pubkey = ?", pubkey).First(&tel).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if tel.TelemetryPass != nil && *tel.TelemetryPass != "" {
		if TelemetryPasswordHash(salt, password) != *tel.TelemetryPass {
			return ErrWrongPassword
		}
	}

	sub := UserSubscription{UserID: userID, ProviderPubkey: pubkey}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&sub).Error
}

// Unsubscribe removes the link and any active alerts it carried
func (s *Store) Unsubscribe(ctx context.Context, userID uint, pubkey string) error {
	pubkey = models.NormalizePubkey(pubkey)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND provider_pubkey = ?", userID, pubkey).Delete(&UserSubscription{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND provider_pubkey = ?", userID, pubkey).Delete(&UserActiveAlert{}).Error
	})
}

// Subscriptions returns the pubkeys a user follows
func (s *Store) Subscriptions(ctx context.Context, userID uint) ([]string, error) {
	var pubkeys []string
	err := s.db.WithContext(ctx).Model(&UserSubscription{}).
		Where("user_id = ?", userID).Order("provider_pubkey").
		Pluck("provider_pubkey", &pubkeys).Error
	return pubkeys, err
}

type recipientRow struct {
	UserID       uint
	ChatID       string
	LanguageCode string
	Kinds        string
	Thresholds   string
}

func (r recipientRow) toRecipient() alerts.Recipient {
	var kinds []string
	if r.Kinds != "" {
		if err := json.Unmarshal([]byte(r.Kinds), &kinds); err != nil {
			log.Warn().Err(err).Uint("user_id", r.UserID).Msg("Unreadable alert kinds, treating as none enabled")
		}
	}
	var overrides map[string]any
	if r.Thresholds != "" {
		if err := json.Unmarshal([]byte(r.Thresholds), &overrides); err != nil {
			log.Warn().Err(err).Uint("user_id", r.UserID).Msg("Unreadable threshold overrides, using defaults")
		}
	}
	return alerts.Recipient{
		UserID:    r.UserID,
		ChatID:    r.ChatID,
		Language:  r.LanguageCode,
		Enabled:   alerts.ParseKindSet(kinds),
		Overrides: overrides,
	}
}

func (s *Store) recipientQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("users").
		Select("users.id AS user_id, users.chat_id, users.language_code, user_alert_settings.kinds, user_alert_settings.thresholds").
		Joins("JOIN user_alert_settings ON user_alert_settings.user_id = users.id").
		Where("users.state = ? AND user_alert_settings.enabled = ?", UserStateMember, true)
}

// Recipients returns member users with alerts on who subscribe to pubkey
func (s *Store) Recipients(ctx context.Context, pubkey string) ([]alerts.Recipient, error) {
	var rows []recipientRow
	err := s.recipientQuery(ctx).
		Joins("JOIN user_subscriptions ON user_subscriptions.user_id = users.id").
		Where("user_subscriptions.provider_pubkey = ?", pubkey).
		Order("users.id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]alerts.Recipient, len(rows))
	for i, r := range rows {
		out[i] = r.toRecipient()
	}
	return out, nil
}

// AllRecipients returns every member user with alerts on
func (s *Store) AllRecipients(ctx context.Context) ([]alerts.Recipient, error) {
	var rows []recipientRow
	if err := s.recipientQuery(ctx).Order("users.id").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]alerts.Recipient, len(rows))
	for i, r := range rows {
		out[i] = r.toRecipient()
	}
	return out, nil
}

// ActiveAlerts returns the level kinds currently detected for (user, provider)
func (s *Store) ActiveAlerts(ctx context.Context, userID uint, pubkey string) ([]alerts.Kind, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&UserActiveAlert{}).
		Where("user_id = ? AND provider_pubkey = ?", userID, pubkey).
		Pluck("kind", &names).Error
	if err != nil {
		return nil, err
	}
	kinds := make([]alerts.Kind, 0, len(names))
	for _, n := range names {
		if k, ok := alerts.ParseKind(n); ok {
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

// CreateActiveAlert records a detected alert. An existing record is kept as is.
func (s *Store) CreateActiveAlert(ctx context.Context, userID uint, pubkey string, kind alerts.Kind, at time.Time) error {
	row := UserActiveAlert{UserID: userID, ProviderPubkey: pubkey, Kind: string(kind), DetectedAt: at.UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// RestartCheckedAt returns the snapshot time restart detection last ran on for
// pubkey, or the zero time if it never did.
func (s *Store) RestartCheckedAt(ctx context.Context, pubkey string) (time.Time, error) {
	var row RestartCheck
	err := s.db.WithContext(ctx).Where("provider_pubkey = ?", pubkey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return row.CurrentAt, nil
}

// MarkRestartChecked records that restart detection ran on the snapshot taken at currentAt
func (s *Store) MarkRestartChecked(ctx context.Context, pubkey string, currentAt time.Time) error {
	row := RestartCheck{ProviderPubkey: pubkey, CurrentAt: currentAt.UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_pubkey"}},
		DoUpdates: clause.AssignmentColumns([]string{"current_at"}),
	}).Create(&row).Error
}

// DeleteActiveAlert removes a resolved alert record
func (s *Store) DeleteActiveAlert(ctx context.Context, userID uint, pubkey string, kind alerts.Kind) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND provider_pubkey = ? AND kind = ?", userID, pubkey, string(kind)).
		Delete(&UserActiveAlert{}).Error
}
