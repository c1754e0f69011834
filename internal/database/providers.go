package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storagewatch/storagewatch/internal/alerts"
	"github.com/storagewatch/storagewatch/internal/models"
)

const batchSize = 100

// SyncMinute is the history stamp for a sync that happened at t
func SyncMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// UpsertProviders overwrites the current provider rows and appends a history
// snapshot stamped at the sync minute, in one transaction.
func (s *Store) UpsertProviders(ctx context.Context, providers []models.Provider, syncedAt time.Time) error {
	if len(providers) == 0 {
		return nil
	}
	stamp := SyncMinute(syncedAt)

	current := make([]Provider, 0, len(providers))
	history := make([]ProviderHistory, 0, len(providers))
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		p.Pubkey = models.NormalizePubkey(p.Pubkey)
		if p.Pubkey == "" || seen[p.Pubkey] {
			continue
		}
		seen[p.Pubkey] = true
		current = append(current, Provider{Provider: p, UpdatedAt: stamp})
		history = append(history, ProviderHistory{Provider: p, ArchivedAt: stamp})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pubkey"}},
			UpdateAll: true,
		}).CreateInBatches(&current, batchSize).Error; err != nil {
			return fmt.Errorf("upsert providers: %w", err)
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&history, batchSize).Error; err != nil {
			return fmt.Errorf("append providers history: %w", err)
		}
		return nil
	})
}

// Providers returns all current providers ordered by pubkey
func (s *Store) Providers(ctx context.Context) ([]models.Provider, error) {
	var rows []Provider
	if err := s.db.WithContext(ctx).Order("pubkey").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Provider, len(rows))
	for i, r := range rows {
		out[i] = r.Provider
	}
	return out, nil
}

// Provider returns one current provider by pubkey
func (s *Store) Provider(ctx context.Context, pubkey string) (models.Provider, error) {
	var row Provider
	err := s.db.WithContext(ctx).Where("pubkey = ?", models.NormalizePubkey(pubkey)).First(&row).Error
	if err != nil {
		return models.Provider{}, notFound(err)
	}
	return row.Provider, nil
}

// CurrentTelemetry is a stored snapshot with the sync minute that wrote it
type CurrentTelemetry struct {
	Snapshot models.Telemetry
	SyncedAt time.Time
}

// TelemetrySnapshots returns the current snapshot of every provider keyed by pubkey
func (s *Store) TelemetrySnapshots(ctx context.Context) (map[string]CurrentTelemetry, error) {
	var rows []Telemetry
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]CurrentTelemetry, len(rows))
	for _, r := range rows {
		out[r.Pubkey] = CurrentTelemetry{Snapshot: r.Telemetry, SyncedAt: r.UpdatedAt}
	}
	return out, nil
}

// TelemetryResult counts what ReplaceTelemetry changed
type TelemetryResult struct {
	Stored  int
	Skipped int
	Removed int
}

// ReplaceTelemetry stores the batch as the current telemetry of known providers,
// archives it at the sync minute and removes rows of providers absent from the
// batch. Provider rows are never touched.
func (s *Store) ReplaceTelemetry(ctx context.Context, batch []models.Telemetry, syncedAt time.Time) (TelemetryResult, error) {
	var res TelemetryResult
	stamp := SyncMinute(syncedAt)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var known []string
		if err := tx.Model(&Provider{}).Pluck("pubkey", &known).Error; err != nil {
			return fmt.Errorf("list providers: %w", err)
		}
		isKnown := make(map[string]bool, len(known))
		for _, k := range known {
			isKnown[k] = true
		}

		current := make([]Telemetry, 0, len(batch))
		history := make([]TelemetryHistory, 0, len(batch))
		keep := make([]string, 0, len(batch))
		seen := make(map[string]bool, len(batch))
		for _, t := range batch {
			pubkey := t.ProviderPubkey()
			if !isKnown[pubkey] || seen[pubkey] {
				res.Skipped++
				continue
			}
			seen[pubkey] = true
			keep = append(keep, pubkey)
			current = append(current, Telemetry{Pubkey: pubkey, Telemetry: t, UpdatedAt: stamp})
			history = append(history, TelemetryHistory{Pubkey: pubkey, Telemetry: t, ArchivedAt: stamp})
		}

		if len(current) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "pubkey"}},
				UpdateAll: true,
			}).CreateInBatches(&current, batchSize).Error; err != nil {
				return fmt.Errorf("upsert telemetry: %w", err)
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&history, batchSize).Error; err != nil {
				return fmt.Errorf("append telemetry history: %w", err)
			}
		}

		del := tx.Model(&Telemetry{})
		if len(keep) > 0 {
			del = del.Where("pubkey NOT IN ?", keep)
		} else {
			del = del.Where("1 = 1")
		}
		result := del.Delete(&Telemetry{})
		if result.Error != nil {
			return fmt.Errorf("remove stale telemetry: %w", result.Error)
		}

		res.Stored = len(current)
		res.Removed = int(result.RowsAffected)
		return nil
	})
	return res, err
}

// PreviousTelemetry returns the newest archived snapshot strictly older than before
func (s *Store) PreviousTelemetry(ctx context.Context, pubkey string, before time.Time) (*models.Telemetry, error) {
	var row TelemetryHistory
	err := s.db.WithContext(ctx).
		Where("pubkey = ? AND archived_at < ?", pubkey, before.UTC()).
		Order("archived_at DESC").
		First(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &row.Telemetry, nil
}

// Observations pairs every provider that has telemetry with its current and
// previous snapshot. The previous snapshot is the one archived by the sync
// before the current row was written.
func (s *Store) Observations(ctx context.Context) ([]alerts.Observation, error) {
	var rows []Telemetry
	if err := s.db.WithContext(ctx).Order("pubkey").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load telemetry: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	pubkeys := make([]string, len(rows))
	for i, r := range rows {
		pubkeys[i] = r.Pubkey
	}
	var providers []Provider
	if err := s.db.WithContext(ctx).Where("pubkey IN ?", pubkeys).Find(&providers).Error; err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	byKey := make(map[string]models.Provider, len(providers))
	for _, p := range providers {
		byKey[p.Pubkey] = p.Provider
	}

	out := make([]alerts.Observation, 0, len(rows))
	for _, r := range rows {
		p, ok := byKey[r.Pubkey]
		if !ok {
			continue
		}
		prev, err := s.PreviousTelemetry(ctx, r.Pubkey, r.UpdatedAt)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("previous telemetry of %s: %w", r.Pubkey, err)
		}
		out = append(out, alerts.Observation{
			Provider:  p,
			Current:   r.Telemetry,
			CurrentAt: r.UpdatedAt,
			Previous:  prev,
		})
	}
	return out, nil
}
