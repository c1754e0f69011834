package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storagewatch/storagewatch/internal/ledger"
)

// SyncWallets makes sure every provider address has a wallet row and returns all wallets
func (s *Store) SyncWallets(ctx context.Context) ([]Wallet, error) {
	var wallets []Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var providers []Provider
		if err := tx.Select("pubkey", "address").Where("address <> ''").Find(&providers).Error; err != nil {
			return fmt.Errorf("list provider addresses: %w", err)
		}
		if len(providers) > 0 {
			rows := make([]Wallet, len(providers))
			for i, p := range providers {
				rows[i] = Wallet{Address: p.Address, ProviderPubkey: p.Pubkey}
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, batchSize).Error; err != nil {
				return fmt.Errorf("create wallets: %w", err)
			}
		}
		return tx.Order("address").Find(&wallets).Error
	})
	return wallets, err
}

// Wallet returns one wallet by address
func (s *Store) Wallet(ctx context.Context, address string) (Wallet, error) {
	var w Wallet
	if err := s.db.WithContext(ctx).Where("address = ?", address).First(&w).Error; err != nil {
		return w, notFound(err)
	}
	return w, nil
}

// ApplyWalletBuckets folds new transaction buckets into the wallet history and
// advances the wallet cursor, all or nothing. A bucket that already exists
// accumulates earned and takes the new running balance and cursor.
func (s *Store) ApplyWalletBuckets(ctx context.Context, address string, buckets []ledger.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w Wallet
		if err := tx.Where("address = ?", address).First(&w).Error; err != nil {
			return fmt.Errorf("load wallet %s: %w", address, notFound(err))
		}

		for _, b := range buckets {
			w.Balance += b.Metrics.Balance()
			w.Earned += b.Metrics.Earned()
			if b.LastLT > w.LastLT {
				w.LastLT = b.LastLT
			}

			start := b.Start.UTC()
			var h WalletHistory
			err := tx.Where("address = ? AND bucket_start = ?", address, start).First(&h).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				h = WalletHistory{
					Address:     address,
					BucketStart: start,
					Earned:      b.Metrics.Earned(),
					Balance:     w.Balance,
					LastLT:      b.LastLT,
					TxCount:     b.Count,
				}
				if err := tx.Create(&h).Error; err != nil {
					return fmt.Errorf("create wallet history: %w", err)
				}
			case err != nil:
				return err
			default:
				if err := tx.Model(&WalletHistory{}).
					Where("address = ? AND bucket_start = ?", address, start).
					Updates(map[string]interface{}{
						"earned":   h.Earned + b.Metrics.Earned(),
						"balance":  w.Balance,
						"last_lt":  b.LastLT,
						"tx_count": h.TxCount + b.Count,
					}).Error; err != nil {
					return fmt.Errorf("update wallet history: %w", err)
				}
			}
		}

		w.UpdatedAt = time.Now().UTC()
		return tx.Save(&w).Error
	})
}

// WalletHistoryRows returns a wallet's buckets in [from, to)
func (s *Store) WalletHistoryRows(ctx context.Context, address string, from, to time.Time) ([]WalletHistory, error) {
	var rows []WalletHistory
	err := s.db.WithContext(ctx).
		Where("address = ? AND bucket_start >= ? AND bucket_start < ?", address, from.UTC(), to.UTC()).
		Order("bucket_start").Find(&rows).Error
	return rows, err
}

// RecordTraffic folds the cumulative byte counters of one reading into the
// provider's row for day. The first reading of a day only seeds the counters.
func (s *Store) RecordTraffic(ctx context.Context, pubkey string, day time.Time, recv, sent int64) error {
	day = day.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row TrafficHistory
		err := tx.Where("provider_pubkey = ? AND day = ?", pubkey, day).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = TrafficHistory{ProviderPubkey: pubkey, Day: day, LastBytesRecv: recv, LastBytesSent: sent}
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}

		return tx.Model(&TrafficHistory{}).
			Where("provider_pubkey = ? AND day = ?", pubkey, day).
			Updates(map[string]interface{}{
				"traffic_in":      row.TrafficIn + ledger.CounterDelta(row.LastBytesRecv, recv),
				"traffic_out":     row.TrafficOut + ledger.CounterDelta(row.LastBytesSent, sent),
				"last_bytes_recv": recv,
				"last_bytes_sent": sent,
			}).Error
	})
}

// TrafficDay returns the traffic row of pubkey for day
func (s *Store) TrafficDay(ctx context.Context, pubkey string, day time.Time) (TrafficHistory, error) {
	var row TrafficHistory
	err := s.db.WithContext(ctx).Where("provider_pubkey = ? AND day = ?", pubkey, day.UTC()).First(&row).Error
	return row, notFound(err)
}

// RecordStorage folds a used space reading into the provider's row for day.
// A new day starts from the growth since the last reading of an earlier day.
// The first reading ever seen for a provider records no growth.
func (s *Store) RecordStorage(ctx context.Context, pubkey string, day time.Time, used float64) error {
	day = day.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row StorageHistory
		err := tx.Where("provider_pubkey = ? AND day = ?", pubkey, day).First(&row).Error
		if err == nil {
			return tx.Model(&StorageHistory{}).
				Where("provider_pubkey = ? AND day = ?", pubkey, day).
				Updates(map[string]interface{}{
					"used_daily_space":    row.UsedDailySpace + ledger.StorageIncrement(row.UsedProviderSpace, used),
					"used_provider_space": used,
				}).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		row = StorageHistory{ProviderPubkey: pubkey, Day: day, UsedProviderSpace: used}
		var prev StorageHistory
		err = tx.Where("provider_pubkey = ? AND day < ?", pubkey, day).Order("day DESC").First(&prev).Error
		switch {
		case err == nil:
			row.UsedDailySpace = ledger.StorageIncrement(prev.UsedProviderSpace, used)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Create(&row).Error
	})
}

// StorageDay returns the storage row of pubkey for day
func (s *Store) StorageDay(ctx context.Context, pubkey string, day time.Time) (StorageHistory, error) {
	var row StorageHistory
	err := s.db.WithContext(ctx).Where("provider_pubkey = ? AND day = ?", pubkey, day.UTC()).First(&row).Error
	return row, notFound(err)
}

// ProviderTotals is one provider's activity over a period
type ProviderTotals struct {
	Earned        int64
	TrafficIn     int64
	TrafficOut    int64
	StorageGrowth float64
}

// PeriodTotals sums wallet earnings, traffic and storage growth of a provider in [from, to)
func (s *Store) PeriodTotals(ctx context.Context, pubkey string, from, to time.Time) (ProviderTotals, error) {
	var t ProviderTotals
	db := s.db.WithContext(ctx)
	from, to = from.UTC(), to.UTC()

	err := db.Model(&WalletHistory{}).
		Select("COALESCE(SUM(wallet_history.earned), 0)").
		Joins("JOIN wallets ON wallets.address = wallet_history.address").
		Where("wallets.provider_pubkey = ? AND wallet_history.bucket_start >= ? AND wallet_history.bucket_start < ?", pubkey, from, to).
		Scan(&t.Earned).Error
	if err != nil {
		return t, fmt.Errorf("sum earnings: %w", err)
	}

	var traffic struct {
		In  int64
		Out int64
	}
	err = db.Model(&TrafficHistory{}).
		Select("COALESCE(SUM(traffic_in), 0) AS \"in\", COALESCE(SUM(traffic_out), 0) AS \"out\"").
		Where("provider_pubkey = ? AND day >= ? AND day < ?", pubkey, from, to).
		Scan(&traffic).Error
	if err != nil {
		return t, fmt.Errorf("sum traffic: %w", err)
	}
	t.TrafficIn, t.TrafficOut = traffic.In, traffic.Out

	err = db.Model(&StorageHistory{}).
		Select("COALESCE(SUM(used_daily_space), 0)").
		Where("provider_pubkey = ? AND day >= ? AND day < ?", pubkey, from, to).
		Scan(&t.StorageGrowth).Error
	if err != nil {
		return t, fmt.Errorf("sum storage: %w", err)
	}
	return t, nil
}

// ReportSent reports whether the report for month was already delivered
func (s *Store) ReportSent(ctx context.Context, month string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&MonthlyReportRun{}).Where("month = ?", month).Count(&count).Error
	return count > 0, err
}

// MarkReportSent records delivery of the report for month
func (s *Store) MarkReportSent(ctx context.Context, month string, recipients int, at time.Time) error {
	run := MonthlyReportRun{Month: month, Recipients: recipients, SentAt: at.UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&run).Error
}
