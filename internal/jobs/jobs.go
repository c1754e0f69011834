package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/storagewatch/storagewatch/internal/alerts"
	"github.com/storagewatch/storagewatch/internal/config"
	"github.com/storagewatch/storagewatch/internal/database"
	"github.com/storagewatch/storagewatch/internal/ledger"
	"github.com/storagewatch/storagewatch/internal/metrics"
	"github.com/storagewatch/storagewatch/internal/models"
	"github.com/storagewatch/storagewatch/internal/registry"
	"github.com/storagewatch/storagewatch/internal/toncenter"
	"github.com/storagewatch/storagewatch/internal/utils"
)

const (
	walletBucket = time.Hour
	day          = 24 * time.Hour
	reportHour   = 12

	// telemetry reports provider space in gigabytes
	bytesPerGB = 1_000_000_000
)

// Registry is the provider registry as the sync jobs use it
type Registry interface {
	registry.Searcher
	Telemetry(ctx context.Context) ([]models.Telemetry, error)
}

// SnapshotWriter keeps the snapshot a telemetry sync is about to overwrite
type SnapshotWriter interface {
	Put(ctx context.Context, pubkey string, syncedAt time.Time, prev models.Telemetry) error
}

// Deps are the collaborators the jobs run against
type Deps struct {
	Store     *database.Store
	Registry  Registry
	Indexer   toncenter.Lister
	Alerts    *alerts.Manager
	Snapshots SnapshotWriter // optional
	Location  *time.Location
	PageSize  int
	Now       func() time.Time
}

// Jobs implements the periodic pipeline steps
type Jobs struct {
	deps Deps
}

// New creates the job set
func New(deps Deps) *Jobs {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.PageSize <= 0 {
		deps.PageSize = registry.DefaultPageSize
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Jobs{deps: deps}
}

// Register adds every job to s using the given schedules
func (j *Jobs) Register(s *Scheduler, schedules map[string]config.JobSchedule) {
	funcs := map[string]Func{
		config.JobSyncProviders:  j.SyncProviders,
		config.JobSyncTelemetry:  j.SyncTelemetry,
		config.JobDispatchAlerts: j.DispatchAlerts,
		config.JobSyncWallets:    j.SyncWallets,
		config.JobMonitorTraffic: j.MonitorTraffic,
		config.JobMonitorStorage: j.MonitorStorage,
		config.JobMonthlyReport:  j.MonthlyReport,
	}
	for name, fn := range funcs {
		sched, ok := schedules[name]
		if !ok {
			sched = config.DefaultJobs()[name]
		}
		s.Register(name, sched.Interval, sched.Jitter, fn)
	}
}

// SyncProviders refreshes the provider table from the registry. A failed page
// aborts the run and leaves the stored providers untouched.
func (j *Jobs) SyncProviders(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	providers, err := registry.ListAll(ctx, j.deps.Registry, j.deps.PageSize)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	if err := j.deps.Store.UpsertProviders(ctx, providers, j.deps.Now()); err != nil {
		return fmt.Errorf("store providers: %w", err)
	}

	metrics.ProvidersSynced.Set(float64(len(providers)))
	logger.Info().Int("providers", len(providers)).Msg("Providers synced")
	return nil
}

// SyncTelemetry replaces the current telemetry with the registry's latest batch.
// The snapshot being overwritten goes to the side cache first.
func (j *Jobs) SyncTelemetry(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	now := j.deps.Now()
	stamp := database.SyncMinute(now)

	batch, err := j.deps.Registry.Telemetry(ctx)
	if err != nil {
		return fmt.Errorf("fetch telemetry: %w", err)
	}

	if j.deps.Snapshots != nil {
		current, err := j.deps.Store.TelemetrySnapshots(ctx)
		if err != nil {
			return fmt.Errorf("load current telemetry: %w", err)
		}
		for _, t := range batch {
			pubkey := t.ProviderPubkey()
			cur, ok := current[pubkey]
			if !ok || !cur.SyncedAt.Before(stamp) {
				continue
			}
			if err := j.deps.Snapshots.Put(ctx, pubkey, stamp, cur.Snapshot); err != nil {
				logger.Warn().Err(err).Str("provider", pubkey).Msg("Failed to cache previous snapshot")
			}
		}
	}

	res, err := j.deps.Store.ReplaceTelemetry(ctx, batch, now)
	if err != nil {
		return fmt.Errorf("store telemetry: %w", err)
	}
	logger.Info().
		Int("stored", res.Stored).
		Int("skipped", res.Skipped).
		Int("removed", res.Removed).
		Msg("Telemetry synced")
	return nil
}

// DispatchAlerts runs detection and notification for all subscribed users
func (j *Jobs) DispatchAlerts(ctx context.Context) error {
	sum, err := j.deps.Alerts.Dispatch(ctx)
	zerolog.Ctx(ctx).Info().
		Int("providers", sum.Providers).
		Int("users", sum.Users).
		Int("detected", sum.Detected).
		Int("resolved", sum.Resolved).
		Int("restarts", sum.Restarts).
		Int("notify_failed", sum.NotifyFailed).
		Msg("Alerts dispatched")
	return err
}

// SyncWallets pulls new transactions for every provider wallet. A failing
// wallet is logged and counted but does not stop the others.
func (j *Jobs) SyncWallets(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	wallets, err := j.deps.Store.SyncWallets(ctx)
	if err != nil {
		return fmt.Errorf("load wallets: %w", err)
	}

	var errs []error
	synced := 0
	for _, w := range wallets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := j.syncWallet(ctx, w)
		if err != nil {
			metrics.WalletSyncFailuresTotal.Inc()
			logger.Error().Err(err).
				Str("provider", w.ProviderPubkey).
				Str("address", w.Address).
				Msg("Wallet sync failed")
			errs = append(errs, fmt.Errorf("wallet %s: %w", w.Address, err))
			continue
		}
		if n > 0 {
			synced++
			logger.Debug().Str("address", w.Address).Int("transactions", n).Msg("Wallet updated")
		}
	}

	logger.Info().Int("wallets", len(wallets)).Int("updated", synced).Int("failed", len(errs)).Msg("Wallets synced")
	return errors.Join(errs...)
}

func (j *Jobs) syncWallet(ctx context.Context, w database.Wallet) (int, error) {
	txs, err := toncenter.CollectSince(ctx, j.deps.Indexer, w.Address, w.LastLT)
	if err != nil {
		return 0, err
	}
	if len(txs) == 0 {
		return 0, nil
	}
	buckets := ledger.GroupByBucket(txs, walletBucket, j.deps.Location)
	if err := j.deps.Store.ApplyWalletBuckets(ctx, w.Address, buckets); err != nil {
		return 0, err
	}
	return len(txs), nil
}

// MonitorTraffic records the day's inbound and outbound traffic from the
// providers' cumulative byte counters.
func (j *Jobs) MonitorTraffic(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	today := ledger.BucketStart(j.deps.Now().In(j.deps.Location), day)

	snaps, err := j.deps.Store.TelemetrySnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load telemetry: %w", err)
	}

	recorded := 0
	for pubkey, cur := range snaps {
		recv, sent := cur.Snapshot.BytesRecv, cur.Snapshot.BytesSent
		if recv == nil || sent == nil {
			logger.Debug().Str("provider", pubkey).Msg("No traffic counters in telemetry")
			continue
		}
		if err := j.deps.Store.RecordTraffic(ctx, pubkey, today, *recv, *sent); err != nil {
			return fmt.Errorf("record traffic for %s: %w", pubkey, err)
		}
		recorded++
	}

	logger.Info().Int("providers", recorded).Msg("Traffic recorded")
	return nil
}

// MonitorStorage records how much provider space grew today
func (j *Jobs) MonitorStorage(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	today := ledger.BucketStart(j.deps.Now().In(j.deps.Location), day)

	snaps, err := j.deps.Store.TelemetrySnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load telemetry: %w", err)
	}

	recorded := 0
	for pubkey, cur := range snaps {
		used := cur.Snapshot.Storage.Provider.UsedProviderSpace
		if used == nil {
			logger.Debug().Str("provider", pubkey).Msg("No used space in telemetry")
			continue
		}
		if err := j.deps.Store.RecordStorage(ctx, pubkey, today, *used); err != nil {
			return fmt.Errorf("record storage for %s: %w", pubkey, err)
		}
		recorded++
	}

	logger.Info().Int("providers", recorded).Msg("Storage recorded")
	return nil
}

// MonthlyReport sends last month's totals once, on the first day of the
// month from noon local time onward.
func (j *Jobs) MonthlyReport(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	now := j.deps.Now().In(j.deps.Location)
	if now.Day() != 1 || now.Hour() < reportHour {
		return nil
	}

	to := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, j.deps.Location)
	from := to.AddDate(0, -1, 0)
	month := from.Format("2006-01")

	sent, err := j.deps.Store.ReportSent(ctx, month)
	if err != nil {
		return fmt.Errorf("check report marker: %w", err)
	}
	if sent {
		return nil
	}

	recipients, err := j.deps.Store.AllRecipients(ctx)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}

	var errs []error
	delivered := 0
	for _, r := range recipients {
		if !r.Enabled.Has(alerts.MonthlyReport) {
			continue
		}
		digest, err := j.digest(ctx, r.UserID, month, from, to)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(digest.Providers) == 0 {
			continue
		}
		if err := j.deps.Alerts.SendMonthlyReport(ctx, r, digest); err != nil {
			logger.Warn().Err(err).Uint("user_id", r.UserID).Msg("Failed to send monthly report")
			errs = append(errs, err)
			continue
		}
		delivered++
	}

	if err := j.deps.Store.MarkReportSent(ctx, month, delivered, now); err != nil {
		errs = append(errs, fmt.Errorf("mark report sent: %w", err))
	}
	logger.Info().Str("month", month).Int("recipients", delivered).Msg("Monthly report sent")
	return errors.Join(errs...)
}

func (j *Jobs) digest(ctx context.Context, userID uint, month string, from, to time.Time) (alerts.MonthlyDigest, error) {
	digest := alerts.MonthlyDigest{Month: month}

	pubkeys, err := j.deps.Store.Subscriptions(ctx, userID)
	if err != nil {
		return digest, fmt.Errorf("load subscriptions of user %d: %w", userID, err)
	}
	for _, pubkey := range pubkeys {
		totals, err := j.deps.Store.PeriodTotals(ctx, pubkey, from, to)
		if err != nil {
			return digest, fmt.Errorf("totals for %s: %w", pubkey, err)
		}
		digest.Providers = append(digest.Providers, alerts.ProviderReport{
			Provider:      pubkey,
			Short:         alerts.ShortKey(pubkey),
			Earned:        utils.FormatTON(totals.Earned),
			StorageGrowth: utils.FormatBytes(totals.StorageGrowth * bytesPerGB),
			TrafficIn:     utils.FormatBytes(float64(totals.TrafficIn)),
			TrafficOut:    utils.FormatBytes(float64(totals.TrafficOut)),
		})
	}
	return digest, nil
}
