package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/storagewatch/storagewatch/internal/alerts"
	"github.com/storagewatch/storagewatch/internal/ledger"
	"github.com/storagewatch/storagewatch/internal/models"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewStore(db)
}

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }
func strp(v string) *string  { return &v }

func snapshot(pubkey string, uptime int64) models.Telemetry {
	return models.Telemetry{
		Storage:   models.StorageInfo{ServiceUptime: i64(uptime), Provider: models.ProviderSpace{Pubkey: pubkey}},
		RAM:       &models.RAMInfo{UsagePercent: f64(50)},
		Timestamp: i64(uptime),
	}
}

func TestJSONMap_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		wantErr bool
	}{
		{"nil value", nil, false},
		{"bytes", []byte(`{"cpu_high": 80}`), false},
		{"string", `{"cpu_high": 80}`, false},
		{"invalid JSON", []byte(`not json`), true},
		{"wrong type", 42, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j JSONMap
			err := j.Scan(tt.input)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}

	var nilMap JSONMap
	v, err := nilMap.Value()
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestUpsertProviders(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	syncedAt := time.Date(2024, 5, 1, 10, 0, 42, 0, time.UTC)

	require.NoError(t, s.UpsertProviders(ctx, []models.Provider{
		{Pubkey: "AAA", Address: "addr-a", Rating: 1},
		{Pubkey: "bbb", Address: "addr-b"},
		{Pubkey: "aaa", Address: "dup"},
	}, syncedAt))
	require.NoError(t, s.UpsertProviders(ctx, []models.Provider{{Pubkey: "aaa", Address: "addr-a2", Rating: 5}}, syncedAt.Add(time.Minute)))

	providers, err := s.Providers(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "aaa", providers[0].Pubkey)
	assert.Equal(t, "addr-a2", providers[0].Address)
	assert.Equal(t, 5.0, providers[0].Rating)

	var history []ProviderHistory
	require.NoError(t, s.DB().Where("pubkey = ?", "aaa").Order("archived_at").Find(&history).Error)
	require.Len(t, history, 2)
	assert.True(t, history[0].ArchivedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	_, err = s.Provider(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceTelemetry(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertProviders(ctx, []models.Provider{{Pubkey: "aaa"}, {Pubkey: "bbb"}}, t0))

	res, err := s.ReplaceTelemetry(ctx, []models.Telemetry{snapshot("AAA", 3000), snapshot("bbb", 10), snapshot("zzz", 1)}, t0)
	require.NoError(t, err)
	assert.Equal(t, TelemetryResult{Stored: 2, Skipped: 1}, res)

	res, err = s.ReplaceTelemetry(ctx, []models.Telemetry{snapshot("aaa", 1200)}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	snaps, err := s.TelemetrySnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1200), *snaps["aaa"].Snapshot.Storage.ServiceUptime)

	providers, err := s.Providers(ctx)
	require.NoError(t, err)
	assert.Len(t, providers, 2, "provider identity survives telemetry removal")

	obs, err := s.Observations(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "aaa", obs[0].Provider.Pubkey)
	require.NotNil(t, obs[0].Previous)
	assert.Equal(t, int64(3000), *obs[0].Previous.Storage.ServiceUptime)
	assert.Equal(t, int64(1200), *obs[0].Current.Storage.ServiceUptime)
}

func TestObservations_NoPreviousOnFirstSync(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertProviders(ctx, []models.Provider{{Pubkey: "aaa"}}, t0))
	_, err := s.ReplaceTelemetry(ctx, []models.Telemetry{snapshot("aaa", 5)}, t0)
	require.NoError(t, err)

	obs, err := s.Observations(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Nil(t, obs[0].Previous)
}

func TestActiveAlerts_AtMostOne(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	now := time.Now()

	require.NoError(t, s.CreateActiveAlert(ctx, 1, "aaa", alerts.RAMHigh, now))
	require.NoError(t, s.CreateActiveAlert(ctx, 1, "aaa", alerts.RAMHigh, now.Add(time.Minute)))
	require.NoError(t, s.CreateActiveAlert(ctx, 1, "aaa", alerts.CPUHigh, now))

	var count int64
	require.NoError(t, s.DB().Model(&UserActiveAlert{}).Where("kind = ?", "ram_high").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	kinds, err := s.ActiveAlerts(ctx, 1, "aaa")
	require.NoError(t, err)
	assert.ElementsMatch(t, []alerts.Kind{alerts.RAMHigh, alerts.CPUHigh}, kinds)

	require.NoError(t, s.DeleteActiveAlert(ctx, 1, "aaa", alerts.RAMHigh))
	kinds, err = s.ActiveAlerts(ctx, 1, "aaa")
	require.NoError(t, err)
	assert.Equal(t, []alerts.Kind{alerts.CPUHigh}, kinds)
}

func TestTrackerOverStore(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	tracker := alerts.NewTracker(s)
	noop := func(context.Context, alerts.Kind, alerts.Stage) error { return nil }
	enabled := alerts.NewKindSet(alerts.LevelKinds...)

	_, err := tracker.Reconcile(ctx, 1, "aaa", alerts.NewKindSet(alerts.RAMHigh), enabled, noop)
	require.NoError(t, err)
	tr, err := tracker.Reconcile(ctx, 1, "aaa", alerts.NewKindSet(), enabled, noop)
	require.NoError(t, err)
	assert.Equal(t, []alerts.Kind{alerts.RAMHigh}, tr.Resolved)

	kinds, err := s.ActiveAlerts(ctx, 1, "aaa")
	require.NoError(t, err)
	assert.Empty(t, kinds)
}

func TestRecipients(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	require.NoError(t, s.UpsertProviders(ctx, []models.Provider{{Pubkey: "aaa"}}, time.Now()))

	alice, err := s.EnsureUser(ctx, "U1", "alice", "ru")
	require.NoError(t, err)
	bob, err := s.EnsureUser(ctx, "U2", "bob", "")
	require.NoError(t, err)
	carol, err := s.EnsureUser(ctx, "U3", "carol", "en")
	require.NoError(t, err)
	_, err = s.EnsureUser(ctx, "U4", "dave", "en")
	require.NoError(t, err)

	again, err := s.EnsureUser(ctx, "U1", "alice", "en")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, again.ID)

	for _, u := range []User{alice, bob, carol} {
		require.NoError(t, s.Subscribe(ctx, u.ID, "AAA", "", DefaultTelemetrySalt))
	}
	require.NoError(t, s.SetUserState(ctx, bob.ID, UserStateKicked))

	settings, err := s.AlertSettings(ctx, carol.ID)
	require.NoError(t, err)
	settings.Enabled = false
	require.NoError(t, s.SaveAlertSettings(ctx, settings))

	settings, err = s.AlertSettings(ctx, alice.ID)
	require.NoError(t, err)
	settings.Kinds = []string{"ram_high", "unknown"}
	settings.Thresholds = JSONMap{"ram_high": 70}
	require.NoError(t, s.SaveAlertSettings(ctx, settings))

	recipients, err := s.Recipients(ctx, "aaa")
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	r := recipients[0]
	assert.Equal(t, "U1", r.ChatID)
	assert.Equal(t, "ru", r.Language)
	assert.Equal(t, []alerts.Kind{alerts.RAMHigh}, r.Enabled.Sorted())
	assert.EqualValues(t, 70, r.Overrides["ram_high"])

	all, err := s.AllRecipients(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Unsubscribe(ctx, alice.ID, "aaa"))
	recipients, err = s.Recipients(ctx, "aaa")
	require.NoError(t, err)
	assert.Empty(t, recipients)
}

func TestRestartMarks(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	last, err := s.RestartCheckedAt(ctx, "aaa")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	require.NoError(t, s.MarkRestartChecked(ctx, "aaa", at))
	require.NoError(t, s.MarkRestartChecked(ctx, "aaa", at.Add(time.Minute)))

	last, err = s.RestartCheckedAt(ctx, "aaa")
	require.NoError(t, err)
	assert.True(t, last.Equal(at.Add(time.Minute)))
}

func TestSubscribe_Password(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	now := time.Now()
	require.NoError(t, s.UpsertProviders(ctx, []models.Provider{{Pubkey: "aaa"}, {Pubkey: "bbb"}}, now))

	locked := snapshot("aaa", 1)
	locked.TelemetryPass = strp(TelemetryPasswordHash(DefaultTelemetrySalt, "secret"))
	_, err := s.ReplaceTelemetry(ctx, []models.Telemetry{locked, snapshot("bbb", 1)}, now)
	require.NoError(t, err)

	u, err := s.EnsureUser(ctx, "U1", "alice", "en")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Subscribe(ctx, u.ID, "aaa", "wrong", DefaultTelemetrySalt), ErrWrongPassword)
	assert.NoError(t, s.Subscribe(ctx, u.ID, "aaa", "secret", DefaultTelemetrySalt))
	assert.NoError(t, s.Subscribe(ctx, u.ID, "bbb", "anything", DefaultTelemetrySalt))
	assert.ErrorIs(t, s.Subscribe(ctx, u.ID, "ccc", "", DefaultTelemetrySalt), ErrNotFound)

	subs, err := s.Subscriptions(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "bbb"}, subs)
}

func TestApplyWalletBuckets(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	require.NoError(t, s.UpsertProviders(ctx, []models.Provider{{Pubkey: "aaa", Address: "EQ1"}, {Pubkey: "bbb"}}, time.Now()))

	wallets, err := s.SyncWallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, "aaa", wallets[0].ProviderPubkey)

	hour := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.ApplyWalletBuckets(ctx, "EQ1", []ledger.Bucket{
		{Start: hour, Metrics: ledger.Metrics{RewardReceived: 100, RevenueFees: 10}, LastLT: 5, Count: 1},
	}))
	require.NoError(t, s.ApplyWalletBuckets(ctx, "EQ1", []ledger.Bucket{
		{Start: hour, Metrics: ledger.Metrics{RewardReceived: 50}, LastLT: 7, Count: 1},
		{Start: hour.Add(time.Hour), Metrics: ledger.Metrics{TransferIn: 1000}, LastLT: 9, Count: 1},
	}))

	rows, err := s.WalletHistoryRows(ctx, "EQ1", hour, hour.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(140), rows[0].Earned)
	assert.Equal(t, int64(140), rows[0].Balance)
	assert.Equal(t, int64(7), rows[0].LastLT)
	assert.Equal(t, 2, rows[0].TxCount)
	assert.Equal(t, int64(1140), rows[1].Balance)

	w, err := s.Wallet(ctx, "EQ1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), w.LastLT)
	assert.Equal(t, int64(140), w.Earned)

	require.NoError(t, s.ApplyWalletBuckets(ctx, "EQ1", nil))
	assert.ErrorIs(t, s.ApplyWalletBuckets(ctx, "missing", []ledger.Bucket{{Start: hour}}), ErrNotFound)
}

func TestRecordTraffic_CounterReset(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordTraffic(ctx, "aaa", day, 200, 50))
	require.NoError(t, s.RecordTraffic(ctx, "aaa", day, 500, 80))
	require.NoError(t, s.RecordTraffic(ctx, "aaa", day, 100, 90))

	row, err := s.TrafficDay(ctx, "aaa", day)
	require.NoError(t, err)
	assert.Equal(t, int64(300+100), row.TrafficIn)
	assert.Equal(t, int64(40), row.TrafficOut)
	assert.Equal(t, int64(100), row.LastBytesRecv)

	next := day.AddDate(0, 0, 1)
	require.NoError(t, s.RecordTraffic(ctx, "aaa", next, 150, 95))
	row, err = s.TrafficDay(ctx, "aaa", next)
	require.NoError(t, err)
	assert.Zero(t, row.TrafficIn, "a new day is seeded without traffic")
}

func TestRecordStorage(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordStorage(ctx, "aaa", day, 1000))
	row, err := s.StorageDay(ctx, "aaa", day)
	require.NoError(t, err)
	assert.Zero(t, row.UsedDailySpace, "space already in use when first seen is not growth")

	require.NoError(t, s.RecordStorage(ctx, "aaa", day, 1500))
	row, err = s.StorageDay(ctx, "aaa", day)
	require.NoError(t, err)
	assert.Equal(t, 500.0, row.UsedDailySpace)

	next := day.AddDate(0, 0, 1)
	require.NoError(t, s.RecordStorage(ctx, "aaa", next, 1700))
	row, err = s.StorageDay(ctx, "aaa", next)
	require.NoError(t, err)
	assert.Equal(t, 200.0, row.UsedDailySpace)

	totals, err := s.PeriodTotals(ctx, "aaa", day, day.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 700.0, totals.StorageGrowth)
}

func TestPeriodTotals(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	require.NoError(t, s.UpsertProviders(ctx, []models.Provider{{Pubkey: "aaa", Address: "EQ1"}}, time.Now()))
	_, err := s.SyncWallets(ctx)
	require.NoError(t, err)

	may := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.ApplyWalletBuckets(ctx, "EQ1", []ledger.Bucket{
		{Start: may.Add(-time.Hour), Metrics: ledger.Metrics{RewardReceived: 999}, LastLT: 1},
		{Start: may.Add(time.Hour), Metrics: ledger.Metrics{RewardReceived: 30}, LastLT: 2},
		{Start: may.AddDate(0, 0, 3), Metrics: ledger.Metrics{RewardReceived: 12}, LastLT: 3},
	}))
	require.NoError(t, s.RecordTraffic(ctx, "aaa", may, 0, 0))
	require.NoError(t, s.RecordTraffic(ctx, "aaa", may, 10, 20))

	totals, err := s.PeriodTotals(ctx, "aaa", may, may.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(42), totals.Earned)
	assert.Equal(t, int64(10), totals.TrafficIn)
	assert.Equal(t, int64(20), totals.TrafficOut)
}

func TestMonthlyReportMarker(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)

	sent, err := s.ReportSent(ctx, "2024-05")
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, s.MarkReportSent(ctx, "2024-05", 3, time.Now()))
	require.NoError(t, s.MarkReportSent(ctx, "2024-05", 3, time.Now()))
	sent, err = s.ReportSent(ctx, "2024-05")
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)

	err := s.WithTx(ctx, func(tx *Store) error {
		if err := tx.UpsertProviders(ctx, []models.Provider{{Pubkey: "aaa"}}, time.Now()); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	providers, err := s.Providers(ctx)
	require.NoError(t, err)
	assert.Empty(t, providers)
}

func TestTelemetryPasswordHash(t *testing.T) {
	// base64(sha256("salt" + "pw"))
	assert.Equal(t, "IbrtlJtxbEnL99j+eUEvHcEEdFZQoyCBrgvguWeut/M=", TelemetryPasswordHash("salt", "pw"))
}
