package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storagewatch/storagewatch/internal/alerts"
	"github.com/storagewatch/storagewatch/internal/database"
	"github.com/storagewatch/storagewatch/internal/i18n"
	"github.com/storagewatch/storagewatch/internal/ledger"
	"github.com/storagewatch/storagewatch/internal/models"
	"github.com/storagewatch/storagewatch/internal/testhelpers"
	"github.com/storagewatch/storagewatch/internal/toncenter"
)

type fakeRegistry struct {
	providers []models.Provider
	telemetry []models.Telemetry
	failAt    int // offset whose page fails, -1 for none
	offsets   []int
}

func (r *fakeRegistry) Search(_ context.Context, offset, limit int) ([]models.Provider, error) {
	r.offsets = append(r.offsets, offset)
	if offset == r.failAt {
		return nil, errors.New("registry returned 502")
	}
	if offset >= len(r.providers) {
		return nil, nil
	}
	return r.providers[offset:min(offset+limit, len(r.providers))], nil
}

func (r *fakeRegistry) Telemetry(context.Context) ([]models.Telemetry, error) {
	return r.telemetry, nil
}

// fakeIndexer serves transactions with lt >= StartLT like the real indexer
type fakeIndexer struct {
	txs     map[string][]models.Transaction
	failFor map[string]bool
}

func (ix *fakeIndexer) Transactions(_ context.Context, q toncenter.TransactionsQuery) ([]models.Transaction, error) {
	if ix.failFor[q.Account] {
		return nil, errors.New("rate limited")
	}
	var out []models.Transaction
	for _, tx := range ix.txs[q.Account] {
		if int64(tx.LT) >= q.StartLT {
			out = append(out, tx)
		}
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

type memorySnapshots struct {
	entries map[string]models.Telemetry
}

func (m *memorySnapshots) Put(_ context.Context, pubkey string, syncedAt time.Time, prev models.Telemetry) error {
	if m.entries == nil {
		m.entries = make(map[string]models.Telemetry)
	}
	m.entries[pubkey+"@"+syncedAt.UTC().Format(time.RFC3339)] = prev
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestJobs(t *testing.T, store *database.Store, reg *fakeRegistry, ix *fakeIndexer, b *testhelpers.MockBroadcaster, c *clock) *Jobs {
	t.Helper()
	loc, err := i18n.New("en")
	require.NoError(t, err)
	return New(Deps{
		Store:    store,
		Registry: reg,
		Indexer:  ix,
		Alerts:   alerts.NewManager(store, b, loc),
		Location: time.UTC,
		Now:      c.now,
	})
}

func telemetryFor(pubkey string, uptime int64) models.Telemetry {
	return testhelpers.NewTelemetryBuilder(pubkey).
		WithUptime(uptime).
		WithTraffic(1000, 500).
		WithProviderSpace(10, 100).
		Build()
}

func TestSyncProviders_Pagination(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.SetupTestStore(t)

	providers := make([]models.Provider, 100)
	for i := range providers {
		providers[i] = models.Provider{Pubkey: fmt.Sprintf("pk%03d", i)}
	}
	reg := &fakeRegistry{providers: providers, failAt: -1}
	j := newTestJobs(t, store, reg, &fakeIndexer{}, testhelpers.NewMockBroadcaster(), &clock{time.Now()})

	require.NoError(t, j.SyncProviders(ctx))
	assert.Equal(t, []int{0, 100}, reg.offsets, "second page is empty and ends the walk")

	stored, err := store.Providers(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 100)
}

func TestSyncProviders_PageFailureKeepsStoredProviders(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.SetupTestStore(t)
	require.NoError(t, store.UpsertProviders(ctx, []models.Provider{{Pubkey: "old"}}, time.Now()))

	reg := &fakeRegistry{providers: make([]models.Provider, 150), failAt: 100}
	for i := range reg.providers {
		reg.providers[i] = models.Provider{Pubkey: fmt.Sprintf("pk%03d", i)}
	}
	j := newTestJobs(t, store, reg, &fakeIndexer{}, testhelpers.NewMockBroadcaster(), &clock{time.Now()})

	require.Error(t, j.SyncProviders(ctx))
	stored, err := store.Providers(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "old", stored[0].Pubkey)
}

func TestTelemetryAndDispatch_DetectsRestart(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.SetupTestStore(t)
	c := &clock{time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	b := testhelpers.NewMockBroadcaster()
	reg := &fakeRegistry{providers: []models.Provider{{Pubkey: "aaa"}}, failAt: -1}
	j := newTestJobs(t, store, reg, &fakeIndexer{}, b, c)
	snaps := &memorySnapshots{}
	j.deps.Snapshots = snaps

	require.NoError(t, j.SyncProviders(ctx))
	user, err := store.EnsureUser(ctx, "U1", "alice", "en")
	require.NoError(t, err)
	require.NoError(t, store.Subscribe(ctx, user.ID, "aaa", "", ""))

	reg.telemetry = []models.Telemetry{telemetryFor("aaa", 1000)}
	require.NoError(t, j.SyncTelemetry(ctx))
	require.NoError(t, j.DispatchAlerts(ctx))
	assert.Empty(t, b.Messages("U1"), "no previous snapshot on the first sync")
	assert.Empty(t, snaps.entries)

	c.t = c.t.Add(time.Minute)
	reg.telemetry = []models.Telemetry{telemetryFor("aaa", 30)}
	require.NoError(t, j.SyncTelemetry(ctx))
	assert.Len(t, snaps.entries, 1, "overwritten snapshot goes to the side cache")

	require.NoError(t, j.DispatchAlerts(ctx))
	require.Len(t, b.Messages("U1"), 2, "storage and provider uptime both went down")
	assert.Contains(t, b.Messages("U1")[0].Text, "Service restarted")

	// dispatch again before the next sync
	require.NoError(t, j.DispatchAlerts(ctx))
	assert.Len(t, b.Messages("U1"), 2, "one snapshot pair is evaluated once")

	// same data again: nothing regressed, nothing sent
	c.t = c.t.Add(time.Minute)
	require.NoError(t, j.SyncTelemetry(ctx))
	require.NoError(t, j.DispatchAlerts(ctx))
	assert.Len(t, b.Messages("U1"), 2)
}

func TestDispatchAlerts_AppliesStoredOverrides(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.SetupTestStore(t)
	c := &clock{time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	b := testhelpers.NewMockBroadcaster()
	reg := &fakeRegistry{providers: []models.Provider{{Pubkey: "aaa"}}, failAt: -1}
	j := newTestJobs(t, store, reg, &fakeIndexer{}, b, c)
	require.NoError(t, j.SyncProviders(ctx))

	alice, err := store.EnsureUser(ctx, "U1", "alice", "en")
	require.NoError(t, err)
	bob, err := store.EnsureUser(ctx, "U2", "bob", "en")
	require.NoError(t, err)
	for _, u := range []database.User{alice, bob} {
		require.NoError(t, store.Subscribe(ctx, u.ID, "aaa", "", ""))
	}
	settings, err := store.AlertSettings(ctx, alice.ID)
	require.NoError(t, err)
	settings.Thresholds = database.JSONMap{"ram_high": 70}
	require.NoError(t, store.SaveAlertSettings(ctx, settings))

	snap := telemetryFor("aaa", 100)
	snap.RAM = &models.RAMInfo{UsagePercent: testhelpers.Ptr(75.0)}
	reg.telemetry = []models.Telemetry{snap}
	require.NoError(t, j.SyncTelemetry(ctx))
	require.NoError(t, j.DispatchAlerts(ctx))

	assert.Len(t, b.Messages("U1"), 1, "75% is over the user's 70% limit")
	assert.Empty(t, b.Messages("U2"), "75% is under the default limit")

	active, err := store.ActiveAlerts(ctx, alice.ID, "aaa")
	require.NoError(t, err)
	assert.Equal(t, []alerts.Kind{alerts.RAMHigh}, active)
}

func earning(lt int64, at time.Time, reward int64) models.Transaction {
	return testhelpers.NewTransactionBuilder(lt, at).Reward(reward).Build()
}

func TestSyncWallets_CursorIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.SetupTestStore(t)
	hour := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertProviders(ctx, []models.Provider{{Pubkey: "aaa", Address: "EQA"}}, hour))

	ix := &fakeIndexer{txs: map[string][]models.Transaction{
		"EQA": {earning(10, hour.Add(5*time.Minute), 100), earning(20, hour.Add(10*time.Minute), 50)},
	}}
	j := newTestJobs(t, store, &fakeRegistry{failAt: -1}, ix, testhelpers.NewMockBroadcaster(), &clock{hour})

	require.NoError(t, j.SyncWallets(ctx))
	w, err := store.Wallet(ctx, "EQA")
	require.NoError(t, err)
	assert.Equal(t, int64(20), w.LastLT)
	assert.Equal(t, int64(150), w.Earned)

	// unchanged upstream: no new rows, cursor and totals stay
	require.NoError(t, j.SyncWallets(ctx))
	w, err = store.Wallet(ctx, "EQA")
	require.NoError(t, err)
	assert.Equal(t, int64(20), w.LastLT)
	assert.Equal(t, int64(150), w.Earned)

	// a later transaction in the same hour accumulates into the bucket
	ix.txs["EQA"] = append(ix.txs["EQA"], earning(30, hour.Add(20*time.Minute), 25))
	require.NoError(t, j.SyncWallets(ctx))
	rows, err := store.WalletHistoryRows(ctx, "EQA", hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(175), rows[0].Earned)
	assert.Equal(t, 3, rows[0].TxCount)
	assert.Equal(t, int64(30), rows[0].LastLT)
}

func TestSyncWallets_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.SetupTestStore(t)
	hour := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertProviders(ctx, []models.Provider{
		{Pubkey: "aaa", Address: "EQA"},
		{Pubkey: "bbb", Address: "EQB"},
	}, hour))

	ix := &fakeIndexer{
		txs:     map[string][]models.Transaction{"EQB": {earning(7, hour, 10)}},
		failFor: map[string]bool{"EQA": true},
	}
	j := newTestJobs(t, store, &fakeRegistry{failAt: -1}, ix, testhelpers.NewMockBroadcaster(), &clock{hour})

	err := j.SyncWallets(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EQA")

	w, err := store.Wallet(ctx, "EQB")
	require.NoError(t, err)
	assert.Equal(t, int64(7), w.LastLT, "healthy wallet still synced")
}

func TestMonitorTraffic_CounterReset(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.SetupTestStore(t)
	c := &clock{time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	reg := &fakeRegistry{providers: []models.Provider{{Pubkey: "aaa"}}, failAt: -1}
	j := newTestJobs(t, store, reg, &fakeIndexer{}, testhelpers.NewMockBroadcaster(), c)
	require.NoError(t, j.SyncProviders(ctx))

	feed := func(recv, sent int64) {
		reg.telemetry = []models.Telemetry{testhelpers.NewTelemetryBuilder("aaa").WithTraffic(recv, sent).Build()}
		require.NoError(t, j.SyncTelemetry(ctx))
		require.NoError(t, j.MonitorTraffic(ctx))
		c.t = c.t.Add(5 * time.Minute)
	}
	feed(200, 50)
	feed(500, 80)
	feed(100, 90) // agent restarted, counters began again

	row, err := store.TrafficDay(ctx, "aaa", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(400), row.TrafficIn)
	assert.Equal(t, int64(40), row.TrafficOut)
}

func TestMonitorStorage_SkipsMissingValues(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.SetupTestStore(t)
	c := &clock{time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	reg := &fakeRegistry{providers: []models.Provider{{Pubkey: "aaa"}, {Pubkey: "bbb"}}, failAt: -1}
	j := newTestJobs(t, store, reg, &fakeIndexer{}, testhelpers.NewMockBroadcaster(), c)
	require.NoError(t, j.SyncProviders(ctx))

	withSpace := telemetryFor("aaa", 100)
	noSpace := telemetryFor("bbb", 100)
	noSpace.Storage.Provider.UsedProviderSpace = nil
	reg.telemetry = []models.Telemetry{withSpace, noSpace}
	require.NoError(t, j.SyncTelemetry(ctx))
	require.NoError(t, j.MonitorStorage(ctx))

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.StorageDay(ctx, "aaa", day)
	require.NoError(t, err)
	_, err = store.StorageDay(ctx, "bbb", day)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestMonthlyReport_OncePerMonth(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.SetupTestStore(t)
	c := &clock{time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	b := testhelpers.NewMockBroadcaster()
	reg := &fakeRegistry{providers: []models.Provider{{Pubkey: "aaa", Address: "EQA"}}, failAt: -1}
	j := newTestJobs(t, store, reg, &fakeIndexer{}, b, c)
	require.NoError(t, j.SyncProviders(ctx))

	user, err := store.EnsureUser(ctx, "U1", "alice", "en")
	require.NoError(t, err)
	require.NoError(t, store.Subscribe(ctx, user.ID, "aaa", "", ""))
	_, err = store.SyncWallets(ctx)
	require.NoError(t, err)
	require.NoError(t, store.ApplyWalletBuckets(ctx, "EQA", []ledger.Bucket{
		{Start: time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC), Metrics: ledger.Metrics{RewardReceived: 1_500_000_000}, LastLT: 3, Count: 1},
	}))

	require.NoError(t, j.MonthlyReport(ctx))
	assert.Empty(t, b.Messages(""), "too early in the day")

	c.t = c.t.Add(3 * time.Hour)
	require.NoError(t, j.MonthlyReport(ctx))
	require.Len(t, b.Messages("U1"), 1)
	assert.Contains(t, b.Messages("U1")[0].Text, "2024-05")
	assert.True(t, strings.Contains(b.Messages("U1")[0].Text, "1.5"))

	c.t = c.t.Add(time.Hour)
	require.NoError(t, j.MonthlyReport(ctx))
	assert.Len(t, b.Messages("U1"), 1, "sent marker prevents a second report")

	sent, err := store.ReportSent(ctx, "2024-05")
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestRegister_AllJobs(t *testing.T) {
	store := testhelpers.SetupTestStore(t)
	j := newTestJobs(t, store, &fakeRegistry{failAt: -1}, &fakeIndexer{}, testhelpers.NewMockBroadcaster(), &clock{time.Now()})
	s := NewScheduler(nil, "")
	j.Register(s, nil)
	assert.Equal(t, []string{
		"dispatch_alerts",
		"monitor_storage",
		"monitor_traffic",
		"monthly_report",
		"sync_providers",
		"sync_telemetry",
		"sync_wallets",
	}, s.Names())
}
