package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storagewatch/storagewatch/internal/broadcast"
	"github.com/storagewatch/storagewatch/internal/metrics"
	"github.com/storagewatch/storagewatch/internal/models"
)

// Broadcaster delivers a rendered message to one chat
type Broadcaster interface {
	Notify(ctx context.Context, chatID, text string, buttons []broadcast.Button) error
}

// Localizer renders a message template in the user's language
type Localizer interface {
	Render(lang, key string, data any) (string, error)
}

// Observation is one provider with its current snapshot and the snapshot of
// the sync before it. Previous is nil when no earlier snapshot is known.
type Observation struct {
	Provider  models.Provider
	Current   models.Telemetry
	CurrentAt time.Time
	Previous  *models.Telemetry
}

// Recipient is a subscribed user with alerts switched on
type Recipient struct {
	UserID    uint
	ChatID    string
	Language  string
	Enabled   KindSet
	Overrides map[string]any
}

// RestartMarks remembers the newest snapshot restart detection ran on per
// provider, so one (previous, current) pair is evaluated once.
type RestartMarks interface {
	RestartCheckedAt(ctx context.Context, pubkey string) (time.Time, error)
	MarkRestartChecked(ctx context.Context, pubkey string, currentAt time.Time) error
}

// Store is the persistence the manager needs
type Store interface {
	ActiveStore
	RestartMarks
	Observations(ctx context.Context) ([]Observation, error)
	Recipients(ctx context.Context, pubkey string) ([]Recipient, error)
}

// SnapshotCache holds the snapshot a provider had right before syncedAt overwrote it
type SnapshotCache interface {
	Previous(ctx context.Context, pubkey string, syncedAt time.Time) (*models.Telemetry, error)
}

// Summary counts what one dispatch pass did
type Summary struct {
	Providers    int
	Users        int
	Detected     int
	Resolved     int
	Restarts     int
	NotifyFailed int
}

func (s *Summary) add(o Summary) {
	s.Users += o.Users
	s.Detected += o.Detected
	s.Resolved += o.Resolved
	s.Restarts += o.Restarts
	s.NotifyFailed += o.NotifyFailed
}

// Manager runs detection for every subscribed user of every observed provider
type Manager struct {
	store       Store
	cache       SnapshotCache
	broadcaster Broadcaster
	localizer   Localizer
	tracker     *Tracker
	defaults    Thresholds
	now         func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithSnapshotCache makes the manager consult cache before the stored previous snapshot
func WithSnapshotCache(cache SnapshotCache) Option {
	return func(m *Manager) { m.cache = cache }
}

// WithDefaults replaces the built-in thresholds users' overrides are merged over
func WithDefaults(th Thresholds) Option {
	return func(m *Manager) { m.defaults = th.Clone() }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an alert manager
func NewManager(store Store, b Broadcaster, l Localizer, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		broadcaster: b,
		localizer:   l,
		defaults:    DefaultThresholds(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tracker = NewTracker(store)
	m.tracker.now = func() time.Time { return m.now() }
	return m
}

// Dispatch evaluates all observations. A failure for one provider or user is
// collected and does not stop the remaining ones.
func (m *Manager) Dispatch(ctx context.Context) (Summary, error) {
	var sum Summary

	observations, err := m.store.Observations(ctx)
	if err != nil {
		return sum, fmt.Errorf("load observations: %w", err)
	}

	var errs []error
	for _, obs := range observations {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		pubkey := obs.Provider.Pubkey
		recipients, err := m.store.Recipients(ctx, pubkey)
		if err != nil {
			errs = append(errs, fmt.Errorf("recipients of %s: %w", pubkey, err))
			continue
		}
		if len(recipients) == 0 {
			continue
		}
		sum.Providers++

		checkRestarts, err := m.restartsDue(ctx, obs)
		if err != nil {
			errs = append(errs, fmt.Errorf("restart mark of %s: %w", pubkey, err))
		}
		if checkRestarts {
			obs.Previous = m.previous(ctx, obs)
		} else {
			obs.Previous = nil
		}

		for _, r := range recipients {
			us, err := m.ProcessUser(ctx, r, obs)
			sum.add(us)
			if err != nil {
				log.Error().Err(err).Uint("user_id", r.UserID).Str("provider", pubkey).Msg("Alert processing failed")
				errs = append(errs, fmt.Errorf("user %d provider %s: %w", r.UserID, pubkey, err))
			}
		}

		if checkRestarts && !obs.CurrentAt.IsZero() {
			if err := m.store.MarkRestartChecked(ctx, pubkey, obs.CurrentAt); err != nil {
				errs = append(errs, fmt.Errorf("mark restart check of %s: %w", pubkey, err))
			}
		}
	}

	return sum, errors.Join(errs...)
}

// ProcessUser runs both detectors for one user and one provider. Level kinds
// go through the lifecycle tracker, restarts are sent directly.
func (m *Manager) ProcessUser(ctx context.Context, r Recipient, obs Observation) (Summary, error) {
	sum := Summary{Users: 1}
	pubkey := obs.Provider.Pubkey

	merged := MergeThresholds(m.defaults, r.Overrides)
	if len(merged.Rejected) > 0 {
		log.Info().Uint("user_id", r.UserID).Strs("keys", merged.Rejected).Msg("Ignoring invalid threshold overrides")
	}
	th := merged.Thresholds

	if r.Enabled.Has(ServiceRestarted) && obs.Previous != nil {
		for _, restart := range DetectRestarts(obs.Previous, obs.Current) {
			msg := message{Provider: pubkey, Short: ShortKey(pubkey), Kind: ServiceRestarted, Service: restart.Service}
			if err := m.send(ctx, r, ServiceRestarted, StageDetected, msg); err != nil {
				sum.NotifyFailed++
				log.Warn().Err(err).Uint("user_id", r.UserID).Str("provider", pubkey).Str("service", restart.Service).
					Msg("Failed to deliver restart alert")
				continue
			}
			metrics.AlertsFiredTotal.WithLabelValues(string(ServiceRestarted)).Inc()
			sum.Restarts++
		}
	}

	triggered := DetectOverload(obs.Provider, obs.Current, th, m.now())
	notify := func(ctx context.Context, kind Kind, stage Stage) error {
		msg := message{Provider: pubkey, Short: ShortKey(pubkey), Kind: kind, Threshold: th[kind]}
		msg.Value, msg.HasValue = observedValue(kind, obs, m.now())
		return m.send(ctx, r, kind, stage, msg)
	}

	tr, err := m.tracker.Reconcile(ctx, r.UserID, pubkey, triggered, r.Enabled, notify)
	sum.Detected += len(tr.Detected)
	sum.Resolved += len(tr.Resolved)
	sum.NotifyFailed += tr.NotifyFailed
	if tr.NotifyFailed > 0 {
		metrics.NotificationFailuresTotal.WithLabelValues("alert").Add(float64(tr.NotifyFailed))
	}
	return sum, err
}

// ProviderReport is one provider's line in the monthly report
type ProviderReport struct {
	Provider      string
	Short         string
	Earned        string
	StorageGrowth string
	TrafficIn     string
	TrafficOut    string
}

// MonthlyDigest is the data passed to the monthly report template
type MonthlyDigest struct {
	Month     string
	Providers []ProviderReport
}

// SendMonthlyReport renders and sends the informational report. It never
// touches active alert state.
func (m *Manager) SendMonthlyReport(ctx context.Context, r Recipient, report MonthlyDigest) error {
	if !r.Enabled.Has(MonthlyReport) || len(report.Providers) == 0 {
		return nil
	}
	if err := m.send(ctx, r, MonthlyReport, StageInfo, report); err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues("report").Inc()
		return err
	}
	return nil
}

type message struct {
	Provider  string
	Short     string
	Kind      Kind
	Service   string
	Threshold float64
	Value     float64
	HasValue  bool
}

func (m *Manager) send(ctx context.Context, r Recipient, kind Kind, stage Stage, data any) error {
	key := fmt.Sprintf("alerts.%s.%s", kind, stage)
	text, err := m.localizer.Render(r.Language, key, data)
	if err != nil {
		return fmt.Errorf("render %s: %w", key, err)
	}

	hide, err := m.localizer.Render(r.Language, "buttons.common.hide", nil)
	if err != nil {
		hide = "Hide"
	}
	return m.broadcaster.Notify(ctx, r.ChatID, text, []broadcast.Button{broadcast.HideButton(hide)})
}

// restartsDue reports whether the current snapshot is newer than the one
// restart detection last ran on. An unreadable mark skips detection.
func (m *Manager) restartsDue(ctx context.Context, obs Observation) (bool, error) {
	if obs.CurrentAt.IsZero() {
		return true, nil
	}
	last, err := m.store.RestartCheckedAt(ctx, obs.Provider.Pubkey)
	if err != nil {
		return false, err
	}
	return obs.CurrentAt.After(last), nil
}

func (m *Manager) previous(ctx context.Context, obs Observation) *models.Telemetry {
	if m.cache == nil || obs.CurrentAt.IsZero() {
		return obs.Previous
	}
	prev, err := m.cache.Previous(ctx, obs.Provider.Pubkey, obs.CurrentAt)
	if err != nil {
		log.Debug().Err(err).Str("provider", obs.Provider.Pubkey).Msg("Snapshot cache unavailable")
		return obs.Previous
	}
	if prev == nil {
		return obs.Previous
	}
	return prev
}

func observedValue(kind Kind, obs Observation, now time.Time) (float64, bool) {
	switch kind {
	case CPUHigh:
		return CPULoadPercent(obs.Current)
	case RAMHigh:
		if obs.Current.RAM == nil || obs.Current.RAM.UsagePercent == nil {
			return 0, false
		}
		return *obs.Current.RAM.UsagePercent, true
	case NetworkHigh:
		return NetworkLoadPercent(obs.Provider, obs.Current)
	case DiskLoadHigh:
		return DiskLoadPercent(obs.Current)
	case DiskSpaceLow:
		return DiskSpacePercent(obs.Current)
	case ProviderOffline:
		if obs.Current.Timestamp == nil {
			return 0, false
		}
		return now.Sub(time.Unix(*obs.Current.Timestamp, 0)).Minutes(), true
	}
	return 0, false
}

// ShortKey abbreviates a pubkey for display
func ShortKey(pubkey string) string {
	if len(pubkey) <= 10 {
		return pubkey
	}
	return pubkey[:5] + "..." + pubkey[len(pubkey)-5:]
}
