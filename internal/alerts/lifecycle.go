package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storagewatch/storagewatch/internal/metrics"
)

// ActiveStore persists active alert records, at most one per (user, provider, kind)
type ActiveStore interface {
	ActiveAlerts(ctx context.Context, userID uint, pubkey string) ([]Kind, error)
	CreateActiveAlert(ctx context.Context, userID uint, pubkey string, kind Kind, at time.Time) error
	DeleteActiveAlert(ctx context.Context, userID uint, pubkey string, kind Kind) error
}

// NotifyFunc delivers one lifecycle notification
type NotifyFunc func(ctx context.Context, kind Kind, stage Stage) error

// Diff reconciles this cycle's triggered kinds with the persisted active ones.
// Stale holds active kinds the user no longer has enabled; they are dropped silently.
func Diff(triggered, enabled, active KindSet) (detected, resolved, stale KindSet) {
	detected = triggered.Intersect(enabled).Minus(active)
	resolved = active.Intersect(enabled).Minus(triggered)
	stale = active.Minus(enabled)
	return detected, resolved, stale
}

// Transition summarizes one reconcile pass
type Transition struct {
	Detected     []Kind
	Resolved     []Kind
	Dropped      []Kind
	NotifyFailed int
}

// Tracker applies Diff results: notify first, then mutate the record
type Tracker struct {
	store ActiveStore
	now   func() time.Time
}

// NewTracker creates a lifecycle tracker over store
func NewTracker(store ActiveStore) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Reconcile moves the (user, provider) active set to the triggered kinds the user has enabled.
// A failed notification is counted but does not stop the record mutation, so a
// condition that stays triggered is not re-announced next cycle.
func (t *Tracker) Reconcile(ctx context.Context, userID uint, pubkey string, triggered, enabled KindSet, notify NotifyFunc) (Transition, error) {
	var tr Transition

	current, err := t.store.ActiveAlerts(ctx, userID, pubkey)
	if err != nil {
		return tr, fmt.Errorf("load active alerts: %w", err)
	}
	active := NewKindSet(current...)

	detected, resolved, stale := Diff(triggered, enabled, active)

	for _, kind := range detected.Sorted() {
		if err := notify(ctx, kind, StageDetected); err != nil {
			tr.NotifyFailed++
			log.Warn().Err(err).Uint("user_id", userID).Str("provider", pubkey).Str("kind", string(kind)).
				Msg("Failed to deliver detected alert")
		}
		if err := t.store.CreateActiveAlert(ctx, userID, pubkey, kind, t.now()); err != nil {
			return tr, fmt.Errorf("create active alert %s: %w", kind, err)
		}
		metrics.AlertsFiredTotal.WithLabelValues(string(kind)).Inc()
		tr.Detected = append(tr.Detected, kind)
	}

	for _, kind := range resolved.Sorted() {
		if err := notify(ctx, kind, StageResolved); err != nil {
			tr.NotifyFailed++
			log.Warn().Err(err).Uint("user_id", userID).Str("provider", pubkey).Str("kind", string(kind)).
				Msg("Failed to deliver resolved alert")
		}
		if err := t.store.DeleteActiveAlert(ctx, userID, pubkey, kind); err != nil {
			return tr, fmt.Errorf("delete active alert %s: %w", kind, err)
		}
		metrics.AlertsResolvedTotal.WithLabelValues(string(kind)).Inc()
		tr.Resolved = append(tr.Resolved, kind)
	}

	for _, kind := range stale.Sorted() {
		if err := t.store.DeleteActiveAlert(ctx, userID, pubkey, kind); err != nil {
			return tr, fmt.Errorf("drop disabled alert %s: %w", kind, err)
		}
		tr.Dropped = append(tr.Dropped, kind)
	}

	return tr, nil
}
