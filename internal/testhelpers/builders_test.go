package testhelpers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storagewatch/storagewatch/internal/alerts"
	"github.com/storagewatch/storagewatch/internal/ledger"
)

func TestProviderBuilder(t *testing.T) {
	p := NewProviderBuilder("abc").
		WithAddress("EQabc").
		WithStatus(0, 1).
		WithSpeedtest(125_000_000, 125_000_000).
		Build()

	if p.Pubkey != "abc" {
		t.Errorf("expected Pubkey 'abc', got %s", p.Pubkey)
	}
	if p.Address != "EQabc" {
		t.Errorf("expected Address 'EQabc', got %s", p.Address)
	}
	if !p.IsStable() {
		t.Error("expected provider to be stable")
	}
	if mbps, ok := p.LinkCapacityMbps(); !ok || mbps != 1000 {
		t.Errorf("expected 1000 Mbps capacity, got %v (%v)", mbps, ok)
	}
}

func TestTelemetryBuilder_HealthyByDefault(t *testing.T) {
	p := NewProviderBuilder("abc").Build()
	snap := NewTelemetryBuilder("abc").WithUptime(100).WithProviderSpace(10, 100).Build()

	triggered := alerts.DetectOverload(p, snap, alerts.DefaultThresholds(), time.Now())
	if len(triggered) != 0 {
		t.Errorf("expected no alerts for a healthy snapshot, got %v", triggered.Sorted())
	}
	if snap.ProviderPubkey() != "abc" {
		t.Errorf("expected pubkey 'abc', got %s", snap.ProviderPubkey())
	}
}

func TestTelemetryBuilder_Overrides(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	snap := NewTelemetryBuilder("abc").WithRAM(95).WithTraffic(10, 20).ReportedAt(at).Build()

	if *snap.RAM.UsagePercent != 95 {
		t.Errorf("expected RAM 95, got %v", *snap.RAM.UsagePercent)
	}
	if *snap.BytesRecv != 10 || *snap.BytesSent != 20 {
		t.Errorf("unexpected traffic counters %d/%d", *snap.BytesRecv, *snap.BytesSent)
	}
	if *snap.Timestamp != at.Unix() {
		t.Errorf("expected timestamp %d, got %d", at.Unix(), *snap.Timestamp)
	}
}

func TestTransactionBuilder(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	reward := NewTransactionBuilder(1, at).Reward(1000).WithFees(10).Build()
	if got := ledger.Classify(reward).Earned(); got != 990 {
		t.Errorf("expected earned 990, got %d", got)
	}

	proof := NewTransactionBuilder(2, at).ProofPayment(200, 5).WithFees(3).Build()
	if got := ledger.Classify(proof).Earned(); got != -208 {
		t.Errorf("expected earned -208, got %d", got)
	}

	transfer := NewTransactionBuilder(3, at).TransferIn(500).Build()
	m := ledger.Classify(transfer)
	if m.Earned() != 0 || m.Balance() != 500 {
		t.Errorf("expected a plain transfer, got %+v", m)
	}
}

func TestMockBroadcaster(t *testing.T) {
	ctx := context.Background()
	b := NewMockBroadcaster().FailFor("blocked", errors.New("forbidden"))

	if err := b.Notify(ctx, "U1", "hello", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Notify(ctx, "blocked", "hello", nil); err == nil {
		t.Error("expected delivery to a blocked chat to fail")
	}
	if err := b.SendDocument(ctx, "OPS", "error.txt", "trace", "failed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(b.Messages("U1")); got != 1 {
		t.Errorf("expected 1 message for U1, got %d", got)
	}
	if got := len(b.Messages("")); got != 1 {
		t.Errorf("expected 1 message in total, got %d", got)
	}
	if got := len(b.Documents()); got != 1 {
		t.Errorf("expected 1 document, got %d", got)
	}
}

func TestSetupTestStore(t *testing.T) {
	s := SetupTestStore(t)
	providers, err := s.Providers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(providers) != 0 {
		t.Errorf("expected an empty store, got %d providers", len(providers))
	}
}
