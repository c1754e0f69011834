package testhelpers

import (
	"time"

	"github.com/storagewatch/storagewatch/internal/ledger"
	"github.com/storagewatch/storagewatch/internal/models"
)

// ========================================
// Provider Builder
// ========================================

// ProviderBuilder builds Provider instances for testing
type ProviderBuilder struct {
	provider models.Provider
}

// NewProviderBuilder creates a new provider builder with defaults
func NewProviderBuilder(pubkey string) *ProviderBuilder {
	return &ProviderBuilder{
		provider: models.Provider{
			Pubkey:          pubkey,
			IsSendTelemetry: true,
			RegTime:         time.Now().Add(-30 * 24 * time.Hour).Unix(),
		},
	}
}

// WithAddress sets the wallet address
func (b *ProviderBuilder) WithAddress(address string) *ProviderBuilder {
	b.provider.Address = address
	return b
}

// WithStatus sets the registry status and status ratio
func (b *ProviderBuilder) WithStatus(status int, ratio float64) *ProviderBuilder {
	b.provider.Status = Ptr(status)
	b.provider.StatusRatio = Ptr(ratio)
	return b
}

// WithSpeedtest sets the measured link speed in bytes per second
func (b *ProviderBuilder) WithSpeedtest(download, upload float64) *ProviderBuilder {
	b.provider.TelemetryInfo.SpeedtestDownload = Ptr(download)
	b.provider.TelemetryInfo.SpeedtestUpload = Ptr(upload)
	return b
}

// Build returns the constructed provider
func (b *ProviderBuilder) Build() models.Provider {
	return b.provider
}

// ========================================
// Telemetry Builder
// ========================================

// TelemetryBuilder builds healthy telemetry snapshots that trigger no alert
type TelemetryBuilder struct {
	snap models.Telemetry
}

// NewTelemetryBuilder creates a snapshot for pubkey reported now
func NewTelemetryBuilder(pubkey string) *TelemetryBuilder {
	return &TelemetryBuilder{
		snap: models.Telemetry{
			Storage: models.StorageInfo{
				Pubkey:   pubkey,
				Provider: models.ProviderSpace{Pubkey: pubkey},
			},
			RAM:       &models.RAMInfo{UsagePercent: Ptr(40.0)},
			Timestamp: Ptr(time.Now().Unix()),
		},
	}
}

// WithUptime sets both service uptime counters
func (b *TelemetryBuilder) WithUptime(seconds int64) *TelemetryBuilder {
	b.snap.Storage.ServiceUptime = Ptr(seconds)
	b.snap.Storage.Provider.ServiceUptime = Ptr(seconds)
	return b
}

// WithTraffic sets the cumulative byte counters
func (b *TelemetryBuilder) WithTraffic(recv, sent int64) *TelemetryBuilder {
	b.snap.BytesRecv = Ptr(recv)
	b.snap.BytesSent = Ptr(sent)
	return b
}

// WithProviderSpace sets used and total provider space in gigabytes
func (b *TelemetryBuilder) WithProviderSpace(used, total float64) *TelemetryBuilder {
	b.snap.Storage.Provider.UsedProviderSpace = Ptr(used)
	b.snap.Storage.Provider.TotalProviderSpace = Ptr(total)
	return b
}

// WithRAM sets the memory usage percentage
func (b *TelemetryBuilder) WithRAM(percent float64) *TelemetryBuilder {
	b.snap.RAM = &models.RAMInfo{UsagePercent: Ptr(percent)}
	return b
}

// ReportedAt sets the agent timestamp
func (b *TelemetryBuilder) ReportedAt(t time.Time) *TelemetryBuilder {
	b.snap.Timestamp = Ptr(t.Unix())
	return b
}

// Build returns the constructed snapshot
func (b *TelemetryBuilder) Build() models.Telemetry {
	return b.snap
}

// ========================================
// Transaction Builder
// ========================================

// TransactionBuilder builds wallet transactions for testing
type TransactionBuilder struct {
	tx models.Transaction
}

// NewTransactionBuilder creates an empty transaction with the given logical time
func NewTransactionBuilder(lt int64, at time.Time) *TransactionBuilder {
	return &TransactionBuilder{
		tx: models.Transaction{LT: models.Int64(lt), Now: at.Unix()},
	}
}

// Reward makes the transaction a reward withdrawal of amount nanotons
func (b *TransactionBuilder) Reward(amount int64) *TransactionBuilder {
	b.tx.InMsg = &models.Message{Value: models.Int64(amount), Opcode: Ptr(ledger.OpRewardWithdrawal)}
	return b
}

// TransferIn makes the transaction a plain incoming transfer
func (b *TransactionBuilder) TransferIn(amount int64) *TransactionBuilder {
	b.tx.InMsg = &models.Message{Value: models.Int64(amount)}
	return b
}

// ProofPayment adds an outgoing storage proof message
func (b *TransactionBuilder) ProofPayment(amount, fwdFee int64) *TransactionBuilder {
	b.tx.OutMsgs = append(b.tx.OutMsgs, models.Message{
		Value:  models.Int64(amount),
		FwdFee: models.Int64(fwdFee),
		Opcode: Ptr(ledger.OpProofStorage),
	})
	return b
}

// WithFees sets the total transaction fees
func (b *TransactionBuilder) WithFees(fees int64) *TransactionBuilder {
	b.tx.TotalFees = models.Int64(fees)
	return b
}

// Build returns the constructed transaction
func (b *TransactionBuilder) Build() models.Transaction {
	return b.tx
}
