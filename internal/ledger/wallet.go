// Package ledger turns raw counters and on-chain transactions into accounting deltas.
package ledger

import (
	"sort"
	"time"

	"github.com/storagewatch/storagewatch/internal/models"
)

// Opcodes of the storage contract messages
const (
	OpProofStorage     = "0x48f548ce"
	OpRewardWithdrawal = "0xa91baf56"
)

// Metrics are nanoton amounts extracted from one or more transactions
type Metrics struct {
	TransferIn     int64
	TransferOut    int64
	RewardReceived int64
	ProofPaid      int64
	RevenueFees    int64
	OtherFees      int64
}

// Add accumulates other into m
func (m *Metrics) Add(other Metrics) {
	m.TransferIn += other.TransferIn
	m.TransferOut += other.TransferOut
	m.RewardReceived += other.RewardReceived
	m.ProofPaid += other.ProofPaid
	m.RevenueFees += other.RevenueFees
	m.OtherFees += other.OtherFees
}

// Earned is provider revenue net of proof payments and the fees they caused
func (m Metrics) Earned() int64 {
	return m.RewardReceived - m.ProofPaid - m.RevenueFees
}

// Balance is the wallet balance change including plain transfers
func (m Metrics) Balance() int64 {
	return m.TransferIn + m.Earned() - m.TransferOut - m.OtherFees
}

// Classify splits a transaction into revenue, cost, transfer and fee buckets.
// Forward fees of an out message count as revenue fees once a reward or proof
// payment has been seen earlier in the same transaction.
func Classify(tx models.Transaction) Metrics {
	var m Metrics
	reward, proof := false, false

	if tx.InMsg != nil && tx.InMsg.Value != 0 {
		if tx.InMsg.Op() == OpRewardWithdrawal {
			m.RewardReceived = int64(tx.InMsg.Value)
			reward = true
		} else {
			m.TransferIn = int64(tx.InMsg.Value)
		}
	}

	for _, msg := range tx.OutMsgs {
		if msg.Op() == OpProofStorage {
			m.ProofPaid += int64(msg.Value)
			proof = true
		} else {
			m.TransferOut += int64(msg.Value)
		}

		if msg.FwdFee != 0 {
			if proof || reward {
				m.RevenueFees += int64(msg.FwdFee)
			} else {
				m.OtherFees += int64(msg.FwdFee)
			}
		}
	}

	if reward || proof {
		m.RevenueFees += int64(tx.TotalFees)
	} else {
		m.OtherFees += int64(tx.TotalFees)
	}
	return m
}

// Bucket is the aggregate of all transactions falling into one time bucket
type Bucket struct {
	Start   time.Time
	Metrics Metrics
	LastLT  int64
	Count   int
}

// GroupByBucket aggregates transactions into buckets of the given size in loc,
// ordered by bucket start. Size is typically time.Hour or 24*time.Hour.
func GroupByBucket(txs []models.Transaction, size time.Duration, loc *time.Location) []Bucket {
	if loc == nil {
		loc = time.UTC
	}
	index := make(map[time.Time]*Bucket)
	for _, tx := range txs {
		start := BucketStart(time.Unix(tx.Now, 0).In(loc), size)
		b, ok := index[start]
		if !ok {
			b = &Bucket{Start: start}
			index[start] = b
		}
		b.Metrics.Add(Classify(tx))
		if lt := int64(tx.LT); lt > b.LastLT {
			b.LastLT = lt
		}
		b.Count++
	}

	out := make([]Bucket, 0, len(index))
	for _, b := range index {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// BucketStart truncates t to the start of its bucket in t's location.
// Day buckets start at local midnight.
func BucketStart(t time.Time, size time.Duration) time.Time {
	if size >= 24*time.Hour {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	}
	if size >= time.Hour {
		y, m, d := t.Date()
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
	}
	return t.Truncate(size)
}
