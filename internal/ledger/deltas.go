package ledger

// CounterDelta is the growth of a cumulative counter between two readings.
// A decrease means the counter restarted, so the current value is the delta.
func CounterDelta(prev, curr int64) int64 {
	if curr < 0 {
		return 0
	}
	if curr < prev {
		return curr
	}
	return curr - prev
}

// StorageIncrement is the change in used provider space between two readings.
// Unlike traffic it may be negative when bags are removed.
func StorageIncrement(prev, curr float64) float64 {
	return curr - prev
}
