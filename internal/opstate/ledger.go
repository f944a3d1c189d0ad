package opstate

import (
	"fmt"
	"strconv"
)

// Ledger counter keys.
const (
	LedgerAttempts = "attempts"
	LedgerAcked    = "acked"
	LedgerFailed   = "failed"
	LedgerTimedOut = "timed_out"
	LedgerSlotBusy = "slot_busy"
	LedgerLateAcks = "late_acks"
)

// Ledger is the cumulative delivery record of one device. A nil
// *Ledger discards writes and reports empty totals.
type Ledger struct {
	store     *Store
	namespace string
}

// NewLedger returns the ledger for deviceID in store.
func NewLedger(store *Store, deviceID string) *Ledger {
	return &Ledger{store: store, namespace: "ledger:" + deviceID}
}

// Add increments counter by delta and returns the new total.
func (l *Ledger) Add(counter string, delta int64) (int64, error) {
	if l == nil {
		return 0, nil
	}
	return l.store.Increment(l.namespace, counter, delta)
}

// Totals returns every counter recorded for the device.
func (l *Ledger) Totals() (map[string]int64, error) {
	out := make(map[string]int64)
	if l == nil {
		return out, nil
	}
	raw, err := l.store.List(l.namespace)
	if err != nil {
		return nil, err
	}
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ledger counter %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// Reset removes every counter for the device.
func (l *Ledger) Reset() error {
	if l == nil {
		return nil
	}
	counters, err := l.store.List(l.namespace)
	if err != nil {
		return err
	}
	for k := range counters {
		if err := l.store.Delete(l.namespace, k); err != nil {
			return err
		}
	}
	return nil
}
