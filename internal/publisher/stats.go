package publisher

import "time"

// Stats are the counters of a single run.
type Stats struct {
	StartedAt time.Time `json:"started_at"`
	LastAckAt time.Time `json:"last_ack_at,omitzero"`
	// Attempts counts messages handed to the transport.
	Attempts int64 `json:"attempts"`
	Acked    int64 `json:"acked"`
	Failed   int64 `json:"failed"`
	TimedOut int64 `json:"timed_out"`
	// SlotBusy counts cycles skipped because a message was in flight.
	SlotBusy int64 `json:"slot_busy"`
	// LateAcks counts outcomes that arrived after the wait ended.
	LateAcks int64 `json:"late_acks"`
}
