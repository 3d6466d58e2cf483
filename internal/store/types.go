package store

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ShareAccounting is the rolling per-channel aggregate. There is at most one
// record per channel id; callers own read-modify-write and the store applies
// whole-value overwrite semantics.
type ShareAccounting struct {
	ChannelID         string    `json:"channel_id"`
	SharesAccepted    uint64    `json:"shares_accepted"`
	SharesRejected    uint64    `json:"shares_rejected"`
	ShareWorkSum      uint64    `json:"share_work_sum"`
	LastShareSequence uint64    `json:"last_share_sequence"`
	LastUpdated       time.Time `json:"last_updated"`
}

// ShareRecord is one share submission in the append-only ledger.
// Immutable once stored.
type ShareRecord struct {
	ID                string         `json:"id"`
	ChannelID         string         `json:"channel_id"`
	Hash              chainhash.Hash `json:"hash"`
	SequenceNumber    uint64         `json:"sequence_number"`
	ShareWork         uint64         `json:"share_work"`
	Difficulty        float64        `json:"difficulty"`
	Timestamp         time.Time      `json:"timestamp"`
	Accepted          bool           `json:"accepted"`
	ValidationOutcome string         `json:"validation_outcome,omitempty"`
}

// ShareRecordID derives the unique ledger id for a share submission from its
// channel id and sequence number.
func ShareRecordID(channelID string, sequence uint64) string {
	return fmt.Sprintf("%s_%d", channelID, sequence)
}

// BlockRecord is a discovered block. Immutable once stored.
type BlockRecord struct {
	Hash      chainhash.Hash `json:"hash"`
	ChannelID string         `json:"channel_id"`
	Height    int64          `json:"height"`
	Timestamp time.Time      `json:"timestamp"`
	ShareID   string         `json:"share_id"`
}

// BatchAck records that a contiguous range of share sequences on a channel
// was acknowledged. Immutable once stored.
type BatchAck struct {
	BatchID       string    `json:"batch_id"`
	ChannelID     string    `json:"channel_id"`
	FirstSequence uint64    `json:"first_sequence"`
	LastSequence  uint64    `json:"last_sequence"`
	Timestamp     time.Time `json:"timestamp"`
}

// ChannelStats is derived on demand from the share and block ledgers.
// Never stored.
type ChannelStats struct {
	ChannelID         string  `json:"channel_id"`
	SharesAccepted    uint64  `json:"shares_accepted"`
	SharesRejected    uint64  `json:"shares_rejected"`
	TotalWork         uint64  `json:"total_work"`
	BlockCount        uint64  `json:"block_count"`
	AverageDifficulty float64 `json:"average_difficulty"`
}

// Window is an inclusive timestamp window. A zero Start or End leaves that
// bound open; the zero Window matches every record.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts falls inside the window, bounds inclusive.
func (w Window) Contains(ts time.Time) bool {
	if !w.Start.IsZero() && ts.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && ts.After(w.End) {
		return false
	}
	return true
}

// IsOpen reports whether the window has no bounds at all.
func (w Window) IsOpen() bool {
	return w.Start.IsZero() && w.End.IsZero()
}
