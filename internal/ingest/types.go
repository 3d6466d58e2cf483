package ingest

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/pkg/errors"
)

// ShareEvent is a validated share submission arriving from the share
// processing pipeline. Hashes travel as hex strings on the wire.
type ShareEvent struct {
	ChannelID         string    `json:"channel_id"`
	Hash              string    `json:"hash"`
	SequenceNumber    uint64    `json:"sequence_number"`
	ShareWork         uint64    `json:"share_work"`
	Difficulty        float64   `json:"difficulty"`
	Timestamp         time.Time `json:"timestamp"`
	Accepted          bool      `json:"accepted"`
	ValidationOutcome string    `json:"validation_outcome,omitempty"`
}

// BlockEvent is a block discovery announcement from the coordinator.
type BlockEvent struct {
	Hash      string    `json:"hash"`
	ChannelID string    `json:"channel_id"`
	Height    int64     `json:"height"`
	Timestamp time.Time `json:"timestamp"`
	ShareID   string    `json:"share_id"`
}

// AckEvent mirrors a stored batch acknowledgment for downstream consumers.
type AckEvent struct {
	BatchID       string    `json:"batch_id"`
	ChannelID     string    `json:"channel_id"`
	FirstSequence uint64    `json:"first_sequence"`
	LastSequence  uint64    `json:"last_sequence"`
	Timestamp     time.Time `json:"timestamp"`
}

// ToRecord converts the wire event into a ledger record.
func (e *ShareEvent) ToRecord() (*store.ShareRecord, error) {
	hash, err := chainhash.NewHashFromStr(e.Hash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "decode_share_event",
			"invalid share hash").
			WithContext("channel_id", e.ChannelID).
			WithContext("hash", e.Hash)
	}

	return &store.ShareRecord{
		ID:                store.ShareRecordID(e.ChannelID, e.SequenceNumber),
		ChannelID:         e.ChannelID,
		Hash:              *hash,
		SequenceNumber:    e.SequenceNumber,
		ShareWork:         e.ShareWork,
		Difficulty:        e.Difficulty,
		Timestamp:         e.Timestamp,
		Accepted:          e.Accepted,
		ValidationOutcome: e.ValidationOutcome,
	}, nil
}

// ToRecord converts the wire event into a block record.
func (e *BlockEvent) ToRecord() (*store.BlockRecord, error) {
	hash, err := chainhash.NewHashFromStr(e.Hash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "decode_block_event",
			"invalid block hash").
			WithContext("channel_id", e.ChannelID).
			WithContext("hash", e.Hash)
	}

	return &store.BlockRecord{
		Hash:      *hash,
		ChannelID: e.ChannelID,
		Height:    e.Height,
		Timestamp: e.Timestamp,
		ShareID:   e.ShareID,
	}, nil
}
