// Package store defines the share-accounting storage contract for the
// shareledger service: the record model and the operation set every backend
// must implement.
//
// Every operation takes a context because durable backends may block on
// their medium; the in-memory reference backend returns immediately. An
// operation either applies fully or fails — no partial state is ever
// observable, and the store never retries internally.
package store

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Status is a backend health status value.
type Status string

const (
	// StatusReady indicates the backend is initialized and serving
	StatusReady Status = "ready"
	// StatusDegraded indicates the backend is serving with reduced guarantees
	StatusDegraded Status = "degraded"
	// StatusUnavailable indicates the backend cannot serve data operations
	StatusUnavailable Status = "unavailable"
)

// HealthReport is the result of a health probe. HealthCheck reports
// impairment through Status rather than an error so monitoring keeps
// working when the backend does not.
type HealthReport struct {
	Backend   string    `json:"backend"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Store is the storage contract. Backends must serialize conflicting
// mutations per entity so that concurrent callers never observe a
// half-applied write, and IsShareSeen must reflect every record whose
// StoreShareRecord call returned before IsShareSeen was invoked.
type Store interface {
	// Initialize transitions the backend to ready. Idempotent; a second
	// call is a no-op. Fails with ErrorTypeUnavailable when the medium
	// cannot be reached.
	Initialize(ctx context.Context) error

	// Close releases resources. Operations after Close fail with
	// ErrorTypeNotInitialized.
	Close(ctx context.Context) error

	// StoreShareAccounting upserts the per-channel aggregate, replacing
	// any prior value entirely.
	StoreShareAccounting(ctx context.Context, acct *ShareAccounting) error

	// GetShareAccounting returns the current aggregate, or (nil, nil)
	// when the channel has never been seen. Absence is not an error.
	GetShareAccounting(ctx context.Context, channelID string) (*ShareAccounting, error)

	// StoreShareRecord appends one submission to the share ledger. Fails
	// with ErrorTypeAlreadyExists when a record with the same id is
	// already present; the ledger keeps exactly one entry.
	StoreShareRecord(ctx context.Context, rec *ShareRecord) error

	// IsShareSeen reports whether any stored ShareRecord for the channel
	// carries this hash.
	IsShareSeen(ctx context.Context, channelID string, hash chainhash.Hash) (bool, error)

	// ListShareRecords returns the channel's share ledger entries whose
	// timestamp falls in the window, ordered by timestamp.
	ListShareRecords(ctx context.Context, channelID string, w Window) ([]*ShareRecord, error)

	// StoreBlockRecord appends a discovered block to the block ledger. The
	// ledger never holds two entries for the same block hash on one channel:
	// a repeat store either returns ErrorTypeAlreadyExists or is absorbed as
	// a no-op, depending on the backend's keying.
	StoreBlockRecord(ctx context.Context, rec *BlockRecord) error

	// ListBlockRecords returns the channel's block ledger entries whose
	// timestamp falls in the window, ordered by timestamp.
	ListBlockRecords(ctx context.Context, channelID string, w Window) ([]*BlockRecord, error)

	// StoreBatchAck appends a batch acknowledgment to the ack ledger.
	StoreBatchAck(ctx context.Context, ack *BatchAck) error

	// ListBatchAcks returns the channel's acknowledgment ledger, ordered
	// by timestamp.
	ListBatchAcks(ctx context.Context, channelID string) ([]*BatchAck, error)

	// GetChannelStats aggregates the share and block ledgers over the
	// window. Returns zeroed stats when nothing matches.
	GetChannelStats(ctx context.Context, channelID string, w Window) (*ChannelStats, error)

	// HealthCheck probes the backend. It never blocks on data operations
	// and never returns a taxonomy error.
	HealthCheck(ctx context.Context) *HealthReport
}

// Pruner is an optional capability: backends that retain share history on a
// bounded horizon implement it so the retention sweep can delete ledger
// entries (and their seen-hash markers) older than the cutoff. Accounting
// aggregates are never pruned.
type Pruner interface {
	PruneShares(ctx context.Context, cutoff time.Time) (int64, error)
}
