// Package memory implements the share-accounting storage contract entirely
// in process memory. It is the reference backend: concurrency-safe, never
// blocking, and deliberately non-durable — Close discards all state.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/shareledger/internal/analytics"
	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/pkg/errors"
)

type lifecycle int

const (
	stateUninitialized lifecycle = iota
	stateReady
	stateClosed
)

// Store is the in-memory backend. Each entity map carries its own RWMutex
// so readers of one entity never contend with writers of another; the
// seen-hash set and the share ledger share a mutex because duplicate
// detection and insertion must be atomic relative to each other.
type Store struct {
	stateMu sync.RWMutex
	state   lifecycle

	acctMu     sync.RWMutex
	accounting map[string]*store.ShareAccounting

	shareMu  sync.RWMutex
	shares   map[string][]*store.ShareRecord
	shareIDs map[string]struct{}
	seen     map[string]map[chainhash.Hash]struct{}

	blockMu   sync.RWMutex
	blocks    map[string][]*store.BlockRecord
	blockKeys map[string]struct{}

	ackMu sync.RWMutex
	acks  map[string][]*store.BatchAck
}

// New creates an uninitialized in-memory store.
func New() *Store {
	return &Store{}
}

// Initialize transitions the store to ready. Idempotent.
func (s *Store) Initialize(_ context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	switch s.state {
	case stateReady:
		return nil
	case stateClosed:
		return errors.New(errors.ErrorTypeNotInitialized, "initialize",
			"store has been closed")
	}

	s.accounting = make(map[string]*store.ShareAccounting)
	s.shares = make(map[string][]*store.ShareRecord)
	s.shareIDs = make(map[string]struct{})
	s.seen = make(map[string]map[chainhash.Hash]struct{})
	s.blocks = make(map[string][]*store.BlockRecord)
	s.blockKeys = make(map[string]struct{})
	s.acks = make(map[string][]*store.BatchAck)
	s.state = stateReady
	return nil
}

// Close discards all state. A fresh instance starts empty; non-persistence
// is part of this backend's contract.
func (s *Store) Close(_ context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state != stateReady {
		return errors.New(errors.ErrorTypeNotInitialized, "close",
			"store is not initialized")
	}

	s.accounting = nil
	s.shares = nil
	s.shareIDs = nil
	s.seen = nil
	s.blocks = nil
	s.blockKeys = nil
	s.acks = nil
	s.state = stateClosed
	return nil
}

func (s *Store) requireReady(operation string) error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	if s.state != stateReady {
		return errors.New(errors.ErrorTypeNotInitialized, operation,
			"store is not initialized")
	}
	return nil
}

// StoreShareAccounting upserts the per-channel aggregate, replacing any
// prior value entirely.
func (s *Store) StoreShareAccounting(_ context.Context, acct *store.ShareAccounting) error {
	if err := s.requireReady("store_share_accounting"); err != nil {
		return err
	}

	cp := *acct
	s.acctMu.Lock()
	s.accounting[acct.ChannelID] = &cp
	s.acctMu.Unlock()
	return nil
}

// GetShareAccounting returns the current aggregate, or (nil, nil) for a
// channel that has never been seen.
func (s *Store) GetShareAccounting(_ context.Context, channelID string) (*store.ShareAccounting, error) {
	if err := s.requireReady("get_share_accounting"); err != nil {
		return nil, err
	}

	s.acctMu.RLock()
	acct, ok := s.accounting[channelID]
	s.acctMu.RUnlock()
	if !ok {
		return nil, nil
	}

	cp := *acct
	return &cp, nil
}

// StoreShareRecord appends one submission to the share ledger. The id
// check, ledger append, and seen-hash insertion happen under one write
// lock so a hash is never partially visible.
func (s *Store) StoreShareRecord(_ context.Context, rec *store.ShareRecord) error {
	if err := s.requireReady("store_share_record"); err != nil {
		return err
	}

	cp := *rec

	s.shareMu.Lock()
	defer s.shareMu.Unlock()

	if _, dup := s.shareIDs[rec.ID]; dup {
		return errors.New(errors.ErrorTypeAlreadyExists, "store_share_record",
			"share record already exists").
			WithContext("share_id", rec.ID).
			WithContext("channel_id", rec.ChannelID)
	}

	s.shareIDs[rec.ID] = struct{}{}
	s.shares[rec.ChannelID] = append(s.shares[rec.ChannelID], &cp)

	hashes, ok := s.seen[rec.ChannelID]
	if !ok {
		hashes = make(map[chainhash.Hash]struct{})
		s.seen[rec.ChannelID] = hashes
	}
	hashes[rec.Hash] = struct{}{}
	return nil
}

// IsShareSeen reports whether any stored record for the channel carries
// this hash.
func (s *Store) IsShareSeen(_ context.Context, channelID string, hash chainhash.Hash) (bool, error) {
	if err := s.requireReady("is_share_seen"); err != nil {
		return false, err
	}

	s.shareMu.RLock()
	defer s.shareMu.RUnlock()

	hashes, ok := s.seen[channelID]
	if !ok {
		return false, nil
	}
	_, seen := hashes[hash]
	return seen, nil
}

// ListShareRecords returns the channel's ledger entries inside the window,
// ordered by timestamp.
func (s *Store) ListShareRecords(_ context.Context, channelID string, w store.Window) ([]*store.ShareRecord, error) {
	if err := s.requireReady("list_share_records"); err != nil {
		return nil, err
	}

	s.shareMu.RLock()
	ledger := s.shares[channelID]
	out := make([]*store.ShareRecord, 0, len(ledger))
	for _, rec := range ledger {
		if !w.Contains(rec.Timestamp) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	s.shareMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// StoreBlockRecord appends a discovered block to the block ledger. The same
// block hash may not be recorded twice against one channel.
func (s *Store) StoreBlockRecord(_ context.Context, rec *store.BlockRecord) error {
	if err := s.requireReady("store_block_record"); err != nil {
		return err
	}

	key := rec.ChannelID + "|" + rec.Hash.String()

	cp := *rec
	s.blockMu.Lock()
	defer s.blockMu.Unlock()

	if _, dup := s.blockKeys[key]; dup {
		return errors.New(errors.ErrorTypeAlreadyExists, "store_block_record",
			"block already recorded for channel").
			WithContext("channel_id", rec.ChannelID).
			WithContext("hash", rec.Hash.String())
	}
	s.blockKeys[key] = struct{}{}
	s.blocks[rec.ChannelID] = append(s.blocks[rec.ChannelID], &cp)
	return nil
}

// ListBlockRecords returns the channel's block ledger entries inside the
// window, ordered by timestamp.
func (s *Store) ListBlockRecords(_ context.Context, channelID string, w store.Window) ([]*store.BlockRecord, error) {
	if err := s.requireReady("list_block_records"); err != nil {
		return nil, err
	}

	s.blockMu.RLock()
	ledger := s.blocks[channelID]
	out := make([]*store.BlockRecord, 0, len(ledger))
	for _, rec := range ledger {
		if !w.Contains(rec.Timestamp) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	s.blockMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// StoreBatchAck appends a batch acknowledgment to the ack ledger.
func (s *Store) StoreBatchAck(_ context.Context, ack *store.BatchAck) error {
	if err := s.requireReady("store_batch_ack"); err != nil {
		return err
	}

	cp := *ack
	s.ackMu.Lock()
	s.acks[ack.ChannelID] = append(s.acks[ack.ChannelID], &cp)
	s.ackMu.Unlock()
	return nil
}

// ListBatchAcks returns the channel's acknowledgment ledger ordered by
// timestamp.
func (s *Store) ListBatchAcks(_ context.Context, channelID string) ([]*store.BatchAck, error) {
	if err := s.requireReady("list_batch_acks"); err != nil {
		return nil, err
	}

	s.ackMu.RLock()
	ledger := s.acks[channelID]
	out := make([]*store.BatchAck, 0, len(ledger))
	for _, ack := range ledger {
		cp := *ack
		out = append(out, &cp)
	}
	s.ackMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// GetChannelStats aggregates the share and block ledgers over the window.
func (s *Store) GetChannelStats(ctx context.Context, channelID string, w store.Window) (*store.ChannelStats, error) {
	if err := s.requireReady("get_channel_stats"); err != nil {
		return nil, err
	}
	return analytics.Compute(ctx, s, channelID, w)
}

// HealthCheck reports the store's lifecycle state as a status value. It
// never fails and never touches the data maps.
func (s *Store) HealthCheck(_ context.Context) *store.HealthReport {
	s.stateMu.RLock()
	state := s.state
	s.stateMu.RUnlock()

	report := &store.HealthReport{
		Backend:   "memory",
		CheckedAt: time.Now(),
	}

	if state == stateReady {
		report.Status = store.StatusReady
		return report
	}

	report.Status = store.StatusUnavailable
	if state == stateClosed {
		report.Detail = "store closed"
	} else {
		report.Detail = "store not initialized"
	}
	return report
}

// PruneShares deletes share ledger entries older than the cutoff along with
// their seen-hash markers. Accounting aggregates are untouched.
func (s *Store) PruneShares(_ context.Context, cutoff time.Time) (int64, error) {
	if err := s.requireReady("prune_shares"); err != nil {
		return 0, err
	}

	var pruned int64

	s.shareMu.Lock()
	defer s.shareMu.Unlock()

	for channelID, ledger := range s.shares {
		kept := ledger[:0]
		for _, rec := range ledger {
			if rec.Timestamp.Before(cutoff) {
				delete(s.shareIDs, rec.ID)
				if hashes, ok := s.seen[channelID]; ok {
					delete(hashes, rec.Hash)
				}
				pruned++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(s.shares, channelID)
			if hashes, ok := s.seen[channelID]; ok && len(hashes) == 0 {
				delete(s.seen, channelID)
			}
			continue
		}
		s.shares[channelID] = kept
	}
	return pruned, nil
}
