// Package leveldb implements the share-accounting storage contract on a
// single embedded goleveldb database. One-byte key prefixes carve a
// keyspace per entity out of the one DB; ledger keys embed the channel id
// and a big-endian timestamp so windowed scans are ordered range reads.
package leveldb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/bardlex/shareledger/internal/analytics"
	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/pkg/errors"
)

// Key prefixes. Ledger keys are prefix | channel | 0x00 | tsBE8 | tiebreak,
// so iterating a channel prefix yields timestamp order for free.
const (
	prefixAccounting byte = 'A'
	prefixShare      byte = 'S'
	prefixShareID    byte = 'I'
	prefixSeenHash   byte = 'H'
	prefixBlock      byte = 'B'
	prefixAck        byte = 'K'
)

// Store is the file-backed backend.
type Store struct {
	path string

	mu sync.RWMutex
	db *leveldb.DB
}

// New creates an uninitialized store targeting the given database path.
func New(path string) *Store {
	return &Store{path: path}
}

// Initialize opens the database. Idempotent.
func (s *Store) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := leveldb.OpenFile(s.path, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeUnavailable, "initialize",
			"failed to open leveldb database").
			WithContext("database_path", s.path)
	}
	s.db = db
	return nil
}

// Close closes the database.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errors.New(errors.ErrorTypeNotInitialized, "close",
			"store is not initialized")
	}

	err := s.db.Close()
	s.db = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "close",
			"failed to close leveldb database")
	}
	return nil
}

func (s *Store) handle(operation string) (*leveldb.DB, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, errors.New(errors.ErrorTypeNotInitialized, operation,
			"store is not initialized")
	}
	return db, nil
}

func channelKey(prefix byte, channelID string, suffix ...[]byte) []byte {
	key := make([]byte, 0, 2+len(channelID)+24)
	key = append(key, prefix)
	key = append(key, channelID...)
	key = append(key, 0x00)
	for _, part := range suffix {
		key = append(key, part...)
	}
	return key
}

func tsBytes(ts time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ts.UnixNano()))
	return b[:]
}

func seqBytes(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// StoreShareAccounting upserts the per-channel aggregate.
func (s *Store) StoreShareAccounting(_ context.Context, acct *store.ShareAccounting) error {
	db, err := s.handle("store_share_accounting")
	if err != nil {
		return err
	}

	data, err := json.Marshal(acct)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "store_share_accounting",
			"failed to encode accounting record").
			WithContext("channel_id", acct.ChannelID)
	}

	key := append([]byte{prefixAccounting}, acct.ChannelID...)
	if err := db.Put(key, data, nil); err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_share_accounting",
			"failed to write accounting record").
			WithContext("channel_id", acct.ChannelID)
	}
	return nil
}

// GetShareAccounting returns the current aggregate, or (nil, nil) for an
// absent channel.
func (s *Store) GetShareAccounting(_ context.Context, channelID string) (*store.ShareAccounting, error) {
	db, err := s.handle("get_share_accounting")
	if err != nil {
		return nil, err
	}

	key := append([]byte{prefixAccounting}, channelID...)
	data, err := db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "get_share_accounting",
			"failed to read accounting record").
			WithContext("channel_id", channelID)
	}

	var acct store.ShareAccounting
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "get_share_accounting",
			"failed to decode accounting record").
			WithContext("channel_id", channelID)
	}
	return &acct, nil
}

// StoreShareRecord appends one submission. The id marker, ledger entry, and
// seen-hash marker land in one write batch so the insert is atomic.
func (s *Store) StoreShareRecord(_ context.Context, rec *store.ShareRecord) error {
	idKey := append([]byte{prefixShareID}, rec.ID...)

	// Exclusive lock so the id probe and the batch write are atomic; a
	// hash is never partially visible to IsShareSeen.
	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.db
	if db == nil {
		return errors.New(errors.ErrorTypeNotInitialized, "store_share_record",
			"store is not initialized")
	}

	exists, err := db.Has(idKey, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_share_record",
			"failed to probe share id").
			WithContext("share_id", rec.ID)
	}
	if exists {
		return errors.New(errors.ErrorTypeAlreadyExists, "store_share_record",
			"share record already exists").
			WithContext("share_id", rec.ID).
			WithContext("channel_id", rec.ChannelID)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "store_share_record",
			"failed to encode share record").
			WithContext("share_id", rec.ID)
	}

	batch := new(leveldb.Batch)
	batch.Put(channelKey(prefixShare, rec.ChannelID, tsBytes(rec.Timestamp), seqBytes(rec.SequenceNumber)), data)
	batch.Put(idKey, nil)
	batch.Put(channelKey(prefixSeenHash, rec.ChannelID, rec.Hash[:]), nil)

	if err := db.Write(batch, nil); err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_share_record",
			"failed to write share record").
			WithContext("share_id", rec.ID)
	}
	return nil
}

// IsShareSeen probes the per-channel seen-hash keyspace.
func (s *Store) IsShareSeen(_ context.Context, channelID string, hash chainhash.Hash) (bool, error) {
	db, err := s.handle("is_share_seen")
	if err != nil {
		return false, err
	}

	seen, err := db.Has(channelKey(prefixSeenHash, channelID, hash[:]), nil)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeIO, "is_share_seen",
			"failed to probe seen hash").
			WithContext("channel_id", channelID)
	}
	return seen, nil
}

// ListShareRecords scans the channel's ledger keyspace; keys are timestamp
// ordered so no post-sort is needed.
func (s *Store) ListShareRecords(_ context.Context, channelID string, w store.Window) ([]*store.ShareRecord, error) {
	db, err := s.handle("list_share_records")
	if err != nil {
		return nil, err
	}

	var out []*store.ShareRecord
	iter := db.NewIterator(util.BytesPrefix(channelKey(prefixShare, channelID)), nil)
	defer iter.Release()

	for iter.Next() {
		var rec store.ShareRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_share_records",
				"failed to decode share record").
				WithContext("channel_id", channelID)
		}
		if !w.Contains(rec.Timestamp) {
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_share_records",
			"ledger scan failed").
			WithContext("channel_id", channelID)
	}
	return out, nil
}

// StoreBlockRecord appends a discovered block.
func (s *Store) StoreBlockRecord(_ context.Context, rec *store.BlockRecord) error {
	db, err := s.handle("store_block_record")
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "store_block_record",
			"failed to encode block record").
			WithContext("block_hash", rec.Hash.String())
	}

	key := channelKey(prefixBlock, rec.ChannelID, tsBytes(rec.Timestamp), rec.Hash[:])
	if err := db.Put(key, data, nil); err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_block_record",
			"failed to write block record").
			WithContext("block_hash", rec.Hash.String())
	}
	return nil
}

// ListBlockRecords scans the channel's block ledger.
func (s *Store) ListBlockRecords(_ context.Context, channelID string, w store.Window) ([]*store.BlockRecord, error) {
	db, err := s.handle("list_block_records")
	if err != nil {
		return nil, err
	}

	var out []*store.BlockRecord
	iter := db.NewIterator(util.BytesPrefix(channelKey(prefixBlock, channelID)), nil)
	defer iter.Release()

	for iter.Next() {
		var rec store.BlockRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_block_records",
				"failed to decode block record").
				WithContext("channel_id", channelID)
		}
		if !w.Contains(rec.Timestamp) {
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_block_records",
			"ledger scan failed").
			WithContext("channel_id", channelID)
	}
	return out, nil
}

// StoreBatchAck appends a batch acknowledgment.
func (s *Store) StoreBatchAck(_ context.Context, ack *store.BatchAck) error {
	db, err := s.handle("store_batch_ack")
	if err != nil {
		return err
	}

	data, err := json.Marshal(ack)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "store_batch_ack",
			"failed to encode batch ack").
			WithContext("batch_id", ack.BatchID)
	}

	key := channelKey(prefixAck, ack.ChannelID, tsBytes(ack.Timestamp), []byte(ack.BatchID))
	if err := db.Put(key, data, nil); err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_batch_ack",
			"failed to write batch ack").
			WithContext("batch_id", ack.BatchID)
	}
	return nil
}

// ListBatchAcks scans the channel's acknowledgment ledger.
func (s *Store) ListBatchAcks(_ context.Context, channelID string) ([]*store.BatchAck, error) {
	db, err := s.handle("list_batch_acks")
	if err != nil {
		return nil, err
	}

	var out []*store.BatchAck
	iter := db.NewIterator(util.BytesPrefix(channelKey(prefixAck, channelID)), nil)
	defer iter.Release()

	for iter.Next() {
		var ack store.BatchAck
		if err := json.Unmarshal(iter.Value(), &ack); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_batch_acks",
				"failed to decode batch ack").
				WithContext("channel_id", channelID)
		}
		out = append(out, &ack)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_batch_acks",
			"ledger scan failed").
			WithContext("channel_id", channelID)
	}
	return out, nil
}

// GetChannelStats aggregates over the ledgers via the shared analytics path.
func (s *Store) GetChannelStats(ctx context.Context, channelID string, w store.Window) (*store.ChannelStats, error) {
	if _, err := s.handle("get_channel_stats"); err != nil {
		return nil, err
	}
	return analytics.Compute(ctx, s, channelID, w)
}

// HealthCheck reports status without touching the data keyspaces.
func (s *Store) HealthCheck(_ context.Context) *store.HealthReport {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	report := &store.HealthReport{
		Backend:   "leveldb",
		CheckedAt: time.Now(),
	}

	if db == nil {
		report.Status = store.StatusUnavailable
		report.Detail = "database not open"
		return report
	}

	// A property read exercises the handle without scanning data
	if _, err := db.GetProperty("leveldb.stats"); err != nil {
		report.Status = store.StatusDegraded
		report.Detail = err.Error()
		return report
	}

	report.Status = store.StatusReady
	return report
}

// PruneShares deletes share ledger entries older than the cutoff together
// with their id and seen-hash markers.
func (s *Store) PruneShares(_ context.Context, cutoff time.Time) (int64, error) {
	db, err := s.handle("prune_shares")
	if err != nil {
		return 0, err
	}

	var pruned int64
	batch := new(leveldb.Batch)

	iter := db.NewIterator(util.BytesPrefix([]byte{prefixShare}), nil)
	for iter.Next() {
		var rec store.ShareRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			iter.Release()
			return 0, errors.Wrap(err, errors.ErrorTypeSerialization, "prune_shares",
				"failed to decode share record")
		}
		if !rec.Timestamp.Before(cutoff) {
			continue
		}
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
		batch.Delete(append([]byte{prefixShareID}, rec.ID...))
		batch.Delete(channelKey(prefixSeenHash, rec.ChannelID, rec.Hash[:]))
		pruned++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
			"ledger scan failed")
	}

	if pruned == 0 {
		return 0, nil
	}
	if err := db.Write(batch, nil); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
			"failed to apply prune batch")
	}
	return pruned, nil
}
