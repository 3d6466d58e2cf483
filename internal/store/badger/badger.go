// Package badger implements the share-accounting storage contract on
// BadgerDB, a log-structured key-value store. The keyspace mirrors the
// file-backed backend: string prefixes per entity, ledger keys ordered by
// channel and big-endian timestamp. With an empty database path the store
// runs fully in memory, which the tests use.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/shareledger/internal/analytics"
	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/pkg/errors"
)

const (
	nsAccounting = "acct/"
	nsShare      = "share/"
	nsShareID    = "sid/"
	nsSeenHash   = "seen/"
	nsBlock      = "block/"
	nsAck        = "ack/"
)

// Config holds BadgerDB backend configuration.
type Config struct {
	Path       string
	SyncWrites bool
}

// Store is the key-value-backed backend.
type Store struct {
	cfg Config

	mu sync.RWMutex
	db *badgerdb.DB
}

// New creates an uninitialized store for the given configuration.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Initialize opens the database. Idempotent. An empty path selects Badger's
// in-memory mode.
func (s *Store) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	var opts badgerdb.Options
	if s.cfg.Path == "" {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badgerdb.DefaultOptions(s.cfg.Path)
		opts.SyncWrites = s.cfg.SyncWrites
	}
	opts.Logger = nil

	db, err := badgerdb.Open(opts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeUnavailable, "initialize",
			"failed to open badger database").
			WithContext("database_path", s.cfg.Path)
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
			"failed to close badger database")
	}
	return nil
}

func (s *Store) handle(operation string) (*badgerdb.DB, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, errors.New(errors.ErrorTypeNotInitialized, operation,
			"store is not initialized")
	}
	return db, nil
}

func ledgerKey(ns, channelID string, suffix ...[]byte) []byte {
	key := make([]byte, 0, len(ns)+len(channelID)+25)
	key = append(key, ns...)
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

	err = db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(nsAccounting+acct.ChannelID), data)
	})
	if err != nil {
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

	var acct *store.ShareAccounting
	err = db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(nsAccounting + channelID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded := &store.ShareAccounting{}
			if err := json.Unmarshal(val, decoded); err != nil {
				return errors.Wrap(err, errors.ErrorTypeSerialization, "get_share_accounting",
					"failed to decode accounting record")
			}
			acct = decoded
			return nil
		})
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeSerialization) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "get_share_accounting",
			"failed to read accounting record").
			WithContext("channel_id", channelID)
	}
	return acct, nil
}

// StoreShareRecord appends one submission. The id probe, ledger entry, and
// seen-hash marker share one read-write transaction, so duplicate rejection
// and hash visibility are atomic.
func (s *Store) StoreShareRecord(_ context.Context, rec *store.ShareRecord) error {
	db, err := s.handle("store_share_record")
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "store_share_record",
			"failed to encode share record").
			WithContext("share_id", rec.ID)
	}

	idKey := []byte(nsShareID + rec.ID)

	err = db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(idKey)
		if err == nil {
			return errors.New(errors.ErrorTypeAlreadyExists, "store_share_record",
				"share record already exists").
				WithContext("share_id", rec.ID).
				WithContext("channel_id", rec.ChannelID)
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(ledgerKey(nsShare, rec.ChannelID, tsBytes(rec.Timestamp), seqBytes(rec.SequenceNumber)), data); err != nil {
			return err
		}
		if err := txn.Set(idKey, nil); err != nil {
			return err
		}
		return txn.Set(ledgerKey(nsSeenHash, rec.ChannelID, rec.Hash[:]), nil)
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeAlreadyExists) {
			return err
		}
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

	var seen bool
	err = db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(ledgerKey(nsSeenHash, channelID, hash[:]))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeIO, "is_share_seen",
			"failed to probe seen hash").
			WithContext("channel_id", channelID)
	}
	return seen, nil
}

// ListShareRecords iterates the channel's ledger prefix; keys are timestamp
// ordered so no post-sort is needed.
func (s *Store) ListShareRecords(_ context.Context, channelID string, w store.Window) ([]*store.ShareRecord, error) {
	db, err := s.handle("list_share_records")
	if err != nil {
		return nil, err
	}

	var out []*store.ShareRecord
	err = db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = ledgerKey(nsShare, channelID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec store.ShareRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return errors.Wrap(err, errors.ErrorTypeSerialization, "list_share_records",
						"failed to decode share record")
				}
				if w.Contains(rec.Timestamp) {
					out = append(out, &rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeSerialization) {
			return nil, err
		}
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

	err = db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(ledgerKey(nsBlock, rec.ChannelID, tsBytes(rec.Timestamp), rec.Hash[:]), data)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_block_record",
			"failed to write block record").
			WithContext("block_hash", rec.Hash.String())
	}
	return nil
}

// ListBlockRecords iterates the channel's block ledger prefix.
func (s *Store) ListBlockRecords(_ context.Context, channelID string, w store.Window) ([]*store.BlockRecord, error) {
	db, err := s.handle("list_block_records")
	if err != nil {
		return nil, err
	}

	var out []*store.BlockRecord
	err = db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = ledgerKey(nsBlock, channelID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec store.BlockRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return errors.Wrap(err, errors.ErrorTypeSerialization, "list_block_records",
						"failed to decode block record")
				}
				if w.Contains(rec.Timestamp) {
					out = append(out, &rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeSerialization) {
			return nil, err
		}
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

	err = db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(ledgerKey(nsAck, ack.ChannelID, tsBytes(ack.Timestamp), []byte(ack.BatchID)), data)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_batch_ack",
			"failed to write batch ack").
			WithContext("batch_id", ack.BatchID)
	}
	return nil
}

// ListBatchAcks iterates the channel's acknowledgment ledger prefix.
func (s *Store) ListBatchAcks(_ context.Context, channelID string) ([]*store.BatchAck, error) {
	db, err := s.handle("list_batch_acks")
	if err != nil {
		return nil, err
	}

	var out []*store.BatchAck
	err = db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = ledgerKey(nsAck, channelID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ack store.BatchAck
				if err := json.Unmarshal(val, &ack); err != nil {
					return errors.Wrap(err, errors.ErrorTypeSerialization, "list_batch_acks",
						"failed to decode batch ack")
				}
				out = append(out, &ack)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeSerialization) {
			return nil, err
		}
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

// HealthCheck reports status from the database handle state.
func (s *Store) HealthCheck(_ context.Context) *store.HealthReport {
	report := &store.HealthReport{
		Backend:   "badger",
		CheckedAt: time.Now(),
	}

	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	if db == nil {
		report.Status = store.StatusUnavailable
		report.Detail = "database not open"
		return report
	}
	if db.IsClosed() {
		report.Status = store.StatusUnavailable
		report.Detail = "database closed"
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

	type victim struct {
		key  []byte
		id   string
		ch   string
		hash chainhash.Hash
	}

	var victims []victim
	err = db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(nsShare)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec store.ShareRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return errors.Wrap(err, errors.ErrorTypeSerialization, "prune_shares",
						"failed to decode share record")
				}
				if rec.Timestamp.Before(cutoff) {
					victims = append(victims, victim{
						key:  item.KeyCopy(nil),
						id:   rec.ID,
						ch:   rec.ChannelID,
						hash: rec.Hash,
					})
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeSerialization) {
			return 0, err
		}
		return 0, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
			"ledger scan failed")
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, v := range victims {
		if err := wb.Delete(v.key); err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
				"failed to stage delete")
		}
		if err := wb.Delete([]byte(nsShareID + v.id)); err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
				"failed to stage delete")
		}
		if err := wb.Delete(ledgerKey(nsSeenHash, v.ch, v.hash[:])); err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
				"failed to stage delete")
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
			"failed to apply prune batch")
	}
	return int64(len(victims)), nil
}
