// Package redis implements the share-accounting storage contract on Redis.
// Accounting aggregates are JSON strings, the per-channel seen-hash set is a
// Redis SET, and each ledger is a ZSET scored by submission timestamp so
// windowed reads are range queries.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	goredis "github.com/redis/go-redis/v9"

	"github.com/bardlex/shareledger/internal/analytics"
	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/pkg/errors"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store is the Redis-backed backend.
type Store struct {
	cfg Config

	mu  sync.RWMutex
	rdb *goredis.Client
}

// New creates an uninitialized store for the given configuration.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

func acctKey(channelID string) string    { return "sl:acct:" + channelID }
func shareKey(id string) string          { return "sl:share:" + id }
func ledgerKey(channelID string) string  { return "sl:ledger:" + channelID }
func seenKey(channelID string) string    { return "sl:seen:" + channelID }
func blocksKey(channelID string) string  { return "sl:blocks:" + channelID }
func acksKey(channelID string) string    { return "sl:acks:" + channelID }
func hashMember(h chainhash.Hash) string { return fmt.Sprintf("%x", h[:]) }

const channelsKey = "sl:channels"

// Initialize connects and pings. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rdb != nil {
		return nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         s.cfg.Addr,
		Password:     s.cfg.Password,
		DB:           s.cfg.DB,
		PoolSize:     s.cfg.PoolSize,
		DialTimeout:  s.cfg.DialTimeout,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return errors.Wrap(err, errors.ErrorTypeUnavailable, "initialize",
			"failed to ping redis").
			WithContext("addr", s.cfg.Addr)
	}

	s.rdb = rdb
	return nil
}

// Close closes the connection pool.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rdb == nil {
		return errors.New(errors.ErrorTypeNotInitialized, "close",
			"store is not initialized")
	}

	err := s.rdb.Close()
	s.rdb = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "close",
			"failed to close redis client")
	}
	return nil
}

func (s *Store) client(operation string) (*goredis.Client, error) {
	s.mu.RLock()
	rdb := s.rdb
	s.mu.RUnlock()
	if rdb == nil {
		return nil, errors.New(errors.ErrorTypeNotInitialized, operation,
			"store is not initialized")
	}
	return rdb, nil
}

// StoreShareAccounting upserts the per-channel aggregate.
func (s *Store) StoreShareAccounting(ctx context.Context, acct *store.ShareAccounting) error {
	rdb, err := s.client("store_share_accounting")
	if err != nil {
		return err
	}

	data, err := json.Marshal(acct)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "store_share_accounting",
			"failed to encode accounting record").
			WithContext("channel_id", acct.ChannelID)
	}

	if err := rdb.Set(ctx, acctKey(acct.ChannelID), data, 0).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_share_accounting",
			"failed to write accounting record").
			WithContext("channel_id", acct.ChannelID)
	}
	return nil
}

// GetShareAccounting returns the current aggregate, or (nil, nil) for an
// absent channel.
func (s *Store) GetShareAccounting(ctx context.Context, channelID string) (*store.ShareAccounting, error) {
	rdb, err := s.client("get_share_accounting")
	if err != nil {
		return nil, err
	}

	data, err := rdb.Get(ctx, acctKey(channelID)).Bytes()
	if err == goredis.Nil {
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

// StoreShareRecord appends one submission. SetNX claims the id; the ledger
// entry and seen-hash marker follow in one pipeline once the claim holds.
func (s *Store) StoreShareRecord(ctx context.Context, rec *store.ShareRecord) error {
	rdb, err := s.client("store_share_record")
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "store_share_record",
			"failed to encode share record").
			WithContext("share_id", rec.ID)
	}

	claimed, err := rdb.SetNX(ctx, shareKey(rec.ID), data, 0).Result()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_share_record",
			"failed to claim share id").
			WithContext("share_id", rec.ID)
	}
	if !claimed {
		return errors.New(errors.ErrorTypeAlreadyExists, "store_share_record",
			"share record already exists").
			WithContext("share_id", rec.ID).
			WithContext("channel_id", rec.ChannelID)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, ledgerKey(rec.ChannelID), goredis.Z{
			Score:  float64(rec.Timestamp.UnixNano()),
			Member: rec.ID,
		})
		pipe.SAdd(ctx, seenKey(rec.ChannelID), hashMember(rec.Hash))
		pipe.SAdd(ctx, channelsKey, rec.ChannelID)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_share_record",
			"failed to index share record").
			WithContext("share_id", rec.ID)
	}
	return nil
}

// IsShareSeen probes the per-channel seen-hash set.
func (s *Store) IsShareSeen(ctx context.Context, channelID string, hash chainhash.Hash) (bool, error) {
	rdb, err := s.client("is_share_seen")
	if err != nil {
		return false, err
	}

	seen, err := rdb.SIsMember(ctx, seenKey(channelID), hashMember(hash)).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeIO, "is_share_seen",
			"failed to probe seen hash").
			WithContext("channel_id", channelID)
	}
	return seen, nil
}

func windowRange(w store.Window) (string, string) {
	min, max := "-inf", "+inf"
	if !w.Start.IsZero() {
		min = strconv.FormatInt(w.Start.UnixNano(), 10)
	}
	if !w.End.IsZero() {
		max = strconv.FormatInt(w.End.UnixNano(), 10)
	}
	return min, max
}

// ListShareRecords reads the ledger ZSET range, then fetches the records.
func (s *Store) ListShareRecords(ctx context.Context, channelID string, w store.Window) ([]*store.ShareRecord, error) {
	rdb, err := s.client("list_share_records")
	if err != nil {
		return nil, err
	}

	min, max := windowRange(w)
	ids, err := rdb.ZRangeByScore(ctx, ledgerKey(channelID), &goredis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_share_records",
			"failed to read share ledger index").
			WithContext("channel_id", channelID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = shareKey(id)
	}
	values, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_share_records",
			"failed to read share records").
			WithContext("channel_id", channelID)
	}

	out := make([]*store.ShareRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Record pruned between the index read and the fetch
			continue
		}
		var rec store.ShareRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_share_records",
				"failed to decode share record").
				WithContext("channel_id", channelID)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// StoreBlockRecord appends a discovered block; the record itself is the
// ZSET member.
func (s *Store) StoreBlockRecord(ctx context.Context, rec *store.BlockRecord) error {
	rdb, err := s.client("store_block_record")
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "store_block_record",
			"failed to encode block record").
			WithContext("block_hash", rec.Hash.String())
	}

	err = rdb.ZAdd(ctx, blocksKey(rec.ChannelID), goredis.Z{
		Score:  float64(rec.Timestamp.UnixNano()),
		Member: string(data),
	}).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_block_record",
			"failed to write block record").
			WithContext("block_hash", rec.Hash.String())
	}
	return nil
}

// ListBlockRecords reads the block ledger ZSET range.
func (s *Store) ListBlockRecords(ctx context.Context, channelID string, w store.Window) ([]*store.BlockRecord, error) {
	rdb, err := s.client("list_block_records")
	if err != nil {
		return nil, err
	}

	min, max := windowRange(w)
	members, err := rdb.ZRangeByScore(ctx, blocksKey(channelID), &goredis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_block_records",
			"failed to read block ledger").
			WithContext("channel_id", channelID)
	}

	out := make([]*store.BlockRecord, 0, len(members))
	for _, raw := range members {
		var rec store.BlockRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_block_records",
				"failed to decode block record").
				WithContext("channel_id", channelID)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// StoreBatchAck appends a batch acknowledgment.
func (s *Store) StoreBatchAck(ctx context.Context, ack *store.BatchAck) error {
	rdb, err := s.client("store_batch_ack")
	if err != nil {
		return err
	}

	data, err := json.Marshal(ack)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "store_batch_ack",
			"failed to encode batch ack").
			WithContext("batch_id", ack.BatchID)
	}

	err = rdb.ZAdd(ctx, acksKey(ack.ChannelID), goredis.Z{
		Score:  float64(ack.Timestamp.UnixNano()),
		Member: string(data),
	}).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_batch_ack",
			"failed to write batch ack").
			WithContext("batch_id", ack.BatchID)
	}
	return nil
}

// ListBatchAcks reads the acknowledgment ledger.
func (s *Store) ListBatchAcks(ctx context.Context, channelID string) ([]*store.BatchAck, error) {
	rdb, err := s.client("list_batch_acks")
	if err != nil {
		return nil, err
	}

	members, err := rdb.ZRangeByScore(ctx, acksKey(channelID), &goredis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_batch_acks",
			"failed to read ack ledger").
			WithContext("channel_id", channelID)
	}

	out := make([]*store.BatchAck, 0, len(members))
	for _, raw := range members {
		var ack store.BatchAck
		if err := json.Unmarshal([]byte(raw), &ack); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_batch_acks",
				"failed to decode batch ack").
				WithContext("channel_id", channelID)
		}
		out = append(out, &ack)
	}
	return out, nil
}

// GetChannelStats aggregates over the ledgers via the shared analytics path.
func (s *Store) GetChannelStats(ctx context.Context, channelID string, w store.Window) (*store.ChannelStats, error) {
	if _, err := s.client("get_channel_stats"); err != nil {
		return nil, err
	}
	return analytics.Compute(ctx, s, channelID, w)
}

// HealthCheck pings with a short deadline so monitoring never hangs on a
// dead server.
func (s *Store) HealthCheck(ctx context.Context) *store.HealthReport {
	report := &store.HealthReport{
		Backend:   "redis",
		CheckedAt: time.Now(),
	}

	s.mu.RLock()
	rdb := s.rdb
	s.mu.RUnlock()

	if rdb == nil {
		report.Status = store.StatusUnavailable
		report.Detail = "client not connected"
		return report
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		report.Status = store.StatusUnavailable
		report.Detail = err.Error()
		return report
	}

	report.Status = store.StatusReady
	return report
}

// PruneShares walks every channel's ledger index and removes entries older
// than the cutoff, along with the record bodies and seen-hash members.
func (s *Store) PruneShares(ctx context.Context, cutoff time.Time) (int64, error) {
	rdb, err := s.client("prune_shares")
	if err != nil {
		return 0, err
	}

	channels, err := rdb.SMembers(ctx, channelsKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
			"failed to enumerate channels")
	}

	max := strconv.FormatInt(cutoff.UnixNano()-1, 10)
	var pruned int64

	for _, channelID := range channels {
		ids, err := rdb.ZRangeByScore(ctx, ledgerKey(channelID), &goredis.ZRangeBy{Min: "-inf", Max: max}).Result()
		if err != nil {
			return pruned, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
				"failed to read ledger index").
				WithContext("channel_id", channelID)
		}
		if len(ids) == 0 {
			continue
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = shareKey(id)
		}
		values, err := rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return pruned, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
				"failed to read share records").
				WithContext("channel_id", channelID)
		}

		_, err = rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, v := range values {
				raw, ok := v.(string)
				if ok {
					var rec store.ShareRecord
					if err := json.Unmarshal([]byte(raw), &rec); err == nil {
						pipe.SRem(ctx, seenKey(channelID), hashMember(rec.Hash))
					}
				}
				pipe.Del(ctx, keys[i])
			}
			pipe.ZRemRangeByScore(ctx, ledgerKey(channelID), "-inf", max)
			return nil
		})
		if err != nil {
			return pruned, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
				"failed to apply prune pipeline").
				WithContext("channel_id", channelID)
		}
		pruned += int64(len(ids))
	}
	return pruned, nil
}
