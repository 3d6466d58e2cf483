// Package postgres implements the share-accounting storage contract on
// PostgreSQL. One table per entity: the accounting aggregate keyed uniquely
// by channel id, the ledgers keyed by their own unique ids with a
// (channel_id, ts) index backing the windowed analytics query.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lib/pq"

	"github.com/bardlex/shareledger/internal/analytics"
	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/pkg/errors"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// Store is the PostgreSQL-backed backend.
type Store struct {
	cfg Config

	mu sync.RWMutex
	db *sql.DB
}

// New creates an uninitialized store for the given configuration.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS share_accounting (
		channel_id          TEXT PRIMARY KEY,
		shares_accepted     BIGINT NOT NULL,
		shares_rejected     BIGINT NOT NULL,
		share_work_sum      NUMERIC(20,0) NOT NULL,
		last_share_sequence NUMERIC(20,0) NOT NULL,
		last_updated        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS share_records (
		id                 TEXT PRIMARY KEY,
		channel_id         TEXT NOT NULL,
		hash               BYTEA NOT NULL,
		sequence_number    NUMERIC(20,0) NOT NULL,
		share_work         NUMERIC(20,0) NOT NULL,
		difficulty         DOUBLE PRECISION NOT NULL,
		ts                 TIMESTAMPTZ NOT NULL,
		accepted           BOOLEAN NOT NULL,
		validation_outcome TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS share_records_channel_ts_idx ON share_records (channel_id, ts)`,
	`CREATE INDEX IF NOT EXISTS share_records_channel_hash_idx ON share_records (channel_id, hash)`,
	`CREATE TABLE IF NOT EXISTS block_records (
		hash       BYTEA NOT NULL,
		channel_id TEXT NOT NULL,
		height     BIGINT NOT NULL,
		ts         TIMESTAMPTZ NOT NULL,
		share_id   TEXT NOT NULL,
		PRIMARY KEY (hash, channel_id)
	)`,
	`CREATE INDEX IF NOT EXISTS block_records_channel_ts_idx ON block_records (channel_id, ts)`,
	`CREATE TABLE IF NOT EXISTS batch_acks (
		batch_id       TEXT PRIMARY KEY,
		channel_id     TEXT NOT NULL,
		first_sequence NUMERIC(20,0) NOT NULL,
		last_sequence  NUMERIC(20,0) NOT NULL,
		ts             TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS batch_acks_channel_ts_idx ON batch_acks (channel_id, ts)`,
}

// Initialize opens the connection pool, pings, and bootstraps the schema.
// Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		s.cfg.Host, s.cfg.Port, s.cfg.Database, s.cfg.User, s.cfg.Password, s.cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeUnavailable, "initialize",
			"failed to open postgres connection")
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return errors.Wrap(err, errors.ErrorTypeUnavailable, "initialize",
			"failed to ping postgres").
			WithContext("host", s.cfg.Host)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return errors.Wrap(err, errors.ErrorTypeIO, "initialize",
				"failed to bootstrap schema")
		}
	}

	s.db = db
	return nil
}

// Close closes the connection pool.
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
			"failed to close postgres connection")
	}
	return nil
}

func (s *Store) handle(operation string) (*sql.DB, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, errors.New(errors.ErrorTypeNotInitialized, operation,
			"store is not initialized")
	}
	return db, nil
}

// StoreShareAccounting upserts the per-channel aggregate.
func (s *Store) StoreShareAccounting(ctx context.Context, acct *store.ShareAccounting) error {
	db, err := s.handle("store_share_accounting")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO share_accounting (channel_id, shares_accepted, shares_rejected, share_work_sum, last_share_sequence, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id) DO UPDATE SET
			shares_accepted = EXCLUDED.shares_accepted,
			shares_rejected = EXCLUDED.shares_rejected,
			share_work_sum = EXCLUDED.share_work_sum,
			last_share_sequence = EXCLUDED.last_share_sequence,
			last_updated = EXCLUDED.last_updated`

	_, err = db.ExecContext(ctx, query,
		acct.ChannelID, int64(acct.SharesAccepted), int64(acct.SharesRejected),
		fmt.Sprintf("%d", acct.ShareWorkSum), fmt.Sprintf("%d", acct.LastShareSequence),
		acct.LastUpdated,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIO, "store_share_accounting",
			"failed to upsert accounting record").
			WithContext("channel_id", acct.ChannelID)
	}
	return nil
}

// GetShareAccounting returns the current aggregate, or (nil, nil) for an
// absent channel.
func (s *Store) GetShareAccounting(ctx context.Context, channelID string) (*store.ShareAccounting, error) {
	db, err := s.handle("get_share_accounting")
	if err != nil {
		return nil, err
	}

	query := `
		SELECT channel_id, shares_accepted, shares_rejected, share_work_sum, last_share_sequence, last_updated
		FROM share_accounting WHERE channel_id = $1`

	var (
		acct     store.ShareAccounting
		accepted int64
		rejected int64
		workSum  string
		lastSeq  string
	)
	err = db.QueryRowContext(ctx, query, channelID).Scan(
		&acct.ChannelID, &accepted, &rejected, &workSum, &lastSeq, &acct.LastUpdated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "get_share_accounting",
			"failed to read accounting record").
			WithContext("channel_id", channelID)
	}

	acct.SharesAccepted = uint64(accepted)
	acct.SharesRejected = uint64(rejected)
	if acct.ShareWorkSum, err = parseUint(workSum); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "get_share_accounting",
			"failed to parse work sum").
			WithContext("channel_id", channelID)
	}
	if acct.LastShareSequence, err = parseUint(lastSeq); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "get_share_accounting",
			"failed to parse sequence watermark").
			WithContext("channel_id", channelID)
	}
	return &acct, nil
}

// StoreShareRecord appends one submission; the primary key rejects
// duplicate ids.
func (s *Store) StoreShareRecord(ctx context.Context, rec *store.ShareRecord) error {
	db, err := s.handle("store_share_record")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO share_records (id, channel_id, hash, sequence_number, share_work, difficulty, ts, accepted, validation_outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = db.ExecContext(ctx, query,
		rec.ID, rec.ChannelID, rec.Hash[:],
		fmt.Sprintf("%d", rec.SequenceNumber), fmt.Sprintf("%d", rec.ShareWork),
		rec.Difficulty, rec.Timestamp, rec.Accepted, rec.ValidationOutcome,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return errors.New(errors.ErrorTypeAlreadyExists, "store_share_record",
				"share record already exists").
				WithContext("share_id", rec.ID).
				WithContext("channel_id", rec.ChannelID)
		}
		return errors.Wrap(err, errors.ErrorTypeIO, "store_share_record",
			"failed to insert share record").
			WithContext("share_id", rec.ID)
	}
	return nil
}

// IsShareSeen probes the share ledger for the hash on this channel.
func (s *Store) IsShareSeen(ctx context.Context, channelID string, hash chainhash.Hash) (bool, error) {
	db, err := s.handle("is_share_seen")
	if err != nil {
		return false, err
	}

	var seen bool
	query := `SELECT EXISTS (SELECT 1 FROM share_records WHERE channel_id = $1 AND hash = $2)`
	if err := db.QueryRowContext(ctx, query, channelID, hash[:]).Scan(&seen); err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeIO, "is_share_seen",
			"failed to probe seen hash").
			WithContext("channel_id", channelID)
	}
	return seen, nil
}

// parseUint decodes a NUMERIC(20,0) column, which lib/pq scans as text.
func parseUint(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}

func windowBounds(w store.Window) (time.Time, time.Time) {
	start := w.Start
	end := w.End
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	if end.IsZero() {
		// Far enough out that no submission timestamp exceeds it
		end = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return start, end
}

// ListShareRecords reads the channel ledger inside the window.
func (s *Store) ListShareRecords(ctx context.Context, channelID string, w store.Window) ([]*store.ShareRecord, error) {
	db, err := s.handle("list_share_records")
	if err != nil {
		return nil, err
	}

	start, end := windowBounds(w)
	query := `
		SELECT id, channel_id, hash, sequence_number, share_work, difficulty, ts, accepted, validation_outcome
		FROM share_records
		WHERE channel_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC, sequence_number ASC`

	rows, err := db.QueryContext(ctx, query, channelID, start, end)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_share_records",
			"failed to query share ledger").
			WithContext("channel_id", channelID)
	}
	defer rows.Close()

	var out []*store.ShareRecord
	for rows.Next() {
		var (
			rec     store.ShareRecord
			hashRaw []byte
			seq     string
			work    string
		)
		if err := rows.Scan(&rec.ID, &rec.ChannelID, &hashRaw, &seq, &work,
			&rec.Difficulty, &rec.Timestamp, &rec.Accepted, &rec.ValidationOutcome); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_share_records",
				"failed to scan share record").
				WithContext("channel_id", channelID)
		}
		copy(rec.Hash[:], hashRaw)
		if rec.SequenceNumber, err = parseUint(seq); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_share_records",
				"failed to parse sequence number").
				WithContext("share_id", rec.ID)
		}
		if rec.ShareWork, err = parseUint(work); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_share_records",
				"failed to parse share work").
				WithContext("share_id", rec.ID)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_share_records",
			"ledger scan failed").
			WithContext("channel_id", channelID)
	}
	return out, nil
}

// StoreBlockRecord appends a discovered block.
func (s *Store) StoreBlockRecord(ctx context.Context, rec *store.BlockRecord) error {
	db, err := s.handle("store_block_record")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO block_records (hash, channel_id, height, ts, share_id)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = db.ExecContext(ctx, query, rec.Hash[:], rec.ChannelID, rec.Height, rec.Timestamp, rec.ShareID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return errors.New(errors.ErrorTypeAlreadyExists, "store_block_record",
				"block record already exists").
				WithContext("block_hash", rec.Hash.String())
		}
		return errors.Wrap(err, errors.ErrorTypeIO, "store_block_record",
			"failed to insert block record").
			WithContext("block_hash", rec.Hash.String())
	}
	return nil
}

// ListBlockRecords reads the channel's block ledger inside the window.
func (s *Store) ListBlockRecords(ctx context.Context, channelID string, w store.Window) ([]*store.BlockRecord, error) {
	db, err := s.handle("list_block_records")
	if err != nil {
		return nil, err
	}

	start, end := windowBounds(w)
	query := `
		SELECT hash, channel_id, height, ts, share_id
		FROM block_records
		WHERE channel_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`

	rows, err := db.QueryContext(ctx, query, channelID, start, end)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_block_records",
			"failed to query block ledger").
			WithContext("channel_id", channelID)
	}
	defer rows.Close()

	var out []*store.BlockRecord
	for rows.Next() {
		var (
			rec     store.BlockRecord
			hashRaw []byte
		)
		if err := rows.Scan(&hashRaw, &rec.ChannelID, &rec.Height, &rec.Timestamp, &rec.ShareID); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_block_records",
				"failed to scan block record").
				WithContext("channel_id", channelID)
		}
		copy(rec.Hash[:], hashRaw)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_block_records",
			"ledger scan failed").
			WithContext("channel_id", channelID)
	}
	return out, nil
}

// StoreBatchAck appends a batch acknowledgment.
func (s *Store) StoreBatchAck(ctx context.Context, ack *store.BatchAck) error {
	db, err := s.handle("store_batch_ack")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO batch_acks (batch_id, channel_id, first_sequence, last_sequence, ts)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = db.ExecContext(ctx, query, ack.BatchID, ack.ChannelID,
		fmt.Sprintf("%d", ack.FirstSequence), fmt.Sprintf("%d", ack.LastSequence), ack.Timestamp)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return errors.New(errors.ErrorTypeAlreadyExists, "store_batch_ack",
				"batch ack already exists").
				WithContext("batch_id", ack.BatchID)
		}
		return errors.Wrap(err, errors.ErrorTypeIO, "store_batch_ack",
			"failed to insert batch ack").
			WithContext("batch_id", ack.BatchID)
	}
	return nil
}

// ListBatchAcks reads the channel's acknowledgment ledger.
func (s *Store) ListBatchAcks(ctx context.Context, channelID string) ([]*store.BatchAck, error) {
	db, err := s.handle("list_batch_acks")
	if err != nil {
		return nil, err
	}

	query := `
		SELECT batch_id, channel_id, first_sequence, last_sequence, ts
		FROM batch_acks
		WHERE channel_id = $1
		ORDER BY ts ASC`

	rows, err := db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "list_batch_acks",
			"failed to query ack ledger").
			WithContext("channel_id", channelID)
	}
	defer rows.Close()

	var out []*store.BatchAck
	for rows.Next() {
		var (
			ack   store.BatchAck
			first string
			last  string
		)
		if err := rows.Scan(&ack.BatchID, &ack.ChannelID, &first, &last, &ack.Timestamp); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_batch_acks",
				"failed to scan batch ack").
				WithContext("channel_id", channelID)
		}
		if ack.FirstSequence, err = parseUint(first); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_batch_acks",
				"failed to parse ack range").
				WithContext("batch_id", ack.BatchID)
		}
		if ack.LastSequence, err = parseUint(last); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "list_batch_acks",
				"failed to parse ack range").
				WithContext("batch_id", ack.BatchID)
		}
		out = append(out, &ack)
	}
	if err := rows.Err(); err != nil {
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

// HealthCheck pings with a short deadline.
func (s *Store) HealthCheck(ctx context.Context) *store.HealthReport {
	report := &store.HealthReport{
		Backend:   "postgres",
		CheckedAt: time.Now(),
	}

	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	if db == nil {
		report.Status = store.StatusUnavailable
		report.Detail = "connection not open"
		return report
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		report.Status = store.StatusUnavailable
		report.Detail = err.Error()
		return report
	}

	report.Status = store.StatusReady
	return report
}

// PruneShares deletes ledger entries older than the cutoff. The seen-hash
// probe reads the ledger itself, so no separate marker cleanup is needed.
func (s *Store) PruneShares(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.handle("prune_shares")
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM share_records WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
			"failed to delete expired share records")
	}

	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeIO, "prune_shares",
			"failed to count pruned rows")
	}
	return pruned, nil
}
