package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/pkg/errors"
	"github.com/bardlex/shareledger/pkg/log"
)

// Publisher is the outbound surface the consumer needs for emitting acks.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Metrics is the instrumentation surface the consumer emits to. All calls
// are fire-and-forget.
type Metrics interface {
	RecordShare(channelID string, difficulty float64, work uint64, accepted bool)
	RecordBlock(channelID, hash string, height int64)
	RecordBatchAck(channelID string, batchSize uint64)
}

// ackWindow tracks the contiguous range of sequences pending acknowledgment
// on one channel.
type ackWindow struct {
	first uint64
	last  uint64
	count int
}

// Consumer applies share and block events to the ledger. Shares are deduped
// against the seen-hash index, folded into the per-channel accounting
// aggregate, and acknowledged in batches.
type Consumer struct {
	store     store.Store
	publisher Publisher
	metrics   Metrics
	logger    *log.Logger

	ackBatchSize  int
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string]*ackWindow
}

// NewConsumer creates a consumer over the given store. publisher may be nil,
// in which case acks are stored but not re-emitted.
func NewConsumer(s store.Store, publisher Publisher, ackBatchSize int, flushInterval time.Duration, logger *log.Logger) *Consumer {
	return &Consumer{
		store:         s,
		publisher:     publisher,
		logger:        logger.WithComponent("ingest"),
		ackBatchSize:  ackBatchSize,
		flushInterval: flushInterval,
		pending:       make(map[string]*ackWindow),
	}
}

// SetMetrics attaches an instrumentation sink. Optional; nil means no
// metrics are emitted.
func (c *Consumer) SetMetrics(m Metrics) {
	c.metrics = m
}

// HandleShare applies one share event to the ledger.
//
// Duplicate submissions (same hash, or a replayed sequence number) are
// dropped without error so the upstream can redeliver at-least-once. The
// accounting aggregate is read-modify-written with whole-value overwrite;
// the sequence watermark only ever moves forward.
func (c *Consumer) HandleShare(ctx context.Context, ev *ShareEvent) error {
	rec, err := ev.ToRecord()
	if err != nil {
		return err
	}

	seen, err := c.store.IsShareSeen(ctx, rec.ChannelID, rec.Hash)
	if err != nil {
		return err
	}
	if seen {
		c.logger.LogDuplicateShare(rec.ChannelID, rec.Hash.String())
		return nil
	}

	if err := c.store.StoreShareRecord(ctx, rec); err != nil {
		if errors.IsType(err, errors.ErrorTypeAlreadyExists) {
			c.logger.LogDuplicateShare(rec.ChannelID, rec.Hash.String())
			return nil
		}
		return err
	}

	if err := c.applyAccounting(ctx, rec); err != nil {
		return err
	}

	c.logger.LogShareStored(rec.ChannelID, rec.ID, rec.SequenceNumber, rec.Accepted)
	if c.metrics != nil {
		c.metrics.RecordShare(rec.ChannelID, rec.Difficulty, rec.ShareWork, rec.Accepted)
	}
	return c.trackAck(ctx, rec.ChannelID, rec.SequenceNumber)
}

// applyAccounting folds a stored share into the channel's rolling aggregate.
func (c *Consumer) applyAccounting(ctx context.Context, rec *store.ShareRecord) error {
	acct, err := c.store.GetShareAccounting(ctx, rec.ChannelID)
	if err != nil {
		return err
	}
	if acct == nil {
		acct = &store.ShareAccounting{ChannelID: rec.ChannelID}
	}

	if rec.Accepted {
		acct.SharesAccepted++
		acct.ShareWorkSum += rec.ShareWork
	} else {
		acct.SharesRejected++
	}
	if rec.SequenceNumber > acct.LastShareSequence {
		acct.LastShareSequence = rec.SequenceNumber
	}
	acct.LastUpdated = rec.Timestamp

	return c.store.StoreShareAccounting(ctx, acct)
}

// trackAck extends the channel's pending ack range and flushes it once the
// batch size is reached.
func (c *Consumer) trackAck(ctx context.Context, channelID string, seq uint64) error {
	c.mu.Lock()
	w, ok := c.pending[channelID]
	if !ok {
		w = &ackWindow{first: seq}
		c.pending[channelID] = w
	}
	if seq < w.first || w.count == 0 {
		w.first = seq
	}
	if seq > w.last {
		w.last = seq
	}
	w.count++

	var flush *ackWindow
	if w.count >= c.ackBatchSize {
		flush = w
		delete(c.pending, channelID)
	}
	c.mu.Unlock()

	if flush == nil {
		return nil
	}
	if err := c.emitAck(ctx, channelID, flush); err != nil {
		c.requeue(channelID, flush)
		return err
	}
	return nil
}

// FlushAcks flushes every channel's pending ack range regardless of size.
// Called on the flush interval and at shutdown.
func (c *Consumer) FlushAcks(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*ackWindow)
	c.mu.Unlock()

	var lastErr error
	for channelID, w := range pending {
		if err := c.emitAck(ctx, channelID, w); err != nil {
			c.requeue(channelID, w)
			lastErr = err
		}
	}
	return lastErr
}

// requeue returns a window whose ack could not be stored to the pending set
// so a later flush retries it, merging with any range tracked since the
// window was taken out.
func (c *Consumer) requeue(channelID string, w *ackWindow) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.pending[channelID]
	if !ok {
		c.pending[channelID] = w
		return
	}
	if w.first < cur.first {
		cur.first = w.first
	}
	if w.last > cur.last {
		cur.last = w.last
	}
	cur.count += w.count
}

func (c *Consumer) emitAck(ctx context.Context, channelID string, w *ackWindow) error {
	ack := &store.BatchAck{
		BatchID:       fmt.Sprintf("%s_%d_%d", channelID, w.first, w.last),
		ChannelID:     channelID,
		FirstSequence: w.first,
		LastSequence:  w.last,
		Timestamp:     time.Now().UTC(),
	}

	if err := c.store.StoreBatchAck(ctx, ack); err != nil {
		return err
	}
	c.logger.LogBatchAck(ack.BatchID, channelID, ack.FirstSequence, ack.LastSequence)
	if c.metrics != nil {
		c.metrics.RecordBatchAck(channelID, ack.LastSequence-ack.FirstSequence+1)
	}

	if c.publisher == nil {
		return nil
	}
	ev := &AckEvent{
		BatchID:       ack.BatchID,
		ChannelID:     ack.ChannelID,
		FirstSequence: ack.FirstSequence,
		LastSequence:  ack.LastSequence,
		Timestamp:     ack.Timestamp,
	}
	if err := c.publisher.PublishJSON(ctx, TopicAcks, channelID, ev); err != nil {
		// The ack is durable in the store; re-emission is best effort.
		c.logger.WithError(err).Warn("failed to publish batch ack", "batch_id", ack.BatchID)
	}
	return nil
}

// HandleBlock applies one block discovery event to the block ledger.
// Redelivered announcements for an already recorded block are dropped.
func (c *Consumer) HandleBlock(ctx context.Context, ev *BlockEvent) error {
	rec, err := ev.ToRecord()
	if err != nil {
		return err
	}

	if err := c.store.StoreBlockRecord(ctx, rec); err != nil {
		if errors.IsType(err, errors.ErrorTypeAlreadyExists) {
			c.logger.Debug("block already recorded", "block_hash", rec.Hash.String())
			return nil
		}
		return err
	}

	c.logger.LogBlockRecorded(rec.Hash.String(), rec.Height, rec.ChannelID)
	if c.metrics != nil {
		c.metrics.RecordBlock(rec.ChannelID, rec.Hash.String(), rec.Height)
	}
	return nil
}

// shareMessageHandler adapts HandleShare to the Kafka consumer loop.
type shareMessageHandler struct{ c *Consumer }

func (h *shareMessageHandler) HandleMessage(ctx context.Context, _ string, data []byte) error {
	var ev ShareEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "decode_share_event",
			"failed to decode share event")
	}
	return h.c.HandleShare(ctx, &ev)
}

// blockMessageHandler adapts HandleBlock to the Kafka consumer loop.
type blockMessageHandler struct{ c *Consumer }

func (h *blockMessageHandler) HandleMessage(ctx context.Context, _ string, data []byte) error {
	var ev BlockEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "decode_block_event",
			"failed to decode block event")
	}
	return h.c.HandleBlock(ctx, &ev)
}

// Run consumes the share and block topics until the context is cancelled,
// flushing pending acks on the configured interval and once more on the way
// out.
func (c *Consumer) Run(ctx context.Context, client *KafkaClient, groupID string) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.StartConsumer(ctx, TopicShares, groupID, &shareMessageHandler{c}); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("share consumer stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.StartConsumer(ctx, TopicBlocks, groupID, &blockMessageHandler{c}); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("block consumer stopped")
		}
	}()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			// Final flush runs on a fresh context; the loop's is done.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.FlushAcks(flushCtx); err != nil {
				c.logger.WithError(err).Error("final ack flush failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := c.FlushAcks(ctx); err != nil {
				c.logger.WithError(err).Error("ack flush failed")
			}
		}
	}
}
