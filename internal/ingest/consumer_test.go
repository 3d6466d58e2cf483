package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/internal/store/memory"
	"github.com/bardlex/shareledger/pkg/errors"
	"github.com/bardlex/shareledger/pkg/log"
)

// flakyAckStore fails the next n StoreBatchAck calls, then delegates.
type flakyAckStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyAckStore) StoreBatchAck(ctx context.Context, ack *store.BatchAck) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New(errors.ErrorTypeIO, "store_batch_ack", "write failed")
	}
	return s.Store.StoreBatchAck(ctx, ack)
}

type stubPublisher struct {
	mu     sync.Mutex
	topics []string
	keys   []string
}

func (p *stubPublisher) PublishJSON(_ context.Context, topic, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	return nil
}

func testLogger() *log.Logger {
	return log.New("shareledger-test", "dev", "error", "text")
}

func newReadyStore(t *testing.T) store.Store {
	t.Helper()
	s := memory.New()
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})
	return s
}

func shareEvent(channelID string, seq uint64, hashHex string, accepted bool) *ShareEvent {
	return &ShareEvent{
		ChannelID:      channelID,
		Hash:           hashHex,
		SequenceNumber: seq,
		ShareWork:      100,
		Difficulty:     1.0,
		Timestamp:      time.Unix(int64(1000+seq), 0).UTC(),
		Accepted:       accepted,
	}
}

const (
	hashA = "0000000000000000000000000000000000000000000000000000000000000001"
	hashB = "0000000000000000000000000000000000000000000000000000000000000002"
	hashC = "0000000000000000000000000000000000000000000000000000000000000003"
)

func TestHandleShare_StoresRecordAndAccounting(t *testing.T) {
	s := newReadyStore(t)
	c := NewConsumer(s, nil, 100, time.Minute, testLogger())
	ctx := context.Background()

	if err := c.HandleShare(ctx, shareEvent("ch1", 1, hashA, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}
	if err := c.HandleShare(ctx, shareEvent("ch1", 2, hashB, false)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}

	ledger, err := s.ListShareRecords(ctx, "ch1", store.Window{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ledger) != 2 {
		t.Fatalf("want 2 ledger entries, got %d", len(ledger))
	}

	acct, err := s.GetShareAccounting(ctx, "ch1")
	if err != nil {
		t.Fatalf("get accounting failed: %v", err)
	}
	if acct == nil {
		t.Fatal("accounting must exist after ingest")
	}
	if acct.SharesAccepted != 1 || acct.SharesRejected != 1 {
		t.Errorf("counts mismatch: %+v", acct)
	}
	if acct.ShareWorkSum != 100 {
		t.Errorf("work sum counts accepted shares only, got %d", acct.ShareWorkSum)
	}
	if acct.LastShareSequence != 2 {
		t.Errorf("watermark: want 2, got %d", acct.LastShareSequence)
	}
}

func TestHandleShare_DropsDuplicateHash(t *testing.T) {
	s := newReadyStore(t)
	c := NewConsumer(s, nil, 100, time.Minute, testLogger())
	ctx := context.Background()

	if err := c.HandleShare(ctx, shareEvent("ch1", 1, hashA, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}
	// Same hash under a fresh sequence: at-least-once redelivery.
	if err := c.HandleShare(ctx, shareEvent("ch1", 2, hashA, true)); err != nil {
		t.Fatalf("redelivery must not error: %v", err)
	}

	ledger, _ := s.ListShareRecords(ctx, "ch1", store.Window{})
	if len(ledger) != 1 {
		t.Errorf("duplicate must not extend the ledger, got %d entries", len(ledger))
	}

	acct, _ := s.GetShareAccounting(ctx, "ch1")
	if acct.SharesAccepted != 1 {
		t.Errorf("duplicate must not be counted, got %d accepted", acct.SharesAccepted)
	}
}

func TestHandleShare_DropsReplayedSequence(t *testing.T) {
	s := newReadyStore(t)
	c := NewConsumer(s, nil, 100, time.Minute, testLogger())
	ctx := context.Background()

	if err := c.HandleShare(ctx, shareEvent("ch1", 1, hashA, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}
	// Same sequence with a different hash collides on the record id.
	if err := c.HandleShare(ctx, shareEvent("ch1", 1, hashB, true)); err != nil {
		t.Fatalf("replayed sequence must not error: %v", err)
	}

	acct, _ := s.GetShareAccounting(ctx, "ch1")
	if acct.SharesAccepted != 1 {
		t.Errorf("replay must not be counted, got %d accepted", acct.SharesAccepted)
	}
}

func TestHandleShare_WatermarkNeverRegresses(t *testing.T) {
	s := newReadyStore(t)
	c := NewConsumer(s, nil, 100, time.Minute, testLogger())
	ctx := context.Background()

	if err := c.HandleShare(ctx, shareEvent("ch1", 5, hashA, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}
	// Out-of-order delivery of an earlier sequence.
	if err := c.HandleShare(ctx, shareEvent("ch1", 3, hashB, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}

	acct, _ := s.GetShareAccounting(ctx, "ch1")
	if acct.LastShareSequence != 5 {
		t.Errorf("watermark must not regress: want 5, got %d", acct.LastShareSequence)
	}
	if acct.SharesAccepted != 2 {
		t.Errorf("out-of-order share still counts: want 2, got %d", acct.SharesAccepted)
	}
}

func TestHandleShare_RejectsBadHash(t *testing.T) {
	s := newReadyStore(t)
	c := NewConsumer(s, nil, 100, time.Minute, testLogger())

	ev := shareEvent("ch1", 1, "not-a-hash", true)
	if err := c.HandleShare(context.Background(), ev); err == nil {
		t.Error("malformed hash must be rejected")
	}
}

func TestAckBatchFlush(t *testing.T) {
	s := newReadyStore(t)
	pub := &stubPublisher{}
	c := NewConsumer(s, pub, 2, time.Minute, testLogger())
	ctx := context.Background()

	if err := c.HandleShare(ctx, shareEvent("ch1", 1, hashA, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}

	acks, _ := s.ListBatchAcks(ctx, "ch1")
	if len(acks) != 0 {
		t.Fatalf("batch below threshold must not flush, got %d acks", len(acks))
	}

	if err := c.HandleShare(ctx, shareEvent("ch1", 2, hashB, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}

	acks, _ = s.ListBatchAcks(ctx, "ch1")
	if len(acks) != 1 {
		t.Fatalf("want 1 ack after reaching batch size, got %d", len(acks))
	}
	if acks[0].FirstSequence != 1 || acks[0].LastSequence != 2 {
		t.Errorf("ack range mismatch: %+v", acks[0])
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.topics) != 1 || pub.topics[0] != TopicAcks {
		t.Errorf("ack must be re-emitted on %s, got %v", TopicAcks, pub.topics)
	}
}

func TestFlushAcks_DrainsPartialBatches(t *testing.T) {
	s := newReadyStore(t)
	c := NewConsumer(s, nil, 100, time.Minute, testLogger())
	ctx := context.Background()

	if err := c.HandleShare(ctx, shareEvent("ch1", 1, hashA, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}
	if err := c.HandleShare(ctx, shareEvent("ch2", 7, hashB, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}

	if err := c.FlushAcks(ctx); err != nil {
		t.Fatalf("FlushAcks failed: %v", err)
	}

	for _, channelID := range []string{"ch1", "ch2"} {
		acks, _ := s.ListBatchAcks(ctx, channelID)
		if len(acks) != 1 {
			t.Errorf("channel %s: want 1 ack after flush, got %d", channelID, len(acks))
		}
	}

	// A second flush with nothing pending is a no-op.
	if err := c.FlushAcks(ctx); err != nil {
		t.Fatalf("empty flush failed: %v", err)
	}
	acks, _ := s.ListBatchAcks(ctx, "ch1")
	if len(acks) != 1 {
		t.Errorf("empty flush must not add acks, got %d", len(acks))
	}
}

func TestFlushAcks_RetainsWindowOnStoreFailure(t *testing.T) {
	s := &flakyAckStore{Store: newReadyStore(t), failures: 1}
	c := NewConsumer(s, nil, 100, time.Minute, testLogger())
	ctx := context.Background()

	if err := c.HandleShare(ctx, shareEvent("ch1", 1, hashA, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}

	if err := c.FlushAcks(ctx); err == nil {
		t.Fatal("flush must report the store failure")
	}
	acks, _ := s.ListBatchAcks(ctx, "ch1")
	if len(acks) != 0 {
		t.Fatalf("failed flush must not record acks, got %d", len(acks))
	}

	// The window stays pending, so the next flush acknowledges it.
	if err := c.FlushAcks(ctx); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}
	acks, _ = s.ListBatchAcks(ctx, "ch1")
	if len(acks) != 1 {
		t.Fatalf("want 1 ack after retry flush, got %d", len(acks))
	}
	if acks[0].FirstSequence != 1 || acks[0].LastSequence != 1 {
		t.Errorf("ack range mismatch: %+v", acks[0])
	}
}

func TestTrackAck_RequeuesOnStoreFailure(t *testing.T) {
	s := &flakyAckStore{Store: newReadyStore(t), failures: 1}
	c := NewConsumer(s, nil, 2, time.Minute, testLogger())
	ctx := context.Background()

	if err := c.HandleShare(ctx, shareEvent("ch1", 1, hashA, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}
	// Reaching the batch size triggers a flush that fails at the store.
	if err := c.HandleShare(ctx, shareEvent("ch1", 2, hashB, true)); err == nil {
		t.Fatal("HandleShare must surface the ack store failure")
	}

	// The failed window merges with later shares instead of being dropped.
	if err := c.HandleShare(ctx, shareEvent("ch1", 3, hashC, true)); err != nil {
		t.Fatalf("HandleShare failed: %v", err)
	}

	acks, _ := s.ListBatchAcks(ctx, "ch1")
	if len(acks) != 1 {
		t.Fatalf("want 1 ack covering the merged range, got %d", len(acks))
	}
	if acks[0].FirstSequence != 1 || acks[0].LastSequence != 3 {
		t.Errorf("merged ack range mismatch: %+v", acks[0])
	}
}

func TestHandleBlock(t *testing.T) {
	s := newReadyStore(t)
	c := NewConsumer(s, nil, 100, time.Minute, testLogger())
	ctx := context.Background()

	ev := &BlockEvent{
		Hash:      hashC,
		ChannelID: "ch1",
		Height:    800000,
		Timestamp: time.Unix(2000, 0).UTC(),
		ShareID:   "ch1_1",
	}
	if err := c.HandleBlock(ctx, ev); err != nil {
		t.Fatalf("HandleBlock failed: %v", err)
	}
	// Redelivered announcement.
	if err := c.HandleBlock(ctx, ev); err != nil {
		t.Fatalf("redelivered block must not error: %v", err)
	}

	blocks, err := s.ListBlockRecords(ctx, "ch1", store.Window{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(blocks) != 1 {
		t.Errorf("want 1 block record, got %d", len(blocks))
	}
	if blocks[0].Height != 800000 {
		t.Errorf("height mismatch: %+v", blocks[0])
	}
}

func TestShareEventRoundTrip(t *testing.T) {
	ev := shareEvent("ch1", 9, hashA, true)
	rec, err := ev.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if rec.ID != "ch1_9" {
		t.Errorf("record id: want ch1_9, got %s", rec.ID)
	}
	if rec.Hash.String() != hashA {
		t.Errorf("hash round trip mismatch: %s", rec.Hash.String())
	}
}
