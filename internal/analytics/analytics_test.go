package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/shareledger/internal/store"
)

// ledgerStub serves canned ledgers filtered by the window, standing in for
// any backend's read operations.
type ledgerStub struct {
	shares []*store.ShareRecord
	blocks []*store.BlockRecord
}

func (s *ledgerStub) ListShareRecords(_ context.Context, channelID string, w store.Window) ([]*store.ShareRecord, error) {
	var out []*store.ShareRecord
	for _, rec := range s.shares {
		if rec.ChannelID == channelID && w.Contains(rec.Timestamp) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *ledgerStub) ListBlockRecords(_ context.Context, channelID string, w store.Window) ([]*store.BlockRecord, error) {
	var out []*store.BlockRecord
	for _, rec := range s.blocks {
		if rec.ChannelID == channelID && w.Contains(rec.Timestamp) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func hashOf(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func TestCompute(t *testing.T) {
	base := time.Unix(5000, 0)

	src := &ledgerStub{
		shares: []*store.ShareRecord{
			{ID: "ch1_1", ChannelID: "ch1", Hash: hashOf(1), SequenceNumber: 1, ShareWork: 100, Difficulty: 1.0, Timestamp: base.Add(1 * time.Minute), Accepted: true},
			{ID: "ch1_2", ChannelID: "ch1", Hash: hashOf(2), SequenceNumber: 2, ShareWork: 200, Difficulty: 3.0, Timestamp: base.Add(2 * time.Minute), Accepted: true},
			{ID: "ch1_3", ChannelID: "ch1", Hash: hashOf(3), SequenceNumber: 3, ShareWork: 300, Difficulty: 5.0, Timestamp: base.Add(3 * time.Minute), Accepted: false},
			{ID: "ch2_1", ChannelID: "ch2", Hash: hashOf(4), SequenceNumber: 1, ShareWork: 999, Difficulty: 9.0, Timestamp: base.Add(1 * time.Minute), Accepted: true},
		},
		blocks: []*store.BlockRecord{
			{Hash: hashOf(10), ChannelID: "ch1", Height: 800000, Timestamp: base.Add(2 * time.Minute), ShareID: "ch1_2"},
			{Hash: hashOf(11), ChannelID: "ch2", Height: 800001, Timestamp: base.Add(3 * time.Minute), ShareID: "ch2_1"},
		},
	}

	tests := []struct {
		name    string
		channel string
		window  store.Window
		want    store.ChannelStats
	}{
		{
			name:    "open window, full channel history",
			channel: "ch1",
			window:  store.Window{},
			want: store.ChannelStats{
				ChannelID:         "ch1",
				SharesAccepted:    2,
				SharesRejected:    1,
				TotalWork:         300,
				BlockCount:        1,
				AverageDifficulty: 3.0,
			},
		},
		{
			name:    "window excludes rejected share",
			channel: "ch1",
			window:  store.Window{End: base.Add(2 * time.Minute)},
			want: store.ChannelStats{
				ChannelID:         "ch1",
				SharesAccepted:    2,
				SharesRejected:    0,
				TotalWork:         300,
				BlockCount:        1,
				AverageDifficulty: 2.0,
			},
		},
		{
			name:    "other channels never leak in",
			channel: "ch2",
			window:  store.Window{},
			want: store.ChannelStats{
				ChannelID:         "ch2",
				SharesAccepted:    1,
				TotalWork:         999,
				BlockCount:        1,
				AverageDifficulty: 9.0,
			},
		},
		{
			name:    "unknown channel yields zeroed stats",
			channel: "ch9",
			window:  store.Window{},
			want:    store.ChannelStats{ChannelID: "ch9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(context.Background(), src, tt.channel, tt.window)
			if err != nil {
				t.Fatalf("Compute failed: %v", err)
			}
			if *got != tt.want {
				t.Errorf("Compute() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}
