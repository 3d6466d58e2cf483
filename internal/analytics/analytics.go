// Package analytics computes derived channel statistics from the share and
// block ledgers. It is written once against the storage contract's read
// operations, so every backend reuses the same aggregation.
package analytics

import (
	"context"

	"github.com/bardlex/shareledger/internal/store"
)

// LedgerReader is the read-side subset of the storage contract the
// aggregation needs. Every backend satisfies it.
type LedgerReader interface {
	ListShareRecords(ctx context.Context, channelID string, w store.Window) ([]*store.ShareRecord, error)
	ListBlockRecords(ctx context.Context, channelID string, w store.Window) ([]*store.BlockRecord, error)
}

// Compute aggregates a channel's share ledger over the window: accepted and
// rejected counts, total work, block count, and average difficulty across
// all matching submissions. Returns zeroed stats when nothing matches.
func Compute(ctx context.Context, src LedgerReader, channelID string, w store.Window) (*store.ChannelStats, error) {
	shares, err := src.ListShareRecords(ctx, channelID, w)
	if err != nil {
		return nil, err
	}

	blocks, err := src.ListBlockRecords(ctx, channelID, w)
	if err != nil {
		return nil, err
	}

	stats := &store.ChannelStats{ChannelID: channelID}

	var diffSum float64
	for _, rec := range shares {
		if rec.Accepted {
			stats.SharesAccepted++
			stats.TotalWork += rec.ShareWork
		} else {
			stats.SharesRejected++
		}
		diffSum += rec.Difficulty
	}

	if n := len(shares); n > 0 {
		stats.AverageDifficulty = diffSum / float64(n)
	}

	stats.BlockCount = uint64(len(blocks))
	return stats, nil
}
