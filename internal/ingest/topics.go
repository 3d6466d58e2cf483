package ingest

// Topic constants for the accounting ingestion pipeline
const (
	// TopicShares carries validated share submissions into the ledger
	TopicShares = "accounting.shares"
	// TopicBlocks carries block discovery announcements
	TopicBlocks = "accounting.blocks"
	// TopicAcks carries batch acknowledgments back to the coordinator
	TopicAcks = "accounting.acks"

	// ZMQTopicBlockFound is the coordinator's block discovery feed
	ZMQTopicBlockFound = "blockfound"
)
