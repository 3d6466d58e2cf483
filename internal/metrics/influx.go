// Package metrics provides time-series instrumentation for the share ledger.
// Points are written asynchronously and best effort: a down metrics store
// never blocks or fails the accounting path.
package metrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Recorder wraps InfluxDB operations for ledger metrics
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewRecorder creates a new metrics recorder
func NewRecorder(cfg *Config) (*Recorder, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	queryAPI := client.QueryAPI(cfg.Org)

	return &Recorder{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the connection
func (r *Recorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}

// Health checks InfluxDB connectivity
func (r *Recorder) Health(ctx context.Context) error {
	health, err := r.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Ledger metrics

// RecordShare writes a share accounting metric
func (r *Recorder) RecordShare(channelID string, difficulty float64, work uint64, accepted bool) {
	tags := map[string]string{
		"channel_id": channelID,
		"accepted":   fmt.Sprintf("%t", accepted),
	}

	fields := map[string]interface{}{
		"difficulty": difficulty,
		"work":       int64(work),
		"count":      1,
	}

	point := write.NewPoint("share_accounting", tags, fields, time.Now())
	r.writeAPI.WritePoint(point)
}

// RecordBlock writes a block discovery metric
func (r *Recorder) RecordBlock(channelID, hash string, height int64) {
	tags := map[string]string{
		"channel_id": channelID,
		"hash":       hash,
	}

	fields := map[string]interface{}{
		"height": height,
		"count":  1,
	}

	point := write.NewPoint("block_accounting", tags, fields, time.Now())
	r.writeAPI.WritePoint(point)
}

// RecordBatchAck writes a batch acknowledgment metric
func (r *Recorder) RecordBatchAck(channelID string, batchSize uint64) {
	tags := map[string]string{
		"channel_id": channelID,
	}

	fields := map[string]interface{}{
		"batch_size": int64(batchSize),
		"count":      1,
	}

	point := write.NewPoint("batch_acks", tags, fields, time.Now())
	r.writeAPI.WritePoint(point)
}

// RecordRetentionSweep writes the outcome of a retention sweep
func (r *Recorder) RecordRetentionSweep(backend string, pruned int64, elapsed time.Duration) {
	tags := map[string]string{
		"backend": backend,
	}

	fields := map[string]interface{}{
		"records_pruned": pruned,
		"elapsed_ms":     float64(elapsed.Nanoseconds()) / 1e6,
	}

	point := write.NewPoint("retention_sweeps", tags, fields, time.Now())
	r.writeAPI.WritePoint(point)
}

// RecordBackendStatus writes the health monitor's view of a backend
func (r *Recorder) RecordBackendStatus(backend, status string) {
	tags := map[string]string{
		"backend": backend,
	}

	fields := map[string]interface{}{
		"status": status,
	}

	point := write.NewPoint("backend_health", tags, fields, time.Now())
	r.writeAPI.WritePoint(point)
}

// Query methods

// GetAcceptRate retrieves the share accept percentage for a channel over the
// trailing duration.
func (r *Recorder) GetAcceptRate(ctx context.Context, channelID string, duration time.Duration) (float64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "share_accounting")
		|> filter(fn: (r) => r.channel_id == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["accepted"])
		|> sum()
	`, r.bucket, duration.String(), channelID)

	result, err := r.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query accept rate: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var accepted, rejected int64
	for result.Next() {
		record := result.Record()
		if count, ok := record.Value().(int64); ok {
			if record.ValueByKey("accepted") == "true" {
				accepted = count
			} else {
				rejected = count
			}
		}
	}

	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query result: %w", result.Err())
	}

	total := accepted + rejected
	if total == 0 {
		return 0, nil
	}
	return float64(accepted) / float64(total) * 100, nil
}

// Flush forces a write of all pending points
func (r *Recorder) Flush() {
	r.writeAPI.Flush()
}
