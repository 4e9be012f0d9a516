package demux

import "github.com/aminofox/hlsdemux/pkg/analytics"

// TrackMetrics records the counters/gauges a track's producer and consumer
// update as they run, backed by an analytics.MetricsCollector
type TrackMetrics struct {
	collector analytics.MetricsCollector
	labels    map[string]string
}

// NewTrackMetrics creates a TrackMetrics instance for one track, identified
// by padName in the emitted labels
func NewTrackMetrics(collector analytics.MetricsCollector, padName string) *TrackMetrics {
	return &TrackMetrics{
		collector: collector,
		labels:    map[string]string{"track": padName},
	}
}

// SegmentFetched records one successfully streamed segment
func (m *TrackMetrics) SegmentFetched() {
	m.collector.RecordCounter("segments_fetched_total", 1, m.labels)
}

// SegmentFailed records one segment whose fetch failed
func (m *TrackMetrics) SegmentFailed() {
	m.collector.RecordCounter("segments_failed_total", 1, m.labels)
}

// BytesPushed records bytes pushed into the output queue
func (m *TrackMetrics) BytesPushed(n int) {
	m.collector.RecordCounter("bytes_pushed_total", float64(n), m.labels)
}

// QueueDepth records the current aggregate byte size of visible queue items
func (m *TrackMetrics) QueueDepth(bytes int) {
	m.collector.RecordGauge("queue_depth_bytes", float64(bytes), m.labels)
}

// Discontinuity records one discontinuity-flagged buffer
func (m *TrackMetrics) Discontinuity() {
	m.collector.RecordCounter("discontinuities_total", 1, m.labels)
}

// RefreshLatency records the duration of one playlist refresh, in seconds
func (m *TrackMetrics) RefreshLatency(seconds float64) {
	m.collector.RecordHistogram("playlist_refresh_seconds", seconds, m.labels)
}
