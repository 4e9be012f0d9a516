package demux

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aminofox/hlsdemux/pkg/analytics"
	"github.com/aminofox/hlsdemux/pkg/config"
	"github.com/aminofox/hlsdemux/pkg/errors"
	"github.com/aminofox/hlsdemux/pkg/hls"
	"github.com/aminofox/hlsdemux/pkg/logger"
)

// Latency reports a track's latency answer: whether it is a live stream
// with an unbounded end, or one with a known total duration.
type Latency struct {
	Live bool
}

// trackPair bundles a Track and its Consumer, the two cooperating tasks
// that run one track end to end.
type trackPair struct {
	track    *Track
	consumer *Consumer
	queue    *Queue
}

// Coordinator owns the inbound byte accumulation, master-playlist parse,
// and per-track lifecycle.
type Coordinator struct {
	cfg     *config.Config
	fetcher hls.Fetcher
	log     logger.Logger
	metrics analytics.MetricsCollector

	mu       sync.Mutex
	inbound  bytes.Buffer
	sourceURI string
	groupID  string

	master *hls.MasterPlaylist
	tracks []*trackPair

	noMoreTracks bool
}

// NewCoordinator creates a Coordinator. fetcher is used to re-fetch media
// playlists that the master parse did not already inline.
func NewCoordinator(cfg *config.Config, fetcher hls.Fetcher, log logger.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		fetcher: fetcher,
		log:     log,
		groupID: uuid.New().String(),
		metrics: analytics.NewInMemoryMetricsCollector(),
	}
}

// Metrics returns the collector backing every track's TrackMetrics, so a
// caller can export snapshots (e.g. via analytics.PrometheusExporter)
func (c *Coordinator) Metrics() analytics.MetricsCollector {
	return c.metrics
}

// PushInbound accumulates one chunk of the inbound playlist byte stream
func (c *Coordinator) PushInbound(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound.Write(chunk)
}

// SetSourceURI records the upstream-queried source URI, used as the base
// for resolving relative playlist/segment URIs
func (c *Coordinator) SetSourceURI(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sourceURI = uri
}

// EndOfInput parses the accumulated bytes as a master playlist, selects the
// highest-bandwidth variant, instantiates one track per stream-bearing
// group member, and starts each track's producer/consumer pair
func (c *Coordinator) EndOfInput(ctx context.Context, newSink func(*Track) Sink) error {
	c.mu.Lock()
	body := c.inbound.String()
	sourceURI := c.sourceURI
	c.mu.Unlock()

	master, err := hls.ParseMaster(body, sourceURI)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.master = master
	c.mu.Unlock()

	variant := hls.SelectStream(master, 0)
	if variant == nil {
		return errors.NewParseError(errors.ErrCodeParseNoStream, "master playlist has no variants")
	}

	resolved, err := c.ensurePlaylist(ctx, variant.Playlist, variant.URI, sourceURI)
	if err != nil {
		return err
	}
	variant.Playlist = resolved

	videoIdx, audioIdx, subIdx := 0, 0, 0

	addTrack := func(kind Kind, idx int, playlist *hls.MediaPlaylist) {
		queue := NewQueue(c.cfg.Queue.ByteBudget)
		track := NewTrack(kind, idx, c.groupID, playlist, c.fetcher, queue, c.log)
		track.SetMetrics(NewTrackMetrics(c.metrics, track.PadName()))
		sink := newSink(track)
		consumer := NewConsumer(queue, sink, c.log)

		c.mu.Lock()
		c.tracks = append(c.tracks, &trackPair{track: track, consumer: consumer, queue: queue})
		c.mu.Unlock()

		consumer.Start(ctx)
		track.Start(ctx)
	}

	videoKind, err := hls.GuessMediaType(master, variant)
	if err != nil {
		c.log.Warn("unable to guess media type for primary variant", logger.Err(err))
		videoKind = hls.MediaTypeVideo
	}
	if videoKind == hls.MediaTypeAudio {
		addTrack(KindAudio, audioIdx, variant.Playlist)
		audioIdx++
	} else {
		addTrack(KindVideo, videoIdx, variant.Playlist)
		videoIdx++
	}

	for _, groupID := range []string{variant.AudioGroup, variant.VideoGroup, variant.SubtitlesGroup} {
		if groupID == "" {
			continue
		}
		for _, rend := range master.FindGroup(groupID) {
			if !rend.HasURI() {
				continue
			}
			resolved, err := c.ensurePlaylist(ctx, rend.Playlist, rend.URI, sourceURI)
			if err != nil {
				c.log.Warn("failed to fetch rendition playlist", logger.String("uri", rend.URI), logger.Err(err))
				continue
			}
			rend.Playlist = resolved

			switch rend.Type {
			case hls.RenditionAudio:
				addTrack(KindAudio, audioIdx, rend.Playlist)
				audioIdx++
			case hls.RenditionSubtitles:
				addTrack(KindSubtitle, subIdx, rend.Playlist)
				subIdx++
			default:
				addTrack(KindVideo, videoIdx, rend.Playlist)
				videoIdx++
			}
		}
	}

	c.mu.Lock()
	c.noMoreTracks = true
	c.mu.Unlock()

	return nil
}

// ensurePlaylist returns existing unchanged if it is already populated with
// segments, otherwise it fetches and parses uri into a fresh MediaPlaylist
// and returns that instead. The caller is responsible for attaching the
// returned playlist back onto its Variant/Rendition.
func (c *Coordinator) ensurePlaylist(ctx context.Context, existing *hls.MediaPlaylist, uri, baseURI string) (*hls.MediaPlaylist, error) {
	if existing != nil && len(existing.Segments) > 0 {
		return existing, nil
	}

	body, err := c.fetcher.FetchBlob(ctx, uri, 0, -1)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, errors.NewFetchError("playlist fetch cancelled", nil)
	}

	mp := &hls.MediaPlaylist{URI: uri}
	result, err := hls.UpdateMedia(mp, string(body), uri)
	if err != nil {
		return nil, err
	}
	if !result.Updated {
		return nil, errors.NewParseError(errors.ErrCodeParseMissingHeader, "empty playlist body")
	}

	return mp, nil
}

// Teardown implements the Paused→Ready transition: mark every queue
// flushing, stop each producer, then stop each consumer
func (c *Coordinator) Teardown() {
	c.mu.Lock()
	tracks := append([]*trackPair(nil), c.tracks...)
	c.mu.Unlock()

	for _, tp := range tracks {
		tp.queue.SetFlushing(true)
		tp.track.Stop()
	}
	for _, tp := range tracks {
		tp.queue.Close()
		tp.consumer.Stop()
	}
}

// QueryURI answers the "URI" query for any track: the master playlist URI
func (c *Coordinator) QueryURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourceURI
}

// QueryDuration answers the "Duration" query for one track, only when the
// track's playlist has endlist or is Event-typed
func (c *Coordinator) QueryDuration(track *Track) (time.Duration, bool) {
	track.mu.Lock()
	playlist := track.playlist
	track.mu.Unlock()

	if !playlist.EndList && playlist.Type != hls.PlaylistTypeEvent {
		return 0, false
	}
	return playlist.TotalDuration, true
}

// QuerySeekable answers the "Seekable" query: same condition as Duration,
// range is [0, duration]
func (c *Coordinator) QuerySeekable(track *Track) (start, end time.Duration, ok bool) {
	dur, ok := c.QueryDuration(track)
	if !ok {
		return 0, 0, false
	}
	return 0, dur, true
}

// QueryLatency answers the "Latency" query: live=true iff the track's
// playlist is neither endlist nor Event-typed
func (c *Coordinator) QueryLatency(track *Track) Latency {
	track.mu.Lock()
	playlist := track.playlist
	track.mu.Unlock()

	live := !playlist.EndList && playlist.Type != hls.PlaylistTypeEvent
	return Latency{Live: live}
}

// PadNames enumerates the pad template names of every track created so far,
// plus the "sink" pad for inbound playlist bytes
func (c *Coordinator) PadNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.tracks)+1)
	names = append(names, "sink")
	for _, tp := range c.tracks {
		names = append(names, tp.track.PadName())
	}
	return names
}

// Tracks returns the coordinator's current track list
func (c *Coordinator) Tracks() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Track, 0, len(c.tracks))
	for _, tp := range c.tracks {
		out = append(out, tp.track)
	}
	return out
}
