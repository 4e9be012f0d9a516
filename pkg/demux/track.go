package demux

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aminofox/hlsdemux/pkg/errors"
	"github.com/aminofox/hlsdemux/pkg/hls"
	"github.com/aminofox/hlsdemux/pkg/logger"
	"github.com/aminofox/hlsdemux/pkg/optimization"
	"github.com/aminofox/hlsdemux/pkg/security"
)

// Kind is the media type a track exposes downstream, deciding its pad
// template name
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
	KindSubtitle
)

func (k Kind) padPrefix() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	default:
		return "video"
	}
}

var streamIDCounter int32

// rotationLog observes EXT-X-KEY transitions across every track in the
// process, so repeated key changes on a live playlist refresh are
// observable without re-deriving crypto state from scratch
var rotationLog = security.NewRotationLog(8)

// nextStreamID returns a monotonically increasing 3-digit stream id, unique
// within this process
func nextStreamID() string {
	n := atomic.AddInt32(&streamIDCounter, 1)
	return fmt.Sprintf("%03d", n%1000)
}

// Track is the producer half of one variant or rendition stream. It owns a
// MediaPlaylist, runs the control loop in its own goroutine, and pushes
// decrypted, timestamped payload into Queue.
type Track struct {
	Kind     Kind
	Index    int
	GroupID  string // demux-wide stream-id group, shared by all tracks
	Fetcher  hls.Fetcher
	Queue    *Queue
	log      logger.Logger

	mu       sync.Mutex
	playlist *hls.MediaPlaylist

	nextSequence   int64
	pendingDiscont bool
	nextPTS        int64
	currentKey     hls.KeyParams
	hasCurrentKey  bool
	exposed        bool
	byteOffset     int64

	decryptor *hls.Decryptor
	pool      *optimization.BufferPool

	metrics *TrackMetrics

	cancel context.CancelFunc
	done   chan struct{}
}

// SetMetrics attaches a TrackMetrics instance; nil-safe if never called
func (t *Track) SetMetrics(m *TrackMetrics) {
	t.metrics = m
}

// NewTrack creates a Track bound to playlist, ready to Start
func NewTrack(kind Kind, index int, groupID string, playlist *hls.MediaPlaylist, fetcher hls.Fetcher, queue *Queue, log logger.Logger) *Track {
	return &Track{
		Kind:     kind,
		Index:    index,
		GroupID:  groupID,
		Fetcher:  fetcher,
		Queue:    queue,
		log:      log,
		playlist: playlist,
		nextPTS:  PTSUnset,
		pool:     optimization.DefaultBufferPool(),
	}
}

// PadName returns this track's pad template name
func (t *Track) PadName() string {
	return fmt.Sprintf("%s_%d", t.Kind.padPrefix(), t.Index)
}

// Start launches the control loop in its own goroutine
func (t *Track) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		t.run(runCtx)
	}()
}

// Stop cancels any in-flight fetch and waits for the control loop to exit
func (t *Track) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.Fetcher.Cancel()
	if t.done != nil {
		<-t.done
	}
}

// run is the control loop: locate the next segment, fetch and decrypt it,
// advance the sequence counter, and refresh the playlist when segments run
// out on a live stream.
func (t *Track) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.mu.Lock()
		playlist := t.playlist
		t.mu.Unlock()

		segment := hls.GetSegment(playlist, t.nextSequence)

		if segment == nil {
			if playlist.EndList {
				t.pushEndOfStream()
				return
			}

			updated, err := t.refresh(ctx)
			if err != nil {
				t.log.Warn("playlist refresh failed", logger.Err(err))
				t.pushEndOfStream()
				return
			}
			if !updated {
				t.log.Info("no more segments and playlist is not live; ending track")
				t.pushEndOfStream()
				return
			}
			continue
		}

		if segment.Sequence != t.nextSequence || segment.Discontinuity {
			t.pendingDiscont = true
		}
		t.nextSequence = segment.Sequence

		if segment.HasKey {
			if !segment.Key.Equal(t.currentKey) {
				if rotationLog.Observe(t.PadName(), keyMethodName(segment.Key.Method), segment.Key.URI, segment.Key.IV) {
					t.log.Debug("key rotation observed", logger.String("pad", t.PadName()), logger.String("uri", segment.Key.URI))
				}
			}
			// Re-init for every segment, not just on key change: the default IV
			// is derived from this segment's own sequence number, so two
			// segments sharing the same key URI still need distinct IVs.
			if err := t.initCrypto(ctx, segment.Key); err != nil {
				t.log.Error("failed to init segment crypto", logger.Err(err))
				t.pushEndOfStream()
				return
			}
		}
		t.currentKey = segment.Key
		t.hasCurrentKey = segment.HasKey

		ok, err := t.Fetcher.Stream(ctx, segment.URI, segmentRangeStart(segment), segmentRangeEnd(segment), func(chunk []byte) error {
			return t.chain(chunk)
		})
		if err != nil || !ok {
			if err != nil {
				t.log.Warn("segment fetch failed", logger.String("uri", segment.URI), logger.Err(err))
			}
			t.pendingDiscont = true
			if t.metrics != nil {
				t.metrics.SegmentFailed()
			}
		} else if t.metrics != nil {
			t.metrics.SegmentFetched()
		}

		if t.decryptor != nil {
			residual, ferr := t.decryptor.Finalize()
			if ferr != nil {
				t.log.Error("crypto finalize failed", logger.Err(ferr))
				t.pushEndOfStream()
				return
			} else if len(residual) > 0 {
				t.pushBuffer(residual)
			}
			t.decryptor = nil
		}

		t.nextSequence++
	}
}

func keyMethodName(m hls.KeyMethod) string {
	switch m {
	case hls.KeyMethodAES128:
		return "AES-128"
	case hls.KeyMethodSampleAES:
		return "SAMPLE-AES"
	case hls.KeyMethodNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

func segmentRangeStart(s *hls.Segment) int64 {
	if s.HasByteRange {
		return s.ByteRangeOffset
	}
	return 0
}

func segmentRangeEnd(s *hls.Segment) int64 {
	if s.HasByteRange {
		return s.ByteRangeOffset + s.ByteRangeLength - 1
	}
	return -1
}

func (t *Track) initCrypto(ctx context.Context, key hls.KeyParams) error {
	if key.Method == hls.KeyMethodNone {
		t.decryptor = nil
		return nil
	}

	dec, err := hls.NewDecryptor(ctx, t.Fetcher, key, t.nextSequence)
	if err != nil {
		return err
	}
	t.decryptor = dec
	return nil
}

// chain is the per-chunk callback invoked as segment bytes arrive
func (t *Track) chain(chunk []byte) error {
	if t.decryptor != nil {
		out, err := t.decryptor.Update(chunk)
		if err != nil {
			return errors.NewCryptoError(errors.ErrCodeCryptoFinalization, "decrypt update failed")
		}
		chunk = out
	}

	if !t.exposed {
		t.emitSticky(chunk)
		t.exposed = true
	}

	pts := PTSUnset
	if t.nextPTS != PTSUnset {
		pts = t.nextPTS
		t.nextPTS = PTSUnset
	}

	discont := t.pendingDiscont
	t.pendingDiscont = false

	if len(chunk) == 0 {
		return nil
	}

	buf := t.pool.Get(len(chunk))
	copy(buf.Data(), chunk)

	t.Queue.Push(Item{
		Kind:     ItemBuffer,
		Data:     buf.Data(),
		ByteSize: len(chunk),
		Buf:      buf,
		Event: Event{
			PTS:      pts,
			DTS:      PTSUnset,
			Duration: PTSUnset,
			Discont:  discont,
		},
	})
	t.byteOffset += int64(len(chunk))

	if t.metrics != nil {
		t.metrics.BytesPushed(len(chunk))
		t.metrics.QueueDepth(t.Queue.VisibleBytes())
		if discont {
			t.metrics.Discontinuity()
		}
	}

	return nil
}

func (t *Track) pushBuffer(data []byte) {
	buf := t.pool.Get(len(data))
	copy(buf.Data(), data)
	t.Queue.Push(Item{Kind: ItemBuffer, Data: buf.Data(), ByteSize: len(data), Buf: buf,
		Event: Event{PTS: PTSUnset, DTS: PTSUnset, Duration: PTSUnset}})
	t.byteOffset += int64(len(data))
}

// emitSticky classifies the payload from the first chunk and emits
// stream-start, caps, segment events in order
func (t *Track) emitSticky(chunk []byte) {
	caps := classifyPayload(chunk)

	t.Queue.PushForce(Item{Kind: ItemEvent, Event: Event{
		Type:     EventStreamStart,
		StreamID: t.GroupID + "/" + nextStreamID(),
	}})
	t.Queue.PushForce(Item{Kind: ItemEvent, Event: Event{
		Type: EventCaps,
		Caps: caps,
	}})
	t.Queue.PushForce(Item{Kind: ItemEvent, Event: Event{
		Type: EventSegment,
	}})
}

// classifyPayload determines the content type of the first chunk of the
// first segment
func classifyPayload(chunk []byte) string {
	if isID3(chunk) {
		return "application/x-id3"
	}
	if isWebVTT(chunk) {
		return "text/vtt"
	}
	return "video/mpegts, systemstream=true"
}

func isID3(b []byte) bool {
	if len(b) < 10 {
		return false
	}
	if b[0] != 'I' || b[1] != 'D' || b[2] != '3' {
		return false
	}
	if b[3] == 0xFF || b[4] == 0xFF {
		return false
	}
	for i := 6; i <= 9; i++ {
		if b[i]&0x80 != 0 {
			return false
		}
	}
	return true
}

func isWebVTT(b []byte) bool {
	if bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}) {
		b = b[3:]
	}
	if !bytes.HasPrefix(b, []byte("WEBVTT")) {
		return false
	}
	rest := b[len("WEBVTT"):]
	if len(rest) == 0 {
		return true
	}
	switch rest[0] {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}

func (t *Track) pushEndOfStream() {
	t.Queue.PushForce(Item{Kind: ItemEvent, Event: Event{Type: EventEndOfStream}})
}

// refresh re-fetches the playlist body and applies it if the MD5 digest
// changed
func (t *Track) refresh(ctx context.Context) (bool, error) {
	t.mu.Lock()
	playlist := t.playlist
	t.mu.Unlock()

	started := time.Now()

	body, err := t.Fetcher.FetchBlob(ctx, playlist.URI, 0, -1)
	if err != nil {
		return false, err
	}
	if body == nil {
		return false, nil
	}

	result, err := hls.UpdateMedia(playlist, string(body), playlist.URI)
	if t.metrics != nil {
		t.metrics.RefreshLatency(time.Since(started).Seconds())
	}
	if err != nil {
		return false, err
	}

	return result.Updated, nil
}

// HandleSeek relocates the track to the segment containing start. flush
// controls whether the queue is flushed and a flush-start/flush-stop pair is
// emitted around the relocation.
func (t *Track) HandleSeek(ctx context.Context, start time.Duration, flush bool) error {
	if start < 0 {
		return errors.New(errors.ErrCodeSeekUnsupported, "negative seek position")
	}

	t.mu.Lock()
	playlist := t.playlist
	t.mu.Unlock()

	if !playlist.EndList && playlist.Type != hls.PlaylistTypeEvent {
		return errors.New(errors.ErrCodeSeekUnsupported, "cannot seek a live playlist without endlist")
	}

	if flush {
		t.Queue.SetFlushing(true)
		t.Stop()
		t.Queue.Flush()
		t.Queue.PushForce(Item{Kind: ItemEvent, Event: Event{Type: EventFlushStart}})
	}

	seq, segStart, err := locateSeekTarget(playlist, start)
	if err != nil {
		if flush {
			t.Queue.SetFlushing(false)
		}
		return err
	}

	t.nextSequence = seq
	t.nextPTS = int64(segStart)
	t.byteOffset = 0
	t.pendingDiscont = true
	t.exposed = false

	if flush {
		t.Queue.SetFlushing(false)
		t.Queue.PushForce(Item{Kind: ItemEvent, Event: Event{Type: EventFlushStop}})
	}

	t.Queue.PushForce(Item{Kind: ItemEvent, Event: Event{Type: EventSegment}})

	t.Start(ctx)

	return nil
}

// locateSeekTarget walks segment durations to find the segment containing
// start, per the SNAP_AFTER policy: the first segment whose cumulative
// [offset, offset+duration) range contains start, or the last segment if
// start runs past the end
func locateSeekTarget(playlist *hls.MediaPlaylist, start time.Duration) (int64, time.Duration, error) {
	if len(playlist.Segments) == 0 {
		return 0, 0, errors.New(errors.ErrCodeSeekOutOfRange, "playlist has no segments")
	}

	var offset time.Duration
	for _, seg := range playlist.Segments {
		if start >= offset && start < offset+seg.Duration {
			return seg.Sequence, offset, nil
		}
		offset += seg.Duration
	}

	last := playlist.Segments[len(playlist.Segments)-1]
	return last.Sequence, offset - last.Duration, nil
}
