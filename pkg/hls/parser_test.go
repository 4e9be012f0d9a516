package hls

import (
	"testing"
	"time"
)

func TestUpdateMediaVOD(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXT-X-MEDIA-SEQUENCE:100\n" +
		"#EXTINF:9.970,\n" +
		"seg100.ts\n" +
		"#EXTINF:9.970,\n" +
		"seg101.ts\n" +
		"#EXT-X-ENDLIST\n"

	playlist := &MediaPlaylist{}
	result, err := UpdateMedia(playlist, text, "http://example.com/media.m3u8")
	if err != nil {
		t.Fatalf("UpdateMedia failed: %v", err)
	}
	if !result.Updated {
		t.Fatal("expected first parse to report Updated=true")
	}

	if len(playlist.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(playlist.Segments))
	}
	if playlist.Segments[0].Sequence != 100 || playlist.Segments[1].Sequence != 101 {
		t.Errorf("unexpected sequence numbers: %d, %d", playlist.Segments[0].Sequence, playlist.Segments[1].Sequence)
	}
	wantDur := 9970 * time.Millisecond
	if playlist.Segments[0].Duration != wantDur {
		t.Errorf("expected segment duration %v, got %v", wantDur, playlist.Segments[0].Duration)
	}
	if playlist.TargetDuration != 10*time.Second {
		t.Errorf("expected target duration unchanged at 10s, got %v", playlist.TargetDuration)
	}
	if !playlist.EndList {
		t.Error("expected EndList=true")
	}
	wantTotal := 19940 * time.Millisecond
	if playlist.TotalDuration != wantTotal {
		t.Errorf("expected total duration %v, got %v", wantTotal, playlist.TotalDuration)
	}
}

func TestUpdateMediaNoChangeOnRefresh(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXT-X-MEDIA-SEQUENCE:5\n" +
		"#EXTINF:10.0,\n" +
		"seg5.ts\n"

	playlist := &MediaPlaylist{}
	first, err := UpdateMedia(playlist, text, "http://example.com/live.m3u8")
	if err != nil {
		t.Fatalf("first UpdateMedia failed: %v", err)
	}
	if !first.Updated {
		t.Fatal("expected first parse to be Updated=true")
	}

	second, err := UpdateMedia(playlist, text, "http://example.com/live.m3u8")
	if err != nil {
		t.Fatalf("second UpdateMedia failed: %v", err)
	}
	if second.Updated {
		t.Error("expected identical refresh to report Updated=false")
	}
}

func TestUpdateMediaDiscontinuityFromSkip(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXT-X-MEDIA-SEQUENCE:5\n" +
		"#EXTINF:10.0,\n" +
		"seg5.ts\n" +
		"#EXTINF:10.0,\n" +
		"seg6.ts\n" +
		"#EXTINF:10.0,\n" +
		"seg7.ts\n" +
		"#EXTINF:10.0,\n" +
		"seg8.ts\n" +
		"#EXTINF:10.0,\n" +
		"seg9.ts\n" +
		"#EXTINF:10.0,\n" +
		"seg10.ts\n"

	playlist := &MediaPlaylist{}
	if _, err := UpdateMedia(playlist, text, "http://example.com/live.m3u8"); err != nil {
		t.Fatalf("UpdateMedia failed: %v", err)
	}
	if len(playlist.Segments) != 6 {
		t.Fatalf("expected 6 segments, got %d", len(playlist.Segments))
	}

	// simulate a track that had consumed up through sequence 6 (next_sequence=7),
	// then the live window advanced so the earliest available sequence is 9:
	// GetSegment should jump straight to 9, and since 9 != next_sequence the
	// producer flags a discontinuity
	window := &MediaPlaylist{Segments: playlist.Segments[4:]}
	nextSequence := int64(7)
	seg := GetSegment(window, nextSequence)
	if seg == nil || seg.Sequence != 9 {
		t.Fatalf("expected GetSegment(7) to jump to sequence 9, got %+v", seg)
	}
	if seg.Sequence == nextSequence {
		t.Errorf("expected a sequence skip from %d, got sequence %d", nextSequence, seg.Sequence)
	}
}

func TestParseByteRangeContiguity(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXTINF:5.0,\n" +
		"#EXT-X-BYTERANGE:100\n" +
		"seg.ts\n" +
		"#EXTINF:5.0,\n" +
		"#EXT-X-BYTERANGE:200\n" +
		"seg.ts\n" +
		"#EXTINF:5.0,\n" +
		"#EXT-X-BYTERANGE:150\n" +
		"seg.ts\n"

	playlist := &MediaPlaylist{}
	if _, err := UpdateMedia(playlist, text, "http://example.com/range.m3u8"); err != nil {
		t.Fatalf("UpdateMedia failed: %v", err)
	}
	if len(playlist.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(playlist.Segments))
	}

	wantOffsets := []int64{0, 100, 300}
	wantLengths := []int64{100, 200, 150}
	for i, seg := range playlist.Segments {
		if !seg.HasByteRange {
			t.Fatalf("segment %d: expected HasByteRange", i)
		}
		if seg.ByteRangeOffset != wantOffsets[i] {
			t.Errorf("segment %d: expected offset %d, got %d", i, wantOffsets[i], seg.ByteRangeOffset)
		}
		if seg.ByteRangeLength != wantLengths[i] {
			t.Errorf("segment %d: expected length %d, got %d", i, wantLengths[i], seg.ByteRangeLength)
		}
	}
}

func TestParseProgramDateTime(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2024-01-02T03:04:05.000Z\n" +
		"#EXTINF:10.0,\n" +
		"seg.ts\n"

	playlist := &MediaPlaylist{}
	if _, err := UpdateMedia(playlist, text, "http://example.com/pdt.m3u8"); err != nil {
		t.Fatalf("UpdateMedia failed: %v", err)
	}
	if len(playlist.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(playlist.Segments))
	}
	seg := playlist.Segments[0]
	if !seg.HasProgramDate {
		t.Fatal("expected HasProgramDate=true")
	}
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if !seg.ProgramDateTime.Equal(want) {
		t.Errorf("expected program-date-time %v, got %v", want, seg.ProgramDateTime)
	}
}

func TestParseKeyAndMapCarryForward(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\",IV=0X00000000000000000000000000000001\n" +
		"#EXT-X-MAP:URI=\"init.mp4\"\n" +
		"#EXTINF:10.0,\n" +
		"seg1.ts\n" +
		"#EXTINF:10.0,\n" +
		"seg2.ts\n"

	playlist := &MediaPlaylist{}
	if _, err := UpdateMedia(playlist, text, "http://example.com/enc.m3u8"); err != nil {
		t.Fatalf("UpdateMedia failed: %v", err)
	}
	if len(playlist.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(playlist.Segments))
	}
	for i, seg := range playlist.Segments {
		if !seg.HasKey || seg.Key.Method != KeyMethodAES128 {
			t.Errorf("segment %d: expected AES-128 key carried forward", i)
		}
		if !seg.HasMap {
			t.Errorf("segment %d: expected map carried forward", i)
		}
	}
	if playlist.Segments[0].Key.IV != "00000000000000000000000000000001" {
		t.Errorf("unexpected IV: %q", playlist.Segments[0].Key.IV)
	}
}

func TestParseMasterVariantSelection(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=300000\n" +
		"low.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1200000\n" +
		"high.m3u8\n"

	master, err := ParseMaster(text, "http://example.com/master.m3u8")
	if err != nil {
		t.Fatalf("ParseMaster failed: %v", err)
	}
	if len(master.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(master.Variants))
	}

	if v := SelectStream(master, 0); v == nil || v.Bandwidth != 1200000 {
		t.Errorf("SelectStream(0): expected highest-bandwidth variant, got %+v", v)
	}
	if v := SelectStream(master, 500000); v == nil || v.Bandwidth != 300000 {
		t.Errorf("SelectStream(500000): expected 300000, got %+v", v)
	}
	if v := SelectStream(master, 100); v == nil || v.Bandwidth != 300000 {
		t.Errorf("SelectStream(100): expected fallback to lowest bandwidth 300000, got %+v", v)
	}
}

func TestParseMasterRejectsUnsupportedVersion(t *testing.T) {
	text := "#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-STREAM-INF:BANDWIDTH=1\nlow.m3u8\n"
	if _, err := ParseMaster(text, "http://example.com/master.m3u8"); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestParseMediaMissingHeaderRejected(t *testing.T) {
	if _, err := ParseMaster("#EXT-X-VERSION:3\n", "http://example.com/master.m3u8"); err == nil {
		t.Fatal("expected error for playlist missing #EXTM3U header")
	}
}

func TestDigestBodyIgnoresHeaderLine(t *testing.T) {
	a := digestBody("#EXTM3U\nfoo\nbar\n")
	b := digestBody("#EXTM3U\r\nfoo\nbar\n")
	if a != b {
		t.Error("expected digest to be insensitive to the header line's line-ending and content")
	}

	c := digestBody("#EXTM3U\nfoo\nbaz\n")
	if a == c {
		t.Error("expected digest to change when non-header content changes")
	}
}
