package hls

import "testing"

func TestSelectStreamEmptyMaster(t *testing.T) {
	master := &MasterPlaylist{}
	if v := SelectStream(master, 0); v != nil {
		t.Errorf("expected nil for a master with no variants, got %+v", v)
	}
}

func TestGetSegmentSkipsGaps(t *testing.T) {
	playlist := &MediaPlaylist{Segments: []Segment{
		{Sequence: 5}, {Sequence: 6}, {Sequence: 9}, {Sequence: 10},
	}}

	seg := GetSegment(playlist, 7)
	if seg == nil || seg.Sequence != 9 {
		t.Fatalf("expected GetSegment(7) to jump to sequence 9, got %+v", seg)
	}

	if seg := GetSegment(playlist, 11); seg != nil {
		t.Errorf("expected nil past the end of the playlist, got %+v", seg)
	}
}

func TestFindGroup(t *testing.T) {
	master := &MasterPlaylist{RenditionGroups: map[string][]*Rendition{
		"aac": {{GroupID: "aac", Name: "English", URI: "aac-en.m3u8"}},
	}}

	if g := master.FindGroup("aac"); len(g) != 1 {
		t.Fatalf("expected 1 rendition in group aac, got %d", len(g))
	}
	if g := master.FindGroup("missing"); g != nil {
		t.Errorf("expected nil for a missing group, got %+v", g)
	}
	if g := FindGroup(master, ""); g != nil {
		t.Errorf("expected nil for an empty group id, got %+v", g)
	}
}

func TestGuessMediaTypeMuxedVideo(t *testing.T) {
	master := &MasterPlaylist{RenditionGroups: map[string][]*Rendition{
		"vid": {{GroupID: "vid", URI: ""}},
	}}
	variant := &Variant{VideoGroup: "vid"}

	kind, err := GuessMediaType(master, variant)
	if err != nil {
		t.Fatalf("GuessMediaType failed: %v", err)
	}
	if kind != MediaTypeVideo {
		t.Errorf("expected MediaTypeVideo, got %v", kind)
	}
}

func TestGuessMediaTypeCodecHint(t *testing.T) {
	master := &MasterPlaylist{RenditionGroups: map[string][]*Rendition{}}
	variant := &Variant{Codecs: "mp4a.40.2"}

	kind, err := GuessMediaType(master, variant)
	if err != nil {
		t.Fatalf("GuessMediaType failed: %v", err)
	}
	if kind != MediaTypeAudio {
		t.Errorf("expected MediaTypeAudio from an audio-only codec hint, got %v", kind)
	}
}

func TestGuessMediaTypeResolutionFallback(t *testing.T) {
	master := &MasterPlaylist{RenditionGroups: map[string][]*Rendition{}}
	variant := &Variant{ResolutionW: 1280, ResolutionH: 720}

	kind, err := GuessMediaType(master, variant)
	if err != nil {
		t.Fatalf("GuessMediaType failed: %v", err)
	}
	if kind != MediaTypeVideo {
		t.Errorf("expected MediaTypeVideo from a non-zero resolution, got %v", kind)
	}
}

func TestGuessMediaTypeFailsWithNoHints(t *testing.T) {
	master := &MasterPlaylist{RenditionGroups: map[string][]*Rendition{}}
	variant := &Variant{}

	if _, err := GuessMediaType(master, variant); err == nil {
		t.Fatal("expected an error when no hint identifies the media type")
	}
}
