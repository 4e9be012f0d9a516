package hls

import (
	"sort"
	"strings"

	"github.com/aminofox/hlsdemux/pkg/errors"
)

// SelectStream returns, among variants with bandwidth < maxBandwidth, the
// one with the highest bandwidth. If none qualifies, it returns the
// lowest-bandwidth variant. maxBandwidth <= 0 means "no cap" (always the
// highest). Ties are broken by first-encountered order.
func SelectStream(master *MasterPlaylist, maxBandwidth int64) *Variant {
	if len(master.Variants) == 0 {
		return nil
	}

	ordered := make([]*Variant, len(master.Variants))
	copy(ordered, master.Variants)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Bandwidth > ordered[j].Bandwidth
	})

	if maxBandwidth <= 0 {
		return ordered[0]
	}

	for _, v := range ordered {
		if int64(v.Bandwidth) < maxBandwidth {
			return v
		}
	}

	// none qualifies: fall back to lowest-bandwidth variant, the
	// first-encountered one among equals
	lowest := ordered[len(ordered)-1]
	for _, v := range master.Variants {
		if v.Bandwidth == lowest.Bandwidth {
			return v
		}
	}
	return lowest
}

// GetSegment returns the first Segment in playlist whose sequence >=
// sequence, or nil if no such segment exists.
func GetSegment(playlist *MediaPlaylist, sequence int64) *Segment {
	for i := range playlist.Segments {
		if playlist.Segments[i].Sequence >= sequence {
			return &playlist.Segments[i]
		}
	}
	return nil
}

// FindGroup returns the Renditions for groupID, or nil if absent
func FindGroup(master *MasterPlaylist, groupID string) []*Rendition {
	return master.FindGroup(groupID)
}

// MediaType is the guessed content type of a variant-only track's media
// playlist
type MediaType int

const (
	MediaTypeUnknown MediaType = iota
	MediaTypeVideo
	MediaTypeAudio
)

var videoCodecPrefixes = []string{"avc1", "avc3", "hev1", "hvc1", "vp09", "av01"}
var audioCodecPrefixes = []string{"mp4a", "ac-3", "ec-3", "opus"}

// GuessMediaType determines the content type carried by a variant's own
// media playlist when it has no explicit rendition of its own type,
// following this first-match table:
//  1. if the variant's VIDEO group has a Rendition with no uri, it is Video
//     (the variant's own playlist IS that muxed video track).
//  2. if the AUDIO group exists and contains no Rendition with no uri, the
//     variant is Video (every audio alternate has its own uri, meaning the
//     variant's playlist carries the video).
//  3. codec hints including a video codec ⇒ Video.
//  4. only audio codec hints ⇒ Audio.
//  5. non-zero resolution ⇒ Video.
//  6. otherwise fail.
func GuessMediaType(master *MasterPlaylist, variant *Variant) (MediaType, error) {
	if variant.VideoGroup != "" {
		for _, r := range master.FindGroup(variant.VideoGroup) {
			if !r.HasURI() {
				return MediaTypeVideo, nil
			}
		}
	}

	if variant.AudioGroup != "" {
		group := master.FindGroup(variant.AudioGroup)
		if len(group) > 0 {
			allHaveURI := true
			for _, r := range group {
				if !r.HasURI() {
					allHaveURI = false
					break
				}
			}
			if allHaveURI {
				return MediaTypeVideo, nil
			}
		}
	}

	codecs := strings.ToLower(variant.Codecs)
	if codecs != "" {
		for _, prefix := range videoCodecPrefixes {
			if strings.Contains(codecs, prefix) {
				return MediaTypeVideo, nil
			}
		}
		for _, prefix := range audioCodecPrefixes {
			if strings.Contains(codecs, prefix) {
				return MediaTypeAudio, nil
			}
		}
	}

	if variant.ResolutionW > 0 && variant.ResolutionH > 0 {
		return MediaTypeVideo, nil
	}

	return MediaTypeUnknown, errors.NewParseError(errors.ErrCodeParseNoStream, "unable to guess media type for variant")
}
