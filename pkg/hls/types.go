// Package hls implements the m3u8 playlist parser, in-memory playlist
// model, URI fetcher contract, and AES-128-CBC crypto layer that together
// make up the static half of the demux engine. The dynamic half — the
// per-track producer/consumer loop and queue — lives in pkg/demux.
package hls

import "time"

// KeyMethod is the encryption method declared by an EXT-X-KEY tag
type KeyMethod int

const (
	KeyMethodNone KeyMethod = iota
	KeyMethodAES128
	KeyMethodSampleAES
	KeyMethodUnknown
)

// KeyFormat is the KEYFORMAT declared by an EXT-X-KEY tag
type KeyFormat int

const (
	KeyFormatIdentity KeyFormat = iota
	KeyFormatUnknown
)

// KeyParams describes one EXT-X-KEY tag's attributes
type KeyParams struct {
	Method KeyMethod
	Format KeyFormat
	URI    string // absolute, present iff Method != KeyMethodNone
	IV     string // lower-case hex, may be absent
}

// Equal reports whether two key references describe the same key state
func (k KeyParams) Equal(other KeyParams) bool {
	return k.Method == other.Method && k.Format == other.Format && k.URI == other.URI && k.IV == other.IV
}

// MapParams describes one EXT-X-MAP tag's attributes
type MapParams struct {
	URI             string
	HasByteRange    bool
	ByteRangeLength int64
	ByteRangeOffset int64
}

// Segment is one media file (or byte range within one) listed by a media playlist
type Segment struct {
	URI              string
	Duration         time.Duration
	Sequence         int64
	HasByteRange     bool
	ByteRangeOffset  int64
	ByteRangeLength  int64
	Discontinuity    bool
	Key              KeyParams
	HasKey           bool
	Map              MapParams
	HasMap           bool
	ProgramDateTime  time.Time
	HasProgramDate   bool
}

// PlaylistType is the EXT-X-PLAYLIST-TYPE value
type PlaylistType int

const (
	PlaylistTypeNone PlaylistType = iota
	PlaylistTypeVOD
	PlaylistTypeEvent
)

// MediaPlaylist is the in-memory representation of a variant or rendition
// media playlist
type MediaPlaylist struct {
	URI               string
	Version           int
	Type              PlaylistType
	EndList           bool
	AllowCache         bool
	TargetDuration    time.Duration
	MediaSequenceBase int64
	IFramesOnly       bool
	Segments          []Segment
	Keys              map[string]*KeyParams
	Maps              map[string]*MapParams
	LastDigest        string
	LastFetchedAt     time.Time
	TotalDuration      time.Duration
}

// Rendition is one alternate audio/video/subtitles group member, from
// EXT-X-MEDIA
type RenditionType int

const (
	RenditionAudio RenditionType = iota
	RenditionVideo
	RenditionSubtitles
)

type Rendition struct {
	Type        RenditionType
	GroupID     string
	Name        string
	Language    string
	URI         string // empty means this rendition has no separate media playlist
	Default     bool
	AutoSelect  bool
	Forced      bool
	Playlist    *MediaPlaylist
}

// HasURI reports whether this rendition owns a separate media playlist
func (r *Rendition) HasURI() bool {
	return r.URI != ""
}

// Variant is one bitrate/resolution rendition of the program, from
// EXT-X-STREAM-INF
type Variant struct {
	Bandwidth       uint64
	ProgramID       int
	Codecs          string
	ResolutionW     int
	ResolutionH     int
	AudioGroup      string
	VideoGroup      string
	SubtitlesGroup  string
	URI             string
	Playlist        *MediaPlaylist
}

// MasterPlaylist is the top-level parsed playlist: a list of variants plus
// the rendition groups they reference
type MasterPlaylist struct {
	BaseURI       string
	Version       int
	Variants      []*Variant
	IFrameVariants []*Variant
	RenditionGroups map[string][]*Rendition
}

// FindGroup returns the Renditions array for a group id, or nil if absent
func (m *MasterPlaylist) FindGroup(groupID string) []*Rendition {
	if groupID == "" {
		return nil
	}
	return m.RenditionGroups[groupID]
}
