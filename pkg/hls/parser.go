package hls

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aminofox/hlsdemux/pkg/errors"
)

// maxSupportedVersion is the highest EXT-X-VERSION this parser accepts
const maxSupportedVersion = 5

// parserState carries the sticky "current key" / "current map" parse-time
// state; it is transient and never persisted as a back-pointer on the
// playlist itself.
type parserState struct {
	baseURI     *url.URL
	currentKey  *KeyParams
	currentMap  *MapParams
	pendingInf  bool
	pendingDur  time.Duration
	pendingLen  int64
	pendingOff  int64
	pendingHasRange bool
	haveOffset  bool
	lastOffset  int64
	discontPending bool
	mediaSeq    int64
	isMaster    bool
	sawExtM3U   bool
	pendingProgramDate time.Time
	havePendingProgramDate bool
}

// ParseResult reports whether a media-playlist update actually changed content
type ParseResult struct {
	Updated bool
}

// ParseMaster parses text as a master playlist rooted at baseURI. If text
// contains no EXT-X-STREAM-INF tag it is actually a media playlist; a
// synthetic single-Variant master is fabricated wrapping the parsed media
// playlist.
func ParseMaster(text, baseURI string) (*MasterPlaylist, error) {
	base, err := url.Parse(baseURI)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeParseBadAttributes, "invalid base uri", err)
	}

	lines, err := splitLines(text)
	if err != nil {
		return nil, err
	}

	st := &parserState{baseURI: base, mediaSeq: 0}

	master := &MasterPlaylist{
		BaseURI:         baseURI,
		RenditionGroups: make(map[string][]*Rendition),
	}

	var pendingVariant *Variant
	var pendingIFrame bool

	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXTM3U") {
			st.sawExtM3U = true
			continue
		}
		if !st.sawExtM3U {
			return nil, errors.NewParseError(errors.ErrCodeParseMissingHeader, "playlist missing #EXTM3U header")
		}

		if strings.HasPrefix(line, "#EXT-X-VERSION:") {
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))
			if err != nil {
				return nil, errors.NewParseError(errors.ErrCodeParseBadNumber, "malformed EXT-X-VERSION")
			}
			if v > maxSupportedVersion {
				return nil, errors.NewParseError(errors.ErrCodeParseUnsupportedVer, fmt.Sprintf("unsupported playlist version %d", v))
			}
			master.Version = v
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-MEDIA:") {
			rendition, err := parseMediaTag(line)
			if err != nil {
				return nil, err
			}
			master.RenditionGroups[rendition.GroupID] = append(master.RenditionGroups[rendition.GroupID], rendition)
			st.isMaster = true
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF:") {
			v, err := parseStreamInf(strings.TrimPrefix(line, "#EXT-X-I-FRAME-STREAM-INF:"))
			if err != nil {
				return nil, err
			}
			if v.URI != "" {
				v.URI = joinURI(st.baseURI, v.URI)
			}
			master.IFrameVariants = append(master.IFrameVariants, v)
			st.isMaster = true
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			v, err := parseStreamInf(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			if err != nil {
				return nil, err
			}
			pendingVariant = v
			pendingIFrame = false
			st.isMaster = true
			continue
		}

		if strings.HasPrefix(line, "#") {
			// unrecognised tag: ignored
			continue
		}

		// URI line
		if pendingVariant != nil {
			pendingVariant.URI = joinURI(st.baseURI, line)
			master.Variants = append(master.Variants, pendingVariant)
			pendingVariant = nil
			_ = pendingIFrame
		}
	}

	if !st.isMaster {
		// Not a master playlist: fabricate a synthetic single-Variant wrapper
		mp, err := parseMediaPlaylistBody(lines, st)
		if err != nil {
			return nil, err
		}
		mp.URI = baseURI
		master.Variants = []*Variant{{
			URI:      baseURI,
			Playlist: mp,
		}}
	}

	return master, nil
}

// UpdateMedia parses or re-parses text into playlist, reusing its identity
// and uri. It compares the MD5 digest of text (minus the #EXTM3U header
// line) against the playlist's stored digest: on a match it reports
// Updated=false without touching playlist; otherwise it resets and
// reparses the model in place.
func UpdateMedia(playlist *MediaPlaylist, text, uri string) (ParseResult, error) {
	digest := digestBody(text)
	if playlist.LastDigest != "" && digest == playlist.LastDigest {
		return ParseResult{Updated: false}, nil
	}

	base, err := url.Parse(uri)
	if err != nil {
		return ParseResult{}, errors.Wrap(errors.ErrCodeParseBadAttributes, "invalid playlist uri", err)
	}

	lines, err := splitLines(text)
	if err != nil {
		return ParseResult{}, err
	}

	st := &parserState{baseURI: base}
	mp, err := parseMediaPlaylistBody(lines, st)
	if err != nil {
		return ParseResult{}, err
	}

	mp.URI = uri
	mp.LastDigest = digest
	mp.LastFetchedAt = time.Now()
	*playlist = *mp

	return ParseResult{Updated: true}, nil
}

// digestBody computes the MD5 of text excluding the #EXTM3U header line,
// matching gst_m3u8_update's change-detection digest exactly.
func digestBody(text string) string {
	lines := strings.Split(text, "\n")
	var sb strings.Builder
	for _, l := range lines {
		trimmed := strings.TrimRight(l, "\r")
		if strings.HasPrefix(trimmed, "#EXTM3U") {
			continue
		}
		sb.WriteString(trimmed)
		sb.WriteString("\n")
	}
	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func splitLines(text string) ([]string, error) {
	if text == "" {
		return nil, errors.NewParseError(errors.ErrCodeParseMissingHeader, "empty playlist")
	}
	return strings.Split(text, "\n"), nil
}

// parseMediaPlaylistBody parses the media-playlist tag set into a fresh
// MediaPlaylist.
func parseMediaPlaylistBody(lines []string, st *parserState) (*MediaPlaylist, error) {
	mp := &MediaPlaylist{
		Keys: make(map[string]*KeyParams),
		Maps: make(map[string]*MapParams),
	}

	var maxSegDuration time.Duration

	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXTM3U") {
			st.sawExtM3U = true
			continue
		}
		if !st.sawExtM3U {
			return nil, errors.NewParseError(errors.ErrCodeParseMissingHeader, "playlist missing #EXTM3U header")
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))
			if err != nil {
				return nil, errors.NewParseError(errors.ErrCodeParseBadNumber, "malformed EXT-X-VERSION")
			}
			if v > maxSupportedVersion {
				return nil, errors.NewParseError(errors.ErrCodeParseUnsupportedVer, fmt.Sprintf("unsupported playlist version %d", v))
			}
			mp.Version = v

		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			mp.EndList = true

		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			switch strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:") {
			case "VOD":
				mp.Type = PlaylistTypeVOD
			case "EVENT":
				mp.Type = PlaylistTypeEvent
			}

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			secs, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
			if err != nil {
				return nil, errors.NewParseError(errors.ErrCodeParseBadNumber, "malformed EXT-X-TARGETDURATION")
			}
			mp.TargetDuration = time.Duration(secs * float64(time.Second))

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			seq, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, errors.NewParseError(errors.ErrCodeParseBadNumber, "malformed EXT-X-MEDIA-SEQUENCE")
			}
			mp.MediaSequenceBase = seq

		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY"):
			st.discontPending = true
			st.currentMap = nil

		case strings.HasPrefix(line, "#EXT-X-I-FRAMES-ONLY"):
			mp.IFramesOnly = true

		case strings.HasPrefix(line, "#EXT-X-ALLOW-CACHE:"):
			mp.AllowCache = strings.TrimPrefix(line, "#EXT-X-ALLOW-CACHE:") == "YES"

		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			t, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"))
			if err != nil {
				return nil, errors.NewParseError(errors.ErrCodeParseBadAttributes, "malformed EXT-X-PROGRAM-DATE-TIME")
			}
			st.pendingProgramDate = t
			st.havePendingProgramDate = true

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			m, err := parseMapTag(strings.TrimPrefix(line, "#EXT-X-MAP:"), st.baseURI)
			if err != nil {
				return nil, err
			}
			st.currentMap = m
			mp.Maps[m.URI] = m

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			k, err := parseKeyTag(strings.TrimPrefix(line, "#EXT-X-KEY:"), st.baseURI)
			if err != nil {
				return nil, err
			}
			if k.Method == KeyMethodNone {
				st.currentKey = nil
			} else {
				st.currentKey = k
				mp.Keys[k.URI] = k
			}

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			length, offset, hasOffset, err := parseByteRange(strings.TrimPrefix(line, "#EXT-X-BYTERANGE:"))
			if err != nil {
				return nil, err
			}
			st.pendingHasRange = true
			st.pendingLen = length
			if hasOffset {
				st.pendingOff = offset
				st.haveOffset = true
			} else if st.haveOffset {
				st.pendingOff = st.lastOffset
			} else {
				st.pendingOff = 0
			}

		case strings.HasPrefix(line, "#EXTINF:"):
			dur, err := parseInf(strings.TrimPrefix(line, "#EXTINF:"))
			if err != nil {
				return nil, err
			}
			st.pendingInf = true
			st.pendingDur = dur

		case strings.HasPrefix(line, "#"):
			// unrecognised tag: ignored

		default:
			// URI line
			if !st.pendingInf {
				continue
			}

			seg := Segment{
				URI:      joinURI(st.baseURI, line),
				Duration: st.pendingDur,
			}

			if st.pendingHasRange {
				seg.HasByteRange = true
				seg.ByteRangeLength = st.pendingLen
				seg.ByteRangeOffset = st.pendingOff
				st.lastOffset = st.pendingOff + st.pendingLen
				st.haveOffset = true
			}

			if st.discontPending {
				seg.Discontinuity = true
				st.discontPending = false
			}

			if st.currentKey != nil {
				seg.HasKey = true
				seg.Key = *st.currentKey
			}

			if st.currentMap != nil {
				seg.HasMap = true
				seg.Map = *st.currentMap
			}

			if st.havePendingProgramDate {
				seg.HasProgramDate = true
				seg.ProgramDateTime = st.pendingProgramDate
				st.havePendingProgramDate = false
			}

			mp.Segments = append(mp.Segments, seg)

			if seg.Duration > maxSegDuration {
				maxSegDuration = seg.Duration
			}

			st.pendingInf = false
			st.pendingHasRange = false
		}
	}

	// Apply the media sequence base, sum durations, and raise
	// target_duration to the ceiling-to-seconds of the largest segment
	// duration if it exceeds the declared value.
	for i := range mp.Segments {
		mp.Segments[i].Sequence = mp.MediaSequenceBase + int64(i)
		mp.TotalDuration += mp.Segments[i].Duration
	}

	ceilSecs := time.Duration(math.Ceil(maxSegDuration.Seconds())) * time.Second
	if ceilSecs > mp.TargetDuration {
		mp.TargetDuration = ceilSecs
	}

	return mp, nil
}

// parseAttributeList splits a comma-separated KEY=VALUE list honoring
// quoted strings that may themselves contain commas.
func parseAttributeList(s string) (map[string]string, error) {
	attrs := make(map[string]string)

	var key strings.Builder
	var val strings.Builder
	inQuotes := false
	readingKey := true

	flush := func() error {
		if key.Len() == 0 {
			return nil
		}
		attrs[key.String()] = val.String()
		key.Reset()
		val.Reset()
		readingKey = true
		return nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' :
			inQuotes = !inQuotes
			if readingKey {
				return nil, errors.NewParseError(errors.ErrCodeParseBadAttributes, "unexpected quote in attribute name")
			}
			val.WriteByte(c)
		case c == '=' && readingKey && !inQuotes:
			readingKey = false
		case c == ',' && !inQuotes:
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			if readingKey {
				key.WriteByte(c)
			} else {
				val.WriteByte(c)
			}
		}
	}

	if inQuotes {
		return nil, errors.NewParseError(errors.ErrCodeParseBadAttributes, "unterminated quoted string in attribute list")
	}
	if err := flush(); err != nil {
		return nil, err
	}

	// strip surrounding quotes from values
	for k, v := range attrs {
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			attrs[k] = v[1 : len(v)-1]
		}
	}

	return attrs, nil
}

func parseMediaTag(tag string) (*Rendition, error) {
	attrs, err := parseAttributeList(strings.TrimPrefix(tag, "#EXT-X-MEDIA:"))
	if err != nil {
		return nil, err
	}

	r := &Rendition{
		GroupID:  attrs["GROUP-ID"],
		Name:     attrs["NAME"],
		Language: attrs["LANGUAGE"],
		URI:      attrs["URI"],
	}

	switch attrs["TYPE"] {
	case "AUDIO":
		r.Type = RenditionAudio
	case "VIDEO":
		r.Type = RenditionVideo
	case "SUBTITLES":
		r.Type = RenditionSubtitles
	}

	r.Default = attrs["DEFAULT"] == "YES"
	r.AutoSelect = attrs["AUTOSELECT"] == "YES"
	r.Forced = attrs["FORCED"] == "YES"

	return r, nil
}

func parseStreamInf(tag string) (*Variant, error) {
	attrs, err := parseAttributeList(tag)
	if err != nil {
		return nil, err
	}

	v := &Variant{
		Codecs:         attrs["CODECS"],
		AudioGroup:     attrs["AUDIO"],
		VideoGroup:     attrs["VIDEO"],
		SubtitlesGroup: attrs["SUBTITLES"],
		URI:            attrs["URI"],
	}

	if bw, ok := attrs["BANDWIDTH"]; ok {
		n, err := strconv.ParseUint(bw, 10, 64)
		if err != nil {
			return nil, errors.NewParseError(errors.ErrCodeParseBadNumber, "malformed BANDWIDTH attribute")
		}
		v.Bandwidth = n
	}

	if pid, ok := attrs["PROGRAM-ID"]; ok {
		n, err := strconv.Atoi(pid)
		if err == nil {
			v.ProgramID = n
		}
	}

	if res, ok := attrs["RESOLUTION"]; ok {
		parts := strings.SplitN(res, "x", 2)
		if len(parts) == 2 {
			w, werr := strconv.Atoi(parts[0])
			h, herr := strconv.Atoi(parts[1])
			if werr == nil && herr == nil {
				v.ResolutionW, v.ResolutionH = w, h
			}
		}
	}

	return v, nil
}

func parseMapTag(tag string, base *url.URL) (*MapParams, error) {
	attrs, err := parseAttributeList(tag)
	if err != nil {
		return nil, err
	}

	m := &MapParams{URI: joinURI(base, attrs["URI"])}

	if br, ok := attrs["BYTERANGE"]; ok {
		length, offset, hasOffset, err := parseByteRange(br)
		if err != nil {
			return nil, err
		}
		m.HasByteRange = true
		m.ByteRangeLength = length
		if hasOffset {
			m.ByteRangeOffset = offset
		}
	}

	return m, nil
}

func parseKeyTag(tag string, base *url.URL) (*KeyParams, error) {
	attrs, err := parseAttributeList(tag)
	if err != nil {
		return nil, err
	}

	k := &KeyParams{}

	switch attrs["METHOD"] {
	case "NONE":
		k.Method = KeyMethodNone
		return k, nil
	case "AES-128":
		k.Method = KeyMethodAES128
	case "SAMPLE-AES":
		k.Method = KeyMethodSampleAES
	default:
		k.Method = KeyMethodUnknown
	}

	if uri, ok := attrs["URI"]; ok {
		k.URI = joinURI(base, uri)
	} else {
		return nil, errors.NewParseError(errors.ErrCodeParseBadAttributes, "EXT-X-KEY missing URI for method != NONE")
	}

	if iv, ok := attrs["IV"]; ok {
		k.IV = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(iv, "0x"), "0X"))
	}

	if kf, ok := attrs["KEYFORMAT"]; ok && kf != "identity" {
		k.Format = KeyFormatUnknown
	}

	return k, nil
}

// parseInf parses an EXTINF attribute string "duration[,title]" into a
// nanosecond-precision duration
func parseInf(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ",", 2)
	secs, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, errors.NewParseError(errors.ErrCodeParseBadNumber, "malformed EXTINF duration")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// parseByteRange parses "length[@offset]"
func parseByteRange(s string) (length, offset int64, hasOffset bool, err error) {
	parts := strings.SplitN(s, "@", 2)
	length, parseErr := strconv.ParseInt(parts[0], 10, 64)
	if parseErr != nil {
		return 0, 0, false, errors.NewParseError(errors.ErrCodeParseBadNumber, "malformed BYTERANGE length")
	}
	if len(parts) == 2 {
		offset, parseErr = strconv.ParseInt(parts[1], 10, 64)
		if parseErr != nil {
			return 0, 0, false, errors.NewParseError(errors.ErrCodeParseBadNumber, "malformed BYTERANGE offset")
		}
		hasOffset = true
	}
	return length, offset, hasOffset, nil
}

// joinURI resolves uri against base: absolute URIs (detected by scheme)
// pass through verbatim; paths rooted at "/" replace the base's entire
// path; otherwise standard relative resolution applies.
func joinURI(base *url.URL, uri string) string {
	if uri == "" {
		return ""
	}

	parsed, err := url.Parse(uri)
	if err != nil || base == nil {
		return uri
	}
	if parsed.IsAbs() {
		return parsed.String()
	}

	return base.ResolveReference(parsed).String()
}
