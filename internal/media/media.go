package media

import (
	"database/sql/driver"
	"fmt"
)

type (
	// Kind buckets a media file by its semantic shape. Classification is
	// approximate by nature, so Unknown is a first-class outcome which
	// downstream stages branch on rather than an error.
	Kind int

	// Language buckets a media file by its dominant audio language.
	// Mixed arises only when the filename explicitly tags multiple
	// languages; audio-derived detection always resolves to a single
	// bucket (or Other).
	Language int

	TrackType int

	// Track is a single stream inside a container. Index is the stream
	// index as reported by the container and is stable for as long as
	// no remux has occurred; ordering of tracks follows the source.
	Track struct {
		Index    int
		Type     TrackType
		Codec    string
		Language string
		Width    int
		Height   int
		Channels int
		Default  bool

		// AttachedPic marks cover-art streams which are reported as
		// video but must never be treated as the primary video track.
		AttachedPic bool
	}

	FormatInfo struct {
		Filename   string
		FormatName string
		Duration   float64
		Size       int64
		BitRate    int64
	}

	// Container is the structural metadata of a media file as reported
	// by the inspector; no payload data is ever read to produce one.
	Container struct {
		Format FormatInfo
		Tracks []Track
	}

	// MediaFile is a classified candidate file moving through the
	// pipeline. Season/Episode are -1 for non-episodic media.
	MediaFile struct {
		SourcePath string
		Size       int64
		Hash       string
		Kind       Kind
		Language   Language
		Title      string
		Season     int
		Episode    int
		Resolution string
		Container  *Container
	}
)

const (
	KindUnknown Kind = iota
	KindMovie
	KindEpisode
)

const (
	LangOther Language = iota
	LangEnglish
	LangMalayalam
	LangMixed
)

const (
	TrackVideo TrackType = iota
	TrackAudio
	TrackSubtitle
)

func (k Kind) String() string {
	switch k {
	case KindMovie:
		return "movie"
	case KindEpisode:
		return "episode"
	default:
		return "unknown"
	}
}

func (k Kind) Value() (driver.Value, error) { return k.String(), nil }

func (k *Kind) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}

	switch str {
	case "movie":
		*k = KindMovie
	case "episode":
		*k = KindEpisode
	case "unknown":
		*k = KindUnknown
	default:
		return fmt.Errorf("cannot scan %q in to media.Kind", str)
	}

	return nil
}

func (l Language) String() string {
	switch l {
	case LangEnglish:
		return "english"
	case LangMalayalam:
		return "malayalam"
	case LangMixed:
		return "mixed"
	default:
		return "other"
	}
}

func (l Language) Value() (driver.Value, error) { return l.String(), nil }

func (l *Language) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}

	switch str {
	case "english":
		*l = LangEnglish
	case "malayalam":
		*l = LangMalayalam
	case "mixed":
		*l = LangMixed
	case "other":
		*l = LangOther
	default:
		return fmt.Errorf("cannot scan %q in to media.Language", str)
	}

	return nil
}

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return "subtitle"
	}
}

func scanString(src any) (string, error) {
	switch src := src.(type) {
	case string:
		return src, nil
	case []byte:
		return string(src), nil
	default:
		return "", fmt.Errorf("cannot scan %T as string", src)
	}
}

// AudioTracks returns the audio tracks of the container, in source order.
func (c *Container) AudioTracks() []Track {
	return c.tracksOfType(TrackAudio)
}

// SubtitleTracks returns the subtitle tracks of the container, in source order.
func (c *Container) SubtitleTracks() []Track {
	return c.tracksOfType(TrackSubtitle)
}

// VideoTracks returns the video tracks of the container, in source order.
func (c *Container) VideoTracks() []Track {
	return c.tracksOfType(TrackVideo)
}

func (c *Container) tracksOfType(t TrackType) []Track {
	out := make([]Track, 0, len(c.Tracks))
	for _, track := range c.Tracks {
		if track.Type == t {
			out = append(out, track)
		}
	}

	return out
}

// PrimaryVideo returns the first real video track of the container,
// skipping attached cover art, or nil when no such track exists.
func (c *Container) PrimaryVideo() *Track {
	for i := range c.Tracks {
		if c.Tracks[i].Type == TrackVideo && !c.Tracks[i].AttachedPic {
			return &c.Tracks[i]
		}
	}

	return nil
}

// Resolution returns "WxH" of the primary video track, or "unknown" when
// the container has no video or the dimensions are unusable.
func (c *Container) Resolution() string {
	if v := c.PrimaryVideo(); v != nil && v.Width > 0 && v.Height > 0 {
		return fmt.Sprintf("%dx%d", v.Width, v.Height)
	}

	return "unknown"
}

func (m *MediaFile) String() string {
	return fmt.Sprintf("MediaFile{path=%s kind=%s lang=%s}", m.SourcePath, m.Kind, m.Language)
}
