package remux

import (
	"fmt"

	"github.com/varkey/ferryman/internal/media"
)

// SubtitleMode controls which subtitle tracks survive a remux.
type SubtitleMode string

const (
	SubtitlesAll    SubtitleMode = "all"
	SubtitlesTarget SubtitleMode = "target"
	SubtitlesNone   SubtitleMode = "none"
)

// Policy is the language-retention rule applied when planning a remux.
// Target names the single audio language bucket to keep.
type Policy struct {
	Target    media.Language
	Subtitles SubtitleMode
}

// Plan is the selected track set for one file. Keep preserves source
// track order; Drop records what a remux would discard. A plan with
// NeedsRemux false means the container already satisfies the policy,
// or contains no target-language audio at all, and must be transferred
// unmodified.
type Plan struct {
	Source     string
	Keep       []media.Track
	Drop       []media.Track
	NeedsRemux bool
}

// BuildPlan applies the language policy to a classified file. Video
// tracks are always kept. Audio is reduced to the target language; a
// remux is only planned when that reduction actually removes something,
// and never when it would leave the output without audio. Untagged
// audio counts as non-matching, which is safe because a plan always
// retains at least one target-language track.
func BuildPlan(file *media.MediaFile, policy Policy) *Plan {
	plan := &Plan{Source: file.SourcePath}
	if file.Container == nil {
		return plan
	}

	audio := file.Container.AudioTracks()
	matching := make([]media.Track, 0, len(audio))
	for _, track := range audio {
		if lang, ok := media.TrackLanguage(track); ok && lang == policy.Target {
			matching = append(matching, track)
		}
	}

	if len(matching) == 0 || len(matching) == len(audio) {
		return plan
	}

	plan.NeedsRemux = true
	for _, track := range file.Container.Tracks {
		switch track.Type {
		case media.TrackVideo:
			plan.Keep = append(plan.Keep, track)
		case media.TrackAudio:
			if lang, ok := media.TrackLanguage(track); ok && lang == policy.Target {
				plan.Keep = append(plan.Keep, track)
			} else {
				plan.Drop = append(plan.Drop, track)
			}
		case media.TrackSubtitle:
			if keepSubtitle(track, policy) {
				plan.Keep = append(plan.Keep, track)
			} else {
				plan.Drop = append(plan.Drop, track)
			}
		}
	}

	return plan
}

func keepSubtitle(track media.Track, policy Policy) bool {
	switch policy.Subtitles {
	case SubtitlesNone:
		return false
	case SubtitlesTarget:
		lang, ok := media.TrackLanguage(track)
		return ok && lang == policy.Target
	default:
		return true
	}
}

// Args assembles the ffmpeg invocation for this plan. Every retained
// track is mapped by its source stream index and stream-copied, so no
// re-encode can occur.
func (plan *Plan) Args(outputPath string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", plan.Source,
	}

	for _, track := range plan.Keep {
		args = append(args, "-map", fmt.Sprintf("0:%d", track.Index))
	}

	args = append(args, "-c", "copy", "-map_metadata", "0", outputPath)
	return args
}
