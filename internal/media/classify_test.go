package media_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/varkey/ferryman/internal/media"
)

func audioTrack(index int, lang string) media.Track {
	return media.Track{Index: index, Type: media.TrackAudio, Codec: "aac", Language: lang}
}

func videoTrack(index, width, height int) media.Track {
	return media.Track{Index: index, Type: media.TrackVideo, Codec: "h264", Width: width, Height: height}
}

func containerWith(tracks ...media.Track) *media.Container {
	return &media.Container{
		Format: media.FormatInfo{FormatName: "matroska,webm", Size: 1024},
		Tracks: tracks,
	}
}

func Test_Classify_KindAndTitleHeuristics(t *testing.T) {
	tests := []struct {
		summary         string
		path            string
		expectedKind    media.Kind
		expectedTitle   string
		expectedSeason  int
		expectedEpisode int
	}{
		{
			summary:         "season episode marker produces an episode",
			path:            "/downloads/Show.S01E02.mkv",
			expectedKind:    media.KindEpisode,
			expectedTitle:   "Show",
			expectedSeason:  1,
			expectedEpisode: 2,
		},
		{
			summary:         "lowercase marker with padded numbers",
			path:            "/downloads/some.show.s02e11.720p.mkv",
			expectedKind:    media.KindEpisode,
			expectedTitle:   "some show",
			expectedSeason:  2,
			expectedEpisode: 11,
		},
		{
			summary:         "cross notation produces an episode",
			path:            "/downloads/Another Show 3x07.mkv",
			expectedKind:    media.KindEpisode,
			expectedTitle:   "Another Show",
			expectedSeason:  3,
			expectedEpisode: 7,
		},
		{
			summary:         "title with year is a movie",
			path:            "/downloads/Inception.2010.mkv",
			expectedKind:    media.KindMovie,
			expectedTitle:   "Inception",
			expectedSeason:  -1,
			expectedEpisode: -1,
		},
		{
			summary:         "numeric title keeps its own name and the release year decides",
			path:            "/downloads/1917.2019.1080p.mkv",
			expectedKind:    media.KindMovie,
			expectedTitle:   "1917",
			expectedSeason:  -1,
			expectedEpisode: -1,
		},
		{
			summary:         "no marker defaults to movie",
			path:            "/downloads/Some Film.mkv",
			expectedKind:    media.KindMovie,
			expectedTitle:   "Some Film",
			expectedSeason:  -1,
			expectedEpisode: -1,
		},
		{
			summary:         "digits only name cannot be classified",
			path:            "/downloads/20482.mkv",
			expectedKind:    media.KindUnknown,
			expectedTitle:   "20482",
			expectedSeason:  -1,
			expectedEpisode: -1,
		},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()

			file := media.Classify(test.path, nil)
			assert.Equal(t, test.expectedKind, file.Kind, "kind")
			assert.Equal(t, test.expectedTitle, file.Title, "title")
			assert.Equal(t, test.expectedSeason, file.Season, "season")
			assert.Equal(t, test.expectedEpisode, file.Episode, "episode")
			assert.Equal(t, test.path, file.SourcePath)
		})
	}
}

func Test_Classify_LanguagePriority(t *testing.T) {
	tests := []struct {
		summary   string
		path      string
		container *media.Container
		expected  media.Language
	}{
		{
			summary:   "english only audio resolves to english",
			path:      "/downloads/Inception.2010.mkv",
			container: containerWith(videoTrack(0, 1920, 800), audioTrack(1, "eng")),
			expected:  media.LangEnglish,
		},
		{
			summary:   "plurality tie is broken by track order",
			path:      "/downloads/Show.S01E02.mkv",
			container: containerWith(videoTrack(0, 1920, 1080), audioTrack(1, "mal"), audioTrack(2, "eng")),
			expected:  media.LangMalayalam,
		},
		{
			summary:   "explicit filename tag beats the audio tracks",
			path:      "/downloads/Some.Film.Malayalam.2021.mkv",
			container: containerWith(videoTrack(0, 1920, 1080), audioTrack(1, "eng")),
			expected:  media.LangMalayalam,
		},
		{
			summary:   "multiple distinct filename tags resolve to mixed",
			path:      "/downloads/Some.Film.Mal.Eng.2021.mkv",
			container: containerWith(videoTrack(0, 1920, 1080), audioTrack(1, "eng")),
			expected:  media.LangMixed,
		},
		{
			summary:   "misspelled filename tag still resolves",
			path:      "/downloads/Some.Film.Malayalm.2021.mkv",
			container: nil,
			expected:  media.LangMalayalam,
		},
		{
			summary:   "plurality of untargeted languages resolves to other",
			path:      "/downloads/Some.Film.2021.mkv",
			container: containerWith(videoTrack(0, 1920, 1080), audioTrack(1, "hin"), audioTrack(2, "tam"), audioTrack(3, "eng")),
			expected:  media.LangOther,
		},
		{
			summary:   "zero audio tracks resolve to other",
			path:      "/downloads/Some.Film.2021.mkv",
			container: containerWith(videoTrack(0, 1920, 1080)),
			expected:  media.LangOther,
		},
		{
			summary:   "untagged audio resolves to other",
			path:      "/downloads/Some.Film.2021.mkv",
			container: containerWith(videoTrack(0, 1920, 1080), audioTrack(1, "und"), audioTrack(2, "")),
			expected:  media.LangOther,
		},
		{
			summary:   "no container and no tag resolves to other",
			path:      "/downloads/Some.Film.2021.mkv",
			container: nil,
			expected:  media.LangOther,
		},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()

			file := media.Classify(test.path, test.container)
			assert.Equal(t, test.expected, file.Language)
		})
	}
}

func Test_Classify_Resolution(t *testing.T) {
	t.Run("container dimensions win", func(t *testing.T) {
		file := media.Classify("/downloads/Some.Film.2021.720p.mkv", containerWith(videoTrack(0, 1920, 1080), audioTrack(1, "eng")))
		assert.Equal(t, "1920x1080", file.Resolution)
	})

	t.Run("filename token is the fallback", func(t *testing.T) {
		file := media.Classify("/downloads/Some.Film.2021.720p.mkv", nil)
		assert.Equal(t, "720p", file.Resolution)
	})

	t.Run("attached cover art is not the primary video", func(t *testing.T) {
		cover := media.Track{Index: 0, Type: media.TrackVideo, Codec: "mjpeg", Width: 600, Height: 900, AttachedPic: true}
		file := media.Classify("/downloads/Some.Film.2021.mkv", containerWith(cover, videoTrack(1, 1280, 720), audioTrack(2, "eng")))
		assert.Equal(t, "1280x720", file.Resolution)
	})

	t.Run("no video and no token is unknown", func(t *testing.T) {
		file := media.Classify("/downloads/Some.Film.2021.mkv", containerWith(audioTrack(0, "eng")))
		assert.Equal(t, "unknown", file.Resolution)
	})
}
