package media_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/varkey/ferryman/internal/media"
)

func Test_NormalizeLanguageTag(t *testing.T) {
	tests := []struct {
		summary  string
		tag      string
		expected string
		ok       bool
	}{
		{summary: "iso 639-1 code", tag: "ml", expected: "malayalam", ok: true},
		{summary: "iso 639-2 code", tag: "eng", expected: "english", ok: true},
		{summary: "full name", tag: "Malayalam", expected: "malayalam", ok: true},
		{summary: "surrounding whitespace", tag: " eng ", expected: "english", ok: true},
		{summary: "near miss spelling", tag: "malayalm", expected: "malayalam", ok: true},
		{summary: "undetermined tag", tag: "und", ok: false},
		{summary: "empty tag", tag: "", ok: false},
		{summary: "unrelated word", tag: "soundtrack", ok: false},
		{summary: "short junk is never fuzzy matched", tag: "engl", ok: false},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()

			canonical, ok := media.NormalizeLanguageTag(test.tag)
			assert.Equal(t, test.ok, ok)
			if test.ok {
				assert.Equal(t, test.expected, canonical)
			}
		})
	}
}

func Test_TrackLanguage_BucketsCanonicalNames(t *testing.T) {
	lang, ok := media.TrackLanguage(media.Track{Type: media.TrackAudio, Language: "hin"})
	assert.True(t, ok)
	assert.Equal(t, media.LangOther, lang)

	lang, ok = media.TrackLanguage(media.Track{Type: media.TrackAudio, Language: "mal"})
	assert.True(t, ok)
	assert.Equal(t, media.LangMalayalam, lang)

	_, ok = media.TrackLanguage(media.Track{Type: media.TrackAudio, Language: "zzz"})
	assert.False(t, ok)
}

func Test_ParseLanguage_AcceptsBucketsNamesAndTags(t *testing.T) {
	tests := []struct {
		summary  string
		tag      string
		expected media.Language
		ok       bool
	}{
		{summary: "bucket name", tag: "malayalam", expected: media.LangMalayalam, ok: true},
		{summary: "bucket name mixed", tag: "Mixed", expected: media.LangMixed, ok: true},
		{summary: "bucket name other", tag: "other", expected: media.LangOther, ok: true},
		{summary: "iso code", tag: "en", expected: media.LangEnglish, ok: true},
		{summary: "foreign language folds to other", tag: "hindi", expected: media.LangOther, ok: true},
		{summary: "junk is rejected", tag: "klingon", ok: false},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()

			lang, ok := media.ParseLanguage(test.tag)
			assert.Equal(t, test.ok, ok)
			if test.ok {
				assert.Equal(t, test.expected, lang)
			}
		})
	}
}
