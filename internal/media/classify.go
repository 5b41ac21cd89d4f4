package media

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// parseRule is one filename heuristic. Rules are evaluated in order and
// the first whose pattern matches decides the kind, so more specific
// markers (season/episode) must precede the movie fallbacks.
type parseRule struct {
	name    string
	pattern *regexp.Regexp
	extract func(matches []string, file *MediaFile)
}

var (
	reSeasonEpisode = regexp.MustCompile(`(?i)^(.*?)[\s._-]*\bS(\d{1,2})[\s._-]*E(\d{1,3})\b`)
	reCrossEpisode  = regexp.MustCompile(`(?i)^(.*?)[\s._-]+(\d{1,2})x(\d{2,3})(?:[\s._-]|$)`)
	reMovieYear     = regexp.MustCompile(`^(.+?)[\s._-]+\(?((?:19|20)\d{2})\)?(?:[\s._-]|$)`)
	reBareTitle     = regexp.MustCompile(`[a-zA-Z]`)
	reResolution    = regexp.MustCompile(`(?i)\b(2160p|1080p|720p|576p|480p)\b`)
)

var parseRules = []parseRule{
	{
		name:    "season-episode",
		pattern: reSeasonEpisode,
		extract: func(matches []string, file *MediaFile) {
			file.Kind = KindEpisode
			file.Title = cleanTitle(matches[1])
			file.Season = mustAtoi(matches[2])
			file.Episode = mustAtoi(matches[3])
		},
	},
	{
		name:    "cross-episode",
		pattern: reCrossEpisode,
		extract: func(matches []string, file *MediaFile) {
			file.Kind = KindEpisode
			file.Title = cleanTitle(matches[1])
			file.Season = mustAtoi(matches[2])
			file.Episode = mustAtoi(matches[3])
		},
	},
	{
		name:    "titled-year",
		pattern: reMovieYear,
		extract: func(matches []string, file *MediaFile) {
			file.Kind = KindMovie
			file.Title = cleanTitle(matches[1])
		},
	},
	{
		name:    "bare-title",
		pattern: reBareTitle,
		extract: func(matches []string, file *MediaFile) {
			file.Kind = KindMovie
		},
	},
}

// Classify derives the semantic attributes of a candidate file from its
// name and (optionally) its inspected container. It never fails:
// filenames matching no heuristic produce KindUnknown, and files with
// no recognizable language information produce LangOther, leaving the
// caller to branch on the ambiguity.
func Classify(path string, container *Container) *MediaFile {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	file := &MediaFile{
		SourcePath: path,
		Kind:       KindUnknown,
		Language:   LangOther,
		Title:      cleanTitle(stem),
		Season:     -1,
		Episode:    -1,
		Resolution: "unknown",
		Container:  container,
	}

	for _, rule := range parseRules {
		matches := rule.pattern.FindStringSubmatch(stem)
		if matches == nil {
			continue
		}

		rule.extract(matches, file)
		break
	}

	file.Language = classifyLanguage(stem, container)

	if container != nil {
		file.Size = container.Format.Size
		file.Resolution = container.Resolution()
	}
	if file.Resolution == "unknown" {
		if matches := reResolution.FindStringSubmatch(stem); matches != nil {
			file.Resolution = strings.ToLower(matches[1])
		}
	}

	return file
}

// classifyLanguage applies the language priority order: explicit tags in
// the filename win outright (multiple distinct tags resolve to
// LangMixed), otherwise the dominant audio-track language decides, and
// files with neither resolve to LangOther.
func classifyLanguage(stem string, container *Container) Language {
	tagged := filenameLanguages(stem)
	switch len(tagged) {
	case 0:
	case 1:
		return bucketLanguage(tagged[0])
	default:
		return LangMixed
	}

	if container == nil {
		return LangOther
	}

	return dominantAudioLanguage(container)
}

// filenameLanguages collects the distinct canonical languages explicitly
// tagged in a file name, in order of appearance. Only tokens of three or
// more characters are considered so short title words are never
// mistaken for ISO 639-1 codes.
func filenameLanguages(stem string) []string {
	seen := make(map[string]struct{})
	ordered := make([]string, 0, 2)

	for _, token := range strings.FieldsFunc(stem, isSeparator) {
		if len(token) < 3 {
			continue
		}

		canonical, ok := NormalizeLanguageTag(token)
		if !ok {
			continue
		}

		if _, dup := seen[canonical]; dup {
			continue
		}

		seen[canonical] = struct{}{}
		ordered = append(ordered, canonical)
	}

	return ordered
}

func isSeparator(r rune) bool {
	switch r {
	case '.', '_', '-', ' ', '(', ')', '[', ']':
		return true
	default:
		return false
	}
}

func cleanTitle(raw string) string {
	fields := strings.FieldsFunc(raw, isSeparator)
	return strings.Join(fields, " ")
}

func mustAtoi(raw string) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}

	return v
}
