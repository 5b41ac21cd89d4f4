package media

import (
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// languageTags maps the tag spellings seen in container metadata and
// release names (ISO 639-1, ISO 639-2, full names) to a canonical
// language name. Tags absent from this table are treated as untagged.
var languageTags = map[string]string{
	"en": "english", "eng": "english", "english": "english",
	"ml": "malayalam", "mal": "malayalam", "malayalam": "malayalam",
	"hi": "hindi", "hin": "hindi", "hindi": "hindi",
	"ta": "tamil", "tam": "tamil", "tamil": "tamil",
	"te": "telugu", "tel": "telugu", "telugu": "telugu",
	"kn": "kannada", "kan": "kannada", "kannada": "kannada",
	"fr": "french", "fre": "french", "fra": "french", "french": "french",
	"es": "spanish", "spa": "spanish", "spanish": "spanish",
	"de": "german", "ger": "german", "deu": "german", "german": "german",
	"ja": "japanese", "jpn": "japanese", "japanese": "japanese",
	"ko": "korean", "kor": "korean", "korean": "korean",
	"zh": "chinese", "chi": "chinese", "zho": "chinese", "chinese": "chinese",
	"it": "italian", "ita": "italian", "italian": "italian",
	"ru": "russian", "rus": "russian", "russian": "russian",
}

// languageNames holds the full-name spellings only; fuzzy matching runs
// against these so that a two-letter code can never be a fuzzy target.
var languageNames = []string{
	"english", "malayalam", "hindi", "tamil", "telugu", "kannada",
	"french", "spanish", "german", "japanese", "korean", "chinese",
	"italian", "russian",
}

const languageSimilarityThreshold = 0.9

// NormalizeLanguageTag resolves a raw language tag to its canonical
// name. Exact table lookups are tried first; longer tokens additionally
// get a string-similarity pass so that near-miss spellings such as
// "malayam" still resolve. Returns false for unrecognizable tags,
// including ffprobe's "und".
func NormalizeLanguageTag(tag string) (string, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(tag))
	if cleaned == "" {
		return "", false
	}

	if canonical, ok := languageTags[cleaned]; ok {
		return canonical, true
	}

	if len(cleaned) < 5 {
		return "", false
	}

	metric := metrics.NewJaroWinkler()
	bestName, bestScore := "", 0.0
	for _, name := range languageNames {
		if score := strutil.Similarity(cleaned, name, metric); score > bestScore {
			bestName, bestScore = name, score
		}
	}

	if bestScore >= languageSimilarityThreshold {
		return bestName, true
	}

	return "", false
}

func bucketLanguage(canonical string) Language {
	switch canonical {
	case "english":
		return LangEnglish
	case "malayalam":
		return LangMalayalam
	default:
		return LangOther
	}
}

// ParseLanguage resolves an operator-supplied language string (a bucket
// name, a full language name, or an ISO tag) to its Language bucket.
func ParseLanguage(tag string) (Language, bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "english":
		return LangEnglish, true
	case "malayalam":
		return LangMalayalam, true
	case "other":
		return LangOther, true
	case "mixed":
		return LangMixed, true
	}

	canonical, ok := NormalizeLanguageTag(tag)
	if !ok {
		return LangOther, false
	}

	return bucketLanguage(canonical), true
}

// TrackLanguage resolves a single track's language tag to its bucket,
// reporting false when the tag is missing or unrecognizable.
func TrackLanguage(track Track) (Language, bool) {
	canonical, ok := NormalizeLanguageTag(track.Language)
	if !ok {
		return LangOther, false
	}

	return bucketLanguage(canonical), true
}

// dominantAudioLanguage picks the plurality language bucket across the
// container's audio tracks. Ties are broken deterministically by track
// order: the bucket whose first tagged track appears earliest wins.
// Containers with no recognizably tagged audio resolve to LangOther.
func dominantAudioLanguage(container *Container) Language {
	counts := make(map[Language]int)
	firstSeen := make(map[Language]int)

	for position, track := range container.AudioTracks() {
		lang, ok := TrackLanguage(track)
		if !ok {
			continue
		}

		counts[lang]++
		if _, seen := firstSeen[lang]; !seen {
			firstSeen[lang] = position
		}
	}

	if len(counts) == 0 {
		return LangOther
	}

	winner, winnerCount := LangOther, -1
	for _, lang := range []Language{LangEnglish, LangMalayalam, LangOther, LangMixed} {
		count, ok := counts[lang]
		if !ok {
			continue
		}

		if count > winnerCount || (count == winnerCount && firstSeen[lang] < firstSeen[winner]) {
			winner, winnerCount = lang, count
		}
	}

	return winner
}
