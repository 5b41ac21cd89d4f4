// Package route maps classified media files on to share-relative
// destination paths. Routing is a pure function of the file's kind and
// language plus the configured template, so the same file always lands
// in the same place.
package route

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/varkey/ferryman/internal/media"
)

// UnclassifiedMediaError indicates a file whose kind could not be
// determined and which therefore has no destination. Callers decide
// whether to skip or quarantine; routing never guesses.
type UnclassifiedMediaError struct {
	Path string
}

func (e *UnclassifiedMediaError) Error() string {
	return fmt.Sprintf("no destination for unclassified media %s", e.Path)
}

// Template holds the relative destination prefix for each kind and
// language combination. The Other prefixes absorb both the 'other' and
// 'mixed' language buckets.
type Template struct {
	Movies          string `yaml:"movies" env:"FERRYMAN_ROUTE_MOVIES" env-default:"movies"`
	MalayalamMovies string `yaml:"malayalam_movies" env:"FERRYMAN_ROUTE_MALAYALAM_MOVIES" env-default:"malayalam-movies"`
	OtherMovies     string `yaml:"other_movies" env:"FERRYMAN_ROUTE_OTHER_MOVIES" env-default:"other-movies"`
	TvShows         string `yaml:"tv_shows" env:"FERRYMAN_ROUTE_TV_SHOWS" env-default:"tv-shows"`
	MalayalamTv     string `yaml:"malayalam_tv_shows" env:"FERRYMAN_ROUTE_MALAYALAM_TV_SHOWS" env-default:"malayalam-tv-shows"`
	OtherTv         string `yaml:"other_tv_shows" env:"FERRYMAN_ROUTE_OTHER_TV_SHOWS" env-default:"other-tv-shows"`

	// Unsorted is the optional prefix for media whose kind could not be
	// determined. When empty, unclassified files have no destination and
	// Build returns an UnclassifiedMediaError.
	Unsorted string `yaml:"unsorted" env:"FERRYMAN_ROUTE_UNSORTED" env-default:""`
}

// Validate enforces the template invariant: every prefix must be a
// clean share-relative path, and no two prefixes may overlap, otherwise
// two distinct classifications could collide on the share.
func (template *Template) Validate() error {
	prefixes := template.all()
	seen := make(map[string]string, len(prefixes))

	for name, prefix := range prefixes {
		if prefix == "" {
			return fmt.Errorf("destination prefix %s is empty", name)
		}
		if path.IsAbs(prefix) || prefix != path.Clean(prefix) || strings.HasPrefix(prefix, "..") {
			return fmt.Errorf("destination prefix %s (%q) must be a clean relative path", name, prefix)
		}
		if existing, dup := seen[prefix]; dup {
			return fmt.Errorf("destination prefixes %s and %s both resolve to %q", existing, name, prefix)
		}

		seen[prefix] = name
	}

	for prefix := range seen {
		for other := range seen {
			if prefix != other && strings.HasPrefix(other, prefix+"/") {
				return fmt.Errorf("destination prefix %q is nested inside %q", other, prefix)
			}
		}
	}

	return nil
}

func (template *Template) all() map[string]string {
	prefixes := map[string]string{
		"movies":             template.Movies,
		"malayalam_movies":   template.MalayalamMovies,
		"other_movies":       template.OtherMovies,
		"tv_shows":           template.TvShows,
		"malayalam_tv_shows": template.MalayalamTv,
		"other_tv_shows":     template.OtherTv,
	}
	if template.Unsorted != "" {
		prefixes["unsorted"] = template.Unsorted
	}

	return prefixes
}

// Build resolves the share-relative destination path for a classified
// file. The source file's base name is preserved so a remuxed transfer
// still lands under its original name.
func Build(file *media.MediaFile, template *Template) (string, error) {
	if file.Kind == media.KindUnknown {
		if template.Unsorted == "" {
			return "", &UnclassifiedMediaError{Path: file.SourcePath}
		}

		return path.Join(template.Unsorted, filepath.Base(file.SourcePath)), nil
	}

	prefix := template.prefixFor(file.Kind, file.Language)
	return path.Join(prefix, filepath.Base(file.SourcePath)), nil
}

func (template *Template) prefixFor(kind media.Kind, language media.Language) string {
	if kind == media.KindEpisode {
		switch language {
		case media.LangEnglish:
			return template.TvShows
		case media.LangMalayalam:
			return template.MalayalamTv
		default:
			return template.OtherTv
		}
	}

	switch language {
	case media.LangEnglish:
		return template.Movies
	case media.LangMalayalam:
		return template.MalayalamMovies
	default:
		return template.OtherMovies
	}
}
