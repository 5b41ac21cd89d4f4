package pipeline

import (
	"strings"
	"time"
)

// Config customises how the pipeline discovers files under the watch
// path and how discovered files flow through the stages.
type Config struct {
	// WatchPath is the directory the service monitors for new media.
	WatchPath string `yaml:"watch_path" env:"FERRYMAN_WATCH_PATH" env-required:"true"`

	// The service uses a filesystem watcher, but a forced sync runs on
	// this interval regardless, to protect against the watcher failing.
	ForceSyncSeconds int `yaml:"force_sync_seconds" env:"FERRYMAN_FORCE_SYNC_SECONDS" env-default:"300"`

	// A newly detected file is likely an in-progress download. Its
	// modtime must be at least this far in the past before the pipeline
	// will touch it.
	RequiredModTimeAgeSeconds int `yaml:"modtime_age_seconds" env:"FERRYMAN_MODTIME_AGE_SECONDS" env-default:"120"`

	// Parallelism is the number of workers processing distinct files.
	Parallelism int `yaml:"parallelism" env:"FERRYMAN_PIPELINE_PARALLELISM" env-default:"2" validate:"gte=1"`

	// Extensions restricts discovery to these file extensions (without
	// the leading dot, matched case-insensitively).
	Extensions []string `yaml:"extensions" env:"FERRYMAN_MEDIA_EXTENSIONS" env-default:"mkv,mp4,avi,m4v,mov,webm"`

	// TargetLanguage is the audio language bucket the remux policy
	// retains when a container carries a mix of languages.
	TargetLanguage string `yaml:"target_language" env:"FERRYMAN_TARGET_LANGUAGE" env-default:"malayalam"`

	// SubtitleMode controls which subtitle tracks survive a remux:
	// all, target, or none.
	SubtitleMode string `yaml:"subtitle_mode" env:"FERRYMAN_SUBTITLE_MODE" env-default:"all" validate:"oneof=all target none"`

	// FallbackToOriginal transfers the unmodified source container when
	// a remux fails, instead of troubling the item.
	FallbackToOriginal bool `yaml:"fallback_to_original" env:"FERRYMAN_REMUX_FALLBACK" env-default:"true"`

	// DryRun computes classification, remux plan and destination, records
	// them on the ledger, and then skips the item without transferring.
	DryRun bool `yaml:"dry_run" env:"FERRYMAN_DRY_RUN" env-default:"false"`
}

func (config *Config) RequiredModTimeAgeDuration() time.Duration {
	return time.Duration(config.RequiredModTimeAgeSeconds) * time.Second
}

func (config *Config) ForceSyncInterval() time.Duration {
	return time.Duration(config.ForceSyncSeconds) * time.Second
}

// allowsExtension reports whether the path's extension is eligible for
// discovery. An empty extension list admits everything.
func (config *Config) allowsExtension(path string) bool {
	if len(config.Extensions) == 0 {
		return true
	}

	dot := strings.LastIndexByte(path, '.')
	if dot < 0 || dot == len(path)-1 {
		return false
	}

	ext := strings.ToLower(path[dot+1:])
	for _, allowed := range config.Extensions {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}

	return false
}
