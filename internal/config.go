package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/varkey/ferryman/internal/database"
	"github.com/varkey/ferryman/internal/pipeline"
	"github.com/varkey/ferryman/internal/route"
	"github.com/varkey/ferryman/internal/transfer"
)

// FerrymanConfig is the struct used to contain the
// various user config supplied by file, or
// manually inside the code.
type FerrymanConfig struct {
	Pipeline  pipeline.Config         `yaml:"pipeline" env-required:"true"`
	Routing   route.Template          `yaml:"routing"`
	Transfer  transfer.Config         `yaml:"transfer" env-required:"true"`
	Tools     ToolConfig              `yaml:"tools"`
	Retention RetentionConfig         `yaml:"retention"`
	Services  ServiceConfig           `yaml:"docker_services"`
	Database  database.DatabaseConfig `yaml:"database" env-required:"true"`
}

// ToolConfig locates the external binaries the pipeline shells out to,
// and the scratch space remux artifacts are written to.
type ToolConfig struct {
	FfmpegBinaryPath  string `yaml:"ffmpeg_binary" env:"FERRYMAN_FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
	FfprobeBinaryPath string `yaml:"ffprobe_binary" env:"FERRYMAN_FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
	TempDirPath       string `yaml:"temp_dir" env:"FERRYMAN_TEMP_DIR"`
}

// RetentionConfig controls how long terminal ledger records are kept.
// A zero PurgeAfterDays disables purging entirely.
type RetentionConfig struct {
	PurgeAfterDays int `yaml:"purge_after_days" env:"FERRYMAN_LEDGER_PURGE_DAYS" env-default:"0" validate:"gte=0"`
}

// ServiceConfig is used to enable/disable the internal initialisation of
// supporting services for Ferryman. By default, these will be enabled so
// that Ferryman will initialise them automatically.
type ServiceConfig struct {
	EnablePostgres bool `yaml:"enable_postgres" env:"SERVICE_ENABLE_POSTGRES" env-default:"true"`
	EnablePgAdmin  bool `yaml:"enable_pg_admin" env:"SERVICE_ENABLE_PGADMIN" env-default:"true"`
}

// Loads a configuration file formatted in YAML in to a
// FerrymanConfig struct ready to be passed to the runner.
func (config *FerrymanConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	return config.Validate()
}

// Validate applies the struct-level validation rules across the whole
// configuration tree, collapsing field failures into a single error.
func (config *FerrymanConfig) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(config); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			messages := make([]string, 0, len(fieldErrors))
			for _, fieldError := range fieldErrors {
				messages = append(messages, fmt.Sprintf("%s failed on '%s'", fieldError.Namespace(), fieldError.Tag()))
			}

			return fmt.Errorf("configuration invalid: %s", strings.Join(messages, "; "))
		}

		return fmt.Errorf("configuration invalid: %w", err)
	}

	return nil
}

// getTempDir will return the directory path used for in-flight remux
// artifacts. It will first look to the config for a value, but if none
// is found, a default beneath the OS temp dir is returned.
func (config *FerrymanConfig) getTempDir() string {
	if config.Tools.TempDirPath != "" {
		return config.Tools.TempDirPath
	}

	return filepath.Join(os.TempDir(), "ferryman")
}
