package remux

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/varkey/ferryman/pkg/logger"
)

// RemuxFailedError indicates the underlying container rewrite failed.
// The temporary output has already been removed by the time this error
// is returned; callers only decide whether to fall back to transferring
// the original file.
type RemuxFailedError struct {
	Source string
	Output string
	err    error
}

func (e *RemuxFailedError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("remux of %s failed: %v (%s)", e.Source, e.err, e.Output)
	}

	return fmt.Sprintf("remux of %s failed: %v", e.Source, e.err)
}

func (e *RemuxFailedError) Unwrap() error { return e.err }

const defaultRemuxTimeout = time.Minute * 30

var log = logger.Get("Remux")

// Remuxer rewrites containers down to a planned track subset using
// stream copies only. Outputs land in a dedicated temp directory and a
// failed run never leaves a partial file behind.
type Remuxer struct {
	ffmpegPath string
	tempDir    string
	timeout    time.Duration
}

func New(ffmpegPath string, tempDir string) *Remuxer {
	return &Remuxer{ffmpegPath: ffmpegPath, tempDir: tempDir, timeout: defaultRemuxTimeout}
}

// Remux executes the plan and returns the absolute path of the complete
// output container. The output keeps the source extension so the
// container format is unchanged. All-or-nothing: on any failure the
// partial output is deleted before the error is returned.
func (remuxer *Remuxer) Remux(ctx context.Context, plan *Plan) (string, error) {
	if !plan.NeedsRemux {
		return "", &RemuxFailedError{Source: plan.Source, err: fmt.Errorf("plan retains every track")}
	}

	if err := os.MkdirAll(remuxer.tempDir, 0755); err != nil {
		return "", &RemuxFailedError{Source: plan.Source, err: err}
	}

	outputPath := remuxer.outputPathFor(plan.Source)
	log.Emit(logger.DEBUG, "Remuxing %s -> %s (dropping %d tracks)\n", plan.Source, outputPath, len(plan.Drop))

	ctx, cancel := context.WithTimeout(ctx, remuxer.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, remuxer.ffmpegPath, plan.Args(outputPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		remuxer.discard(outputPath)
		return "", &RemuxFailedError{Source: plan.Source, Output: tailOf(stderr.String()), err: err}
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		remuxer.discard(outputPath)
		return "", &RemuxFailedError{Source: plan.Source, err: fmt.Errorf("output missing or empty after remux")}
	}

	log.Emit(logger.SUCCESS, "Remuxed %s (%d bytes)\n", outputPath, info.Size())
	return outputPath, nil
}

func (remuxer *Remuxer) outputPathFor(sourcePath string) string {
	base := filepath.Base(sourcePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	return filepath.Join(remuxer.tempDir, fmt.Sprintf("%s.%s%s", stem, uuid.New().String()[:8], ext))
}

func (remuxer *Remuxer) discard(outputPath string) {
	if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
		log.Emit(logger.WARNING, "Failed to remove partial remux output %s: %v\n", outputPath, err)
	}
}

// tailOf trims process output to its final line, which is where ffmpeg
// reports the actual failure.
func tailOf(output string) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
