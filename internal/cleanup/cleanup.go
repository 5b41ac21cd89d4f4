// Package cleanup removes the local leftovers of a completed transfer:
// the temporary remux artifact, the original source file, and any source
// directories the removal leaves empty. Removal is fail-soft; callers
// inspect the Outcome to decide whether the sweep was complete.
package cleanup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/varkey/ferryman/pkg/logger"
)

var log = logger.Get("Cleanup")

// Agent sweeps up after confirmed transfers. The root is the discovery
// boundary: empty directories are pruned strictly below it, never at or
// above it.
type Agent struct {
	root string
}

// New constructs an Agent bounded by the given root directory.
func New(root string) (*Agent, error) {
	if root == "" {
		return nil, errors.New("cleanup root must not be empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cleanup root %s is not resolvable: %w", root, err)
	}

	return &Agent{root: abs}, nil
}

type (
	// Failure is a single path the agent could not remove.
	Failure struct {
		Path string
		Err  error
	}

	// Outcome reports what a sweep removed and what it could not.
	Outcome struct {
		Removed    []string
		PrunedDirs []string
		Failures   []Failure
	}
)

// Clean reports whether the sweep completed without leftovers.
func (outcome *Outcome) Clean() bool { return len(outcome.Failures) == 0 }

// Detail renders the failures as a single line suitable for a record's
// last_error column. Empty when the sweep was clean.
func (outcome *Outcome) Detail() string {
	if len(outcome.Failures) == 0 {
		return ""
	}

	parts := make([]string, 0, len(outcome.Failures))
	for _, failure := range outcome.Failures {
		parts = append(parts, fmt.Sprintf("remove %s: %s", failure.Path, failure.Err))
	}

	return strings.Join(parts, "; ")
}

// Sweep removes the remux artifact (if any) and the source file, then
// prunes newly-empty parent directories up to the agent's root. A path
// that is already gone counts as removed. Failures are recorded and the
// sweep continues; the caller decides how to degrade.
func (agent *Agent) Sweep(sourcePath string, remuxPath string) *Outcome {
	outcome := &Outcome{}

	if remuxPath != "" {
		agent.removeFile(outcome, remuxPath)
	}
	agent.removeFile(outcome, sourcePath)
	agent.pruneUpward(outcome, filepath.Dir(sourcePath))

	if outcome.Clean() {
		log.Emit(logger.DEBUG, "Swept %s (removed %d, pruned %d dirs)\n", sourcePath, len(outcome.Removed), len(outcome.PrunedDirs))
	} else {
		log.Emit(logger.WARNING, "Sweep of %s left %d paths behind: %s\n", sourcePath, len(outcome.Failures), outcome.Detail())
	}

	return outcome
}

func (agent *Agent) removeFile(outcome *Outcome, path string) {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Emit(logger.DEBUG, "Skipping removal of %s as it no longer exists\n", path)
		return
	} else if err != nil {
		outcome.Failures = append(outcome.Failures, Failure{Path: path, Err: err})
		return
	}

	outcome.Removed = append(outcome.Removed, path)
}

// pruneUpward removes dir and then each successive parent for as long as
// they are empty and strictly inside the root boundary.
func (agent *Agent) pruneUpward(outcome *Outcome, dir string) {
	for agent.inside(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				outcome.Failures = append(outcome.Failures, Failure{Path: dir, Err: err})
			}
			return
		} else if len(entries) > 0 {
			return
		}

		if err := os.Remove(dir); err != nil {
			outcome.Failures = append(outcome.Failures, Failure{Path: dir, Err: err})
			return
		}

		outcome.PrunedDirs = append(outcome.PrunedDirs, dir)
		dir = filepath.Dir(dir)
	}
}

// inside reports whether dir is a strict descendant of the agent root.
func (agent *Agent) inside(dir string) bool {
	rel, err := filepath.Rel(agent.root, dir)
	if err != nil {
		return false
	}

	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
