package upload

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/gateway"
	"github.com/onboarding-workflow/internal/logging"
)

// ObjectCounter counts the git objects of a remote repository by mirroring it
type ObjectCounter struct {
	runner     gateway.Runner
	scratchDir string
	logger     *logging.Logger
}

// NewObjectCounter creates a counter that clones into scratchDir
func NewObjectCounter(runner gateway.Runner, scratchDir string, logger *logging.Logger) *ObjectCounter {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ObjectCounter{
		runner:     runner,
		scratchDir: scratchDir,
		logger:     logger.WithComponent("object-counter"),
	}
}

// Count mirrors sourceURL into a fresh scratch directory and returns the number
// of objects reachable from any ref. The scratch directory is always removed.
func (c *ObjectCounter) Count(ctx context.Context, sourceURL string) (int, error) {
	dir := filepath.Join(c.scratchDir, uuid.New().String())
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.WithError(err).WithField("dir", dir).Warn("Failed to remove scratch directory")
		}
	}()

	clone := gateway.Command{
		Name:       "git",
		Args:       []string{"clone", "--mirror", sourceURL, dir},
		Env:        map[string]string{"GIT_TERMINAL_PROMPT": "0"},
		InheritEnv: true,
	}
	if _, err := c.git(ctx, clone); err != nil {
		return 0, err
	}

	out, err := c.git(ctx, gateway.Command{
		Name:       "git",
		Args:       []string{"rev-list", "--objects", "--all"},
		Dir:        dir,
		InheritEnv: true,
	})
	if err != nil {
		return 0, err
	}

	count := countLines(out)
	c.logger.WithFields(map[string]interface{}{
		"source":  sourceURL,
		"objects": count,
	}).Debug("Counted git objects")
	return count, nil
}

func (c *ObjectCounter) git(ctx context.Context, cmd gateway.Command) ([]byte, error) {
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.String(), err)
	}
	if !res.Success() {
		return nil, apperrors.NewProcessError(cmd.String(), res.ExitCode, res.Output())
	}
	return res.Stdout, nil
}

func countLines(out []byte) int {
	n := 0
	for _, line := range bytes.Split(out, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}
