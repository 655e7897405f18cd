// Package gateway runs external processes: the blockchain CLI, git and upload scripts.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command describes one process invocation
type Command struct {
	Name  string
	Args  []string
	Env   map[string]string
	Dir   string
	Stdin io.Reader
	// InheritEnv keeps the parent environment underneath Env.
	InheritEnv bool
}

// String renders the command line for logs
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the captured outcome of a finished process
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Output returns stdout and stderr joined, for error reports
func (r *Result) Output() string {
	if len(r.Stderr) == 0 {
		return string(r.Stdout)
	}
	return string(r.Stdout) + "\n" + string(r.Stderr)
}

// Success reports a zero exit code
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes commands. A non-zero exit is reported in Result, not as an error;
// the error is reserved for processes that could not be run at all.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts the process, waits for exit and captures its output
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...) // #nosec G204 - arguments are built by this package
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin

	if len(cmd.Env) > 0 || !cmd.InheritEnv {
		var env []string
		if cmd.InheritEnv {
			env = os.Environ()
		} else if path := os.Getenv("PATH"); path != "" {
			env = append(env, "PATH="+path)
		}
		for k, v := range cmd.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		c.Env = env
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", cmd.Name, ctx.Err())
		}
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
}
