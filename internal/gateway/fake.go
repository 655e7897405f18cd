package gateway

import (
	"context"
	"encoding/json"
	"sync"
)

// FakeRunner is an in-memory Runner for tests. Handler decides every result;
// a nil Handler answers {} with exit code 0.
type FakeRunner struct {
	mu      sync.Mutex
	calls   []Command
	Handler func(cmd Command) (*Result, error)
}

// Run records cmd and delegates to Handler
func (f *FakeRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	handler := f.Handler
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return &Result{Stdout: []byte("{}")}, nil
	}
	return handler(cmd)
}

// Calls returns a copy of every recorded command
func (f *FakeRunner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// JSONResult encodes v as a successful CLI answer
func JSONResult(v interface{}) *Result {
	data, _ := json.Marshal(v)
	return &Result{Stdout: data}
}

// ExitResult is a failed process with the given exit code and stderr
func ExitResult(code int, stderr string) *Result {
	return &Result{ExitCode: code, Stderr: []byte(stderr)}
}

// Subcommand returns the CLI subcommand of cmd, skipping global flags
func Subcommand(cmd Command) string {
	for i := 0; i < len(cmd.Args); i++ {
		switch cmd.Args[i] {
		case "-j":
		case "-u":
			i++
		default:
			return cmd.Args[i]
		}
	}
	return ""
}
