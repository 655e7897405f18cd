package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/logging"
	"github.com/onboarding-workflow/internal/metrics"
)

// Keys is a signing keypair as produced by the CLI. Phrase is the mnemonic the
// pair was derived from; it is never written to key files.
type Keys struct {
	Public string `json:"public"`
	Secret string `json:"secret"`
	Phrase string `json:"-"`
}

// Options configures the CLI gateway
type Options struct {
	Binary        string
	Endpoints     []string
	Timeout       time.Duration
	RatePerSecond int
	// KeyDir holds short-lived key files; empty means os.TempDir().
	KeyDir  string
	Metrics metrics.Metrics
	Logger  *logging.Logger
}

// CLI invokes the blockchain command-line client and decodes its JSON output
type CLI struct {
	runner  Runner
	opts    Options
	limiter *rate.Limiter
	metrics metrics.Metrics
	logger  *logging.Logger
}

// NewCLI creates a gateway over runner
func NewCLI(runner Runner, opts Options) (*CLI, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.Binary == "" {
		return nil, fmt.Errorf("CLI binary is required")
	}
	if opts.KeyDir == "" {
		opts.KeyDir = os.TempDir()
	}

	c := &CLI{
		runner:  runner,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if c.metrics == nil {
		c.metrics = metrics.Noop{}
	}
	if c.logger == nil {
		c.logger = logging.GetGlobalLogger()
	}
	c.logger = c.logger.WithComponent("gateway")
	if opts.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RatePerSecond)
	}
	return c, nil
}

// Invoke runs the CLI with args and returns its parsed JSON output.
// A non-zero exit yields a ProcessError; unparseable output a malformed-output error.
func (c *CLI) Invoke(ctx context.Context, args ...string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no CLI command given")
	}
	command := args[0]

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	full := []string{"-j"}
	if len(c.opts.Endpoints) > 0 {
		full = append(full, "-u", c.opts.Endpoints[0])
	}
	full = append(full, args...)
	cmd := Command{Name: c.opts.Binary, Args: full}

	c.logger.WithField("command", cmd.String()).Debug("Invoking CLI")

	start := time.Now()
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		c.metrics.IncGatewayCalls(command, "error")
		return nil, err
	}

	if !res.Success() {
		c.metrics.IncGatewayCalls(command, "exit_error")
		c.logger.WithFields(map[string]interface{}{
			"command":  command,
			"exitCode": res.ExitCode,
			"duration": time.Since(start).String(),
		}).Debug("CLI exited with error")
		return nil, apperrors.NewProcessError(cmd.String(), res.ExitCode, res.Output())
	}

	if !json.Valid(res.Stdout) {
		c.metrics.IncGatewayCalls(command, "malformed")
		return nil, apperrors.NewMalformedOutputError(command, fmt.Errorf("stdout is not JSON: %.120q", res.Stdout))
	}

	c.metrics.IncGatewayCalls(command, "ok")
	return json.RawMessage(res.Stdout), nil
}

// Run executes a read-only contract method
func (c *CLI) Run(ctx context.Context, abi, address, method string, params interface{}) (json.RawMessage, error) {
	encoded, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return c.Invoke(ctx, "run", "--abi", abi, address, method, encoded)
}

// Call sends a signed message to a contract method. The keypair is written to a
// private temporary file for the duration of the call so that the secret never
// appears on a command line.
func (c *CLI) Call(ctx context.Context, abi, address, method string, params interface{}, keys *Keys) (json.RawMessage, error) {
	encoded, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	args := []string{"call", "--abi", abi, address, method, encoded}
	if keys != nil {
		path, cleanup, err := c.writeKeyFile(keys)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		args = []string{"call", "--abi", abi, "--sign", path, address, method, encoded}
	}
	return c.Invoke(ctx, args...)
}

// GenerateKeys creates a new signing keypair
func (c *CLI) GenerateKeys(ctx context.Context) (*Keys, error) {
	// The dump path must not exist before genphrase writes it.
	dir, err := os.MkdirTemp(c.opts.KeyDir, "genphrase-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "keys.json")

	out, err := c.Invoke(ctx, "genphrase", "--dump", path)
	if err != nil {
		return nil, err
	}
	var phrase struct {
		Phrase string `json:"phrase"`
	}
	if err := Decode("genphrase", out, &phrase); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path inside dir created above
	if err != nil {
		return nil, fmt.Errorf("failed to read generated keys: %w", err)
	}
	var keys Keys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, apperrors.NewMalformedOutputError("genphrase", err)
	}
	if keys.Public == "" || keys.Secret == "" {
		return nil, apperrors.NewMalformedOutputError("genphrase", fmt.Errorf("incomplete keypair"))
	}
	keys.Phrase = phrase.Phrase
	return &keys, nil
}

func (c *CLI) writeKeyFile(keys *Keys) (string, func(), error) {
	data, err := json.Marshal(keys)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode keys: %w", err)
	}

	f, err := os.CreateTemp(c.opts.KeyDir, "sign-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create key file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to protect key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return path, cleanup, nil
}

func encodeParams(params interface{}) (string, error) {
	if params == nil {
		return "{}", nil
	}
	if s, ok := params.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode call params: %w", err)
	}
	return string(data), nil
}

// Decode unmarshals CLI output into v
func Decode(command string, raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewMalformedOutputError(command, err)
	}
	return nil
}
