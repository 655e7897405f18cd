package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/onboarding-workflow/internal/gateway"
	"github.com/onboarding-workflow/internal/logging"
)

const configFileName = "gosh-config.json"

// PusherConfig configures the upload script invocation
type PusherConfig struct {
	// ScriptPath is the upload script run with bash.
	ScriptPath string
	// ScriptDir is the working directory of the script; defaults to the script's directory.
	ScriptDir  string
	ScratchDir string
	Endpoints  []string
}

// PushRequest identifies one repository upload
type PushRequest struct {
	SourceURL      string
	SystemContract string
	DaoName        string
	DaoAddress     string
	RepoName       string
	BotName        string
	Pubkey         string
	Secret         string
}

// Pusher uploads a source repository into its on-chain repository
type Pusher struct {
	runner gateway.Runner
	cfg    PusherConfig
	logger *logging.Logger
}

// NewPusher creates a pusher
func NewPusher(runner gateway.Runner, cfg PusherConfig, logger *logging.Logger) (*Pusher, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.ScriptPath == "" {
		return nil, fmt.Errorf("upload script path is required")
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = filepath.Dir(cfg.ScriptPath)
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Pusher{runner: runner, cfg: cfg, logger: logger.WithComponent("pusher")}, nil
}

type networkConfig struct {
	UserWallet userWallet `json:"user-wallet"`
	Endpoints  []string   `json:"endpoints"`
}

type userWallet struct {
	Profile string `json:"profile"`
	Pubkey  string `json:"pubkey"`
	Secret  string `json:"secret"`
}

type goshConfig struct {
	PrimaryNetwork string                   `json:"primary-network"`
	Networks       map[string]networkConfig `json:"networks"`
}

// WorkDir is the per-repository directory holding the generated config
func (p *Pusher) WorkDir(req PushRequest) string {
	return filepath.Join(p.cfg.ScratchDir, req.SystemContract, req.DaoName, req.RepoName)
}

// Push writes the CLI config for the bot and runs the upload script.
// It returns the script exit code; the error is set only when the script
// could not be started.
func (p *Pusher) Push(ctx context.Context, req PushRequest) (int, error) {
	workDir := p.WorkDir(req)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return 0, fmt.Errorf("failed to create work dir: %w", err)
	}

	configPath := filepath.Join(workDir, configFileName)
	if err := p.writeConfig(configPath, req); err != nil {
		return 0, err
	}

	cmd := gateway.Command{
		Name: "bash",
		Args: []string{p.cfg.ScriptPath},
		Dir:  p.cfg.ScriptDir,
		Env: map[string]string{
			"WORKDIR":                   workDir,
			"GIT_REPO_URL":              req.SourceURL,
			"GOSH_SYSTEM_CONTRACT_ADDR": req.SystemContract,
			"GOSH_DAO_NAME":             req.DaoName,
			"GOSH_DAO_ADDRESS":          req.DaoAddress,
			"GOSH_REPO_NAME":            req.RepoName,
			"GOSH_BOT_NAME":             req.BotName,
			"GOSH_CONFIG_PATH":          configPath,
		},
		InheritEnv: true,
	}

	logger := p.logger.WithFields(map[string]interface{}{
		"dao":  req.DaoName,
		"repo": req.RepoName,
	})
	logger.WithField("source", req.SourceURL).Info("Pushing repository")

	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("failed to run upload script: %w", err)
	}
	if !res.Success() {
		logger.WithFields(map[string]interface{}{
			"exitCode": res.ExitCode,
			"output":   truncate(res.Output(), 2048),
		}).Warn("Upload script failed")
	}
	return res.ExitCode, nil
}

func (p *Pusher) writeConfig(path string, req PushRequest) error {
	endpoints := p.cfg.Endpoints
	if endpoints == nil {
		endpoints = []string{}
	}
	cfg := goshConfig{
		PrimaryNetwork: "mainnet",
		Networks: map[string]networkConfig{
			"mainnet": {
				UserWallet: userWallet{
					Profile: req.BotName,
					Pubkey:  req.Pubkey,
					Secret:  req.Secret,
				},
				Endpoints: endpoints,
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", configFileName, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", configFileName, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to restrict %s: %w", configFileName, err)
	}
	return nil
}

// SourceURL resolves a stored source path such as /owner/repo against base.
// Absolute URLs are returned unchanged.
func SourceURL(base, githubURL string) string {
	if strings.Contains(githubURL, "://") || strings.HasPrefix(githubURL, "git@") {
		return githubURL
	}
	if !strings.HasPrefix(githubURL, "/") {
		githubURL = "/" + githubURL
	}
	return strings.TrimRight(base, "/") + githubURL
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
