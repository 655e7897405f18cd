// Package gosh talks to the GOSH contracts through the CLI gateway: account
// probing, address derivation and deploy calls.
package gosh

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/onboarding-workflow/internal/config"
	"github.com/onboarding-workflow/internal/gateway"
	"github.com/onboarding-workflow/internal/logging"
)

// CLI is the subset of the gateway used by this package
type CLI interface {
	Invoke(ctx context.Context, args ...string) (json.RawMessage, error)
	Run(ctx context.Context, abi, address, method string, params interface{}) (json.RawMessage, error)
	Call(ctx context.Context, abi, address, method string, params interface{}, keys *gateway.Keys) (json.RawMessage, error)
}

// Client wraps contract reads and writes on one GOSH system contract
type Client struct {
	cli        CLI
	systemAddr string
	abi        config.ABIConfig
	logger     *logging.Logger
}

// NewClient creates a contract client
func NewClient(cli CLI, systemAddr string, abi config.ABIConfig, logger *logging.Logger) (*Client, error) {
	if cli == nil {
		return nil, fmt.Errorf("CLI gateway is required")
	}
	if systemAddr == "" {
		return nil, fmt.Errorf("system contract address is required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Client{
		cli:        cli,
		systemAddr: systemAddr,
		abi:        abi,
		logger:     logger.WithComponent("gosh"),
	}, nil
}

// SystemContract returns the system contract address
func (c *Client) SystemContract() string {
	return c.systemAddr
}

// value0 is the result envelope of single-value getters
type value0[T any] struct {
	Value0 T `json:"value0"`
}

func runValue[T any](ctx context.Context, c *Client, abi, address, method string, params interface{}) (T, error) {
	var zero T
	raw, err := c.cli.Run(ctx, abi, address, method, params)
	if err != nil {
		return zero, err
	}
	var out value0[T]
	if err := gateway.Decode(method, raw, &out); err != nil {
		return zero, err
	}
	return out.Value0, nil
}
