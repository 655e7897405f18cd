package gosh

import (
	"context"
	"fmt"

	"github.com/onboarding-workflow/internal/gateway"
)

// ProfileAddress derives the profile address for a user name
func (c *Client) ProfileAddress(ctx context.Context, name string) (string, error) {
	addr, err := runValue[string](ctx, c, c.abi.SystemContract, c.systemAddr, "getProfileAddr",
		map[string]interface{}{"name": name})
	if err != nil {
		return "", fmt.Errorf("failed to get profile address for %s: %w", name, err)
	}
	return addr, nil
}

// DeployProfile asks the system contract to deploy a profile owned by pubkey
func (c *Client) DeployProfile(ctx context.Context, name, pubkey string) error {
	_, err := c.cli.Call(ctx, c.abi.SystemContract, c.systemAddr, "deployProfile",
		map[string]interface{}{"name": name, "pubkey": NormalizePubkey(pubkey)}, nil)
	return err
}

// DaoAddress derives the DAO address for a DAO name
func (c *Client) DaoAddress(ctx context.Context, name string) (string, error) {
	addr, err := runValue[string](ctx, c, c.abi.SystemContract, c.systemAddr, "getAddrDao",
		map[string]interface{}{"name": name})
	if err != nil {
		return "", fmt.Errorf("failed to get DAO address for %s: %w", name, err)
	}
	return addr, nil
}

// DeployDao deploys a DAO from profile with the profile as its only member
func (c *Client) DeployDao(ctx context.Context, name, profile string, keys *gateway.Keys) error {
	_, err := c.cli.Call(ctx, c.abi.Profile, profile, "deployDao", map[string]interface{}{
		"systemcontract": c.systemAddr,
		"name":           name,
		"pubmem":         []string{profile},
		"previous":       nil,
	}, keys)
	return err
}

// IsDaoMember reports whether profile is a member of dao
func (c *Client) IsDaoMember(ctx context.Context, dao, profile string) (bool, error) {
	member, err := runValue[bool](ctx, c, c.abi.Dao, dao, "isMember",
		map[string]interface{}{"pubaddr": profile})
	if err != nil {
		return false, fmt.Errorf("failed to check membership of %s in %s: %w", profile, dao, err)
	}
	return member, nil
}

// WalletAddress derives the wallet of profile in dao
func (c *Client) WalletAddress(ctx context.Context, profile, dao string) (string, error) {
	addr, err := runValue[string](ctx, c, c.abi.Dao, dao, "getAddrWallet",
		map[string]interface{}{"pubaddr": profile, "index": 0})
	if err != nil {
		return "", fmt.Errorf("failed to get wallet address for %s in %s: %w", profile, dao, err)
	}
	return addr, nil
}

// TurnOnDao grants pubkey access to the profile's wallet
func (c *Client) TurnOnDao(ctx context.Context, wallet, profile, pubkey string, keys *gateway.Keys) error {
	_, err := c.cli.Call(ctx, c.abi.Profile, profile, "turnOn",
		map[string]interface{}{"pubkey": NormalizePubkey(pubkey), "wallet": wallet}, keys)
	return err
}

// RepositoryAddress derives the address of repository name in dao
func (c *Client) RepositoryAddress(ctx context.Context, name, dao string) (string, error) {
	addr, err := runValue[string](ctx, c, c.abi.Dao, dao, "getAddrRepository",
		map[string]interface{}{"name": name})
	if err != nil {
		return "", fmt.Errorf("failed to get repository address for %s: %w", name, err)
	}
	return addr, nil
}

// DeployRepository deploys repository name through the bot's wallet in dao
func (c *Client) DeployRepository(ctx context.Context, dao, name, wallet string, keys *gateway.Keys) error {
	c.logger.WithFields(map[string]interface{}{
		"dao":        dao,
		"repository": name,
		"wallet":     wallet,
	}).Debug("Deploying repository")

	_, err := c.cli.Call(ctx, c.abi.Wallet, wallet, "deployRepository", map[string]interface{}{
		"nameRepo": name,
		"descr":    "",
		"previous": nil,
	}, keys)
	return err
}
