package gosh

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/onboarding-workflow/internal/gateway"
)

// Account types reported by the CLI
const (
	AccountActive   = "Active"
	AccountUninit   = "Uninit"
	AccountFrozen   = "Frozen"
	AccountNonExist = "NonExist"
)

// AccountView is the state of an on-chain account
type AccountView struct {
	Address string `json:"-"`
	Type    string `json:"acc_type"`
	Balance string `json:"balance,omitempty"`
}

// Active reports whether the account is deployed and running
func (a *AccountView) Active() bool {
	return a != nil && a.Type == AccountActive
}

// TreatFetchErrorAsNotReady is the readiness policy for polling: an account is
// ready only when a probe succeeded and reported Active. A failed probe means
// "not ready yet" and the poller tries again.
func TreatFetchErrorAsNotReady(view *AccountView, err error) bool {
	if err != nil {
		return false
	}
	return view.Active()
}

// ProbeAccount fetches account state without hiding probe failures
func (c *Client) ProbeAccount(ctx context.Context, address string) (*AccountView, error) {
	raw, err := c.cli.Invoke(ctx, "account", address)
	if err != nil {
		return nil, err
	}
	return parseAccount(address, raw)
}

// IsAccountActive reports whether address is an active account
func (c *Client) IsAccountActive(ctx context.Context, address string) bool {
	view, err := c.ProbeAccount(ctx, address)
	if err != nil {
		c.logger.WithError(err).WithField("address", address).Debug("Account probe failed")
	}
	return TreatFetchErrorAsNotReady(view, err)
}

// parseAccount accepts both the flat {"acc_type": ...} shape and the
// {"<address>": {"acc_type": ...}} shape of newer CLI versions.
func parseAccount(address string, raw json.RawMessage) (*AccountView, error) {
	var flat AccountView
	if err := gateway.Decode("account", raw, &flat); err == nil && flat.Type != "" {
		flat.Address = address
		return &flat, nil
	}

	var keyed map[string]json.RawMessage
	if err := gateway.Decode("account", raw, &keyed); err != nil {
		return nil, err
	}
	for key, body := range keyed {
		if !strings.EqualFold(key, address) {
			continue
		}
		var view AccountView
		if err := gateway.Decode("account", body, &view); err != nil {
			return nil, err
		}
		view.Address = address
		if view.Type == "" {
			view.Type = AccountNonExist
		}
		return &view, nil
	}
	return &AccountView{Address: address, Type: AccountNonExist}, nil
}

// GetAccessGrantedKey returns the public key granted access to a wallet.
// Any failure, including a wallet without a key, yields ("", false).
func (c *Client) GetAccessGrantedKey(ctx context.Context, wallet string) (string, bool) {
	key, err := runValue[*string](ctx, c, c.abi.Wallet, wallet, "getAccess", nil)
	if err != nil {
		c.logger.WithError(err).WithField("wallet", wallet).Debug("getAccess failed")
		return "", false
	}
	if key == nil || *key == "" {
		return "", false
	}
	return *key, true
}

// HasAccess reports whether expectedKey is the key granted on wallet
func (c *Client) HasAccess(ctx context.Context, wallet, expectedKey string) bool {
	granted, ok := c.GetAccessGrantedKey(ctx, wallet)
	if !ok {
		return false
	}
	return SamePubkey(granted, expectedKey)
}
