package worker

import (
	"context"
	"fmt"

	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/queue"
)

// AccountProber reports on-chain readiness. Fetch failures read as not ready.
type AccountProber interface {
	IsAccountActive(ctx context.Context, address string) bool
	HasAccess(ctx context.Context, wallet, expectedKey string) bool
}

// CheckAccount succeeds once the account in the payload is active.
// Polling comes from the queue retrying the failed attempts.
func CheckAccount(prober AccountProber) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p CheckAccountPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.Addr == "" {
			return fmt.Errorf("check-account job %s has no address", job.ID)
		}
		if !prober.IsAccountActive(ctx, p.Addr) {
			return apperrors.NewNotReadyError("account", p.Addr)
		}
		return nil
	}
}

// CheckWalletAccess succeeds once the wallet grants access to the payload key
func CheckWalletAccess(prober AccountProber) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p CheckWalletAccessPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.WalletAddr == "" {
			return fmt.Errorf("check-wallet-access job %s has no wallet address", job.ID)
		}
		if !prober.HasAccess(ctx, p.WalletAddr, p.WalletPubkey) {
			return apperrors.NewNotReadyError("wallet access", p.WalletAddr)
		}
		return nil
	}
}
