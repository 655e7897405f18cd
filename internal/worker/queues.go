// Package worker holds the queue consumers of the provisioning pipeline: the
// polling checks, object counting and the stage handlers.
package worker

import "github.com/onboarding-workflow/internal/upload"

// Queue names
const (
	QueueInitDaoBot        = "init-dao-bot"
	QueueCreateDao         = "create-dao"
	QueueCheckAccount      = "check-account"
	QueueCheckWalletAccess = "check-wallet-access"
	QueueCountGitObjects   = "count-git-objects"
	QueueCreateGoshRepo    = "create-gosh-repo"
)

// AllQueues lists every queue served by Register, bucketed upload queues included
func AllQueues() []string {
	names := []string{
		QueueInitDaoBot,
		QueueCreateDao,
		QueueCheckAccount,
		QueueCheckWalletAccess,
		QueueCountGitObjects,
		QueueCreateGoshRepo,
	}
	for _, s := range upload.Sizes {
		names = append(names, s.Queue())
	}
	return names
}

// CheckAccountPayload asks whether an account is active
type CheckAccountPayload struct {
	Addr string `json:"addr"`
}

// CheckWalletAccessPayload asks whether a wallet grants access to a key
type CheckWalletAccessPayload struct {
	WalletAddr   string `json:"wallet_addr"`
	WalletPubkey string `json:"wallet_pubkey"`
}

// DaoPayload addresses a bot by its DAO name
type DaoPayload struct {
	DaoName string `json:"dao_name"`
}

// GithubPayload addresses an import record
type GithubPayload struct {
	GithubID string `json:"github_id"`
}
