// Package service provisions DAO bots, their DAOs and the imported
// repositories as a chain of deploy-then-wait stages.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/gateway"
	"github.com/onboarding-workflow/internal/gosh"
	"github.com/onboarding-workflow/internal/logging"
	"github.com/onboarding-workflow/internal/models"
	"github.com/onboarding-workflow/internal/queue"
	"github.com/onboarding-workflow/internal/retry"
	"github.com/onboarding-workflow/internal/upload"
	"github.com/onboarding-workflow/internal/worker"
)

// DaoBotStore persists DAO bots
type DaoBotStore interface {
	GetByName(ctx context.Context, daoName string) (*models.DaoBot, error)
	SetProfileAddress(ctx context.Context, id, address string) (*models.DaoBot, error)
	SetInitialized(ctx context.Context, id string, at time.Time) error
}

// GithubStore persists import records
type GithubStore interface {
	GetWithDaoBot(ctx context.Context, id string) (*models.GithubWithDaoBot, error)
	ListForClone(ctx context.Context, daoBotID string) ([]*models.GithubRecord, error)
	MarkUpdated(ctx context.Context, id string, at time.Time) error
	SetIgnore(ctx context.Context, id string, ignore bool) error
	SetIgnoreByDaoBot(ctx context.Context, daoBotID string, ignore bool) (int64, error)
}

// Chain is the on-chain surface used by the stages
type Chain interface {
	SystemContract() string
	IsAccountActive(ctx context.Context, address string) bool
	HasAccess(ctx context.Context, wallet, expectedKey string) bool

	ProfileAddress(ctx context.Context, name string) (string, error)
	DeployProfile(ctx context.Context, name, pubkey string) error
	DaoAddress(ctx context.Context, name string) (string, error)
	DeployDao(ctx context.Context, name, profile string, keys *gateway.Keys) error
	IsDaoMember(ctx context.Context, dao, profile string) (bool, error)
	WalletAddress(ctx context.Context, profile, dao string) (string, error)
	TurnOnDao(ctx context.Context, wallet, profile, pubkey string, keys *gateway.Keys) error
	RepositoryAddress(ctx context.Context, name, dao string) (string, error)
	DeployRepository(ctx context.Context, dao, name, wallet string, keys *gateway.Keys) error
}

// Pusher uploads a repository and returns the upload script exit code
type Pusher interface {
	Push(ctx context.Context, req upload.PushRequest) (int, error)
}

// Config tunes retries and the repository stage
type Config struct {
	CheckAccountRetries      int
	CheckWalletAccessRetries int
	StageRetries             int
	// Backoff applies to the polling jobs; nil uses the queue default.
	Backoff *retry.Backoff
	// CountObjects routes repositories through count-git-objects before upload.
	CountObjects      bool
	GitBaseURL        string
	RepoDeployTimeout time.Duration
}

// Provisioner runs the provisioning stages
type Provisioner struct {
	bots    DaoBotStore
	records GithubStore
	chain   Chain
	queue   worker.Enqueuer
	pusher  Pusher
	cfg     Config
	logger  *logging.Logger
}

// NewProvisioner creates a provisioner
func NewProvisioner(
	bots DaoBotStore,
	records GithubStore,
	chain Chain,
	q worker.Enqueuer,
	pusher Pusher,
	cfg Config,
	logger *logging.Logger,
) (*Provisioner, error) {
	if bots == nil || records == nil {
		return nil, fmt.Errorf("stores are required")
	}
	if chain == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if pusher == nil {
		return nil, fmt.Errorf("pusher is required")
	}
	if cfg.RepoDeployTimeout <= 0 {
		cfg.RepoDeployTimeout = 3 * time.Minute
	}
	if cfg.GitBaseURL == "" {
		cfg.GitBaseURL = "https://github.com"
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Provisioner{
		bots:    bots,
		records: records,
		chain:   chain,
		queue:   q,
		pusher:  pusher,
		cfg:     cfg,
		logger:  logger.WithComponent("provisioner"),
	}, nil
}

func botKeys(bot *models.DaoBot) *gateway.Keys {
	return &gateway.Keys{Public: bot.Pubkey, Secret: bot.Secret}
}

// await enqueues a polling job and blocks until it settles. A coalesced
// submission waits on the job already in flight.
func (p *Provisioner) await(ctx context.Context, name, id string, payload interface{}, retries int) error {
	h, err := p.queue.Enqueue(ctx, name, payload, queue.Options{
		ID:         id,
		MaxRetries: retries,
		Backoff:    p.cfg.Backoff,
	})
	if err != nil {
		return err
	}

	logger := p.logger.WithFields(map[string]interface{}{
		"queue":     name,
		"jobId":     id,
		"coalesced": h.Coalesced,
	})
	if p.cfg.Backoff != nil {
		logger = logger.WithField("deadline", time.Now().Add(p.cfg.Backoff.Envelope(retries)).UTC().Format(time.RFC3339))
	}
	logger.Debug("Awaiting polling job")
	return h.Await(ctx)
}

func (p *Provisioner) awaitAccount(ctx context.Context, address string) error {
	return p.await(ctx, worker.QueueCheckAccount, address,
		worker.CheckAccountPayload{Addr: address}, p.cfg.CheckAccountRetries)
}

// DeployDaoBotProfile activates the profile of the bot serving daoName and
// schedules creation of its DAO.
func (p *Provisioner) DeployDaoBotProfile(ctx context.Context, daoName string) error {
	logger := p.logger.WithField("dao", daoName)

	bot, err := p.bots.GetByName(ctx, daoName)
	if err != nil {
		return err
	}
	botName := gosh.BotName(bot.DaoName)

	profile, err := p.chain.ProfileAddress(ctx, botName)
	if err != nil {
		return err
	}

	if !p.chain.IsAccountActive(ctx, profile) {
		// A deploy from an earlier attempt may still be in flight.
		if err := p.chain.DeployProfile(ctx, botName, bot.Pubkey); err != nil {
			logger.WithError(err).Debug("deployProfile failed, waiting for the account anyway")
		}
		logger.WithField("profile", profile).Info("Waiting for bot profile")
		if err := p.awaitAccount(ctx, profile); err != nil {
			return fmt.Errorf("bot profile %s not active: %w", profile, err)
		}
	}

	if _, err := p.bots.SetProfileAddress(ctx, bot.ID, profile); err != nil {
		return err
	}
	logger.WithField("profile", profile).Info("Bot profile is active")

	_, err = p.queue.Enqueue(ctx, worker.QueueCreateDao, worker.DaoPayload{DaoName: bot.DaoName}, queue.Options{
		ID:         bot.DaoName,
		MaxRetries: p.cfg.StageRetries,
	})
	return err
}

// CreateDao activates the DAO of the bot, waits for the bot wallet to gain
// access and schedules every pending repository of the bot.
func (p *Provisioner) CreateDao(ctx context.Context, daoName string) error {
	logger := p.logger.WithField("dao", daoName)

	bot, err := p.bots.GetByName(ctx, daoName)
	if err != nil {
		return err
	}
	if !bot.HasProfile() {
		return apperrors.NewNotFoundError("dao bot profile", daoName)
	}
	profile := bot.Profile()
	keys := botKeys(bot)

	if err := gosh.ValidateName(gosh.KindDao, bot.DaoName); err != nil {
		p.holdRecords(ctx, bot, "DAO name has validation errors")
		return err
	}

	dao, err := p.chain.DaoAddress(ctx, bot.DaoName)
	if err != nil {
		return err
	}
	if !p.chain.IsAccountActive(ctx, dao) {
		if err := p.chain.DeployDao(ctx, bot.DaoName, profile, keys); err != nil {
			logger.WithError(err).Debug("deployDao failed, waiting for the account anyway")
		}
		logger.WithField("daoAddress", dao).Info("Waiting for DAO")
		if err := p.awaitAccount(ctx, dao); err != nil {
			return fmt.Errorf("DAO %s not active: %w", dao, err)
		}
	}

	member, err := p.chain.IsDaoMember(ctx, dao, profile)
	if err != nil {
		return err
	}
	if !member {
		p.holdRecords(ctx, bot, "DAO exists but bot profile is not a member")
		return apperrors.NewValidationError(string(gosh.KindDao), bot.DaoName, "DAO exists and the bot profile is not a member")
	}

	wallet, err := p.chain.WalletAddress(ctx, profile, dao)
	if err != nil {
		return err
	}
	if !p.chain.HasAccess(ctx, wallet, bot.Pubkey) {
		if err := p.chain.TurnOnDao(ctx, wallet, profile, bot.Pubkey, keys); err != nil {
			logger.WithError(err).Debug("turnOn failed, waiting for access anyway")
		}
		logger.WithField("wallet", wallet).Info("Waiting for wallet access")
		payload := worker.CheckWalletAccessPayload{WalletAddr: wallet, WalletPubkey: bot.Pubkey}
		if err := p.await(ctx, worker.QueueCheckWalletAccess, wallet, payload, p.cfg.CheckWalletAccessRetries); err != nil {
			return fmt.Errorf("wallet %s has no access: %w", wallet, err)
		}
	}
	logger.WithField("wallet", wallet).Info("Wallet access granted")

	if err := p.bots.SetInitialized(ctx, bot.ID, time.Now().UTC()); err != nil {
		return err
	}
	return p.scheduleRepositories(ctx, bot)
}

// scheduleRepositories enqueues every pending record of bot, keyed by record id
func (p *Provisioner) scheduleRepositories(ctx context.Context, bot *models.DaoBot) error {
	records, err := p.records.ListForClone(ctx, bot.ID)
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range records {
		if err := p.ScheduleRepository(ctx, r.ID); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.WithFields(map[string]interface{}{
		"dao":       bot.DaoName,
		"scheduled": len(records) - len(errs),
		"failed":    len(errs),
	}).Info("Scheduled repositories")
	return errors.Join(errs...)
}

// ScheduleRepository enqueues the first repository job for a record
func (p *Provisioner) ScheduleRepository(ctx context.Context, githubID string) error {
	name := worker.QueueCreateGoshRepo
	if p.cfg.CountObjects {
		name = worker.QueueCountGitObjects
	}
	_, err := p.queue.Enqueue(ctx, name, worker.GithubPayload{GithubID: githubID}, queue.Options{
		ID:         githubID,
		MaxRetries: p.cfg.StageRetries,
	})
	return err
}

// holdRecords marks every record of bot ignored until an operator resolves the
// naming conflict. Owners are not notified from here; the log entry is the report.
func (p *Provisioner) holdRecords(ctx context.Context, bot *models.DaoBot, reason string) {
	n, err := p.records.SetIgnoreByDaoBot(ctx, bot.ID, true)
	logger := p.logger.WithFields(map[string]interface{}{
		"dao":    bot.DaoName,
		"reason": reason,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to mark records ignored")
		return
	}
	logger.WithField("records", n).Warn("Records held for rename")
}

// InitializeGoshRepo deploys the repository of an import record and pushes the
// source repository into it.
func (p *Provisioner) InitializeGoshRepo(ctx context.Context, githubID string) error {
	record, err := p.records.GetWithDaoBot(ctx, githubID)
	if err != nil {
		return err
	}
	bot := record.DaoBot
	if bot == nil {
		return apperrors.NewNotFoundError("dao bot of github record", githubID)
	}
	if !bot.HasProfile() {
		return apperrors.NewNotFoundError("dao bot profile", bot.DaoName)
	}

	repoName := gosh.RepoNameFromURL(record.GoshURL)
	if err := gosh.ValidateName(gosh.KindRepository, repoName); err != nil {
		if ignoreErr := p.records.SetIgnore(ctx, record.ID, true); ignoreErr != nil {
			p.logger.WithError(ignoreErr).WithField("githubId", record.ID).Error("Failed to mark record ignored")
		}
		p.logger.WithFields(map[string]interface{}{
			"githubId": record.ID,
			"repo":     repoName,
			"dao":      bot.DaoName,
		}).Warn("Repository name has validation errors, record held for rename")
		return err
	}

	logger := p.logger.WithFields(map[string]interface{}{
		"githubId": record.ID,
		"dao":      bot.DaoName,
		"repo":     repoName,
	})
	profile := bot.Profile()

	dao, err := p.chain.DaoAddress(ctx, bot.DaoName)
	if err != nil {
		return err
	}
	repo, err := p.chain.RepositoryAddress(ctx, repoName, dao)
	if err != nil {
		return err
	}
	wallet, err := p.chain.WalletAddress(ctx, profile, dao)
	if err != nil {
		return err
	}

	if !p.chain.IsAccountActive(ctx, repo) {
		deployCtx, cancel := context.WithTimeout(ctx, p.cfg.RepoDeployTimeout)
		err := p.chain.DeployRepository(deployCtx, dao, repoName, wallet, botKeys(bot))
		cancel()
		if err != nil {
			// A concurrent deploy may already have succeeded.
			logger.WithError(err).Warn("deployRepository failed, waiting for the account anyway")
		}
		if err := p.awaitAccount(ctx, repo); err != nil {
			return fmt.Errorf("repository %s not active: %w", repo, err)
		}
	}
	logger.WithField("repoAddress", repo).Info("Repository is ready to be pushed")

	code, err := p.pusher.Push(ctx, upload.PushRequest{
		SourceURL:      upload.SourceURL(p.cfg.GitBaseURL, record.GithubURL),
		SystemContract: p.chain.SystemContract(),
		DaoName:        bot.DaoName,
		DaoAddress:     dao,
		RepoName:       repoName,
		BotName:        gosh.BotName(bot.DaoName),
		Pubkey:         bot.Pubkey,
		Secret:         bot.Secret,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return apperrors.NewPushFailedError(repoName, code)
	}

	if err := p.records.MarkUpdated(ctx, record.ID, time.Now().UTC()); err != nil {
		return err
	}
	logger.Info("Repository uploaded")
	return nil
}
