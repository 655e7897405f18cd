package scheduler

import (
	"context"
	"fmt"

	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/gateway"
	"github.com/onboarding-workflow/internal/gosh"
	"github.com/onboarding-workflow/internal/logging"
	"github.com/onboarding-workflow/internal/models"
	"github.com/onboarding-workflow/internal/queue"
	"github.com/onboarding-workflow/internal/worker"
)

// Scheduler names
const (
	NameBotInit    = "dao-bot-init"
	NameGithubLink = "github-link"
)

// BotLister lists bots whose profile is not provisioned
type BotLister interface {
	ListForInit(ctx context.Context) ([]*models.DaoBot, error)
}

// BotInitReconciler enqueues init-dao-bot for every bot without a profile
type BotInitReconciler struct {
	bots    BotLister
	queue   worker.Enqueuer
	retries int
	logger  *logging.Logger
}

// NewBotInitReconciler creates the bot initialization reconciler
func NewBotInitReconciler(bots BotLister, q worker.Enqueuer, retries int, logger *logging.Logger) *BotInitReconciler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &BotInitReconciler{bots: bots, queue: q, retries: retries, logger: logger.WithComponent(NameBotInit)}
}

// Reconcile implements Reconciler
func (r *BotInitReconciler) Reconcile(ctx context.Context) (Result, error) {
	bots, err := r.bots.ListForInit(ctx)
	if err != nil {
		return Result{}, err
	}

	res := Result{Total: len(bots)}
	for _, bot := range bots {
		_, err := r.queue.Enqueue(ctx, worker.QueueInitDaoBot, worker.DaoPayload{DaoName: bot.DaoName}, queue.Options{
			ID:         bot.DaoName,
			MaxRetries: r.retries,
		})
		if err != nil {
			res.Failed++
			r.logger.WithError(err).WithField("dao", bot.DaoName).Error("Failed to schedule bot initialization")
			continue
		}
		res.Processed++
	}
	return res, nil
}

// RecordLinker lists and links import records without a bot
type RecordLinker interface {
	ListUnlinked(ctx context.Context) ([]*models.GithubRecord, error)
	LinkDaoBot(ctx context.Context, id, daoBotID string) error
}

// BotStore finds and creates bots
type BotStore interface {
	GetByName(ctx context.Context, daoName string) (*models.DaoBot, error)
	Create(ctx context.Context, bot *models.DaoBot) (*models.DaoBot, error)
}

// KeyGenerator creates a fresh signing keypair
type KeyGenerator interface {
	GenerateKeys(ctx context.Context) (*gateway.Keys, error)
}

// RepoScheduler enqueues the first repository job of a record
type RepoScheduler interface {
	ScheduleRepository(ctx context.Context, githubID string) error
}

// GithubLinkReconciler attaches every unlinked import record to the bot of
// the DAO named in its destination URL, creating the bot when needed.
type GithubLinkReconciler struct {
	records RecordLinker
	bots    BotStore
	keys    KeyGenerator
	repos   RepoScheduler
	queue   worker.Enqueuer
	retries int
	logger  *logging.Logger
}

// GithubLinkConfig holds the collaborators of GithubLinkReconciler
type GithubLinkConfig struct {
	Records RecordLinker
	Bots    BotStore
	Keys    KeyGenerator
	Repos   RepoScheduler
	Queue   worker.Enqueuer
	// Retries is the retry budget of the create-dao jobs it enqueues.
	Retries int
	Logger  *logging.Logger
}

// NewGithubLinkReconciler creates the record linking reconciler
func NewGithubLinkReconciler(cfg GithubLinkConfig) (*GithubLinkReconciler, error) {
	if cfg.Records == nil || cfg.Bots == nil {
		return nil, fmt.Errorf("stores are required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key generator is required")
	}
	if cfg.Repos == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &GithubLinkReconciler{
		records: cfg.Records,
		bots:    cfg.Bots,
		keys:    cfg.Keys,
		repos:   cfg.Repos,
		queue:   cfg.Queue,
		retries: cfg.Retries,
		logger:  logger.WithComponent(NameGithubLink),
	}, nil
}

// Reconcile implements Reconciler
func (r *GithubLinkReconciler) Reconcile(ctx context.Context) (Result, error) {
	records, err := r.records.ListUnlinked(ctx)
	if err != nil {
		return Result{}, err
	}

	res := Result{Total: len(records)}
	for _, record := range records {
		if err := r.link(ctx, record); err != nil {
			res.Failed++
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"githubId": record.ID,
				"goshUrl":  record.GoshURL,
			}).Error("Failed to link record")
			continue
		}
		res.Processed++
	}
	return res, nil
}

func (r *GithubLinkReconciler) link(ctx context.Context, record *models.GithubRecord) error {
	daoName := gosh.DaoNameFromURL(record.GoshURL)
	if daoName == "" {
		return apperrors.NewValidationError(string(gosh.KindDao), record.GoshURL, "no DAO name in destination URL")
	}

	bot, err := r.findOrCreateBot(ctx, daoName)
	if err != nil {
		return err
	}
	if err := r.records.LinkDaoBot(ctx, record.ID, bot.ID); err != nil {
		return err
	}

	logger := r.logger.WithFields(map[string]interface{}{
		"githubId": record.ID,
		"dao":      daoName,
	})
	switch {
	case bot.Initialized():
		logger.Info("Linked record to initialized bot, scheduling repository")
		return r.repos.ScheduleRepository(ctx, record.ID)
	case bot.HasProfile():
		logger.Info("Linked record, scheduling DAO creation")
		_, err := r.queue.Enqueue(ctx, worker.QueueCreateDao, worker.DaoPayload{DaoName: daoName}, queue.Options{
			ID:         daoName,
			MaxRetries: r.retries,
		})
		return err
	default:
		// The bot initialization pass picks the bot up.
		logger.Info("Linked record to bot pending initialization")
		return nil
	}
}

func (r *GithubLinkReconciler) findOrCreateBot(ctx context.Context, daoName string) (*models.DaoBot, error) {
	bot, err := r.bots.GetByName(ctx, daoName)
	if err == nil {
		return bot, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	keys, err := r.keys.GenerateKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys for %s: %w", daoName, err)
	}
	// Create returns the existing row when another pass inserted it first.
	bot, err = r.bots.Create(ctx, &models.DaoBot{
		DaoName: daoName,
		Seed:    keys.Phrase,
		Pubkey:  keys.Public,
		Secret:  keys.Secret,
	})
	if err != nil {
		return nil, err
	}
	r.logger.WithField("dao", daoName).Info("Created DAO bot")
	return bot, nil
}
