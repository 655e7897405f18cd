package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/onboarding-workflow/internal/config"
	"github.com/onboarding-workflow/internal/logging"
	"github.com/onboarding-workflow/internal/queue"
	"github.com/onboarding-workflow/internal/upload"
)

// Stages runs the provisioning stages behind the stage queues
type Stages interface {
	DeployDaoBotProfile(ctx context.Context, daoName string) error
	CreateDao(ctx context.Context, daoName string) error
	InitializeGoshRepo(ctx context.Context, githubID string) error
}

// Queue produces and consumes jobs
type Queue interface {
	Enqueuer
	Process(ctx context.Context, name string, concurrency int, handler queue.Handler) error
}

// Deps are the collaborators of the registered handlers
type Deps struct {
	Prober  AccountProber
	Stages  Stages
	Records RecordStore
	// Counter is optional; without it count-git-objects is not served.
	Counter     ObjectCounter
	Queue       config.QueueConfig
	ObjectCount ObjectCountConfig
	Logger      *logging.Logger
}

// Group tracks the running queue consumers
type Group struct {
	wg     sync.WaitGroup
	queues []string
}

// Queues returns the names of the served queues
func (g *Group) Queues() []string {
	return g.queues
}

// Wait blocks until every consumer has stopped
func (g *Group) Wait() {
	g.wg.Wait()
}

type registration struct {
	name        string
	concurrency int
	handler     queue.Handler
}

// Register starts consumers for every pipeline queue. They stop when ctx is cancelled.
func Register(ctx context.Context, q Queue, deps Deps) (*Group, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if deps.Prober == nil {
		return nil, fmt.Errorf("account prober is required")
	}
	if deps.Stages == nil {
		return nil, fmt.Errorf("stages are required")
	}
	if deps.Counter != nil && deps.Records == nil {
		return nil, fmt.Errorf("record store is required for object counting")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("worker")

	checks := atLeastOne(deps.Queue.CheckConcurrency)
	stages := atLeastOne(deps.Queue.StageConcurrency)

	regs := []registration{
		{QueueCheckAccount, checks, CheckAccount(deps.Prober)},
		{QueueCheckWalletAccess, checks, CheckWalletAccess(deps.Prober)},
		{QueueInitDaoBot, stages, daoStage(deps.Stages.DeployDaoBotProfile)},
		{QueueCreateDao, stages, daoStage(deps.Stages.CreateDao)},
		{QueueCreateGoshRepo, stages, repoStage(deps.Stages.InitializeGoshRepo)},
	}
	for _, size := range upload.Sizes {
		regs = append(regs, registration{
			name:        size.Queue(),
			concurrency: atLeastOne(deps.Queue.UploadConcurrency[string(size)]),
			handler:     repoStage(deps.Stages.InitializeGoshRepo),
		})
	}
	if deps.Counter != nil {
		cfg := deps.ObjectCount
		if cfg.Retries == 0 {
			cfg.Retries = deps.Queue.StageRetries
		}
		regs = append(regs, registration{
			name:        QueueCountGitObjects,
			concurrency: stages,
			handler:     CountGitObjects(deps.Records, deps.Counter, q, cfg),
		})
	}

	g := &Group{}
	for _, r := range regs {
		r := r
		g.queues = append(g.queues, r.name)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := q.Process(ctx, r.name, r.concurrency, r.handler); err != nil {
				logger.WithError(err).WithField("queue", r.name).Error("Queue consumer stopped")
			}
		}()
	}
	logger.WithField("queues", len(regs)).Info("Registered queue consumers")
	return g, nil
}

func daoStage(fn func(ctx context.Context, daoName string) error) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p DaoPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.DaoName == "" {
			return fmt.Errorf("%s job %s has no dao name", job.Queue, job.ID)
		}
		return fn(ctx, p.DaoName)
	}
}

func repoStage(fn func(ctx context.Context, githubID string) error) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p GithubPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.GithubID == "" {
			return fmt.Errorf("%s job %s has no github id", job.Queue, job.ID)
		}
		return fn(ctx, p.GithubID)
	}
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
