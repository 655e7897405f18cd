package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboarding-workflow/internal/config"
	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/logging"
	"github.com/onboarding-workflow/internal/models"
	"github.com/onboarding-workflow/internal/queue"
	"github.com/onboarding-workflow/internal/worker"
)

func TestNewProvisionerValidation(t *testing.T) {
	bots := newFakeBots()
	records := newFakeRecords(bots)
	chain := newFakeChain(&eventLog{})

	_, err := NewProvisioner(nil, records, chain, &fakeQueueStub{}, &fakePusher{}, Config{}, nil)
	assert.Error(t, err)
	_, err = NewProvisioner(bots, records, nil, &fakeQueueStub{}, &fakePusher{}, Config{}, nil)
	assert.Error(t, err)
	_, err = NewProvisioner(bots, records, chain, nil, &fakePusher{}, Config{}, nil)
	assert.Error(t, err)
	_, err = NewProvisioner(bots, records, chain, &fakeQueueStub{}, nil, Config{}, nil)
	assert.Error(t, err)
}

type fakeQueueStub struct{}

func (fakeQueueStub) Enqueue(ctx context.Context, name string, payload interface{}, opts queue.Options) (*queue.Handle, error) {
	return nil, errors.New("not used")
}

func TestDeployDaoBotProfile_Acme(t *testing.T) {
	env := newTestEnv(t, newFakeBots(acmeBot()))
	profile := profileAddr("acme-bot")
	// One check from the stage itself, then two failed polls.
	env.chain.pending[profile] = 3
	env.serveChecks(t)

	ctx := testCtx(t)
	require.NoError(t, env.p.DeployDaoBotProfile(ctx, "acme"))

	assert.Equal(t, 1, env.log.count("deployProfile:acme-bot"))

	job, state, err := env.q.Get(ctx, worker.QueueCheckAccount, profile)
	require.NoError(t, err)
	assert.Equal(t, queue.StateSucceeded, state)
	assert.Equal(t, 3, job.Attempt, "settled after two retries")

	assert.Equal(t, profile, env.bots.profile("acme"))

	assert.Equal(t, 1, env.log.count("enqueue:create-dao:"))
	assert.Equal(t, 1, env.log.count("enqueue:create-dao:acme"))
	_, state, err = env.q.Get(ctx, worker.QueueCreateDao, "acme")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, state)
}

func TestDeployDaoBotProfile_AlreadyActive(t *testing.T) {
	env := newTestEnv(t, newFakeBots(acmeBot()))
	ctx := testCtx(t)

	require.NoError(t, env.p.DeployDaoBotProfile(ctx, "acme"))

	assert.Zero(t, env.log.count("deployProfile"))
	assert.Zero(t, env.log.count("enqueue:check-account"))
	assert.Equal(t, profileAddr("acme-bot"), env.bots.profile("acme"))
	assert.Equal(t, 1, env.log.count("enqueue:create-dao:acme"))
}

func TestDeployDaoBotProfile_LogsPollingDeadline(t *testing.T) {
	env := newTestEnv(t, newFakeBots(acmeBot()))
	env.chain.pending[profileAddr("acme-bot")] = 1
	env.serveChecks(t)

	var buf bytes.Buffer
	logger := logging.NewLogger(logging.LevelDebug, logging.FormatJSON)
	logger.SetOutput(&buf)
	env.p.logger = logger

	before := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, env.p.DeployDaoBotProfile(testCtx(t), "acme"))

	var awaiting *logging.LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry logging.LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry.Message == "Awaiting polling job" {
			awaiting = &entry
		}
	}
	require.NotNil(t, awaiting)
	assert.Equal(t, worker.QueueCheckAccount, awaiting.Fields["queue"])

	// Ten retries of 10ms each.
	deadline, err := time.Parse(time.RFC3339, awaiting.Fields["deadline"].(string))
	require.NoError(t, err)
	assert.False(t, deadline.Before(before))
	assert.WithinDuration(t, time.Now(), deadline, 2*time.Second)
}

func TestDeployDaoBotProfile_IgnoresDeployError(t *testing.T) {
	env := newTestEnv(t, newFakeBots(acmeBot()))
	env.chain.pending[profileAddr("acme-bot")] = 2
	env.chain.deployErr = errors.New("already deployed")
	env.serveChecks(t)

	require.NoError(t, env.p.DeployDaoBotProfile(testCtx(t), "acme"))
	assert.Equal(t, profileAddr("acme-bot"), env.bots.profile("acme"))
}

func TestDeployDaoBotProfile_NotFound(t *testing.T) {
	env := newTestEnv(t, newFakeBots())
	err := env.p.DeployDaoBotProfile(testCtx(t), "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeployDaoBotProfile_ProfileNeverActive(t *testing.T) {
	env := newTestEnv(t, newFakeBots(acmeBot()))
	env.p.cfg.CheckAccountRetries = 2
	env.chain.pending[profileAddr("acme-bot")] = 100
	env.serveChecks(t)

	err := env.p.DeployDaoBotProfile(testCtx(t), "acme")
	require.Error(t, err)

	var failed *queue.FailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 3, failed.Settlement.Attempts)

	assert.Empty(t, env.bots.profile("acme"))
	assert.Zero(t, env.log.count("enqueue:create-dao"))
}

func provisionedBot() *models.DaoBot {
	b := acmeBot()
	b.ProfileGoshAddress = strPtr(profileAddr("acme-bot"))
	return b
}

func record(id, repo string, botID *string) *models.GithubRecord {
	return &models.GithubRecord{
		ID:        id,
		GithubURL: "/acme/" + repo,
		GoshURL:   "gosh://0:system/acme/" + repo,
		DaoBotID:  botID,
	}
}

func TestCreateDao_Ordering(t *testing.T) {
	done := time.Now()
	uploaded := record("g3", "done", strPtr("bot-1"))
	uploaded.UpdatedAt = &done
	ignored := record("g4", "held", strPtr("bot-1"))
	ignored.Ignore = true

	env := newTestEnv(t, newFakeBots(provisionedBot()),
		record("g1", "widgets", strPtr("bot-1")),
		record("g2", "gadgets", strPtr("bot-1")),
		uploaded,
		ignored,
		record("g5", "other", strPtr("bot-2")),
	)
	env.chain.pending[daoAddr("acme")] = 2
	env.chain.accessPending[walletAddr("acme")] = 3
	env.serveChecks(t)

	require.NoError(t, env.p.CreateDao(testCtx(t), "acme"))

	assert.Equal(t, 1, env.log.count("deployDao:acme"))
	assert.Equal(t, 1, env.log.count("turnOn:"+walletAddr("acme")))

	granted := env.log.index("access-granted:")
	require.GreaterOrEqual(t, granted, 0)
	first := env.log.index("enqueue:create-gosh-repo")
	require.GreaterOrEqual(t, first, 0)
	assert.Greater(t, first, granted, "repository jobs are enqueued only after wallet access")

	assert.Equal(t, 1, env.log.count("enqueue:create-gosh-repo:g1"))
	assert.Equal(t, 1, env.log.count("enqueue:create-gosh-repo:g2"))
	assert.Equal(t, 2, env.log.count("enqueue:create-gosh-repo:"))

	env.bots.mu.Lock()
	assert.Equal(t, []string{"bot-1"}, env.bots.initialized)
	env.bots.mu.Unlock()
}

func TestCreateDao_CountObjectsRoutesToCounter(t *testing.T) {
	env := newTestEnv(t, newFakeBots(provisionedBot()), record("g1", "widgets", strPtr("bot-1")))
	env.p.cfg.CountObjects = true

	require.NoError(t, env.p.CreateDao(testCtx(t), "acme"))
	assert.Equal(t, 1, env.log.count("enqueue:count-git-objects:g1"))
	assert.Zero(t, env.log.count("enqueue:create-gosh-repo"))
}

func TestCreateDao_RequiresProfile(t *testing.T) {
	env := newTestEnv(t, newFakeBots(acmeBot()))
	err := env.p.CreateDao(testCtx(t), "acme")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Zero(t, env.log.count("deployDao"))
}

func TestCreateDao_InvalidNameHoldsRecords(t *testing.T) {
	bot := provisionedBot()
	bot.DaoName = "Acme"
	env := newTestEnv(t, newFakeBots(bot), record("g1", "widgets", strPtr("bot-1")))

	err := env.p.CreateDao(testCtx(t), "Acme")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.True(t, env.records.get("g1").Ignore)
	assert.Zero(t, env.log.count("deployDao"))
}

func TestCreateDao_NotMemberHoldsRecords(t *testing.T) {
	env := newTestEnv(t, newFakeBots(provisionedBot()), record("g1", "widgets", strPtr("bot-1")))
	env.chain.notMember[daoAddr("acme")] = true

	err := env.p.CreateDao(testCtx(t), "acme")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.True(t, env.records.get("g1").Ignore)
	assert.Zero(t, env.log.count("turnOn"))
	assert.Zero(t, env.log.count("enqueue:create-gosh-repo"))
}

func TestInitializeGoshRepo_Pushes(t *testing.T) {
	env := newTestEnv(t, newFakeBots(provisionedBot()), record("g1", "widgets", strPtr("bot-1")))
	env.chain.pending[repoAddr("widgets")] = 2
	env.serveChecks(t)

	require.NoError(t, env.p.InitializeGoshRepo(testCtx(t), "g1"))

	assert.Equal(t, 1, env.log.count("deployRepository:widgets"))
	pushes := env.pusher.pushed()
	require.Len(t, pushes, 1)
	req := pushes[0]
	assert.Equal(t, "https://github.com/acme/widgets", req.SourceURL)
	assert.Equal(t, "0:system", req.SystemContract)
	assert.Equal(t, "acme", req.DaoName)
	assert.Equal(t, daoAddr("acme"), req.DaoAddress)
	assert.Equal(t, "widgets", req.RepoName)
	assert.Equal(t, "acme-bot", req.BotName)
	assert.Equal(t, "0xpub", req.Pubkey)
	assert.Equal(t, "sec", req.Secret)

	assert.NotNil(t, env.records.get("g1").UpdatedAt)
}

func TestInitializeGoshRepo_PushFailed(t *testing.T) {
	env := newTestEnv(t, newFakeBots(provisionedBot()), record("g1", "widgets", strPtr("bot-1")))
	env.pusher.code = 2

	err := env.p.InitializeGoshRepo(testCtx(t), "g1")
	require.Error(t, err)
	assert.True(t, apperrors.IsPushFailed(err))

	var pushErr *apperrors.PushFailedError
	require.True(t, errors.As(err, &pushErr))
	assert.Equal(t, 2, pushErr.ExitCode)
	assert.Nil(t, env.records.get("g1").UpdatedAt)
}

func TestInitializeGoshRepo_InvalidName(t *testing.T) {
	env := newTestEnv(t, newFakeBots(provisionedBot()), record("g1", "Bad--Name", strPtr("bot-1")))

	err := env.p.InitializeGoshRepo(testCtx(t), "g1")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.True(t, env.records.get("g1").Ignore)
	assert.Empty(t, env.pusher.pushed())
}

func TestInitializeGoshRepo_MissingBot(t *testing.T) {
	env := newTestEnv(t, newFakeBots(acmeBot()),
		record("g1", "widgets", nil),
		record("g2", "widgets", strPtr("bot-1")),
	)

	err := env.p.InitializeGoshRepo(testCtx(t), "g1")
	assert.True(t, apperrors.IsNotFound(err))

	err = env.p.InitializeGoshRepo(testCtx(t), "g2")
	assert.True(t, apperrors.IsNotFound(err), "bot without profile")

	err = env.p.InitializeGoshRepo(testCtx(t), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeployDaoBotProfile_ConcurrentSubmissionsDeployOnce(t *testing.T) {
	env := newTestEnv(t, newFakeBots(acmeBot()))
	env.chain.pending[profileAddr("acme-bot")] = 3
	env.serveChecks(t)
	env.process(t, worker.QueueInitDaoBot, 2, func(ctx context.Context, job *queue.Job) error {
		var p worker.DaoPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		return env.p.DeployDaoBotProfile(ctx, p.DaoName)
	})

	ctx := testCtx(t)
	var wg sync.WaitGroup
	handles := make([]*queue.Handle, 2)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := env.q.Enqueue(ctx, worker.QueueInitDaoBot, worker.DaoPayload{DaoName: "acme"}, queue.Options{ID: "acme"})
			if assert.NoError(t, err) {
				handles[i] = h
			}
		}(i)
	}
	wg.Wait()
	require.NotNil(t, handles[0])
	require.NotNil(t, handles[1])

	require.Equal(t, handles[0].InstanceID, handles[1].InstanceID)
	first, err := handles[0].Wait(ctx)
	require.NoError(t, err)
	second, err := handles[1].Wait(ctx)
	require.NoError(t, err)

	assert.True(t, first.Succeeded())
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, first.Attempts, second.Attempts)
	assert.Equal(t, 1, env.log.count("deployProfile:acme-bot"))
}

func TestPipelineEndToEnd(t *testing.T) {
	env := newTestEnv(t, newFakeBots(acmeBot()), record("g1", "widgets", strPtr("bot-1")))
	env.p.cfg.StageRetries = 1
	env.chain.pending[profileAddr("acme-bot")] = 2
	env.chain.pending[daoAddr("acme")] = 2
	env.chain.accessPending[walletAddr("acme")] = 2
	env.chain.pending[repoAddr("widgets")] = 2

	ctx, cancel := context.WithCancel(context.Background())
	g, err := worker.Register(ctx, env.q, worker.Deps{
		Prober: env.chain,
		Stages: env.p,
		Queue:  config.QueueConfig{CheckConcurrency: 2, StageConcurrency: 2},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		g.Wait()
	})

	h, err := env.q.Enqueue(testCtx(t), worker.QueueInitDaoBot, worker.DaoPayload{DaoName: "acme"}, queue.Options{ID: "acme"})
	require.NoError(t, err)
	require.NoError(t, h.Await(testCtx(t)))

	assert.Eventually(t, func() bool {
		return env.records.get("g1").UpdatedAt != nil
	}, 10*time.Second, 20*time.Millisecond)

	events := env.log.all()
	order := []string{
		"deployProfile:acme-bot",
		"deployDao:acme",
		"access-granted:",
		"enqueue:create-gosh-repo:g1",
		"deployRepository:widgets",
	}
	last := -1
	for _, want := range order {
		idx := env.log.index(want)
		require.GreaterOrEqual(t, idx, 0, "missing %s in %v", want, events)
		assert.Greater(t, idx, last, "%s out of order in %v", want, events)
		last = idx
	}
	assert.Len(t, env.pusher.pushed(), 1)
}
