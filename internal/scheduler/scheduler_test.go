package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/gateway"
	"github.com/onboarding-workflow/internal/models"
	"github.com/onboarding-workflow/internal/queue"
	"github.com/onboarding-workflow/internal/retry"
	"github.com/onboarding-workflow/internal/worker"
)

func TestTrigger_Coalesces(t *testing.T) {
	tr := NewTrigger()
	assert.False(t, tr.Pending())

	for i := 0; i < 5; i++ {
		tr.Fire()
	}
	assert.True(t, tr.Pending())

	<-tr.C()
	assert.False(t, tr.Pending())

	select {
	case <-tr.C():
		t.Fatal("expected a single wakeup")
	default:
	}
}

// passCounter counts passes and signals each one
type passCounter struct {
	passes atomic.Int32
	ran    chan struct{}

	running atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func newPassCounter() *passCounter {
	return &passCounter{ran: make(chan struct{}, 100)}
}

func (p *passCounter) Reconcile(ctx context.Context) (Result, error) {
	n := p.running.Add(1)
	defer p.running.Add(-1)
	for {
		max := p.maxSeen.Load()
		if n <= max || p.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.passes.Add(1)
	p.ran <- struct{}{}
	return Result{Total: 1, Processed: 1}, nil
}

func waitPass(t *testing.T, p *passCounter) {
	t.Helper()
	select {
	case <-p.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a pass")
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", newPassCounter(), Options{})
	assert.Error(t, err)

	_, err = New("x", nil, Options{})
	assert.Error(t, err)
}

func TestScheduler_RunsAtStartupAndOnTrigger(t *testing.T) {
	rec := newPassCounter()
	s, err := New("test", rec, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitPass(t, rec)
	s.Fire()
	waitPass(t, rec)

	cancel()
	require.NoError(t, <-done)

	st := s.Status()
	assert.Equal(t, "test", st.Name)
	assert.Equal(t, 2, st.Passes)
	assert.Equal(t, Result{Total: 1, Processed: 1}, st.Last)
	assert.Empty(t, st.Error)
}

func TestScheduler_Resync(t *testing.T) {
	rec := newPassCounter()
	s, err := New("test", rec, Options{Resync: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for i := 0; i < 3; i++ {
		waitPass(t, rec)
	}
}

func TestScheduler_SerializesPasses(t *testing.T) {
	rec := newPassCounter()
	rec.delay = 5 * time.Millisecond
	s, err := New("test", rec, Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), rec.passes.Load())
	assert.Equal(t, int32(1), rec.maxSeen.Load())
}

type failingReconciler struct{}

func (failingReconciler) Reconcile(ctx context.Context) (Result, error) {
	return Result{}, errors.New("database unavailable")
}

func TestScheduler_RecordsPassError(t *testing.T) {
	s, err := New("test", failingReconciler{}, Options{})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, "database unavailable", s.Status().Error)
}

// fakeEnqueuer records enqueues and fails for the listed job ids
type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []string
	opts  []queue.Options
	fail  map[string]bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, name string, payload interface{}, opts queue.Options) (*queue.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[opts.ID] {
		return nil, errors.New("redis unavailable")
	}
	f.calls = append(f.calls, name+":"+opts.ID)
	f.opts = append(f.opts, opts)
	return nil, nil
}

func (f *fakeEnqueuer) enqueued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeBotLister struct {
	bots []*models.DaoBot
}

func (f *fakeBotLister) ListForInit(ctx context.Context) ([]*models.DaoBot, error) {
	return f.bots, nil
}

func TestBotInitReconciler_IsolatesFailures(t *testing.T) {
	lister := &fakeBotLister{bots: []*models.DaoBot{
		{ID: "1", DaoName: "alpha"},
		{ID: "2", DaoName: "beta"},
		{ID: "3", DaoName: "gamma"},
	}}
	q := &fakeEnqueuer{fail: map[string]bool{"beta": true}}

	res, err := NewBotInitReconciler(lister, q, 4, nil).Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Total: 3, Processed: 2, Failed: 1}, res)
	assert.Equal(t, []string{"init-dao-bot:alpha", "init-dao-bot:gamma"}, q.enqueued())
	for _, o := range q.opts {
		assert.Equal(t, 4, o.MaxRetries)
	}
}

func TestBotInitReconciler_CoalescesRepeatedPasses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q, err := queue.New(client, queue.Config{KeyPrefix: "test", DefaultBackoff: retry.Fixed(10 * time.Millisecond)})
	require.NoError(t, err)
	defer q.Close()

	lister := &fakeBotLister{bots: []*models.DaoBot{{ID: "1", DaoName: "alpha"}, {ID: "2", DaoName: "beta"}}}
	r := NewBotInitReconciler(lister, q, 2, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := r.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Processed)
	}

	stats, err := q.Stats(ctx, worker.QueueInitDaoBot)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)
}

// fakeLinkStore keeps records and bots in memory
type fakeLinkStore struct {
	mu      sync.Mutex
	records map[string]*models.GithubRecord
	bots    map[string]*models.DaoBot
	creates int
	failOn  string
}

func newFakeLinkStore(records ...*models.GithubRecord) *fakeLinkStore {
	s := &fakeLinkStore{records: make(map[string]*models.GithubRecord), bots: make(map[string]*models.DaoBot)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeLinkStore) ListUnlinked(ctx context.Context) ([]*models.GithubRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.GithubRecord
	for _, id := range []string{"g1", "g2", "g3", "g4"} {
		if r, ok := s.records[id]; ok && r.DaoBotID == nil && !r.Ignore {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeLinkStore) LinkDaoBot(ctx context.Context, id, daoBotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.failOn {
		return errors.New("update failed")
	}
	bot := daoBotID
	s.records[id].DaoBotID = &bot
	return nil
}

func (s *fakeLinkStore) GetByName(ctx context.Context, daoName string) (*models.DaoBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[daoName]
	if !ok {
		return nil, apperrors.NewNotFoundError("dao_bot", daoName)
	}
	cp := *b
	return &cp, nil
}

func (s *fakeLinkStore) Create(ctx context.Context, bot *models.DaoBot) (*models.DaoBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bots[bot.DaoName]; ok {
		cp := *b
		return &cp, nil
	}
	s.creates++
	cp := *bot
	cp.ID = fmt.Sprintf("bot-%d", s.creates)
	s.bots[bot.DaoName] = &cp
	out := cp
	return &out, nil
}

type fakeKeys struct {
	n atomic.Int32
}

func (k *fakeKeys) GenerateKeys(ctx context.Context) (*gateway.Keys, error) {
	n := k.n.Add(1)
	return &gateway.Keys{
		Public: fmt.Sprintf("0xpub%d", n),
		Secret: fmt.Sprintf("sec%d", n),
		Phrase: "seed phrase",
	}, nil
}

type fakeRepoScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRepoScheduler) ScheduleRepository(ctx context.Context, githubID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, githubID)
	return nil
}

type linkEnv struct {
	store *fakeLinkStore
	keys  *fakeKeys
	repos *fakeRepoScheduler
	queue *fakeEnqueuer
	r     *GithubLinkReconciler
}

func newLinkEnv(t *testing.T, records ...*models.GithubRecord) *linkEnv {
	t.Helper()
	env := &linkEnv{
		store: newFakeLinkStore(records...),
		keys:  &fakeKeys{},
		repos: &fakeRepoScheduler{},
		queue: &fakeEnqueuer{},
	}
	r, err := NewGithubLinkReconciler(GithubLinkConfig{
		Records: env.store,
		Bots:    env.store,
		Keys:    env.keys,
		Repos:   env.repos,
		Queue:   env.queue,
		Retries: 3,
	})
	require.NoError(t, err)
	env.r = r
	return env
}

func record(id, goshURL string) *models.GithubRecord {
	return &models.GithubRecord{ID: id, GithubURL: "org/" + id, GoshURL: goshURL}
}

func TestNewGithubLinkReconciler_Validation(t *testing.T) {
	_, err := NewGithubLinkReconciler(GithubLinkConfig{})
	assert.Error(t, err)
}

func TestGithubLinkReconciler_CreatesOneBotPerDao(t *testing.T) {
	env := newLinkEnv(t,
		record("g1", "gosh://0:system/acme/one"),
		record("g2", "gosh://0:system/acme/two"),
		record("g3", "gosh://0:system/other/three"),
	)

	res, err := env.r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 3, Processed: 3}, res)

	assert.Equal(t, 2, env.store.creates)
	assert.Equal(t, int32(2), env.keys.n.Load())

	acme := env.store.bots["acme"]
	assert.Equal(t, "seed phrase", acme.Seed)
	assert.Equal(t, acme.ID, *env.store.records["g1"].DaoBotID)
	assert.Equal(t, acme.ID, *env.store.records["g2"].DaoBotID)
	assert.Equal(t, env.store.bots["other"].ID, *env.store.records["g3"].DaoBotID)

	// New bots have no profile; the bot initialization pass takes over.
	assert.Empty(t, env.queue.enqueued())
	assert.Empty(t, env.repos.ids)
}

func TestGithubLinkReconciler_SecondPassIsNoop(t *testing.T) {
	env := newLinkEnv(t, record("g1", "gosh://0:system/acme/one"))

	_, err := env.r.Reconcile(context.Background())
	require.NoError(t, err)

	res, err := env.r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 1, env.store.creates)
	assert.Equal(t, int32(1), env.keys.n.Load())
}

func TestGithubLinkReconciler_AdvancesExistingBots(t *testing.T) {
	profile := "0:profile"
	now := time.Now()
	env := newLinkEnv(t,
		record("g1", "gosh://0:system/ready/one"),
		record("g2", "gosh://0:system/half/two"),
	)
	env.store.bots["ready"] = &models.DaoBot{ID: "b-ready", DaoName: "ready", ProfileGoshAddress: &profile, InitializedAt: &now}
	env.store.bots["half"] = &models.DaoBot{ID: "b-half", DaoName: "half", ProfileGoshAddress: &profile}

	res, err := env.r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	assert.Equal(t, []string{"g1"}, env.repos.ids)
	assert.Equal(t, []string{"create-dao:half"}, env.queue.enqueued())
	assert.Equal(t, 3, env.queue.opts[0].MaxRetries)
	assert.Zero(t, env.store.creates)
}

func TestGithubLinkReconciler_IsolatesFailures(t *testing.T) {
	env := newLinkEnv(t,
		record("g1", "gosh://0:system/acme/one"),
		record("g2", "not-a-gosh-url"),
		record("g3", "gosh://0:system/acme/three"),
		record("g4", "gosh://0:system/acme/four"),
	)
	env.store.failOn = "g3"

	res, err := env.r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 4, Processed: 2, Failed: 2}, res)

	assert.NotNil(t, env.store.records["g1"].DaoBotID)
	assert.Nil(t, env.store.records["g2"].DaoBotID)
	assert.Nil(t, env.store.records["g3"].DaoBotID)
	assert.NotNil(t, env.store.records["g4"].DaoBotID)
}
