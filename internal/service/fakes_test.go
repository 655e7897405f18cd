package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/gateway"
	"github.com/onboarding-workflow/internal/models"
	"github.com/onboarding-workflow/internal/queue"
	"github.com/onboarding-workflow/internal/retry"
	"github.com/onboarding-workflow/internal/upload"
	"github.com/onboarding-workflow/internal/worker"
)

// eventLog is an ordered record of chain calls and enqueues shared by the fakes
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) count(prefix string) int {
	n := 0
	for _, e := range l.all() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (l *eventLog) index(prefix string) int {
	for i, e := range l.all() {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

// fakeChain derives addresses from names. An address listed in pending answers
// "not active" that many times before turning active; unlisted addresses are active.
type fakeChain struct {
	log *eventLog

	mu            sync.Mutex
	pending       map[string]int
	accessPending map[string]int
	notMember     map[string]bool
	deployErr     error
}

func newFakeChain(log *eventLog) *fakeChain {
	return &fakeChain{
		log:           log,
		pending:       make(map[string]int),
		accessPending: make(map[string]int),
		notMember:     make(map[string]bool),
	}
}

func profileAddr(botName string) string { return "0:profile:" + botName }
func daoAddr(dao string) string         { return "0:dao:" + dao }
func walletAddr(dao string) string      { return "0:wallet:" + daoAddr(dao) }
func repoAddr(repo string) string       { return "0:repo:" + repo }

func (c *fakeChain) SystemContract() string { return "0:system" }

func (c *fakeChain) IsAccountActive(ctx context.Context, address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[address] > 0 {
		c.pending[address]--
		return false
	}
	return true
}

func (c *fakeChain) HasAccess(ctx context.Context, wallet, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessPending[wallet] > 0 {
		c.accessPending[wallet]--
		return false
	}
	c.log.add("access-granted:%s", wallet)
	return true
}

func (c *fakeChain) ProfileAddress(ctx context.Context, name string) (string, error) {
	return profileAddr(name), nil
}

func (c *fakeChain) DeployProfile(ctx context.Context, name, pubkey string) error {
	c.log.add("deployProfile:%s", name)
	return c.deployErr
}

func (c *fakeChain) DaoAddress(ctx context.Context, name string) (string, error) {
	return daoAddr(name), nil
}

func (c *fakeChain) DeployDao(ctx context.Context, name, profile string, keys *gateway.Keys) error {
	c.log.add("deployDao:%s", name)
	return c.deployErr
}

func (c *fakeChain) IsDaoMember(ctx context.Context, dao, profile string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.notMember[dao], nil
}

func (c *fakeChain) WalletAddress(ctx context.Context, profile, dao string) (string, error) {
	return "0:wallet:" + dao, nil
}

func (c *fakeChain) TurnOnDao(ctx context.Context, wallet, profile, pubkey string, keys *gateway.Keys) error {
	c.log.add("turnOn:%s", wallet)
	return c.deployErr
}

func (c *fakeChain) RepositoryAddress(ctx context.Context, name, dao string) (string, error) {
	return repoAddr(name), nil
}

func (c *fakeChain) DeployRepository(ctx context.Context, dao, name, wallet string, keys *gateway.Keys) error {
	c.log.add("deployRepository:%s", name)
	return c.deployErr
}

type fakeBots struct {
	mu          sync.Mutex
	bots        map[string]*models.DaoBot
	initialized []string
}

func newFakeBots(bots ...*models.DaoBot) *fakeBots {
	f := &fakeBots{bots: make(map[string]*models.DaoBot)}
	for _, b := range bots {
		f.bots[b.DaoName] = b
	}
	return f
}

func (f *fakeBots) GetByName(ctx context.Context, daoName string) (*models.DaoBot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[daoName]
	if !ok {
		return nil, apperrors.NewNotFoundError("dao_bot", daoName)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBots) byID(id string) *models.DaoBot {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bots {
		if b.ID == id {
			cp := *b
			return &cp
		}
	}
	return nil
}

func (f *fakeBots) SetProfileAddress(ctx context.Context, id, address string) (*models.DaoBot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bots {
		if b.ID == id {
			addr := address
			b.ProfileGoshAddress = &addr
			cp := *b
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFoundError("dao_bot", id)
}

func (f *fakeBots) SetInitialized(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bots {
		if b.ID == id {
			t := at
			b.InitializedAt = &t
			f.initialized = append(f.initialized, id)
			return nil
		}
	}
	return apperrors.NewNotFoundError("dao_bot", id)
}

func (f *fakeBots) profile(daoName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bots[daoName].Profile()
}

type fakeRecords struct {
	bots *fakeBots

	mu      sync.Mutex
	records map[string]*models.GithubRecord
}

func newFakeRecords(bots *fakeBots, records ...*models.GithubRecord) *fakeRecords {
	f := &fakeRecords{bots: bots, records: make(map[string]*models.GithubRecord)}
	for _, r := range records {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeRecords) get(id string) models.GithubRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[id]
}

func (f *fakeRecords) GetWithDaoBot(ctx context.Context, id string) (*models.GithubWithDaoBot, error) {
	f.mu.Lock()
	r, ok := f.records[id]
	if !ok {
		f.mu.Unlock()
		return nil, apperrors.NewNotFoundError("github", id)
	}
	out := &models.GithubWithDaoBot{GithubRecord: *r}
	f.mu.Unlock()

	if r.DaoBotID != nil {
		out.DaoBot = f.bots.byID(*r.DaoBotID)
	}
	return out, nil
}

func (f *fakeRecords) ListForClone(ctx context.Context, daoBotID string) ([]*models.GithubRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.GithubRecord
	for _, r := range f.records {
		if r.DaoBotID != nil && *r.DaoBotID == daoBotID && r.UpdatedAt == nil && !r.Ignore {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRecords) MarkUpdated(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := at
	f.records[id].UpdatedAt = &t
	return nil
}

func (f *fakeRecords) SetIgnore(ctx context.Context, id string, ignore bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id].Ignore = ignore
	return nil
}

func (f *fakeRecords) SetIgnoreByDaoBot(ctx context.Context, daoBotID string, ignore bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.records {
		if r.DaoBotID != nil && *r.DaoBotID == daoBotID {
			r.Ignore = ignore
			n++
		}
	}
	return n, nil
}

type fakePusher struct {
	mu       sync.Mutex
	code     int
	requests []upload.PushRequest
}

func (p *fakePusher) Push(ctx context.Context, req upload.PushRequest) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.code, nil
}

func (p *fakePusher) pushed() []upload.PushRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]upload.PushRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// loggingQueue records every enqueue in the shared log
type loggingQueue struct {
	*queue.Queue
	log *eventLog
}

func (q *loggingQueue) Enqueue(ctx context.Context, name string, payload interface{}, opts queue.Options) (*queue.Handle, error) {
	q.log.add("enqueue:%s:%s", name, opts.ID)
	return q.Queue.Enqueue(ctx, name, payload, opts)
}

type testEnv struct {
	q       *loggingQueue
	log     *eventLog
	chain   *fakeChain
	bots    *fakeBots
	records *fakeRecords
	pusher  *fakePusher
	p       *Provisioner
}

func strPtr(s string) *string { return &s }

func acmeBot() *models.DaoBot {
	return &models.DaoBot{ID: "bot-1", DaoName: "acme", Pubkey: "0xpub", Secret: "sec", Seed: "word word word"}
}

func newTestEnv(t *testing.T, bots *fakeBots, records ...*models.GithubRecord) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	backoff := retry.Fixed(10 * time.Millisecond)
	q, err := queue.New(client, queue.Config{
		KeyPrefix:       "test",
		DefaultBackoff:  backoff,
		PromoteInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		q.Close()
		client.Close()
		mr.Close()
	})

	log := &eventLog{}
	env := &testEnv{
		q:       &loggingQueue{Queue: q, log: log},
		log:     log,
		chain:   newFakeChain(log),
		bots:    bots,
		records: newFakeRecords(bots, records...),
		pusher:  &fakePusher{},
	}
	env.p, err = NewProvisioner(env.bots, env.records, env.chain, env.q, env.pusher, Config{
		CheckAccountRetries:      10,
		CheckWalletAccessRetries: 10,
		Backoff:                  &backoff,
	}, nil)
	require.NoError(t, err)
	return env
}

// process serves name until the test ends
func (e *testEnv) process(t *testing.T, name string, concurrency int, handler queue.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.q.Process(ctx, name, concurrency, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// serveChecks runs the polling workers against the fake chain
func (e *testEnv) serveChecks(t *testing.T) {
	t.Helper()
	e.process(t, worker.QueueCheckAccount, 2, worker.CheckAccount(e.chain))
	e.process(t, worker.QueueCheckWalletAccess, 2, worker.CheckWalletAccess(e.chain))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}
