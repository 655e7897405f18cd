package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/logging"
	"github.com/onboarding-workflow/internal/metrics"
	"github.com/onboarding-workflow/internal/models"
	"github.com/onboarding-workflow/internal/retry"
)

// EventSink receives every job transition, for auditing
type EventSink interface {
	Record(ctx context.Context, event models.JobEvent) error
}

// Config configures a Queue
type Config struct {
	KeyPrefix      string
	DefaultBackoff retry.Backoff
	// LockTTL bounds how long a crashed worker keeps a job claimed.
	LockTTL         time.Duration
	StalledInterval time.Duration
	PromoteInterval time.Duration
	ResultTTL       time.Duration
	// BlockTimeout is how long an idle worker slot blocks on an empty queue.
	BlockTimeout time.Duration
	// ResultPollInterval is how often a waiter re-reads the stored settlement,
	// covering events lost while the subscription reconnects.
	ResultPollInterval time.Duration

	Metrics metrics.Metrics
	Sink    EventSink
	Logger  *logging.Logger
}

// Queue produces and consumes jobs stored in Redis
type Queue struct {
	client redis.UniversalClient
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	subs     map[string]*redis.PubSub
	watchers map[string]map[*Handle]struct{}
	closed   bool

	sinkCh   chan models.JobEvent
	sinkDone chan struct{}
}

// New creates a queue over client
func New(client redis.UniversalClient, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "onboarding"
	}
	if cfg.DefaultBackoff.Strategy == "" {
		cfg.DefaultBackoff = retry.Fixed(10 * time.Second)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 60 * time.Second
	}
	if cfg.StalledInterval <= 0 {
		cfg.StalledInterval = 30 * time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = 250 * time.Millisecond
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}
	if cfg.ResultPollInterval <= 0 {
		cfg.ResultPollInterval = time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}

	q := &Queue{
		client:   client,
		cfg:      cfg,
		logger:   cfg.Logger.WithComponent("queue"),
		subs:     make(map[string]*redis.PubSub),
		watchers: make(map[string]map[*Handle]struct{}),
	}
	if cfg.Sink != nil {
		q.sinkCh = make(chan models.JobEvent, 1024)
		q.sinkDone = make(chan struct{})
		go q.drainSink()
	}
	return q, nil
}

func (q *Queue) key(name string, parts ...string) string {
	k := q.cfg.KeyPrefix + ":q:" + name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(name, id string) string          { return q.key(name, "job", id) }
func (q *Queue) lockKey(name, id string) string         { return q.key(name, "lock", id) }
func (q *Queue) resultKey(name, instance string) string { return q.key(name, "result", instance) }
func (q *Queue) waitingKey(name string) string          { return q.key(name, "waiting") }
func (q *Queue) activeKey(name string) string           { return q.key(name, "active") }
func (q *Queue) delayedKey(name string) string          { return q.key(name, "delayed") }
func (q *Queue) eventsChannel(name string) string       { return q.key(name, "events") }

// Enqueue submits a job. If a job with the same id is waiting, active or
// retrying the submission coalesces and the returned handle observes that job.
func (q *Queue) Enqueue(ctx context.Context, name string, payload interface{}, opts Options) (*Handle, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	backoff := q.cfg.DefaultBackoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(name, id), q.waitingKey(name)},
		id, uuid.New().String(), string(data), opts.MaxRetries, backoff.Encode(), nowMs(),
	).Slice()
	if err != nil {
		return nil, apperrors.NewQueueError("enqueue "+name, err)
	}
	if len(res) != 3 {
		return nil, apperrors.NewQueueError("enqueue "+name, fmt.Errorf("unexpected reply %v", res))
	}

	created, _ := res[0].(int64)
	instance, _ := res[1].(string)
	coalesced := created == 0
	q.cfg.Metrics.IncJobsEnqueued(name, coalesced)

	q.logger.WithFields(map[string]interface{}{
		"queue":     name,
		"jobId":     id,
		"instance":  instance,
		"coalesced": coalesced,
	}).Debug("Job enqueued")

	if !coalesced {
		q.record(models.JobEvent{Queue: name, JobID: id, InstanceID: instance, State: string(StateWaiting), At: time.Now().UTC()})
	}

	return newHandle(q, name, id, instance, coalesced), nil
}

// Get loads the current record of a job
func (q *Queue) Get(ctx context.Context, name, id string) (*Job, State, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(name, id)).Result()
	if err != nil {
		return nil, "", apperrors.NewQueueError("get job", err)
	}
	if len(fields) == 0 {
		return nil, "", apperrors.NewNotFoundError("job", name+"/"+id)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	maxRetries, _ := strconv.Atoi(fields["max_retries"])
	job := &Job{
		Queue:      name,
		ID:         id,
		InstanceID: fields["instance"],
		Payload:    json.RawMessage(fields["payload"]),
		Attempt:    attempts,
		MaxRetries: maxRetries,
		Backoff:    retry.DecodeBackoff(fields["backoff"], q.cfg.DefaultBackoff.Delay),
	}
	return job, State(fields["state"]), nil
}

// Stats returns list sizes for a queue
func (q *Queue) Stats(ctx context.Context, name string) (*Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey(name))
	active := pipe.LLen(ctx, q.activeKey(name))
	delayed := pipe.ZCard(ctx, q.delayedKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.NewQueueError("stats "+name, err)
	}
	return &Stats{
		Queue:   name,
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}, nil
}

// result loads a persisted settlement, or nil if the instance has not settled
func (q *Queue) result(ctx context.Context, name, instance string) (*Settlement, error) {
	raw, err := q.client.Get(ctx, q.resultKey(name, instance)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewQueueError("get result", err)
	}
	var s Settlement
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, apperrors.NewQueueError("decode result", err)
	}
	return &s, nil
}

// watch subscribes h to the events of its queue. The subscription is confirmed
// before returning, so any event published afterwards reaches h.
func (q *Queue) watch(ctx context.Context, h *Handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return apperrors.NewQueueError("watch", fmt.Errorf("queue closed"))
	}

	if _, ok := q.subs[h.Queue]; !ok {
		ps := q.client.Subscribe(ctx, q.eventsChannel(h.Queue))
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return apperrors.NewQueueError("subscribe "+h.Queue, err)
		}
		q.subs[h.Queue] = ps
		if q.watchers[h.Queue] == nil {
			q.watchers[h.Queue] = make(map[*Handle]struct{})
		}
		go q.dispatch(h.Queue, ps)
	}
	q.watchers[h.Queue][h] = struct{}{}
	return nil
}

func (q *Queue) unwatch(h *Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if set, ok := q.watchers[h.Queue]; ok {
		delete(set, h)
	}
}

func (q *Queue) dispatch(name string, ps *redis.PubSub) {
	// A closed subscription is dropped so the next watch subscribes again.
	defer func() {
		q.mu.Lock()
		if q.subs[name] == ps {
			delete(q.subs, name)
		}
		q.mu.Unlock()
	}()

	for msg := range ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			q.logger.WithError(err).WithField("queue", name).Warn("Dropping malformed job event")
			continue
		}

		q.mu.Lock()
		var targets []*Handle
		for h := range q.watchers[name] {
			if h.InstanceID == ev.InstanceID {
				targets = append(targets, h)
			}
		}
		q.mu.Unlock()

		for _, h := range targets {
			h.deliver(ev)
		}
	}
}

func (q *Queue) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.client.Publish(ctx, q.eventsChannel(ev.Queue), data).Err(); err != nil {
		q.logger.WithError(err).WithField("queue", ev.Queue).Warn("Failed to publish job event")
	}
}

func (q *Queue) record(ev models.JobEvent) {
	if q.sinkCh == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.sinkCh <- ev:
	default:
		q.logger.WithField("queue", ev.Queue).Warn("Job event sink is full, dropping event")
	}
}

func (q *Queue) drainSink() {
	defer close(q.sinkDone)
	for ev := range q.sinkCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := q.cfg.Sink.Record(ctx, ev); err != nil {
			q.logger.WithError(err).WithField("queue", ev.Queue).Warn("Failed to record job event")
		}
		cancel()
	}
}

// Close stops event delivery and flushes the event sink
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	subs := q.subs
	q.subs = make(map[string]*redis.PubSub)
	q.mu.Unlock()

	var firstErr error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if q.sinkCh != nil {
		close(q.sinkCh)
		<-q.sinkDone
	}
	return firstErr
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
