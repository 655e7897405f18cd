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
	"github.com/onboarding-workflow/internal/models"
	"github.com/onboarding-workflow/internal/retry"
)

// Handler processes one job attempt. A nil return settles the job as
// succeeded; an error schedules a retry or, once retries are spent or the
// error is not retryable, fails it.
type Handler func(ctx context.Context, job *Job) error

// Process runs concurrency worker slots for the named queue until ctx is cancelled.
// Each slot runs one job at a time.
func (q *Queue) Process(ctx context.Context, name string, concurrency int, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	logger := q.logger.WithField("queue", name)
	logger.WithField("concurrency", concurrency).Info("Starting queue workers")

	var wg sync.WaitGroup
	wg.Add(concurrency + 1)
	go func() {
		defer wg.Done()
		q.maintain(ctx, name)
	}()
	for i := 0; i < concurrency; i++ {
		token := uuid.New().String()
		go func() {
			defer wg.Done()
			q.slot(ctx, name, token, handler)
		}()
	}

	wg.Wait()
	logger.Info("Queue workers stopped")
	return nil
}

func (q *Queue) slot(ctx context.Context, name, token string, handler Handler) {
	logger := q.logger.WithField("queue", name)
	for ctx.Err() == nil {
		id, err := q.client.BLMove(ctx, q.waitingKey(name), q.activeKey(name), "RIGHT", "LEFT", q.cfg.BlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Failed to pull job")
			sleep(ctx, time.Second)
			continue
		}
		q.run(ctx, name, id, token, handler)
	}
}

func (q *Queue) run(ctx context.Context, name, id, token string, handler Handler) {
	job, err := q.claim(ctx, name, id, token)
	if err != nil {
		q.logger.WithError(err).WithFields(map[string]interface{}{"queue": name, "jobId": id}).Warn("Failed to claim job")
		return
	}
	if job == nil {
		return
	}

	logger := q.logger.WithFields(map[string]interface{}{
		"queue":   name,
		"jobId":   job.ID,
		"attempt": job.Attempt,
	})
	q.record(models.JobEvent{Queue: name, JobID: job.ID, InstanceID: job.InstanceID, State: string(StateActive), Attempt: job.Attempt, At: time.Now().UTC()})

	jobCtx, cancel := context.WithCancel(logging.WithLogger(ctx, logger))
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		q.renew(jobCtx, name, job.ID, token)
	}()

	start := time.Now()
	handlerErr := safeCall(jobCtx, handler, job)
	cancel()
	<-renewDone
	q.cfg.Metrics.ObserveJobDuration(name, time.Since(start))

	if ctx.Err() != nil {
		// Shutting down: hand the job back without spending the attempt.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := releaseScript.Run(releaseCtx, q.client,
			[]string{q.jobKey(name, job.ID), q.activeKey(name), q.waitingKey(name), q.lockKey(name, job.ID)},
			job.ID, token,
		).Err(); err != nil {
			logger.WithError(err).Warn("Failed to release job on shutdown")
		}
		return
	}

	q.settle(ctx, job, token, handlerErr, logger)
}

func (q *Queue) claim(ctx context.Context, name, id, token string) (*Job, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.jobKey(name, id), q.lockKey(name, id), q.activeKey(name)},
		id, token, q.cfg.LockTTL.Milliseconds(), nowMs(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("unexpected claim reply %v", res)
	}

	attempt, _ := res[0].(int64)
	instance, _ := res[1].(string)
	payload, _ := res[2].(string)
	maxRetriesRaw, _ := res[3].(string)
	backoffRaw, _ := res[4].(string)
	maxRetries, _ := strconv.Atoi(maxRetriesRaw)

	return &Job{
		Queue:      name,
		ID:         id,
		InstanceID: instance,
		Payload:    json.RawMessage(payload),
		Attempt:    int(attempt),
		MaxRetries: maxRetries,
		Backoff:    retry.DecodeBackoff(backoffRaw, q.cfg.DefaultBackoff.Delay),
	}, nil
}

func (q *Queue) renew(ctx context.Context, name, id, token string) {
	interval := q.cfg.LockTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := renewScript.Run(ctx, q.client, []string{q.lockKey(name, id)}, token, q.cfg.LockTTL.Milliseconds()).Err(); err != nil && ctx.Err() == nil {
				q.logger.WithError(err).WithFields(map[string]interface{}{"queue": name, "jobId": id}).Warn("Failed to renew job lock")
			}
		}
	}
}

func (q *Queue) settle(ctx context.Context, job *Job, token string, handlerErr error, logger *logging.Logger) {
	state := StateSucceeded
	errMsg := ""
	var readyAt int64
	if handlerErr != nil {
		errMsg = handlerErr.Error()
		// Missing rows and invalid names fail the job without further attempts.
		if job.Attempt <= job.MaxRetries && apperrors.IsRetryable(handlerErr) {
			state = StateRetrying
			readyAt = time.Now().Add(job.Backoff.Next(job.Attempt)).UnixMilli()
		} else {
			state = StateFailed
		}
	}

	now := time.Now().UTC()
	settlement := &Settlement{
		Queue:      job.Queue,
		JobID:      job.ID,
		InstanceID: job.InstanceID,
		State:      state,
		Attempts:   job.Attempt,
		Error:      errMsg,
		SettledAt:  now,
	}
	resultJSON, _ := json.Marshal(settlement)

	n, err := settleScript.Run(ctx, q.client,
		[]string{
			q.jobKey(job.Queue, job.ID),
			q.activeKey(job.Queue),
			q.delayedKey(job.Queue),
			q.lockKey(job.Queue, job.ID),
			q.resultKey(job.Queue, job.InstanceID),
		},
		job.ID, job.InstanceID, token, string(state), errMsg, readyAt, now.UnixMilli(),
		q.cfg.ResultTTL.Milliseconds(), string(resultJSON),
	).Int()
	if err != nil {
		logger.WithError(err).Error("Failed to settle job")
		return
	}
	if n == 0 {
		logger.Warn("Job ownership lost before settlement, result discarded")
		return
	}

	q.cfg.Metrics.IncJobsSettled(job.Queue, string(state))
	ev := settlement.event()
	q.publish(ctx, ev)
	q.record(models.JobEvent{
		Queue:      ev.Queue,
		JobID:      ev.JobID,
		InstanceID: ev.InstanceID,
		State:      string(ev.State),
		Attempt:    ev.Attempt,
		Error:      ev.Error,
		At:         ev.At,
	})

	switch state {
	case StateSucceeded:
		logger.Debug("Job succeeded")
	case StateRetrying:
		logger.WithError(handlerErr).Debugf("Job attempt failed, retrying in %s", job.Backoff.Next(job.Attempt))
	case StateFailed:
		logger.WithError(handlerErr).Warn("Job failed")
	}
}

// maintain promotes due delayed jobs and recovers stalled ones
func (q *Queue) maintain(ctx context.Context, name string) {
	promote := time.NewTicker(q.cfg.PromoteInterval)
	defer promote.Stop()
	stalled := time.NewTicker(q.cfg.StalledInterval)
	defer stalled.Stop()

	suspects := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if _, err := q.promoteDue(ctx, name); err != nil && ctx.Err() == nil {
				q.logger.WithError(err).WithField("queue", name).Warn("Failed to promote delayed jobs")
			}
		case <-stalled.C:
			next, err := q.recoverStalled(ctx, name, suspects)
			if err != nil && ctx.Err() == nil {
				q.logger.WithError(err).WithField("queue", name).Warn("Failed to check stalled jobs")
				continue
			}
			suspects = next
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context, name string) (int, error) {
	return promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(name), q.waitingKey(name)},
		nowMs(), 100,
	).Int()
}

// recoverStalled moves back to waiting the active jobs that were lockless in
// the previous check and still are. Requiring two sightings skips jobs caught
// between the pull and the claim.
func (q *Queue) recoverStalled(ctx context.Context, name string, suspects map[string]bool) (map[string]bool, error) {
	ids, err := q.client.LRange(ctx, q.activeKey(name), 0, -1).Result()
	if err != nil {
		return suspects, err
	}

	next := make(map[string]bool)
	for _, id := range ids {
		exists, err := q.client.Exists(ctx, q.lockKey(name, id)).Result()
		if err != nil {
			return suspects, err
		}
		if exists == 1 {
			continue
		}
		if !suspects[id] {
			next[id] = true
			continue
		}
		n, err := recoverScript.Run(ctx, q.client,
			[]string{q.jobKey(name, id), q.activeKey(name), q.waitingKey(name), q.lockKey(name, id)},
			id,
		).Int()
		if err != nil {
			return suspects, err
		}
		if n == 1 {
			q.logger.WithFields(map[string]interface{}{"queue": name, "jobId": id}).Warn("Recovered stalled job")
		}
	}
	return next, nil
}

func safeCall(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
