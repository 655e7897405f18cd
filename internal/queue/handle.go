package queue

import (
	"context"
	"sync"
	"time"
)

// Handle observes one job instance. Wait is the single-resolution future for
// the instance; the On* observers fire at most once each.
type Handle struct {
	Queue      string
	ID         string
	InstanceID string
	// Coalesced is true when the submission merged into an in-flight job.
	Coalesced bool

	q *Queue

	mu          sync.Mutex
	watching    bool
	settled     *Settlement
	done        chan struct{}
	onRetrying  []func(Event)
	onSucceeded []func(*Settlement)
	onFailed    []func(*Settlement)
}

func newHandle(q *Queue, name, id, instance string, coalesced bool) *Handle {
	return &Handle{
		Queue:      name,
		ID:         id,
		InstanceID: instance,
		Coalesced:  coalesced,
		q:          q,
		done:       make(chan struct{}),
	}
}

// OnRetrying registers fn for the next failed attempt that will be retried
func (h *Handle) OnRetrying(ctx context.Context, fn func(Event)) error {
	h.mu.Lock()
	h.onRetrying = append(h.onRetrying, fn)
	h.mu.Unlock()
	return h.watch(ctx)
}

// OnSucceeded registers fn for a successful settlement
func (h *Handle) OnSucceeded(ctx context.Context, fn func(*Settlement)) error {
	h.mu.Lock()
	if h.settled != nil {
		s := h.settled
		h.mu.Unlock()
		if s.Succeeded() {
			go fn(s)
		}
		return nil
	}
	h.onSucceeded = append(h.onSucceeded, fn)
	h.mu.Unlock()
	return h.watch(ctx)
}

// OnFailed registers fn for a failed settlement
func (h *Handle) OnFailed(ctx context.Context, fn func(*Settlement)) error {
	h.mu.Lock()
	if h.settled != nil {
		s := h.settled
		h.mu.Unlock()
		if !s.Succeeded() {
			go fn(s)
		}
		return nil
	}
	h.onFailed = append(h.onFailed, fn)
	h.mu.Unlock()
	return h.watch(ctx)
}

// Wait blocks until the instance settles or ctx is done. A failed job is a
// settlement, not an error; use Await to treat it as one. The stored result is
// re-read periodically so a lost event cannot leave Wait blocked.
func (h *Handle) Wait(ctx context.Context) (*Settlement, error) {
	if err := h.watch(ctx); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(h.q.cfg.ResultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.settled, nil
		case <-ticker.C:
			s, err := h.q.result(ctx, h.Queue, h.InstanceID)
			if err != nil {
				h.q.logger.WithError(err).WithField("queue", h.Queue).Debug("Failed to poll job result")
				continue
			}
			if s != nil {
				h.resolve(s)
			}
		case <-ctx.Done():
			h.release()
			return nil, ctx.Err()
		}
	}
}

// release stops watching when no observer is waiting for events
func (h *Handle) release() {
	h.mu.Lock()
	idle := h.settled == nil && h.watching &&
		len(h.onRetrying)+len(h.onSucceeded)+len(h.onFailed) == 0
	if idle {
		h.watching = false
	}
	h.mu.Unlock()
	if idle {
		h.q.unwatch(h)
	}
}

// Await waits for settlement and returns the job failure as an error
func (h *Handle) Await(ctx context.Context) error {
	s, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	return s.Err()
}

// Done is closed once the instance settles
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// watch subscribes to queue events once, then checks for a settlement that was
// persisted before the subscription existed.
func (h *Handle) watch(ctx context.Context) error {
	h.mu.Lock()
	if h.watching || h.settled != nil {
		h.mu.Unlock()
		return nil
	}
	h.watching = true
	h.mu.Unlock()

	if err := h.q.watch(ctx, h); err != nil {
		h.mu.Lock()
		h.watching = false
		h.mu.Unlock()
		return err
	}

	s, err := h.q.result(ctx, h.Queue, h.InstanceID)
	if err != nil {
		return err
	}
	if s != nil {
		h.resolve(s)
	}
	return nil
}

func (h *Handle) deliver(ev Event) {
	switch ev.State {
	case StateRetrying:
		h.mu.Lock()
		fns := h.onRetrying
		h.onRetrying = nil
		h.mu.Unlock()
		for _, fn := range fns {
			go fn(ev)
		}
	case StateSucceeded, StateFailed:
		h.resolve(&Settlement{
			Queue:      ev.Queue,
			JobID:      ev.JobID,
			InstanceID: ev.InstanceID,
			State:      ev.State,
			Attempts:   ev.Attempt,
			Error:      ev.Error,
			SettledAt:  ev.At,
		})
	}
}

func (h *Handle) resolve(s *Settlement) {
	h.mu.Lock()
	if h.settled != nil {
		h.mu.Unlock()
		return
	}
	h.settled = s
	succeeded, failed := h.onSucceeded, h.onFailed
	h.onSucceeded, h.onFailed, h.onRetrying = nil, nil, nil
	close(h.done)
	h.mu.Unlock()

	h.q.unwatch(h)

	if s.Succeeded() {
		for _, fn := range succeeded {
			go fn(s)
		}
		return
	}
	for _, fn := range failed {
		go fn(s)
	}
}
