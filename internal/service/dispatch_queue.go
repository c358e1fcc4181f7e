package service

import (
	"context"
	"sync"
	"time"

	"github.com/smartace-venus/docpipe/internal/logger"
)

const (
	defaultRateWindow  = time.Minute
	defaultRetryDelay  = time.Second
	defaultMaxInFlight = 1
)

// Dispatcher is the metered provider call gated by a DispatchQueue.
type Dispatcher[R any] func(ctx context.Context, text string) (R, error)

// DispatchQueueConfig holds the rate ceilings for a DispatchQueue.
type DispatchQueueConfig struct {
	RequestsPerWindow int           // max dispatches per window
	TokensPerWindow   int           // max estimated tokens per window
	Window            time.Duration // rate window; default 1 minute
	RetryDelay        time.Duration // re-check delay when a ceiling is hit; default 1s
	MaxInFlight       int           // concurrent dispatches; default 1
}

// dispatchResult carries one entry's outcome back to its submitter.
type dispatchResult[R any] struct {
	value R
	err   error
}

// queueEntry is a pending submission. Created on Submit, discarded once its
// result is delivered.
type queueEntry[R any] struct {
	ctx    context.Context
	text   string
	result chan dispatchResult[R]
}

// DispatchQueue is a generic FIFO admission gate in front of a metered model
// endpoint. It enforces requests-per-window and tokens-per-window ceilings,
// with tokens approximated as ceil(len(text)/4).
//
// The window reset is wall-clock driven: counters reset when a drain observes
// that more than one window has elapsed since the window start. A burst
// arriving just before the boundary can therefore exceed the nominal rate by
// up to one window's worth; that is accepted behavior, not a bug.
//
// One queue must be shared process-wide per provider configuration. Building a
// queue per request would make the ceiling per-request instead of global.
type DispatchQueue[R any] struct {
	cfg      DispatchQueueConfig
	dispatch Dispatcher[R]
	log      *logger.Logger

	mu                sync.Mutex
	queue             []*queueEntry[R]
	inFlight          int
	requestsProcessed int
	tokensProcessed   int
	windowStart       time.Time
	retryArmed        bool

	// now is swapped out in tests
	now func() time.Time
}

// NewDispatchQueue creates a queue gating calls to dispatch.
// Parameters:
//   - cfg: rate ceilings; zero values take the package defaults.
//   - dispatch: the provider call to gate.
//   - log: logger instance.
// Returns:
//   - *DispatchQueue: initialized queue.
func NewDispatchQueue[R any](cfg DispatchQueueConfig, dispatch Dispatcher[R], log *logger.Logger) *DispatchQueue[R] {
	if cfg.Window <= 0 {
		cfg.Window = defaultRateWindow
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if log == nil {
		log = logger.GetDefault()
	}
	q := &DispatchQueue[R]{
		cfg:      cfg,
		dispatch: dispatch,
		log:      log,
		now:      time.Now,
	}
	q.windowStart = q.now()
	return q
}

// Submit enqueues text and blocks until its dispatch completes or ctx is done.
// A provider failure rejects only this entry; the queue keeps processing the
// rest.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - text: payload to send to the provider.
// Returns:
//   - R: the provider's result on success.
//   - error: provider or context error.
func (q *DispatchQueue[R]) Submit(ctx context.Context, text string) (R, error) {
	entry := &queueEntry[R]{
		ctx:    ctx,
		text:   text,
		result: make(chan dispatchResult[R], 1),
	}

	q.mu.Lock()
	q.queue = append(q.queue, entry)
	q.mu.Unlock()

	q.drain()

	select {
	case res := <-entry.result:
		return res.value, res.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Pending returns the number of queued entries not yet dispatched.
func (q *DispatchQueue[R]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// drain dispatches head-of-queue entries while capacity and rate budget allow.
// When a ceiling is hit it re-arms itself after RetryDelay; the same head
// entry is retried, so no entry can be starved by later arrivals.
//
// Budget is reserved at admission time, not on completion. With MaxInFlight > 1
// several dispatches run concurrently, and counting only finished ones would
// let the loop admit a full in-flight batch past the ceiling.
func (q *DispatchQueue[R]) drain() {
	q.mu.Lock()

	for {
		if len(q.queue) == 0 || q.inFlight >= q.cfg.MaxInFlight {
			q.mu.Unlock()
			return
		}

		entry := q.queue[0]

		// A caller that gave up while queued would be dispatched into a dead
		// context; drop the entry without consuming budget.
		if entry.ctx.Err() != nil {
			q.queue = q.queue[1:]
			entry.result <- dispatchResult[R]{err: entry.ctx.Err()}
			continue
		}

		if q.now().Sub(q.windowStart) > q.cfg.Window {
			q.resetCountersLocked()
		}

		if q.ceilingReachedLocked() {
			if !q.retryArmed {
				q.retryArmed = true
				time.AfterFunc(q.cfg.RetryDelay, func() {
					q.mu.Lock()
					q.retryArmed = false
					q.mu.Unlock()
					q.drain()
				})
			}
			q.mu.Unlock()
			return
		}

		q.queue = q.queue[1:]
		q.inFlight++
		q.requestsProcessed++
		q.tokensProcessed += estimateTokens(entry.text)
		window := q.windowStart
		q.mu.Unlock()

		go q.run(entry, window)

		q.mu.Lock()
	}
}

// run performs one dispatch and immediately drains again so the next entry
// does not wait for an external trigger. A failed dispatch returns its
// reserved budget, unless the window has rolled over in the meantime.
func (q *DispatchQueue[R]) run(entry *queueEntry[R], window time.Time) {
	value, err := q.dispatch(entry.ctx, entry.text)

	q.mu.Lock()
	if err != nil && q.windowStart.Equal(window) {
		q.requestsProcessed--
		q.tokensProcessed -= estimateTokens(entry.text)
	}
	q.inFlight--
	q.mu.Unlock()

	if err != nil {
		q.log.WithError(err).Warn("Dispatch failed, rejecting entry")
	}
	entry.result <- dispatchResult[R]{value: value, err: err}

	q.drain()
}

func (q *DispatchQueue[R]) ceilingReachedLocked() bool {
	if q.cfg.RequestsPerWindow > 0 && q.requestsProcessed >= q.cfg.RequestsPerWindow {
		return true
	}
	if q.cfg.TokensPerWindow > 0 && q.tokensProcessed >= q.cfg.TokensPerWindow {
		return true
	}
	return false
}

func (q *DispatchQueue[R]) resetCountersLocked() {
	q.requestsProcessed = 0
	q.tokensProcessed = 0
	q.windowStart = q.now()
}

// estimateTokens approximates token count as ceil(len(text)/4).
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
