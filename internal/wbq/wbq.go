// Package wbq implements the Write-Behind Queue: the single authoritative
// background executor for side effects that must happen after a DB
// transaction commits (archive writes, FTS maintenance hooks, cache
// invalidation, deferred last_active_ts touches). Modeled on
// internal/scheduler's ticker-driven background goroutine, generalized
// from "run job every interval" to "drain a bounded per-entity queue with
// at-most-one-flight and a backpressure deadline."
package wbq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one deferred side effect, keyed so at most one instance of a
// given key is ever in flight at a time.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

// Queue drains tasks one entity-key lane at a time. Per-entity ordering is
// FIFO; there is no ordering promise across different keys.
type Queue struct {
	logger      *slog.Logger
	deadline    time.Duration
	mu          sync.Mutex
	lanes       map[string]chan Task
	wg          sync.WaitGroup
	touchMu     sync.Mutex
	touchBuf    map[int64]int64 // agentID -> latest last_active_ts pending flush
	touchFlush  func(agentID, ts int64)
	closing     chan struct{}
	laneDepth   int
}

// New creates a Queue. deadline bounds how long Enqueue will block under
// backpressure before giving up (the caller's write still commits; the
// task is dropped, no pending state is recorded and nothing retries it).
// laneDepth bounds the buffered channel per entity key.
func New(logger *slog.Logger, deadline time.Duration, laneDepth int) *Queue {
	if laneDepth <= 0 {
		laneDepth = 16
	}
	q := &Queue{
		logger:    logger,
		deadline:  deadline,
		lanes:     make(map[string]chan Task),
		touchBuf:  make(map[int64]int64),
		closing:   make(chan struct{}),
		laneDepth: laneDepth,
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.runTouchAggregator()
	}()
	return q
}

// Enqueue submits a task to its entity-key lane, creating the lane (and its
// single consumer goroutine) lazily. If the lane is saturated, Enqueue
// blocks up to deadline; on expiry it returns false without error and the
// task is dropped — the caller's DB write still committed.
func (q *Queue) Enqueue(t Task) (accepted bool) {
	lane := q.laneFor(t.Key)

	ctx, cancel := context.WithTimeout(context.Background(), q.deadline)
	defer cancel()

	select {
	case lane <- t:
		return true
	case <-ctx.Done():
		q.logger.Warn("wbq enqueue deadline exceeded; task dropped", "key", t.Key)
		return false
	}
}

func (q *Queue) laneFor(key string) chan Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane, ok := q.lanes[key]
	if ok {
		return lane
	}
	lane = make(chan Task, q.laneDepth)
	q.lanes[key] = lane
	q.wg.Add(1)
	go q.drainLane(key, lane)
	return lane
}

func (q *Queue) drainLane(key string, lane chan Task) {
	defer q.wg.Done()
	for {
		select {
		case t, ok := <-lane:
			if !ok {
				return
			}
			if err := t.Run(context.Background()); err != nil {
				q.logger.Error("wbq task failed", "key", key, "error", err)
			}
		case <-q.closing:
			return
		}
	}
}

// TouchLastActive coalesces an agent's last_active_ts update into the
// current 30-second aggregation window rather than writing on every call.
func (q *Queue) TouchLastActive(agentID, ts int64) {
	q.touchMu.Lock()
	defer q.touchMu.Unlock()
	if ts > q.touchBuf[agentID] {
		q.touchBuf[agentID] = ts
	}
}

// OnTouchFlush registers the callback invoked for each agent whose
// last_active_ts touch is flushed at the end of a window.
func (q *Queue) OnTouchFlush(fn func(agentID, ts int64)) {
	q.touchFlush = fn
}

func (q *Queue) runTouchAggregator() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.flushTouches()
		case <-q.closing:
			q.flushTouches()
			return
		}
	}
}

func (q *Queue) flushTouches() {
	q.touchMu.Lock()
	pending := q.touchBuf
	q.touchBuf = make(map[int64]int64)
	q.touchMu.Unlock()

	if q.touchFlush == nil {
		return
	}
	for agentID, ts := range pending {
		q.touchFlush(agentID, ts)
	}
}

// Close stops the touch aggregator and all lane consumers, flushing any
// pending touches first. Tasks still queued in a lane may be dropped; the
// Store remains authoritative, and nothing re-enqueues dropped tasks.
func (q *Queue) Close() {
	close(q.closing)
	q.wg.Wait()
}
