// Package prefetch warms the next page of a paginated request chain in
// the background. Concurrency is bounded twice — a per-instance ceiling
// and a global ceiling shared across gateway instances — on a budget
// strictly separate from the foreground request path, so warm fetches can
// never starve foreground capacity. Failures are isolated: they feed a
// per-instance cooldown and are never cached.
package prefetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/jmallek/sqlgate/internal/backend"
)

// State is the lifecycle of one prefetch task.
type State int32

// Task lifecycle states.
const (
	StateScheduled State = iota
	StateActive
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateActive:
		return "active"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Schedule rejection and acceptance reasons.
const (
	ReasonAccepted      = "accepted"
	ReasonDisabled      = "prefetch_disabled"
	ReasonDuplicate     = "duplicate_task"
	ReasonInstanceLimit = "instance_limit_reached"
	ReasonStormControl  = "storm_control"
	ReasonCooldown      = "cooldown_active"
)

// Result is a warmed page, served to an exact-match follow-up request.
// It holds the raw look-ahead rows; trimming, budget accounting, and
// cursor minting happen in the foreground when the page is served.
type Result struct {
	Rows    []map[string]any
	Columns []backend.Column
	Bytes   int64
}

// Fetch produces the next page. It runs on the background budget and its
// context is cancelled on Cancel (best-effort: the fetch is abandoned, not
// force-killed).
type Fetch func(ctx context.Context) (*Result, error)

// Shared is the cross-instance state: the global concurrency ceiling and
// the count of tasks currently waiting on it (for storm control).
type Shared struct {
	global  *semaphore.Weighted
	waiting atomic.Int64
}

// NewShared creates the cross-instance ceiling.
func NewShared(globalLimit int64) *Shared {
	return &Shared{global: semaphore.NewWeighted(globalLimit)}
}

// Config bounds one controller instance.
type Config struct {
	// LocalLimit is the per-instance concurrency ceiling.
	LocalLimit int
	// StormThreshold rejects new schedules once this many tasks are
	// already waiting on the global ceiling.
	StormThreshold int
	// Cooldown is how long after any task failure this instance rejects
	// all new schedules.
	Cooldown time.Duration
	// CacheSize bounds the warmed-page cache (entries).
	CacheSize int
	// TaskTimeout bounds each background fetch.
	TaskTimeout time.Duration
}

// Task is the tracked state of one scheduled prefetch.
type Task struct {
	Key         string
	ScheduledAt time.Time
	state       atomic.Int32
	cancel      context.CancelFunc
}

// State returns the task's current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Controller schedules background page warms for one gateway instance.
type Controller struct {
	cfg    Config
	shared *Shared
	local  chan struct{}
	logger zerolog.Logger

	mu            sync.Mutex
	tasks         map[string]*Task
	cooldownUntil time.Time
	cache         map[string]*Result
	cacheOrder    []string
}

// New creates a Controller sharing the given cross-instance ceiling.
func New(shared *Shared, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	return &Controller{
		cfg:    cfg,
		shared: shared,
		local:  make(chan struct{}, cfg.LocalLimit),
		logger: logger,
		tasks:  map[string]*Task{},
		cache:  map[string]*Result{},
	}
}

// Schedule accepts or rejects a background warm for key. Admission checks
// run in order: per-instance ceiling, storm control on the global ceiling,
// failure cooldown. The reason string is stable for audit consumers.
func (c *Controller) Schedule(key string, fetch Fetch) (bool, string) {
	c.mu.Lock()
	if _, exists := c.tasks[key]; exists {
		c.mu.Unlock()
		return false, ReasonDuplicate
	}
	select {
	case c.local <- struct{}{}:
	default:
		c.mu.Unlock()
		return false, ReasonInstanceLimit
	}
	if c.cfg.StormThreshold > 0 && c.shared.waiting.Load() >= int64(c.cfg.StormThreshold) {
		<-c.local
		c.mu.Unlock()
		return false, ReasonStormControl
	}
	if !c.cooldownUntil.IsZero() && time.Now().Before(c.cooldownUntil) {
		<-c.local
		c.mu.Unlock()
		return false, ReasonCooldown
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{Key: key, ScheduledAt: time.Now(), cancel: cancel}
	task.state.Store(int32(StateScheduled))
	c.tasks[key] = task
	c.mu.Unlock()

	go c.run(ctx, task, fetch)
	return true, ReasonAccepted
}

func (c *Controller) run(ctx context.Context, task *Task, fetch Fetch) {
	defer func() { <-c.local }()

	c.shared.waiting.Add(1)
	err := c.shared.global.Acquire(ctx, 1)
	c.shared.waiting.Add(-1)
	if err != nil {
		// Cancelled while queued: abandoned, not failed. No cooldown.
		c.finish(task, StateFailed, false)
		return
	}
	defer c.shared.global.Release(1)

	task.state.Store(int32(StateActive))
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.TaskTimeout)
	defer cancel()

	result, err := fetch(fetchCtx)
	if err != nil || ctx.Err() != nil {
		if err != nil {
			c.logger.Debug().Err(err).Str("task", task.Key).Msg("prefetch task failed")
		}
		c.finish(task, StateFailed, err != nil && ctx.Err() == nil)
		return
	}
	c.mu.Lock()
	c.cachePut(task.Key, result)
	c.mu.Unlock()
	c.finish(task, StateDone, false)
}

func (c *Controller) finish(task *Task, state State, startCooldown bool) {
	task.state.Store(int32(state))
	c.mu.Lock()
	delete(c.tasks, task.Key)
	if startCooldown {
		c.cooldownUntil = time.Now().Add(c.cfg.Cooldown)
	}
	c.mu.Unlock()
}

// Lookup serves a warmed page for an exact cursor+fingerprint match. The
// entry is consumed: budget accounting happens in the foreground when the
// page is actually served, and serving it twice would double-charge.
func (c *Controller) Lookup(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	delete(c.cache, key)
	for i, k := range c.cacheOrder {
		if k == key {
			c.cacheOrder = append(c.cacheOrder[:i], c.cacheOrder[i+1:]...)
			break
		}
	}
	return result, true
}

// cachePut stores a warmed page, evicting the oldest entry at capacity.
// Caller holds c.mu.
func (c *Controller) cachePut(key string, result *Result) {
	if c.cfg.CacheSize <= 0 {
		return
	}
	if _, exists := c.cache[key]; !exists {
		for len(c.cacheOrder) >= c.cfg.CacheSize {
			oldest := c.cacheOrder[0]
			c.cacheOrder = c.cacheOrder[1:]
			delete(c.cache, oldest)
		}
		c.cacheOrder = append(c.cacheOrder, key)
	}
	c.cache[key] = result
}

// Invalidate drops every cached page. Called on schema or topology change:
// a warmed page minted under the old topology must never be served.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = map[string]*Result{}
	c.cacheOrder = nil
}

// Cancel abandons a scheduled or active task. Best-effort: the underlying
// call winds down on its own and its result is discarded.
func (c *Controller) Cancel(key string) {
	c.mu.Lock()
	task, ok := c.tasks[key]
	c.mu.Unlock()
	if ok {
		task.cancel()
	}
}

// ActiveCount reports tasks currently holding a concurrency slot.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tasks {
		if t.State() == StateActive {
			n++
		}
	}
	return n
}
