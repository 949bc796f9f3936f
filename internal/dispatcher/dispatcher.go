// Package dispatcher implements the daemon's main loop: drain the webhook
// queue (or fall back to a synthetic poll), filter out tickets already in
// flight, assign idle workers, and maintain ticket leases — grounded on
// scripts/daemon_v2.py's ScalableDaemon.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"

	"dispatchd/core/log"
	"dispatchd/internal/agentruntime"
	"dispatchd/internal/pool"
	"dispatchd/internal/router"
	"dispatchd/internal/ticket"
	"dispatchd/internal/tracker"
	"dispatchd/internal/worktree"
)

// Settings are the live-reloadable knobs the loop consults each round.
// Swapping the pointer atomically keeps a round already in progress seeing
// the old values, matching the original's "config reload takes effect on
// the next cycle" semantics.
type Settings struct {
	PollInterval         time.Duration
	SyntheticPollEnabled bool
}

// Dispatcher owns the main loop and per-ticket worker pipelines.
type Dispatcher struct {
	ProjectDir string

	pools     *pool.Manager
	worktrees *worktree.Manager
	tracker   tracker.Tracker
	runtime   agentruntime.Runtime
	queue     *Queue

	router   atomic.Pointer[router.Router]
	settings atomic.Pointer[Settings]

	wp *workerpool.WorkerPool

	activeMu   sync.Mutex
	activeKeys map[string]bool
	tasks      map[string]context.CancelFunc

	shutdown chan struct{}
	done     sync.WaitGroup // per-ticket pipelines in flight

	startTime             time.Time
	pollCount             int
	totalTicketsProcessed atomic.Int64
	consecutivePollErrors int
}

// New builds a dispatcher over the given subsystems. poolCapacity bounds the
// underlying workerpool.WorkerPool to the sum of every pool's max_workers,
// so the executor itself is never the scheduling bottleneck.
func New(
	projectDir string,
	pools *pool.Manager,
	worktrees *worktree.Manager,
	trk tracker.Tracker,
	runtime agentruntime.Runtime,
	rules []router.Rule,
	poolCapacity int,
) *Dispatcher {
	if poolCapacity < 1 {
		poolCapacity = 1
	}
	d := &Dispatcher{
		ProjectDir: projectDir,
		pools:      pools,
		worktrees:  worktrees,
		tracker:    trk,
		runtime:    runtime,
		queue:      NewQueue(),
		wp:         workerpool.New(poolCapacity),
		activeKeys: make(map[string]bool),
		tasks:      make(map[string]context.CancelFunc),
		shutdown:   make(chan struct{}),
		startTime:  time.Now(),
	}
	d.router.Store(router.New(rules))
	d.settings.Store(&Settings{PollInterval: 30 * time.Second, SyntheticPollEnabled: true})
	return d
}

// Queue exposes the inbound queue for wiring into the control plane.
func (d *Dispatcher) Queue() *Queue { return d.queue }

// ReloadRules atomically swaps the router used by subsequent dispatch
// rounds; a round already reading the old router finishes with it.
func (d *Dispatcher) ReloadRules(rules []router.Rule) {
	d.router.Store(router.New(rules))
}

// UpdateSettings atomically swaps the poll interval / synthetic-poll toggle.
func (d *Dispatcher) UpdateSettings(s Settings) {
	d.settings.Store(&s)
}

// Run executes the main loop until ctx is cancelled or Shutdown is called.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Info("dispatcher starting (project=%s)", d.ProjectDir)

	for {
		select {
		case <-d.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := d.runRound(ctx); err != nil {
			d.consecutivePollErrors++
			backoff := errorBackoff(d.consecutivePollErrors)
			log.Error("poll round failed (attempt %d): %v, backing off %s", d.consecutivePollErrors, err, backoff)
			if !d.sleep(ctx, backoff) {
				return
			}
			continue
		}
		d.consecutivePollErrors = 0

		settings := d.settings.Load()
		if !d.sleep(ctx, settings.PollInterval) {
			return
		}
	}
}

func (d *Dispatcher) runRound(ctx context.Context) error {
	d.pollCount++

	d.maintainLeases()

	candidates, err := d.gatherCandidates(ctx)
	if err != nil {
		return err
	}

	actionable := d.filterActionable(candidates)
	if len(actionable) > 0 {
		idle := d.pools.IdleWorkers()
		if len(idle) > 0 {
			dispatched := d.dispatchTickets(ctx, actionable)
			log.Info("poll #%d: %d candidates, %d dispatched", d.pollCount, len(actionable), dispatched)
		} else {
			log.Info("poll #%d: %d candidates, no idle workers", d.pollCount, len(actionable))
		}
	}

	return nil
}

// gatherCandidates drains the webhook queue. If the queue is empty and
// synthetic polling is enabled, it polls the tracker and returns its tickets,
// or a single synthetic poll ticket when the tracker returns none. With
// synthetic polling disabled, an empty queue yields no candidates and the
// tracker is not polled.
func (d *Dispatcher) gatherCandidates(ctx context.Context) ([]ticket.Ticket, error) {
	queued := d.queue.Drain()
	if len(queued) > 0 {
		log.Info("event queue: %d tickets from webhooks", len(queued))
		return queued, nil
	}

	if !d.settings.Load().SyntheticPollEnabled {
		return nil, nil
	}

	polled, err := d.tracker.PollActionable(ctx, d.ProjectDir)
	if err != nil {
		return nil, err
	}
	if len(polled) > 0 {
		return polled, nil
	}
	return []ticket.Ticket{tracker.SyntheticCheckTicket()}, nil
}

func (d *Dispatcher) filterActionable(tickets []ticket.Ticket) []ticket.Ticket {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()

	var out []ticket.Ticket
	for _, t := range tickets {
		if !d.activeKeys[t.Key] {
			out = append(out, t)
		}
	}
	return out
}

// dispatchTickets assigns idle workers to tickets, matching the original's
// pool lookup with coding-pool overflow and lowest-error worker selection.
func (d *Dispatcher) dispatchTickets(ctx context.Context, tickets []ticket.Ticket) int {
	dispatched := 0
	r := d.router.Load()

	for _, t := range tickets {
		poolType := r.Route(t)
		idle := d.pools.IdleWorkers(poolType)

		if len(idle) == 0 && poolType != ticket.PoolCoding {
			idle = d.pools.IdleWorkers(ticket.PoolCoding)
		}
		if len(idle) == 0 {
			log.Debug("no idle workers for %s (pool=%s)", t.Key, poolType)
			continue
		}

		worker := idle[0]
		for _, w := range idle[1:] {
			if w.ConsecutiveErrors < worker.ConsecutiveErrors {
				worker = w
			}
		}

		if worker.ConsecutiveErrors >= maxConsecutiveErrors {
			backoff := errorBackoff(worker.ConsecutiveErrors)
			log.For(worker.ID).Warn("has %d consecutive errors, backing off %s", worker.ConsecutiveErrors, backoff)
			d.pools.ResetErrors(worker.ID)
			continue
		}

		d.startWorkerTask(ctx, worker, t)
		dispatched++
	}

	return dispatched
}

func (d *Dispatcher) startWorkerTask(ctx context.Context, w pool.Worker, t ticket.Ticket) {
	taskCtx, cancel := context.WithCancel(ctx)

	d.activeMu.Lock()
	d.activeKeys[t.Key] = true
	d.tasks[w.ID] = cancel
	d.activeMu.Unlock()

	d.done.Add(1)
	d.wp.Submit(func() {
		defer d.done.Done()
		d.runWorkerTask(taskCtx, w, t)
	})
}

// runWorkerTask wraps a single worker session with claim/release and
// worker-state bookkeeping, matching _run_worker_task exactly. All worker
// state transitions go through the pool manager's mutex-guarded methods so
// concurrent pipelines and the dispatch loop never race on a worker's fields.
func (d *Dispatcher) runWorkerTask(ctx context.Context, w pool.Worker, t ticket.Ticket) {
	wlog := log.For(w.ID)
	d.pools.SetExecuting(w.ID, t, time.Now())

	defer func() {
		d.pools.ReleaseTicket(t.Key)
		d.activeMu.Lock()
		delete(d.activeKeys, t.Key)
		delete(d.tasks, w.ID)
		d.activeMu.Unlock()
		d.pools.SetIdle(w.ID)
	}()

	if _, err := d.pools.ClaimTicket(time.Now(), t, w.ID); err != nil {
		wlog.Warn("could not claim %s: %v", t.Key, err)
		return
	}

	var result agentruntime.Result
	var err error
	if w.Pool == ticket.PoolCoding {
		result, err = d.runCodingWorker(ctx, w, t)
	} else {
		result, err = d.runStandardWorker(ctx, w, t)
	}
	if err != nil {
		d.pools.RecordError(w.ID)
		wlog.Error("crashed on %s: %v", t.Key, err)
		return
	}

	if result.Status == agentruntime.StatusError {
		n := d.pools.RecordError(w.ID)
		resp := result.Response
		if len(resp) > 200 {
			resp = resp[:200]
		}
		wlog.Warn("error on %s (attempt %d): %s", t.Key, n, resp)
		return
	}

	completed := d.pools.RecordSuccess(w.ID)
	d.totalTicketsProcessed.Add(1)
	wlog.Info("finished %s (status=%s, total=%d)", t.Key, result.Status, completed)

	if result.Status == agentruntime.StatusComplete {
		wlog.Info("reports session complete for %s", t.Key)
	}
}

// runCodingWorker isolates the session in a per-worker git worktree,
// allocates a best-effort port, and merges the branch back on success.
func (d *Dispatcher) runCodingWorker(ctx context.Context, w pool.Worker, t ticket.Ticket) (agentruntime.Result, error) {
	wlog := log.For(w.ID)
	branch := worktree.BranchFor(t.Key, t.Title)

	path, err := d.worktrees.CreateWorktree(ctx, w.ID, branch)
	if err != nil {
		wlog.Error("failed to create worktree: %v", err)
		return agentruntime.Result{Status: agentruntime.StatusError, Response: err.Error()}, nil
	}
	port, portErr := d.worktrees.AllocatePort()
	if portErr != nil {
		wlog.Warn("no free port: %v", portErr)
		port = 0
	}
	d.pools.SetWorktree(w.ID, path, port)

	defer func() {
		if rmErr := d.worktrees.RemoveWorktree(ctx, w.ID); rmErr != nil {
			wlog.Warn("worktree cleanup failed: %v", rmErr)
		}
		if port != 0 {
			d.worktrees.ReleasePort(port)
		}
		d.pools.ClearWorktree(w.ID)
	}()

	r := d.router.Load()
	_, modelID := r.RouteAndSelect(t, nil)

	wlog.Info("running on %s (branch=%s, model=%s, port=%d)", t.Key, branch, modelID, port)

	result, err := d.runtime.RunSession(ctx, path, modelID, continuationPrompt(t))
	if err != nil {
		wlog.Error("session error: %v", err)
		return agentruntime.Result{Status: agentruntime.StatusError, Response: err.Error()}, nil
	}

	if result.Status != agentruntime.StatusError {
		merged, mergeErr := d.worktrees.MergeToMain(ctx, branch)
		if mergeErr != nil {
			wlog.Error("merge failed on %s: %v", branch, mergeErr)
		} else if merged {
			wlog.Info("merged %s to main", branch)
		} else {
			wlog.Warn("merge conflict on %s — leaving branch for manual review", branch)
		}
	}

	return result, nil
}

// runStandardWorker invokes the agent runtime directly in the project
// directory — no worktree isolation.
func (d *Dispatcher) runStandardWorker(ctx context.Context, w pool.Worker, t ticket.Ticket) (agentruntime.Result, error) {
	wlog := log.For(w.ID)
	r := d.router.Load()
	_, modelID := r.RouteAndSelect(t, nil)

	wlog.Info("running on %s (model=%s)", t.Key, modelID)

	result, err := d.runtime.RunSession(ctx, d.ProjectDir, modelID, continuationPrompt(t))
	if err != nil {
		wlog.Error("session error: %v", err)
		return agentruntime.Result{Status: agentruntime.StatusError, Response: err.Error()}, nil
	}
	return result, nil
}

func continuationPrompt(t ticket.Ticket) string {
	return fmt.Sprintf("Continue work on %s: %s", t.Key, t.Title)
}

// maintainLeases releases any lease that has outlived its TTL. The worker
// holding the lease is never preempted — it may finish late and simply find
// the ticket already reclaimable.
func (d *Dispatcher) maintainLeases() {
	expired := d.pools.ExpiredLeases(time.Now())
	for _, l := range expired {
		log.For(l.WorkerID).Warn("lease expired for ticket '%s' — releasing", l.TicketKey)
		d.pools.ReleaseTicket(l.TicketKey)
		d.activeMu.Lock()
		delete(d.activeKeys, l.TicketKey)
		d.activeMu.Unlock()
	}
}

// sleep waits for the given duration, the shutdown signal, or context
// cancellation, returning false if the caller should stop looping.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.shutdown:
		return false
	case <-ctx.Done():
		return false
	}
}

// Shutdown signals the loop to stop, waits up to 60s for in-flight worker
// tasks to finish, then cancels whatever remains and waits for cleanup.
func (d *Dispatcher) Shutdown() {
	close(d.shutdown)

	waitDone := make(chan struct{})
	go func() {
		d.done.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		log.Info("all worker tasks finished cleanly")
		return
	case <-time.After(60 * time.Second):
		log.Warn("shutdown grace period elapsed, cancelling remaining worker tasks")
	}

	d.activeMu.Lock()
	for id, cancel := range d.tasks {
		log.For(id).Warn("cancelling in-flight task")
		cancel()
	}
	d.activeMu.Unlock()

	<-waitDone
}

// Stats are the final counters logged at shutdown.
type Stats struct {
	TotalTicketsProcessed int
	PollCount             int
	Uptime                time.Duration
}

// Stats snapshots the daemon's lifetime counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		TotalTicketsProcessed: int(d.totalTicketsProcessed.Load()),
		PollCount:             d.pollCount,
		Uptime:                time.Since(d.startTime),
	}
}
