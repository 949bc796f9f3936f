// Package pool owns the typed worker pools and the ticket-lease table that
// the dispatcher claims against before handing a ticket to a worker.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"dispatchd/internal/ticket"
)

// Status is a worker's current execution state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusExecuting Status = "executing"
	StatusDraining  Status = "draining"
)

// Worker is a named execution slot within a pool. A worker is never destroyed
// once created; pools can only grow toward MaxWorkers. Every field here is
// mutated only through Manager methods, which serialize access with the
// manager's mutex — callers never reach into a *Worker directly.
type Worker struct {
	ID                string
	Pool              ticket.PoolType
	Status            Status
	CurrentTicket     *ticket.Ticket
	StartedAt         time.Time
	ConsecutiveErrors int
	TicketsCompleted  int
	WorktreePath      string // coding pool only
	Port              int    // 0 when unallocated
}

// IsIdle reports whether the worker currently holds no ticket.
func (w *Worker) IsIdle() bool { return w.Status == StatusIdle }

// snapshot returns a value copy safe to hand to callers outside the lock.
func (w *Worker) snapshot() Worker {
	cp := *w
	if w.CurrentTicket != nil {
		t := *w.CurrentTicket
		cp.CurrentTicket = &t
	}
	return cp
}

// Config bounds a pool's worker count and supplies its default model tier.
type Config struct {
	MinWorkers   int
	MaxWorkers   int
	DefaultModel string
}

// Default returns the per-pool values of the default daemon configuration,
// matching DaemonConfig.default(). Nothing in the daemon calls it to fill in
// a pool missing from a loaded config; such a pool is simply not created.
func Default(p ticket.PoolType) Config {
	switch p {
	case ticket.PoolReview:
		return Config{MinWorkers: 1, MaxWorkers: 1, DefaultModel: "haiku"}
	case ticket.PoolLinear:
		return Config{MinWorkers: 1, MaxWorkers: 1, DefaultModel: "haiku"}
	default:
		return Config{MinWorkers: 1, MaxWorkers: 3, DefaultModel: "sonnet"}
	}
}

// Pool is a typed collection of workers. Workers are appended, never removed;
// the worker id's ordinal is the slice length at creation time, matching the
// original's `len(workers)`-based numbering.
type Pool struct {
	Type    ticket.PoolType
	Config  Config
	Workers []*Worker
}

// addWorker appends a new idle worker unless the pool is already at
// MaxWorkers, in which case it returns nil (matching add_worker's None
// return on a full pool). Callers must hold the manager's mutex.
func (p *Pool) addWorker() *Worker {
	if len(p.Workers) >= p.Config.MaxWorkers {
		return nil
	}
	w := &Worker{
		ID:     fmt.Sprintf("%s-%d", p.Type, len(p.Workers)),
		Pool:   p.Type,
		Status: StatusIdle,
	}
	p.Workers = append(p.Workers, w)
	return w
}

// Lease is a time-bounded claim on a ticket held by a specific worker.
type Lease struct {
	ID         string
	TicketKey  string
	WorkerID   string
	AcquiredAt time.Time
	TTL        time.Duration
}

// IsExpired reports whether the lease has outlived its TTL as of now.
func (l Lease) IsExpired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) > l.TTL
}

// ErrAlreadyLeased is returned by ClaimTicket when the ticket already has an
// outstanding lease — the LeaseConflict error case.
type ErrAlreadyLeased struct {
	TicketKey string
}

func (e ErrAlreadyLeased) Error() string {
	return fmt.Sprintf("ticket %s is already leased", e.TicketKey)
}

// Summary is the snapshot returned by Manager.StatusSummary.
type Summary struct {
	TotalWorkers int
	Pools        map[ticket.PoolType]PoolSummary
	ActiveLeases int
}

// PoolSummary describes one pool's worker counts for status reporting.
type PoolSummary struct {
	WorkerCount  int
	Idle         int
	Busy         int
	DefaultModel string
	MaxWorkers   int
}

// Manager owns every pool, the lease table, and a by-id worker index. All
// mutation goes through a single mutex, matching the single-mutex-per-manager
// concurrency model: worker fields are never touched outside it, so the
// dispatch loop and concurrent per-ticket worker goroutines never race.
type Manager struct {
	mu       sync.Mutex
	pools    map[ticket.PoolType]*Pool
	byID     map[string]*Worker
	leases   map[string]Lease
	leaseTTL time.Duration
}

// NewManager creates an empty manager; call InitializePools to populate pools
// from a daemon configuration.
func NewManager(leaseTTL time.Duration) *Manager {
	return &Manager{
		pools:    make(map[ticket.PoolType]*Pool),
		byID:     make(map[string]*Worker),
		leases:   make(map[string]Lease),
		leaseTTL: leaseTTL,
	}
}

func (m *Manager) indexWorker(w *Worker) {
	if w != nil {
		m.byID[w.ID] = w
	}
}

// InitializePools creates a pool and spawns MinWorkers workers for each
// configured pool name. Unknown pool names are skipped by the caller before
// reaching here (see internal/config), matching initialize_pools's warn-and-skip.
func (m *Manager) InitializePools(configs map[ticket.PoolType]Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pt, cfg := range configs {
		p := &Pool{Type: pt, Config: cfg}
		for i := 0; i < cfg.MinWorkers; i++ {
			m.indexWorker(p.addWorker())
		}
		m.pools[pt] = p
	}
}

// IdleWorkers returns value-copy snapshots of idle workers in the given
// pools. An empty poolType argument list returns idle workers across every
// pool. Callers act on the snapshot's ID via the Manager's mutation methods
// rather than holding a live pointer.
func (m *Manager) IdleWorkers(poolType ...ticket.PoolType) []Worker {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pools []*Pool
	if len(poolType) == 0 {
		for _, p := range m.pools {
			pools = append(pools, p)
		}
	} else {
		for _, pt := range poolType {
			if p, ok := m.pools[pt]; ok {
				pools = append(pools, p)
			}
		}
	}

	var idle []Worker
	for _, p := range pools {
		for _, w := range p.Workers {
			if w.IsIdle() {
				idle = append(idle, w.snapshot())
			}
		}
	}
	return idle
}

// PoolInfo is a read-only snapshot of a pool's configuration, returned by
// Pool so callers never see a live *Pool they could mutate unsynchronized.
type PoolInfo struct {
	Type        ticket.PoolType
	Config      Config
	WorkerCount int
}

// Pool returns a snapshot of the pool's configuration, or ok=false if the
// pool type is not configured.
func (m *Manager) Pool(pt ticket.PoolType) (PoolInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[pt]
	if !ok {
		return PoolInfo{}, false
	}
	return PoolInfo{Type: p.Type, Config: p.Config, WorkerCount: len(p.Workers)}, true
}

// ClaimTicket issues a lease for ticket.Key to workerID. It returns
// ErrAlreadyLeased if a lease already exists for that ticket.
func (m *Manager) ClaimTicket(now time.Time, t ticket.Ticket, workerID string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.leases[t.Key]; exists {
		return Lease{}, ErrAlreadyLeased{TicketKey: t.Key}
	}

	lease := Lease{
		ID:         ulid.Make().String(),
		TicketKey:  t.Key,
		WorkerID:   workerID,
		AcquiredAt: now,
		TTL:        m.leaseTTL,
	}
	m.leases[t.Key] = lease
	return lease, nil
}

// ReleaseTicket deletes the lease for the given key, if any. Idempotent.
func (m *Manager) ReleaseTicket(ticketKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, ticketKey)
}

// ExpiredLeases returns every lease whose TTL has elapsed as of now.
func (m *Manager) ExpiredLeases(now time.Time) []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Lease
	for _, l := range m.leases {
		if l.IsExpired(now) {
			expired = append(expired, l)
		}
	}
	return expired
}

// ResizePool sets a pool's MaxWorkers and tops it up to MinWorkers if it is
// currently below that floor. It never shrinks the existing worker slice.
func (m *Manager) ResizePool(pt ticket.PoolType, newMax int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[pt]
	if !ok {
		return fmt.Errorf("unknown pool %q", pt)
	}
	p.Config.MaxWorkers = newMax
	for len(p.Workers) < p.Config.MinWorkers {
		w := p.addWorker()
		if w == nil {
			break
		}
		m.indexWorker(w)
	}
	return nil
}

// AddWorker adds up to one worker to the named pool, returning the created
// worker's id (ok=false if the pool was already at MaxWorkers).
func (m *Manager) AddWorker(pt ticket.PoolType) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[pt]
	if !ok {
		return "", false, fmt.Errorf("unknown pool %q", pt)
	}
	w := p.addWorker()
	if w == nil {
		return "", false, nil
	}
	m.indexWorker(w)
	return w.ID, true, nil
}

// WorkerCount returns the current worker count for a pool.
func (m *Manager) WorkerCount(pt ticket.PoolType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[pt]; ok {
		return len(p.Workers)
	}
	return 0
}

// Workers returns value-copy snapshots of every worker across every pool.
func (m *Manager) Workers() []Worker {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]Worker, 0, len(m.byID))
	for _, p := range m.pools {
		for _, w := range p.Workers {
			all = append(all, w.snapshot())
		}
	}
	return all
}

// SetExecuting marks a worker busy with the given ticket.
func (m *Manager) SetExecuting(workerID string, t ticket.Ticket, startedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.byID[workerID]; ok {
		w.Status = StatusExecuting
		tCopy := t
		w.CurrentTicket = &tCopy
		w.StartedAt = startedAt
	}
}

// SetIdle clears a worker's current ticket and returns it to idle.
func (m *Manager) SetIdle(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.byID[workerID]; ok {
		w.Status = StatusIdle
		w.CurrentTicket = nil
		w.StartedAt = time.Time{}
	}
}

// RecordError increments a worker's consecutive-error count and returns the
// new value.
func (m *Manager) RecordError(workerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byID[workerID]
	if !ok {
		return 0
	}
	w.ConsecutiveErrors++
	return w.ConsecutiveErrors
}

// RecordSuccess resets a worker's consecutive-error count and increments its
// completed-ticket count, returning the new total.
func (m *Manager) RecordSuccess(workerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byID[workerID]
	if !ok {
		return 0
	}
	w.ConsecutiveErrors = 0
	w.TicketsCompleted++
	return w.TicketsCompleted
}

// ResetErrors zeroes a worker's consecutive-error count, used when the
// dispatcher backs a chronically failing worker off for one round.
func (m *Manager) ResetErrors(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.byID[workerID]; ok {
		w.ConsecutiveErrors = 0
	}
}

// SetWorktree records the worktree path and port allocated to a coding
// worker for the duration of one ticket.
func (m *Manager) SetWorktree(workerID, path string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.byID[workerID]; ok {
		w.WorktreePath = path
		w.Port = port
	}
}

// ClearWorktree nulls out a coding worker's worktree path and port after
// cleanup, regardless of whether the session succeeded.
func (m *Manager) ClearWorktree(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.byID[workerID]; ok {
		w.WorktreePath = ""
		w.Port = 0
	}
}

// StatusSummary snapshots every pool's worker counts and the active lease count.
func (m *Manager) StatusSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{Pools: make(map[ticket.PoolType]PoolSummary)}
	for pt, p := range m.pools {
		idle, busy := 0, 0
		for _, w := range p.Workers {
			if w.IsIdle() {
				idle++
			} else {
				busy++
			}
		}
		s.Pools[pt] = PoolSummary{
			WorkerCount:  len(p.Workers),
			Idle:         idle,
			Busy:         busy,
			DefaultModel: p.Config.DefaultModel,
			MaxWorkers:   p.Config.MaxWorkers,
		}
		s.TotalWorkers += len(p.Workers)
	}
	s.ActiveLeases = len(m.leases)
	return s
}
