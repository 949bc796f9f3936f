package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/ticket"
)

func newTestManager() *Manager {
	m := NewManager(10 * time.Minute)
	m.InitializePools(map[ticket.PoolType]Config{
		ticket.PoolCoding: {MinWorkers: 1, MaxWorkers: 2, DefaultModel: "sonnet"},
		ticket.PoolReview: {MinWorkers: 1, MaxWorkers: 1, DefaultModel: "haiku"},
	})
	return m
}

func TestInitializePoolsSpawnsMinWorkers(t *testing.T) {
	m := newTestManager()

	idle := m.IdleWorkers(ticket.PoolCoding)
	assert.Len(t, idle, 1)
	assert.Equal(t, "coding-0", idle[0].ID)
}

func TestAddWorkerRespectsMaxWorkers(t *testing.T) {
	m := newTestManager()

	id, ok, err := m.AddWorker(ticket.PoolCoding)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "coding-1", id)

	id2, ok2, err := m.AddWorker(ticket.PoolCoding)
	require.NoError(t, err)
	assert.False(t, ok2, "pool is already at max_workers")
	assert.Empty(t, id2)
}

func TestClaimTicketRejectsDuplicateLease(t *testing.T) {
	m := newTestManager()
	tk := ticket.Ticket{Key: "ENG-1"}
	now := time.Now()

	_, err := m.ClaimTicket(now, tk, "coding-0")
	require.NoError(t, err)

	_, err = m.ClaimTicket(now, tk, "coding-0")
	require.Error(t, err)
	var conflictErr ErrAlreadyLeased
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "ENG-1", conflictErr.TicketKey)
}

func TestReleaseTicketIsIdempotent(t *testing.T) {
	m := newTestManager()
	tk := ticket.Ticket{Key: "ENG-1"}
	now := time.Now()

	_, err := m.ClaimTicket(now, tk, "coding-0")
	require.NoError(t, err)

	m.ReleaseTicket("ENG-1")
	m.ReleaseTicket("ENG-1") // no panic, no error

	_, err = m.ClaimTicket(now, tk, "coding-0")
	assert.NoError(t, err, "ticket should be claimable again after release")
}

func TestExpiredLeases(t *testing.T) {
	m := NewManager(1 * time.Millisecond)
	m.InitializePools(map[ticket.PoolType]Config{
		ticket.PoolCoding: {MinWorkers: 1, MaxWorkers: 1, DefaultModel: "sonnet"},
	})
	tk := ticket.Ticket{Key: "ENG-1"}
	acquired := time.Now().Add(-1 * time.Hour)

	_, err := m.ClaimTicket(acquired, tk, "coding-0")
	require.NoError(t, err)

	expired := m.ExpiredLeases(time.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, "ENG-1", expired[0].TicketKey)
}

func TestResizePoolNeverShrinks(t *testing.T) {
	m := newTestManager()

	err := m.ResizePool(ticket.PoolCoding, 5)
	require.NoError(t, err)
	info, ok := m.Pool(ticket.PoolCoding)
	require.True(t, ok)
	assert.Equal(t, 1, info.WorkerCount, "resize alone should not grow beyond min_workers")

	err = m.ResizePool(ticket.PoolCoding, 0)
	require.NoError(t, err)
	info, ok = m.Pool(ticket.PoolCoding)
	require.True(t, ok)
	assert.Equal(t, 1, info.WorkerCount, "resize should never remove existing workers")
}

func TestResizePoolUnknownPool(t *testing.T) {
	m := newTestManager()
	err := m.ResizePool(ticket.PoolLinear, 2)
	assert.Error(t, err)
}

func TestWorkerMutationMethodsByID(t *testing.T) {
	m := newTestManager()
	tk := ticket.Ticket{Key: "ENG-1", Title: "fix it"}

	m.SetExecuting("coding-0", tk, time.Now())
	idle := m.IdleWorkers(ticket.PoolCoding)
	assert.Len(t, idle, 0, "executing worker should not appear idle")

	n := m.RecordError("coding-0")
	assert.Equal(t, 1, n)
	n = m.RecordError("coding-0")
	assert.Equal(t, 2, n)

	m.SetWorktree("coding-0", "/tmp/coding-0", 3101)
	workers := m.Workers()
	var w0 Worker
	for _, w := range workers {
		if w.ID == "coding-0" {
			w0 = w
		}
	}
	assert.Equal(t, "/tmp/coding-0", w0.WorktreePath)
	assert.Equal(t, 3101, w0.Port)
	assert.Equal(t, 2, w0.ConsecutiveErrors)

	completed := m.RecordSuccess("coding-0")
	assert.Equal(t, 1, completed)

	m.ClearWorktree("coding-0")
	m.SetIdle("coding-0")
	idle = m.IdleWorkers(ticket.PoolCoding)
	require.Len(t, idle, 1)
	assert.Equal(t, "coding-0", idle[0].ID)
	assert.Equal(t, 0, idle[0].ConsecutiveErrors, "RecordSuccess resets the error streak")
	assert.Empty(t, idle[0].WorktreePath)
}

func TestWorkerCount(t *testing.T) {
	m := newTestManager()
	assert.Equal(t, 1, m.WorkerCount(ticket.PoolCoding))
	assert.Equal(t, 0, m.WorkerCount(ticket.PoolLinear), "unconfigured pool reports zero")

	_, ok, err := m.AddWorker(ticket.PoolCoding)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, m.WorkerCount(ticket.PoolCoding))
}

func TestStatusSummary(t *testing.T) {
	m := newTestManager()
	tk := ticket.Ticket{Key: "ENG-1"}
	_, err := m.ClaimTicket(time.Now(), tk, "coding-0")
	require.NoError(t, err)

	s := m.StatusSummary()
	assert.Equal(t, 2, s.TotalWorkers)
	assert.Equal(t, 1, s.ActiveLeases)
	assert.Equal(t, 1, s.Pools[ticket.PoolCoding].WorkerCount)
}
