package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/kernsched/internal/arch"
	"github.com/me/kernsched/internal/config"
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/internal/memory"
	"github.com/me/kernsched/pkg/model"
)

func TestCreateThread_InitialContext(t *testing.T) {
	k, _ := testKernel(t, nil)
	pid := mustProcess(t, k, "p")

	params := threadParams("main", model.PriorityHigh)
	params.Arg = 7
	tid := mustThread(t, k, pid, params)

	s := mustState(t, k, tid)
	assert.Equal(t, model.ThreadStateReady, s.State)
	assert.Equal(t, uint64(0x40_0000), s.Context.PC)
	assert.Equal(t, s.StackBase+s.StackSize, s.Context.SP)
	assert.NotZero(t, s.Context.Flags&arch.FlagInterruptEnable)
	assert.Equal(t, uint64(7), s.Context.GPR[0])
	assert.Equal(t, model.CPUID(0), s.CPU)

	ps, err := k.ProcessStats(pid)
	require.NoError(t, err)
	assert.Equal(t, []model.ThreadID{tid}, ps.Threads)
	assert.Equal(t, uint64(testStack), ps.StackBytes)
}

func TestCreateThread_Errors(t *testing.T) {
	k, alloc := testKernel(t, func(c *config.SchedulerConfig) {
		c.CPUCount = 2
		c.MaxThreadsPerProcess = 2
	})
	pid := mustProcess(t, k, "p")

	withStack := threadParams("small", model.PriorityNormal)
	withStack.StackSize = 1024
	withPrio := threadParams("prio", model.Priority(9))
	withAffinity := threadParams("aff", model.PriorityNormal)
	withAffinity.Affinity = model.MaskOf(5)
	withEntry := threadParams("entry", model.PriorityNormal)
	withEntry.EntryPoint = 0

	tests := []struct {
		name   string
		pid    model.ProcessID
		params ThreadParams
		want   error
	}{
		{"stack too small", pid, withStack, model.ErrInvalidStackSize},
		{"bad priority", pid, withPrio, model.ErrInvalidPriority},
		{"affinity outside cpus", pid, withAffinity, model.ErrInvalidAffinity},
		{"no entry point", pid, withEntry, model.ErrInvalidEntryPoint},
		{"unknown process", 99, threadParams("x", model.PriorityNormal), model.ErrProcessNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := k.CreateThread(tt.pid, tt.params)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	mustThread(t, k, pid, threadParams("a", model.PriorityNormal))
	mustThread(t, k, pid, threadParams("b", model.PriorityNormal))
	_, err := k.CreateThread(pid, threadParams("c", model.PriorityNormal))
	assert.ErrorIs(t, err, model.ErrThreadLimitExceeded)

	// No failed attempt left a stack or table entry behind.
	assert.Equal(t, uint64(2*testStack), alloc.InUse())
	assert.Len(t, k.Threads(), 2)
}

func TestCreateThread_OutOfMemory(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.CPUCount = 1
	alloc := memory.NewRegionAllocator(testStackBase, 2*testStack)
	k := New(alloc, logging.Discard())
	require.NoError(t, k.Init(cfg))

	pid := mustProcess(t, k, "p")
	mustThread(t, k, pid, threadParams("a", model.PriorityNormal))
	mustThread(t, k, pid, threadParams("b", model.PriorityNormal))

	_, err := k.CreateThread(pid, threadParams("c", model.PriorityNormal))
	assert.ErrorIs(t, err, model.ErrOutOfMemory)
	assert.Len(t, k.Threads(), 2)

	huge := threadParams("huge", model.PriorityNormal)
	huge.StackSize = math.MaxUint64
	for i := 0; i < 2; i++ {
		_, err = k.CreateThread(pid, huge)
		assert.ErrorIs(t, err, model.ErrOutOfMemory)
	}
	assert.Len(t, k.Threads(), 2)
	assert.Equal(t, uint64(2*testStack), alloc.InUse())

	ps, err := k.ProcessStats(pid)
	require.NoError(t, err)
	assert.Len(t, ps.Threads, 2)
}

func TestTerminateThread_Idempotent(t *testing.T) {
	k, alloc := testKernel(t, nil)
	pid := mustProcess(t, k, "p")
	a := mustThread(t, k, pid, threadParams("a", model.PriorityNormal))
	mustThread(t, k, pid, threadParams("b", model.PriorityNormal))

	require.NoError(t, k.TerminateThread(a))
	require.NoError(t, k.TerminateThread(a))
	assert.ErrorIs(t, k.TerminateThread(1000), model.ErrThreadNotFound)
	assert.Equal(t, uint64(testStack), alloc.InUse())

	ps, err := k.ProcessStats(pid)
	require.NoError(t, err)
	assert.Len(t, ps.Threads, 1)
}

func TestSleepThread_WakesAtDeadline(t *testing.T) {
	k, _ := testKernel(t, nil)
	pid := mustProcess(t, k, "p")
	tid := mustThread(t, k, pid, threadParams("sleeper", model.PriorityNormal))

	ticks(t, k, 3)
	start := k.Now()
	require.NoError(t, k.SleepThread(tid, 100))

	s := mustState(t, k, tid)
	assert.Equal(t, model.ThreadStateWaiting, s.State)
	assert.Equal(t, model.WaitSleep, s.WaitReason)
	assert.Equal(t, start+100, s.WakeAt)

	for k.Now() < start+99 {
		ticks(t, k, 1)
		require.Equal(t, model.ThreadStateWaiting, mustState(t, k, tid).State, "woke early at tick %d", k.Now())
	}
	ticks(t, k, 1)
	assert.Equal(t, start+100, k.Now())
	assert.NotEqual(t, model.ThreadStateWaiting, mustState(t, k, tid).State)
}

func TestSleepThread_RunningSwitchesImmediately(t *testing.T) {
	k, _ := testKernel(t, nil)
	pid := mustProcess(t, k, "p")
	a := mustThread(t, k, pid, threadParams("a", model.PriorityNormal))
	b := mustThread(t, k, pid, threadParams("b", model.PriorityNormal))

	ticks(t, k, 1)
	require.Equal(t, model.ThreadStateRunning, mustState(t, k, a).State)

	require.NoError(t, k.SleepThread(a, 10))
	assert.Equal(t, model.ThreadStateRunning, mustState(t, k, b).State)

	err := k.SleepThread(a, 10)
	assert.ErrorIs(t, err, model.ErrThreadInInvalidState)
}

func TestBlockWake(t *testing.T) {
	k, _ := testKernel(t, nil)
	pid := mustProcess(t, k, "p")
	tid := mustThread(t, k, pid, threadParams("io", model.PriorityNormal))

	// Waking a thread that is not waiting does nothing.
	require.NoError(t, k.WakeThread(tid))
	assert.Equal(t, model.ThreadStateReady, mustState(t, k, tid).State)

	require.NoError(t, k.BlockThread(tid))
	s := mustState(t, k, tid)
	assert.Equal(t, model.ThreadStateWaiting, s.State)
	assert.Equal(t, model.WaitBlocked, s.WaitReason)

	ticks(t, k, 50)
	assert.Equal(t, model.ThreadStateWaiting, mustState(t, k, tid).State)

	require.NoError(t, k.WakeThread(tid))
	assert.Equal(t, model.ThreadStateReady, mustState(t, k, tid).State)

	assert.ErrorIs(t, k.WakeThread(5000), model.ErrThreadNotFound)
}

func TestYieldThread(t *testing.T) {
	k, _ := testKernel(t, nil)
	pid := mustProcess(t, k, "p")
	a := mustThread(t, k, pid, threadParams("a", model.PriorityNormal))
	b := mustThread(t, k, pid, threadParams("b", model.PriorityNormal))

	ticks(t, k, 2)
	require.NoError(t, k.YieldThread(a))
	assert.Equal(t, model.ThreadStateReady, mustState(t, k, a).State)
	assert.Equal(t, model.ThreadStateRunning, mustState(t, k, b).State)

	require.NoError(t, k.BlockThread(a))
	assert.ErrorIs(t, k.YieldThread(a), model.ErrThreadInInvalidState)
}

func TestSetThreadPriority_Repositions(t *testing.T) {
	k, _ := testKernel(t, func(c *config.SchedulerConfig) { c.Algorithm = model.AlgorithmPriority })
	pid := mustProcess(t, k, "p")
	low := mustThread(t, k, pid, threadParams("low", model.PriorityLow))
	mustThread(t, k, pid, threadParams("normal", model.PriorityNormal))

	require.NoError(t, k.SetThreadPriority(low, model.PriorityCritical))
	next, err := k.ScheduleNext(0)
	require.NoError(t, err)
	assert.Equal(t, low, next)

	assert.ErrorIs(t, k.SetThreadPriority(low, model.Priority(12)), model.ErrInvalidPriority)
	assert.ErrorIs(t, k.SetThreadPriority(888, model.PriorityLow), model.ErrThreadNotFound)
	assert.Len(t, k.ThreadsByPriority(model.PriorityCritical), 1)
}

func TestSetThreadAffinity(t *testing.T) {
	k, _ := testKernel(t, func(c *config.SchedulerConfig) {
		c.CPUCount = 2
		c.Placement = config.PlaceLowest
	})
	pid := mustProcess(t, k, "p")

	pinned := threadParams("pinned", model.PriorityNormal)
	pinned.Affinity = model.MaskOf(1)
	tid := mustThread(t, k, pid, pinned)
	assert.Equal(t, model.CPUID(1), mustState(t, k, tid).CPU)

	require.NoError(t, k.SetThreadAffinity(tid, model.MaskOf(0)))
	assert.Equal(t, model.CPUID(0), mustState(t, k, tid).CPU)

	ticks(t, k, 1)
	require.Equal(t, model.ThreadStateRunning, mustState(t, k, tid).State)

	// A running thread moves at the next tick.
	require.NoError(t, k.SetThreadAffinity(tid, model.MaskOf(1)))
	ticks(t, k, 1)
	s := mustState(t, k, tid)
	assert.Equal(t, model.CPUID(1), s.CPU)
	assert.Equal(t, model.MaskOf(1), s.Affinity)

	assert.ErrorIs(t, k.SetThreadAffinity(tid, 0), model.ErrInvalidAffinity)
	assert.ErrorIs(t, k.SetThreadAffinity(tid, model.MaskOf(3)), model.ErrInvalidAffinity)
}

func TestContextSaveRestore(t *testing.T) {
	k, _ := testKernel(t, nil)
	pid := mustProcess(t, k, "p")
	pa := threadParams("a", model.PriorityNormal)
	pa.EntryPoint = 0x1000
	pb := threadParams("b", model.PriorityNormal)
	pb.EntryPoint = 0x8000
	a := mustThread(t, k, pid, pa)
	b := mustThread(t, k, pid, pb)

	// a is dispatched at tick 1 and runs ticks 2..21.
	ticks(t, k, 21)
	sa := mustState(t, k, a)
	require.Equal(t, model.ThreadStateReady, sa.State)
	assert.Equal(t, uint64(0x1000+20*arch.InstructionSize), sa.Context.PC)
	assert.Equal(t, uint64(20), sa.Context.GPR[1])

	ticks(t, k, 5)
	sb := mustState(t, k, b)
	require.Equal(t, model.ThreadStateRunning, sb.State)
	assert.Equal(t, uint64(0x8000+5*arch.InstructionSize), sb.Context.PC)

	// a resumes exactly where it stopped.
	ticks(t, k, 15)
	sa = mustState(t, k, a)
	require.Equal(t, model.ThreadStateRunning, sa.State)
	assert.Equal(t, uint64(0x1000+20*arch.InstructionSize), sa.Context.PC)
	assert.Equal(t, uint64(20), sa.Context.GPR[1])
}
