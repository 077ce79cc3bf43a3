package kernel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/kernsched/internal/config"
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/internal/memory"
	"github.com/me/kernsched/pkg/model"
)

const (
	testStackBase  = memory.Address(0x7000_0000)
	testStackSpace = 64 << 20
	testStack      = 16 << 10
)

// testKernel builds an initialized kernel with one CPU and balancing off, after applying
// mutate to the config.
func testKernel(t *testing.T, mutate func(*config.SchedulerConfig)) (*Kernel, *memory.RegionAllocator) {
	t.Helper()
	cfg := config.DefaultSchedulerConfig()
	cfg.CPUCount = 1
	cfg.EnableLoadBalancing = false
	if mutate != nil {
		mutate(&cfg)
	}
	alloc := memory.NewRegionAllocator(testStackBase, testStackSpace)
	k := New(alloc, logging.Discard())
	require.NoError(t, k.Init(cfg))
	return k, alloc
}

func mustProcess(t *testing.T, k *Kernel, name string) model.ProcessID {
	t.Helper()
	pid, err := k.CreateProcess(ProcessParams{Name: name, Priority: model.ProcessPriorityNormal})
	require.NoError(t, err)
	return pid
}

func threadParams(name string, priority model.Priority) ThreadParams {
	return ThreadParams{
		Name:       name,
		EntryPoint: 0x40_0000,
		StackSize:  testStack,
		Priority:   priority,
	}
}

func mustThread(t *testing.T, k *Kernel, pid model.ProcessID, params ThreadParams) model.ThreadID {
	t.Helper()
	tid, err := k.CreateThread(pid, params)
	require.NoError(t, err)
	return tid
}

func mustState(t *testing.T, k *Kernel, tid model.ThreadID) model.ThreadStats {
	t.Helper()
	s, err := k.ThreadStats(tid)
	require.NoError(t, err)
	return s
}

func ticks(t *testing.T, k *Kernel, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, k.Tick())
	}
}

// eventLog collects trace events.
type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (l *eventLog) OnEvent(ev model.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) of(kind model.EventKind) []model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestKernel_Lifecycle(t *testing.T) {
	k := New(memory.NewRegionAllocator(testStackBase, testStackSpace), logging.Discard())

	_, err := k.CreateProcess(ProcessParams{Name: "early"})
	assert.ErrorIs(t, err, model.ErrSchedulerNotInitialized)
	assert.ErrorIs(t, k.Tick(), model.ErrSchedulerNotInitialized)

	bad := config.DefaultSchedulerConfig()
	bad.CPUCount = 0
	assert.ErrorIs(t, k.Init(bad), model.ErrInvalidConfiguration)

	require.NoError(t, k.Init(config.DefaultSchedulerConfig()))
	assert.Equal(t, 4, k.CPUCount())
	assert.ErrorIs(t, k.Init(config.DefaultSchedulerConfig()), model.ErrSchedulerAlreadyInitialized)
}

func TestKernel_InitRequiresAllocator(t *testing.T) {
	k := New(nil, logging.Discard())
	assert.ErrorIs(t, k.Init(config.DefaultSchedulerConfig()), model.ErrInvalidConfiguration)
}

func TestKernel_FatalOnDoubleEnqueue(t *testing.T) {
	k, _ := testKernel(t, nil)
	pid := mustProcess(t, k, "p")
	tid := mustThread(t, k, pid, threadParams("t", model.PriorityNormal))

	th := k.threads[tid]
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		fe, ok := r.(*model.FatalError)
		require.True(t, ok, "panic value %T", r)
		assert.Contains(t, fe.Reason, "queued on")
	}()
	k.enqueueOn(k.cpus[0], th)
}

func TestKernel_Stats(t *testing.T) {
	k, _ := testKernel(t, func(c *config.SchedulerConfig) { c.CPUCount = 2 })
	pid := mustProcess(t, k, "p")
	mustThread(t, k, pid, threadParams("a", model.PriorityNormal))
	mustThread(t, k, pid, threadParams("b", model.PriorityNormal))

	ticks(t, k, 3)

	s := k.Stats()
	assert.Equal(t, model.AlgorithmRoundRobin, s.Algorithm)
	assert.Equal(t, uint64(3), s.Tick)
	assert.Equal(t, 1, s.LiveProcesses)
	assert.Equal(t, 2, s.LiveThreads)
	assert.Equal(t, uint64(2), s.ThreadsCreated)
	assert.Equal(t, uint64(2), s.Dispatches)
	require.Len(t, s.CPUs, 2)
	for _, c := range s.CPUs {
		assert.True(t, c.Online)
		assert.NotEqual(t, model.NoThread, c.Current)
		assert.Equal(t, uint64(2), c.BusyTicks)
		assert.Equal(t, uint64(1), c.IdleTicks)
	}
}

func TestListener_CallsBackIntoKernel(t *testing.T) {
	k, _ := testKernel(t, nil)
	log := &eventLog{}
	k.SetListener(ListenerFunc(func(ev model.Event) {
		log.OnEvent(ev)
		if ev.Kind == model.EventThreadCreated {
			assert.NoError(t, k.SleepThread(ev.Thread, 5))
			assert.NoError(t, k.WakeThread(ev.Thread))
		}
	}))
	pid := mustProcess(t, k, "p")

	done := make(chan model.ThreadID, 1)
	go func() {
		tid, err := k.CreateThread(pid, threadParams("t", model.PriorityNormal))
		assert.NoError(t, err)
		done <- tid
	}()

	var tid model.ThreadID
	select {
	case tid = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CreateThread did not return while the listener called back into the kernel")
	}

	assert.Equal(t, model.ThreadStateReady, mustState(t, k, tid).State)

	var kinds []model.EventKind
	log.mu.Lock()
	for _, ev := range log.events {
		if ev.Thread == tid {
			kinds = append(kinds, ev.Kind)
		}
	}
	log.mu.Unlock()
	assert.Equal(t, []model.EventKind{model.EventThreadCreated, model.EventSleep, model.EventWake}, kinds)
}
