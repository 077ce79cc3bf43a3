package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/kernsched/internal/config"
	"github.com/me/kernsched/pkg/model"
)

func TestSetCPUOnline(t *testing.T) {
	k, _ := testKernel(t, func(c *config.SchedulerConfig) {
		c.CPUCount = 2
		c.Placement = config.PlaceLowest
	})
	pid := mustProcess(t, k, "p")

	onOne := func(name string, mask model.CPUMask) model.ThreadID {
		p := threadParams(name, model.PriorityNormal)
		p.Affinity = mask
		return mustThread(t, k, pid, p)
	}
	running := onOne("running", model.MaskOf(1))
	pinned := onOne("pinned", model.MaskOf(1))
	free := onOne("free", model.MaskOf(0, 1))
	require.NoError(t, k.SetThreadAffinity(free, model.MaskOf(1)))
	require.NoError(t, k.SetThreadAffinity(free, model.MaskOf(0, 1)))

	ticks(t, k, 1)
	require.Equal(t, model.ThreadStateRunning, mustState(t, k, running).State)
	require.Equal(t, model.CPUID(1), mustState(t, k, free).CPU)

	require.NoError(t, k.SetCPUOnline(1, false))

	c1, err := k.CPUStats(1)
	require.NoError(t, err)
	assert.False(t, c1.Online)
	assert.Equal(t, model.NoThread, c1.Current)
	assert.Equal(t, 2, c1.QueueLength, "pinned threads stay parked")
	assert.Equal(t, model.CPUID(0), mustState(t, k, free).CPU)
	assert.Equal(t, model.ThreadStateReady, mustState(t, k, running).State)

	assert.ErrorIs(t, k.SetCPUOnline(0, false), model.ErrInvalidConfiguration)
	assert.ErrorIs(t, k.SetCPUOnline(9, false), model.ErrInvalidCPU)

	// Parked threads never run while their CPU is down.
	ticks(t, k, 30)
	assert.Zero(t, mustState(t, k, pinned).Dispatches)

	require.NoError(t, k.SetCPUOnline(1, true))
	ticks(t, k, 1)
	c1, err = k.CPUStats(1)
	require.NoError(t, err)
	assert.True(t, c1.Online)
	assert.NotEqual(t, model.NoThread, c1.Current)
}
