package kernel

import (
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/pkg/model"
)

// SetCPUOnline brings a CPU online or takes it offline. Taking a CPU offline stops its
// running thread and moves its queued threads to other CPUs they may use; threads pinned
// to it alone stay parked in its queue until it comes back. The last online CPU cannot
// be taken offline.
func (k *Kernel) SetCPUOnline(id model.CPUID, online bool) error {
	if err := k.ready(); err != nil {
		return err
	}
	c, err := k.cpuByID(id)
	if err != nil {
		return err
	}
	defer k.events.flush()

	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	if c.online == online {
		return nil
	}
	if online {
		c.mu.Lock()
		c.online = true
		c.mu.Unlock()
		k.logger.Info("cpu online", logging.CPUAttr(int(id)))
		return nil
	}

	up := 0
	for _, other := range k.cpus {
		if other.online {
			up++
		}
	}
	if up == 1 {
		return model.Errorf(model.CodeInvalidConfiguration, "cpu%d is the last online cpu", id)
	}

	c.mu.Lock()
	c.online = false
	busy := c.current != nil
	c.mu.Unlock()
	if busy {
		k.schedule(c)
	}

	parked := 0
	for _, t := range c.queue.threads() {
		dst := k.placeCPU(t)
		if dst == c || !dst.online {
			parked++
			continue
		}
		k.migrate(t, c, dst)
	}
	k.logger.Info("cpu offline", logging.CPUAttr(int(id)), "parked", parked)
	return nil
}
