package kernel

import (
	"fmt"
	"sort"

	"github.com/me/kernsched/internal/config"
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/pkg/model"
)

// Balance runs one load-balancing pass immediately and returns the number of threads
// migrated. It works whether or not periodic balancing is enabled.
func (k *Kernel) Balance() (int, error) {
	if err := k.ready(); err != nil {
		return 0, err
	}
	defer k.events.flush()

	k.threadMu.Lock()
	defer k.threadMu.Unlock()
	return k.balanceLocked(), nil
}

// load is c's queue length, or the sum of the quanta of its queued threads under the
// weighted metric. Running threads are not counted; they cannot be migrated.
func (k *Kernel) load(c *cpu) int {
	if k.cfg.BalanceMetric != config.BalanceByWeighted {
		return c.queue.Len()
	}
	total := 0
	for _, t := range c.queue.threads() {
		total += k.weight(t)
	}
	return total
}

func (k *Kernel) moveCost(t *thread) int {
	if k.cfg.BalanceMetric != config.BalanceByWeighted {
		return 1
	}
	return k.weight(t)
}

// balanceLocked migrates Ready threads from the most loaded online CPU to the least
// loaded ones until the spread is within the threshold or no thread can move. Every
// migration strictly narrows the gap between its two CPUs, so the loop terminates.
// Caller holds threadMu.
func (k *Kernel) balanceLocked() int {
	k.loadBalances.Add(1)

	var online []*cpu
	queued := 0
	for _, c := range k.cpus {
		if c.online {
			online = append(online, c)
			queued += c.queue.Len()
		}
	}
	if len(online) < 2 {
		return 0
	}

	migrated := 0
	for ; queued > 0; queued-- {
		loads := make(map[model.CPUID]int, len(online))
		for _, c := range online {
			loads[c.id] = k.load(c)
		}
		order := append([]*cpu(nil), online...)
		sort.SliceStable(order, func(i, j int) bool { return loads[order[i].id] < loads[order[j].id] })

		src := order[len(order)-1]
		for _, c := range order {
			if loads[c.id] == loads[src.id] {
				src = c
				break
			}
		}

		moved := false
		for _, dst := range order {
			if dst == src {
				continue
			}
			gap := loads[src.id] - loads[dst.id]
			if gap <= k.cfg.BalanceThreshold {
				break
			}
			if t := k.migrationCandidate(src, dst, gap); t != nil {
				k.migrate(t, src, dst)
				migrated++
				moved = true
				break
			}
		}
		if !moved {
			break
		}
	}

	if migrated > 0 {
		k.logger.Info("load balanced", "migrations", migrated, "tick", k.now.Load())
	}
	return migrated
}

// migrationCandidate picks the least recently dispatched thread queued on src that may
// run on dst and whose move narrows a gap of gap. Ties go to the lowest thread ID.
func (k *Kernel) migrationCandidate(src, dst *cpu, gap int) *thread {
	var pick *thread
	for _, t := range src.queue.threads() {
		if !k.allowed(t, dst) || k.moveCost(t) >= gap {
			continue
		}
		if pick == nil || t.lastDispatch < pick.lastDispatch ||
			(t.lastDispatch == pick.lastDispatch && t.id < pick.id) {
			pick = t
		}
	}
	return pick
}

// migrate moves a queued thread from src to the back of dst's queue. Caller holds
// threadMu.
func (k *Kernel) migrate(t *thread, src, dst *cpu) {
	src.mu.Lock()
	dst.mu.Lock()
	if t.queuedOn != src.id {
		dst.mu.Unlock()
		src.mu.Unlock()
		k.fatal("migrating %s from cpu%d but it is queued on cpu%d", t.id, src.id, t.queuedOn)
	}
	src.queue.remove(t)
	t.queuedOn = notQueued
	k.pushLocked(dst, t)
	dst.mu.Unlock()
	src.mu.Unlock()

	k.migrations.Add(1)
	k.emit(model.EventMigrate, dst.id, t, fmt.Sprintf("%d->%d", src.id, dst.id))
	k.logger.Debug("thread migrated", logging.IDAttr("tid", t.id), "from", src.id, "to", dst.id)
}
