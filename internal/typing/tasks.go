package typing

import (
	"sync"
	"time"

	"github.com/Avicted/hivechat/internal/clock"
)

// tasks holds at most one scheduled callback per key. Scheduling a key again
// replaces the earlier callback, and a replaced or cancelled callback never
// runs even if its timer already fired.
type tasks struct {
	mu     sync.Mutex
	clock  clock.Clock
	timers map[string]task
	seq    uint64
}

type task struct {
	timer clock.Timer
	gen   uint64
}

func newTasks(c clock.Clock) *tasks {
	return &tasks{clock: c, timers: make(map[string]task)}
}

func (t *tasks) schedule(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[key]; ok {
		old.timer.Stop()
	}
	t.seq++
	gen := t.seq
	timer := t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		cur, ok := t.timers[key]
		if !ok || cur.gen != gen {
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
		t.mu.Unlock()
		fn()
	})
	t.timers[key] = task{timer: timer, gen: gen}
}

func (t *tasks) cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.timers[key]; ok {
		cur.timer.Stop()
		delete(t.timers, key)
	}
}

// cancelAll stops every task and returns how many were pending.
func (t *tasks) cancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.timers)
	for key, cur := range t.timers {
		cur.timer.Stop()
		delete(t.timers, key)
	}
	return n
}

func (t *tasks) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
