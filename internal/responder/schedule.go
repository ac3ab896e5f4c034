package responder

import (
	"container/heap"
	"time"
)

// timerItem is one logical timer multiplexed onto the platform alarm. Each
// entry and each pending query owns exactly one.
type timerItem struct {
	at    time.Time
	seq   uint64
	index int // position in the queue, -1 when not scheduled

	entry *entry
	query *pendingQuery
	tasks bool
}

func (t *timerItem) scheduled() bool { return t.index >= 0 }

// timerQueue is a min-heap of timers ordered by due time, then by the order
// in which they were scheduled.
type timerQueue []*timerItem

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if !q[i].at.Equal(q[j].at) {
		return q[i].at.Before(q[j].at)
	}
	return q[i].seq < q[j].seq
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timerItem)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// schedule (re)arms t to fire at at.
func (c *Core) schedule(t *timerItem, at time.Time) {
	c.timerSeq++
	t.at = at
	t.seq = c.timerSeq
	if t.scheduled() {
		heap.Fix(&c.timers, t.index)
		return
	}
	heap.Push(&c.timers, t)
}

// cancel removes t from the queue if it is scheduled.
func (c *Core) cancel(t *timerItem) {
	if t.scheduled() {
		heap.Remove(&c.timers, t.index)
	}
}

// popDue removes and returns every timer due at or before now, in order.
func (c *Core) popDue(now time.Time) []*timerItem {
	var due []*timerItem
	for len(c.timers) > 0 && !c.timers[0].at.After(now) {
		due = append(due, heap.Pop(&c.timers).(*timerItem))
	}
	return due
}

// rearm points the platform alarm at the earliest pending timer.
func (c *Core) rearm() {
	if len(c.timers) == 0 {
		c.alarm.Stop()
		return
	}
	c.alarm.Start(c.timers[0].at)
}

// oneShot is a registration callback bound to its request id. take hands it
// out at most once.
type oneShot struct {
	id RequestID
	fn Callback
}

func (o *oneShot) set(id RequestID, fn Callback) {
	o.id = id
	o.fn = fn
}

func (o *oneShot) take() (RequestID, Callback, bool) {
	if o.fn == nil {
		return 0, nil, false
	}
	id, fn := o.id, o.fn
	o.fn = nil
	return id, fn, true
}

func (o *oneShot) drop() { o.fn = nil }

// resolve queues the pending callback of e with err, if one is pending.
func (c *Core) resolve(e *entry, err error) {
	id, fn, ok := e.pending.take()
	if !ok {
		return
	}
	c.enqueue(func() { fn(id, err) })
}

// enqueue defers fn to the next timer wake-up so that callbacks never run
// inside the API call that caused them.
func (c *Core) enqueue(fn func()) {
	c.tasks = append(c.tasks, fn)
	if !c.taskTimer.scheduled() {
		c.schedule(&c.taskTimer, c.clock.Now())
	}
}

// runTasks runs queued callbacks, including any they queue themselves.
func (c *Core) runTasks() {
	for len(c.tasks) > 0 {
		fn := c.tasks[0]
		c.tasks[0] = nil
		c.tasks = c.tasks[1:]
		fn()
		if !c.enabled {
			return
		}
	}
	c.cancel(&c.taskTimer)
}
