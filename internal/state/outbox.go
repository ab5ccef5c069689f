package state

import (
	"context"
	"sync"
)

// outbox runs queued requests one at a time in submission order, so the
// effects of one client's operations reach the log in the order the user
// made them. The queue is unbounded; callers never block on push.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func(context.Context)
	closed bool
	done   chan struct{}
}

func newOutbox(ctx context.Context) *outbox {
	o := &outbox{done: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	go o.run(ctx)
	return o
}

// push queues task and reports false once the outbox is closed.
func (o *outbox) push(task func(context.Context)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.queue = append(o.queue, task)
	o.cond.Signal()
	return true
}

func (o *outbox) run(ctx context.Context) {
	defer close(o.done)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		task := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()

		task(ctx)
	}
}

// close stops accepting work and waits for queued tasks to finish.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
	<-o.done
}
