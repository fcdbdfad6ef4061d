package engine

import (
	"context"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/rendis/lifecycle/pkg/schema"
)

// lanes serialize all work on one instance: the instance ID hashes to a
// lane and each lane is drained in FIFO order by a single goroutine.
// Unrelated instances on different lanes proceed in parallel.
type lanes struct {
	queues []chan func()
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newLanes(n, depth int) *lanes {
	if n <= 0 {
		n = 1
	}
	if depth <= 0 {
		depth = 1
	}
	l := &lanes{
		queues: make([]chan func(), n),
		done:   make(chan struct{}),
	}
	for i := range l.queues {
		l.queues[i] = make(chan func(), depth)
		l.wg.Add(1)
		go l.drain(l.queues[i])
	}
	return l
}

// drain runs queued work until stop. Queues are never closed; work still
// queued at stop is abandoned and its waiter sees SHUTDOWN.
func (l *lanes) drain(q chan func()) {
	defer l.wg.Done()
	for {
		select {
		case fn := <-q:
			fn()
		case <-l.done:
			return
		}
	}
}

func (l *lanes) index(instanceID string) int {
	return int(xxh3.HashString(instanceID) % uint64(len(l.queues)))
}

// enqueue blocks until fn is queued on the instance's lane.
func (l *lanes) enqueue(ctx context.Context, instanceID string, fn func()) error {
	select {
	case <-l.done:
		return errShutdown()
	default:
	}
	select {
	case l.queues[l.index(instanceID)] <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return errShutdown()
	}
}

// tryEnqueue queues fn only if the lane has room.
func (l *lanes) tryEnqueue(instanceID string, fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queues[l.index(instanceID)] <- fn:
		return true
	default:
		return false
	}
}

func (l *lanes) stopped() <-chan struct{} { return l.done }

func (l *lanes) stop() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}

func errShutdown() error {
	return schema.NewError(schema.ErrCodeShutdown, "engine is shutting down")
}
