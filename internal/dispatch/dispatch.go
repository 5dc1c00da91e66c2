// Package dispatch runs tasks on per-user lanes: tasks for one user execute
// in submission order, different users run concurrently.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("dispatcher: closed")

type lane struct {
	tasks chan func(ctx context.Context)
}

type Dispatcher struct {
	ctx      context.Context
	buffer   int
	mu       sync.Mutex
	lanes    map[string]*lane
	wg       sync.WaitGroup
	closed   bool
	closedCh chan struct{}
}

func New(ctx context.Context, buffer int) *Dispatcher {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = 16
	}
	return &Dispatcher{
		ctx:      ctx,
		buffer:   buffer,
		lanes:    make(map[string]*lane),
		closedCh: make(chan struct{}),
	}
}

// Do enqueues task on userID's lane, starting the lane worker on first use.
// It blocks only when the lane's buffer is full.
func (d *Dispatcher) Do(userID string, task func(ctx context.Context)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	ln, ok := d.lanes[userID]
	if !ok {
		ln = &lane{tasks: make(chan func(ctx context.Context), d.buffer)}
		d.lanes[userID] = ln
		d.wg.Add(1)
		go d.run(ln)
	}
	d.mu.Unlock()

	select {
	case ln.tasks <- task:
		return nil
	case <-d.closedCh:
		return ErrClosed
	case <-d.ctx.Done():
		return d.ctx.Err()
	}
}

func (d *Dispatcher) run(ln *lane) {
	defer d.wg.Done()
	for {
		select {
		case task := <-ln.tasks:
			task(d.ctx)
		case <-d.ctx.Done():
			return
		case <-d.closedCh:
			// Drain what was accepted before close.
			for {
				select {
				case task := <-ln.tasks:
					task(d.ctx)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting work and waits for accepted tasks to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.closedCh)
	d.mu.Unlock()
	d.wg.Wait()
}
