package ipc

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Looper runs posted functions one at a time on a single goroutine, in post
// order. Senders and receivers handle every inbound envelope on their looper
// so callbacks never race with each other.
type Looper struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewLooper starts a looper goroutine.
func NewLooper() *Looper {
	l := &Looper{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.loop()
	return l
}

// Post queues fn. Returns false once the looper is stopped. Post never
// blocks, so it is safe to call from the looper itself.
func (l *Looper) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop ends the looper after the function currently running; queued
// functions are dropped.
func (l *Looper) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the looper goroutine has exited.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

func (l *Looper) loop() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.run(fn)
	}
}

func (l *Looper) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("IPC: looper task panicked", "panic", r)
		}
	}()
	fn()
}

// workerPool runs blocking stream I/O on at most size goroutines. Work beyond
// that waits in a queue rather than in parked goroutines.
type workerPool struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	queue  []func()
	closed bool
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = DefaultStreamWorkers
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

// Submit queues fn and starts a worker if a slot is free. It never blocks.
// Returns false after shutdown; work still queued at shutdown is dropped.
func (p *workerPool) Submit(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, fn)
	if p.sem.TryAcquire(1) {
		go p.work()
	}
	return true
}

// work drains the queue. The slot is released under the lock so a Submit
// racing with an empty queue either sees the slot free or its work is taken.
func (p *workerPool) work() {
	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 {
			p.sem.Release(1)
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		fn()
	}
}

// Pending returns the number of queued tasks not yet started.
func (p *workerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown rejects new work and drops queued work. Running work is left to
// finish.
func (p *workerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
}

// IsShutdown reports whether Shutdown was called.
func (p *workerPool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
