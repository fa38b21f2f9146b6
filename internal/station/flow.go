package station

import (
	"sync"
)

// flowBuffer is how many items a flow holds while storage is slow
const flowBuffer = 256

// flow hands items from bus handlers to a single worker, so a handler never
// waits on storage and items on one topic are processed in order.
type flow[T any] struct {
	queue chan T

	quit chan struct{}

	stopOnce sync.Once

	wg sync.WaitGroup

	// process persists and pushes one item on the worker goroutine
	process func(T)

	// overflow handles an item that arrived while the queue was full,
	// on the publishing goroutine
	overflow func(T)
}

func newFlow[T any](process, overflow func(T)) *flow[T] {
	return &flow[T]{
		queue:    make(chan T, flowBuffer),
		quit:     make(chan struct{}),
		process:  process,
		overflow: overflow,
	}
}

// enqueue never blocks; it has the func(T) error shape of a bus handler
func (f *flow[T]) enqueue(v T) error {

	select {
	case f.queue <- v:
	default:
		f.overflow(v)
	}

	return nil
}

func (f *flow[T]) start() {

	f.wg.Add(1)

	go func() {
		defer f.wg.Done()

		for {
			select {
			case v := <-f.queue:
				f.process(v)
			case <-f.quit:
				f.drain()
				return
			}
		}
	}()
}

// drain processes whatever was queued before stop
func (f *flow[T]) drain() {
	for {
		select {
		case v := <-f.queue:
			f.process(v)
		default:
			return
		}
	}
}

// stop waits for the worker to finish the queue; safe to call more than
// once, or without start
func (f *flow[T]) stop() {
	f.stopOnce.Do(func() {
		close(f.quit)
	})
	f.wg.Wait()
}
