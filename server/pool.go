package server

import "sync"

// DefaultWorkers is the number of requests handled at once.
const DefaultWorkers = 4

// workerPool runs request handlers off the read loop, at most size at a time.
type workerPool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &workerPool{slots: make(chan struct{}, size)}
}

// TrySubmit runs fn on a free worker. It returns false without running fn
// when every worker is busy.
func (p *workerPool) TrySubmit(fn func()) bool {
	select {
	case p.slots <- struct{}{}:
	default:
		return false
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		fn()
	}()
	return true
}

// Wait blocks until every submitted fn has returned.
func (p *workerPool) Wait() {
	p.wg.Wait()
}
