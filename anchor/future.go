package anchor

import (
	"context"
	"sync"
)

// Future is the completion handle of one submission job
type Future struct {
	done chan struct{}
	once sync.Once
	txID string
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func rejectedFuture(err error) *Future {
	f := newFuture()
	f.resolve("", err)
	return f
}

func (f *Future) resolve(txID string, err error) {
	f.once.Do(func() {
		f.txID = txID
		f.err = err
		close(f.done)
	})
}

// Done is closed once the job reached a terminal outcome
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job resolves or ctx ends. Giving up on the wait does not cancel the job.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.txID, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Result blocks until the job resolves
func (f *Future) Result() (string, error) {
	<-f.done
	return f.txID, f.err
}
