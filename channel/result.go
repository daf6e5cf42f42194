package channel

import (
	"context"
	"sync"
)

// PublishResult is the eventual outcome of a Publish call.
// It is resolved exactly once; later resolutions are ignored.
type PublishResult struct {
	once sync.Once
	done chan struct{}
	id   string
	err  error
}

// NewPublishResult returns an unresolved result.
func NewPublishResult() *PublishResult {
	return &PublishResult{done: make(chan struct{})}
}

// Failed returns a result already resolved with err.
func Failed(err error) *PublishResult {
	r := NewPublishResult()
	r.Resolve("", err)
	return r
}

// Succeeded returns a result already resolved with id.
func Succeeded(id string) *PublishResult {
	r := NewPublishResult()
	r.Resolve(id, nil)
	return r
}

// Resolve records the outcome. Only the first call has any effect.
func (r *PublishResult) Resolve(id string, err error) {
	r.once.Do(func() {
		r.id = id
		r.err = err
		close(r.done)
	})
}

// Ready is closed once the result is resolved.
func (r *PublishResult) Ready() <-chan struct{} {
	return r.done
}

// Get waits for the outcome or for ctx to end.
func (r *PublishResult) Get(ctx context.Context) (string, error) {
	select {
	case <-r.done:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
