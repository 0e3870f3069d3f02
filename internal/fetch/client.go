package fetch

import (
	"context"
	"sync"
)

// WaitClient is a Client that lets a goroutine block until the outcome
// arrives.
type WaitClient struct {
	once   sync.Once
	done   chan struct{}
	result *Result
	err    *Error
}

// NewWaitClient creates a WaitClient.
func NewWaitClient() *WaitClient {
	return &WaitClient{done: make(chan struct{})}
}

// OnSuccess implements Client.
func (c *WaitClient) OnSuccess(result *Result, _ *Getter) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// OnFailure implements Client.
func (c *WaitClient) OnFailure(err *Error, _ *Getter) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed when the outcome is known.
func (c *WaitClient) Done() <-chan struct{} { return c.done }

// Wait blocks until the outcome arrives or ctx is done.
func (c *WaitClient) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}
