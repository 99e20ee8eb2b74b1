package logstream

import (
	"context"
	"errors"
	"io"
	"sync"
)

var errClosed = errors.New("subscriber closed")

// fakeConn records lines and implements Conn.
type fakeConn struct {
	mu         sync.Mutex
	lines      []string
	sendErr    error
	hang       bool // Send ignores ctx and blocks until Close
	onSend     func()
	closeCount int
	reason     string

	inbound   chan string
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan string, 8),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, line string) error {
	if c.onSend != nil {
		c.onSend()
	}
	if c.hang {
		<-c.done
		return errClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errClosed
	default:
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lines = append(c.lines, line)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	c.closeCount++
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errClosed
	case _, ok := <-c.inbound:
		if !ok {
			return io.EOF
		}
		return nil
	}
}

func (c *fakeConn) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}
