package resilience

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/smilit/proxycast-sub002/internal/core/domain"
)

// IdleReader closes a response body that delivers no bytes for longer than
// the idle window. Reads after that return a StreamIdleTimeout error.
//
// The underlying Read blocks on the network; the timer closes the body from
// another goroutine to unblock it.
type IdleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer

	mu     sync.Mutex
	idle   bool
	closed bool
}

// NewIdleReader wraps rc. A zero timeout disables idle detection. cancel,
// if non-nil, is called when the stream goes idle.
func NewIdleReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *IdleReader {
	r := &IdleReader{rc: rc, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, r.expire)
	}
	return r
}

func (r *IdleReader) expire() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.idle = true
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	r.rc.Close()
}

// Read implements io.Reader.
func (r *IdleReader) Read(p []byte) (int, error) {
	if r.TimedOut() {
		return 0, r.idleErr(nil)
	}
	n, err := r.rc.Read(p)
	if n > 0 && r.timer != nil && !r.TimedOut() {
		r.timer.Reset(r.timeout)
	}
	if err != nil && r.TimedOut() {
		return n, r.idleErr(err)
	}
	return n, err
}

// Close stops the idle timer and closes the body.
func (r *IdleReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	return r.rc.Close()
}

// TimedOut reports whether the idle window elapsed.
func (r *IdleReader) TimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle
}

func (r *IdleReader) idleErr(cause error) error {
	return &domain.ResilienceError{
		Kind:    domain.StreamIdleTimeout,
		Elapsed: r.timeout,
		LastErr: cause,
	}
}
