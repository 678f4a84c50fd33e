// Package testutil provides helpers for testing code that runs on a peer
// executor: starting queues, waiting for conditions evaluated on the
// executor, and in-memory transport establishment with failure injection.
package testutil

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/internal/serial"
	"github.com/blockberries/sendberry/pkg/module"
)

// DefaultTimeout bounds every wait in this package.
const DefaultTimeout = 5 * time.Second

// ErrInjected is returned by PipeEstablisher for injected failures.
var ErrInjected = errors.New("injected failure")

// StartQueue returns a running executor that is closed with the test.
func StartQueue(t testing.TB) *serial.Queue {
	t.Helper()
	q := serial.NewQueue()
	q.Start()
	t.Cleanup(q.Close)
	return q
}

// Do runs fn on q and waits for it.
func Do(t testing.TB, q *serial.Queue, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := q.Do(ctx, fn); err != nil {
		t.Fatalf("executor: %v", err)
	}
}

// Eventually polls cond on q until it returns true.
func Eventually(t testing.TB, q *serial.Queue, cond func() bool, msg string) {
	t.Helper()
	EventuallyWith(t, q, cond, func() {}, msg)
}

// EventuallyWith is Eventually that calls tick, off the executor, between
// polls. Tests use it to advance a mock clock.
func EventuallyWith(t testing.TB, q *serial.Queue, cond func() bool, tick func(), msg string) {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for {
		var ok bool
		Do(t, q, func() { ok = cond() })
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		tick()
		time.Sleep(time.Millisecond)
	}
}

// PipeEstablisher establishes in-memory transports. Each established
// transport's remote end is handed to Accept on the executor before the
// local end is returned.
type PipeEstablisher struct {
	Exec   serial.Executor
	Accept func(module.UnderlyingConnection) error

	mu    sync.Mutex
	fail  int
	err   error
	calls int
	links []net.Conn
}

// FailNext makes the next n attempts fail with err, or ErrInjected when
// err is nil.
func (e *PipeEstablisher) FailNext(n int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	e.fail, e.err = n, err
}

// Calls returns the number of establishment attempts.
func (e *PipeEstablisher) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Kill closes the most recently established transport, as a failing
// network would.
func (e *PipeEstablisher) Kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.links); n > 0 {
		_ = e.links[n-1].Close()
	}
}

// EstablishUnderlyingConnection implements connection.Establisher.
func (e *PipeEstablisher) EstablishUnderlyingConnection(ctx context.Context, _ uuid.UUID, _ []uuid.UUID) (module.UnderlyingConnection, error) {
	e.mu.Lock()
	e.calls++
	if e.fail > 0 {
		e.fail--
		err := e.err
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	local, remote := net.Pipe()
	accepted := make(chan error, 1)
	e.Exec.Post(func() { accepted <- e.Accept(module.FromNetConn(remote)) })

	select {
	case err := <-accepted:
		if err != nil {
			_ = local.Close()
			return nil, err
		}
	case <-ctx.Done():
		_ = local.Close()
		return nil, ctx.Err()
	}

	e.mu.Lock()
	e.links = append(e.links, local)
	e.mu.Unlock()
	return module.FromNetConn(local), nil
}
