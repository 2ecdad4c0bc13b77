package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/tiered/vm"
)

// vmRequest represents a unit of work to be executed on the VM goroutine.
type vmRequest struct {
	fn   func(*vm.VM) (interface{}, error)
	done chan vmResult
}

// vmResult holds the return value from a VM operation.
type vmResult struct {
	value interface{}
	err   error
}

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("vm worker stopped")

// VMWorker serializes all VM access through a single goroutine. Script
// execution is single-threaded; every handler goes through the worker.
type VMWorker struct {
	vm       *vm.VM
	requests chan vmRequest
	quit     chan struct{}
	stopped  chan struct{}
}

// NewVMWorker creates a VMWorker and starts the processing goroutine.
func NewVMWorker(v *vm.VM) *VMWorker {
	w := &VMWorker{
		vm:       v,
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes VM requests sequentially on a dedicated goroutine.
func (w *VMWorker) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.quit:
			return
		default:
		}
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the VM, recovering from panics. A violated
// tiering invariant surfaces as an error for the one request that hit it.
func (w *VMWorker) execute(fn func(*vm.VM) (interface{}, error)) (result vmResult) {
	defer func() {
		if r := recover(); r != nil {
			if iv, ok := r.(*vm.InvariantViolation); ok {
				result.err = iv
				return
			}
			result.err = fmt.Errorf("panic: %v", r)
		}
	}()
	result.value, result.err = fn(w.vm)
	return result
}

// Do submits a function for execution on the VM goroutine and blocks
// until it completes or ctx is done. Panics are returned as errors. A
// request still queued when the worker stops fails with ErrWorkerStopped.
func (w *VMWorker) Do(ctx context.Context, fn func(*vm.VM) (interface{}, error)) (interface{}, error) {
	req := vmRequest{
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case <-w.quit:
		return nil, ErrWorkerStopped
	default:
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.stopped:
		// The loop sends a result before it exits.
		select {
		case result := <-req.done:
			return result.value, result.err
		default:
			return nil, ErrWorkerStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// do is Do with a typed result.
func do[T any](ctx context.Context, w *VMWorker, fn func(*vm.VM) (T, error)) (T, error) {
	v, err := w.Do(ctx, func(m *vm.VM) (interface{}, error) {
		return fn(m)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Stop shuts down the worker goroutine and waits for it to exit. The
// request running at the time completes first.
func (w *VMWorker) Stop() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	<-w.stopped
}

// VM returns the underlying VM, for state that is safe to read from any
// goroutine such as the trace recorder.
func (w *VMWorker) VM() *vm.VM {
	return w.vm
}
