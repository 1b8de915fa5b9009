package core

import (
	"context"
	"errors"

	"LeverLedger/internal/event"
)

var ErrRunnerStopped = errors.New("core: runner stopped")

type request struct {
	evt   event.Event
	query func(*Engine) error
	reply chan response
}

type response struct {
	result Result
	err    error
}

// Runner serializes every access to the engine onto one goroutine. Commands
// and reads from any number of callers queue on a single channel.
type Runner struct {
	engine   *Engine
	requests chan request
	done     chan struct{}
}

func NewRunner(engine *Engine, queueSize int) *Runner {
	return &Runner{
		engine:   engine,
		requests: make(chan request, queueSize),
		done:     make(chan struct{}),
	}
}

// Run processes requests until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-r.requests:
			var resp response
			if req.query != nil {
				resp.err = req.query(r.engine)
			} else {
				resp.result, resp.err = r.engine.Process(req.evt)
			}
			req.reply <- resp
		}
	}
}

// Submit applies one command and waits for its result.
func (r *Runner) Submit(ctx context.Context, evt event.Event) (Result, error) {
	resp, err := r.do(ctx, request{evt: evt, reply: make(chan response, 1)})
	if err != nil {
		return Result{}, err
	}
	return resp.result, resp.err
}

// Query runs fn on the engine goroutine between commands. fn must not retain
// the engine or any transaction it opens.
func (r *Runner) Query(ctx context.Context, fn func(*Engine) error) error {
	resp, err := r.do(ctx, request{query: fn, reply: make(chan response, 1)})
	if err != nil {
		return err
	}
	return resp.err
}

// Snapshot captures the engine state between commands.
func (r *Runner) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := r.Query(ctx, func(e *Engine) error {
		snap = e.CreateSnapshot()
		return nil
	})
	return snap, err
}

func (r *Runner) do(ctx context.Context, req request) (response, error) {
	select {
	case r.requests <- req:
	case <-r.done:
		return response{}, ErrRunnerStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-r.done:
		return response{}, ErrRunnerStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}
