package engine

import (
	"context"
	"fmt"
)

// invoke normalizes the three handler shapes into one awaited call.
// The shape check runs most-specific first so a handler implementing
// several interfaces gets the richest treatment.
func (e *Engine) invoke(ctx context.Context, h Handler, handle Handle, p Payload) (interface{}, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	switch a := h.(type) {
	case OrchestratorAware:
		return e.guarded(func() (interface{}, error) {
			return a.ExecuteWithScheduler(ctx, handle, p)
		})
	case AsyncAgent:
		select {
		case res, ok := <-a.ExecuteAsync(ctx, p):
			if !ok {
				return nil, fmt.Errorf("agent %q closed its result channel without a result", p.AgentID)
			}
			return res.Value, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case Agent:
		return e.dispatchPooled(ctx, a, p)
	default:
		return nil, fmt.Errorf("agent %q has unsupported handler type %T", p.AgentID, h)
	}
}

type outcome struct {
	value interface{}
	err   error
}

// dispatchPooled runs a synchronous handler on the bounded worker pool
// and awaits its outcome. The pool keeps parallel branch fan-out from
// spawning unbounded concurrent agent work.
func (e *Engine) dispatchPooled(ctx context.Context, a Agent, p Payload) (interface{}, error) {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() { <-e.slots }()
		ch <- e.runGuarded(ctx, a, p)
	}()

	select {
	case o := <-ch:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) runGuarded(ctx context.Context, a Agent, p Payload) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: fmt.Errorf("agent %q panicked: %v", p.AgentID, r)}
		}
	}()
	v, err := a.Execute(ctx, p)
	return outcome{value: v, err: err}
}

// guarded converts handler panics into errors for the inline shapes.
func (e *Engine) guarded(fn func() (interface{}, error)) (v interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return fn()
}
