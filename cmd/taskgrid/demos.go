package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/taskgrid/internal/compute"
	"github.com/vk/taskgrid/internal/control"
	"github.com/vk/taskgrid/internal/thunk"
)

// demo names a canonical scenario the run command can execute against a
// freshly built Run, returning the root thunk id whose outcome is the
// scenario's result.
type demo func(run *compute.Run) (thunk.ID, error)

var demos = map[string]demo{
	"linear-chain":         demoLinearChain,
	"diamond":              demoDiamond,
	"failure-propagation":  demoFailurePropagation,
	"dynamic-add":          demoDynamicAdd,
	"processor-exhaustion": demoProcessorExhaustion,
}

func demoLinearChain(run *compute.Run) (thunk.ID, error) {
	a, err := run.Submit("a", func(ctx context.Context, args []any) (any, error) {
		return 1, nil
	}, nil, thunk.Options{})
	if err != nil {
		return 0, err
	}
	b, err := run.Submit("b", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) + 1, nil
	}, []thunk.Input{thunk.Ref(a)}, thunk.Options{})
	if err != nil {
		return 0, err
	}
	return run.Submit("c", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) * 2, nil
	}, []thunk.Input{thunk.Ref(b)}, thunk.Options{})
}

func demoDiamond(run *compute.Run) (thunk.ID, error) {
	a, err := run.Submit("a", func(ctx context.Context, args []any) (any, error) {
		return 10, nil
	}, nil, thunk.Options{})
	if err != nil {
		return 0, err
	}
	b, err := run.Submit("b", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) + 1, nil
	}, []thunk.Input{thunk.Ref(a)}, thunk.Options{})
	if err != nil {
		return 0, err
	}
	c, err := run.Submit("c", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) + 2, nil
	}, []thunk.Input{thunk.Ref(a)}, thunk.Options{})
	if err != nil {
		return 0, err
	}
	return run.Submit("d", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) * args[1].(int), nil
	}, []thunk.Input{thunk.Ref(b), thunk.Ref(c)}, thunk.Options{})
}

func demoFailurePropagation(run *compute.Run) (thunk.ID, error) {
	a, err := run.Submit("a", func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("x")
	}, nil, thunk.Options{})
	if err != nil {
		return 0, err
	}
	b, err := run.Submit("b", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) + 1, nil
	}, []thunk.Input{thunk.Ref(a)}, thunk.Options{})
	if err != nil {
		return 0, err
	}
	return run.Submit("c", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) + 1, nil
	}, []thunk.Input{thunk.Ref(b)}, thunk.Options{})
}

func demoDynamicAdd(run *compute.Run) (thunk.ID, error) {
	return run.Submit("root", func(ctx context.Context, args []any) (any, error) {
		h, ok := control.HandleFromContext(ctx)
		if !ok {
			return nil, fmt.Errorf("no control handle bound to this thunk")
		}
		id, err := h.AddThunk(func(ctx context.Context, args []any) (any, error) {
			return 7, nil
		}, nil, thunk.Options{})
		if err != nil {
			return nil, err
		}
		return h.Fetch(id)
	}, nil, thunk.Options{})
}

func demoProcessorExhaustion(run *compute.Run) (thunk.ID, error) {
	return run.Submit("gpu-only", func(ctx context.Context, args []any) (any, error) {
		return nil, nil
	}, nil, thunk.Options{ProcList: []string{"gpu"}})
}
