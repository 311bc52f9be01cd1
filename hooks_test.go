package alive

import (
	"context"
	"errors"
	"testing"
)

func TestDefaultHooks(t *testing.T) {
	ctx := context.Background()

	ok, err := AlwaysAlive(ctx)
	if !ok || err != nil {
		t.Errorf("AlwaysAlive() = %v, %v", ok, err)
	}
	if err := NoOpCallback(ctx); err != nil {
		t.Errorf("NoOpCallback() error = %v", err)
	}
}

func TestInvokeProbe(t *testing.T) {
	ctx := context.Background()

	ok, err := invokeProbe(ctx, func(context.Context) (bool, error) { return false, nil })
	if ok || err != nil {
		t.Errorf("rejecting probe = %v, %v; want false, nil", ok, err)
	}

	boom := errors.New("boom")
	_, err = invokeProbe(ctx, func(context.Context) (bool, error) { return true, boom })
	if !errors.Is(err, ErrProbeFailed) || !errors.Is(err, boom) {
		t.Errorf("failing probe error = %v; want ErrProbeFailed wrapping boom", err)
	}

	ok, err = invokeProbe(ctx, func(context.Context) (bool, error) { panic("oops") })
	if ok || !errors.Is(err, ErrProbeFailed) {
		t.Errorf("panicking probe = %v, %v; want false, ErrProbeFailed", ok, err)
	}
}

func TestInvokeCallbackRecoversPanic(t *testing.T) {
	err := invokeCallback(context.Background(), func(context.Context) error { panic("oops") })
	if err == nil {
		t.Error("invokeCallback() expected error from panic")
	}
}

func TestChainCallbacks(t *testing.T) {
	var calls []string
	first := errors.New("first")

	chain := ChainCallbacks(
		func(context.Context) error { calls = append(calls, "a"); return first },
		nil,
		func(context.Context) error { calls = append(calls, "b"); panic("oops") },
		func(context.Context) error { calls = append(calls, "c"); return errors.New("last") },
	)

	err := chain(context.Background())
	if !errors.Is(err, first) {
		t.Errorf("ChainCallbacks() error = %v, want first", err)
	}
	if len(calls) != 3 {
		t.Errorf("ChainCallbacks() ran %v, want all three", calls)
	}
}
