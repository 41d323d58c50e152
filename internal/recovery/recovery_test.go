package recovery

import (
	"context"
	"errors"
	"testing"
)

type recorder struct {
	order []string
}

func (r *recorder) step(name string, n int, err error) Recoverable {
	return Func{ComponentName: name, Fn: func(ctx context.Context) (int, error) {
		r.order = append(r.order, name)
		return n, err
	}}
}

func TestRecoverAllRunsInOrder(t *testing.T) {
	rec := &recorder{}
	rm := NewRecoveryManager()
	rm.RegisterRecoverable(rec.step("a", 2, nil))
	rm.RegisterRecoverable(rec.step("b", 0, nil))

	results, err := rm.RecoverAll(context.Background())
	if err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}
	if len(rec.order) != 2 || rec.order[0] != "a" || rec.order[1] != "b" {
		t.Errorf("order = %v", rec.order)
	}
	if len(results) != 2 || results[0].Recovered != 2 || results[0].Name != "a" {
		t.Errorf("results = %+v", results)
	}
}

func TestRecoverAllContinuesAfterFailure(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	rm := NewRecoveryManager()
	rm.RegisterRecoverable(rec.step("a", 0, boom))
	rm.RegisterRecoverable(rec.step("b", 1, nil))

	results, err := rm.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(rec.order) != 2 {
		t.Errorf("second component did not run: %v", rec.order)
	}
	if !errors.Is(results[0].Err, boom) || results[1].Err != nil {
		t.Errorf("results = %+v", results)
	}
}

func TestRecoverAllStopsOnCancelledContext(t *testing.T) {
	rec := &recorder{}
	rm := NewRecoveryManager()
	rm.RegisterRecoverable(rec.step("a", 0, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := rm.RecoverAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(rec.order) != 0 {
		t.Errorf("ran %v after cancel", rec.order)
	}
}

func TestRecoverAllEmpty(t *testing.T) {
	results, err := NewRecoveryManager().RecoverAll(context.Background())
	if err != nil || len(results) != 0 {
		t.Errorf("RecoverAll = %v, %v", results, err)
	}
}
