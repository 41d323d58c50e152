// Package recovery restores work a previous GroupPulse process left behind.
//
// Components register Recoverables; RecoverAll runs each once at startup, in
// registration order, and keeps going when one fails.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable is a component with state to restore after a restart.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// RecoverState restores the component and reports how many items it touched.
	RecoverState(ctx context.Context) (int, error)
}

// Func adapts a function to Recoverable.
type Func struct {
	ComponentName string
	Fn            func(ctx context.Context) (int, error)
}

func (f Func) Name() string { return f.ComponentName }

func (f Func) RecoverState(ctx context.Context) (int, error) { return f.Fn(ctx) }

// Result is the outcome of one component's recovery.
type Result struct {
	Name      string
	Recovered int
	Err       error
	Elapsed   time.Duration
}

// RecoveryManager orchestrates recovery of all registered components.
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates an empty recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a component that can be recovered.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll runs every registered component. A failing component is logged
// and does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) ([]Result, error) {
	slog.Info("RecoveryManager.RecoverAll: starting recovery", "components", len(rm.recoverables))

	results := make([]Result, 0, len(rm.recoverables))
	errorCount := 0
	for _, r := range rm.recoverables {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		start := time.Now()
		n, err := r.RecoverState(ctx)
		res := Result{Name: r.Name(), Recovered: n, Err: err, Elapsed: time.Since(start)}
		results = append(results, res)
		if err != nil {
			errorCount++
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", res.Name, "error", err)
			continue
		}
		slog.Info("RecoveryManager.RecoverAll: component recovered", "component", res.Name, "recovered", n, "elapsed", res.Elapsed)
	}

	if errorCount > 0 {
		return results, fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	slog.Info("RecoveryManager.RecoverAll: recovery completed", "components", len(results))
	return results, nil
}
