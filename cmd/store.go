package main

import (
	"context"

	"github.com/sells-group/registry-cli/internal/jobs"
	"github.com/sells-group/registry-cli/internal/store"
)

// initStore opens the configured staging store. The caller must Close it.
func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store)
}

// withStore opens and migrates the store, calls fn, and closes the store.
func withStore(ctx context.Context, fn func(store.Store) error) error {
	return store.WithStore(ctx, cfg.Store, fn)
}

// newMachine builds a state machine using the configured restart policy.
func newMachine(st store.Store) (*jobs.Machine, error) {
	policy, err := jobs.ParseRestartPolicy(cfg.Jobs.RestartPolicy)
	if err != nil {
		return nil, err
	}
	return jobs.NewMachine(st, policy), nil
}
