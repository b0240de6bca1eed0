package jobs

import (
	"context"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

// failingUpdateStore delegates to Store but fails every UpdateJob.
type failingUpdateStore struct {
	store.Store
	err error
}

func (f *failingUpdateStore) UpdateJob(context.Context, string, model.JobUpdate) error {
	return f.err
}

// failingRestartStore delegates to Store but fails every RestartJob.
type failingRestartStore struct {
	store.Store
	err error
}

func (f *failingRestartStore) RestartJob(context.Context, string, model.JobUpdate, bool) error {
	return f.err
}
