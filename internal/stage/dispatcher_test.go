package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/config"
	"github.com/sells-group/registry-cli/internal/model"
)

func TestDispatcher_PollRunsJobsToCompletion(t *testing.T) {
	h := newHarness(t, seededSource(), config.StagesConfig{Workers: 2, Years: 5})
	d := NewDispatcher(h.runner, h.store, time.Hour, 2)

	started := d.Poll(context.Background())
	assert.Equal(t, []string{h.jobID}, started)
	d.Wait()

	assert.Equal(t, model.JobStatusDone, h.job(t).Status)
	assert.Zero(t, d.Active())
	assert.Empty(t, d.Poll(context.Background()), "done jobs are not picked up")
}

func TestDispatcher_RespectsCap(t *testing.T) {
	h := newHarness(t, seededSource(), config.StagesConfig{Workers: 1})
	d := NewDispatcher(h.runner, h.store, time.Hour, 1)

	assert.True(t, d.claim("other"))
	assert.Empty(t, d.Poll(context.Background()))
	d.release("other")
	assert.Equal(t, []string{h.jobID}, d.Poll(context.Background()))
	d.Wait()
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, seededSource(), config.StagesConfig{Workers: 1})
	_, err := h.machine.Pause(context.Background(), h.jobID)
	require.NoError(t, err)
	d := NewDispatcher(h.runner, h.store, 10*time.Millisecond, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Dispatcher.Run did not stop after context cancellation")
	}
	assert.Equal(t, model.JobStatusPaused, h.job(t).Status)
}
