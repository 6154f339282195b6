package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/taskrunner/internal/processor"
	queuemock "github.com/kiranshivaraju/taskrunner/internal/queue/mock"
	storemock "github.com/kiranshivaraju/taskrunner/internal/store/mock"
	"github.com/kiranshivaraju/taskrunner/internal/worker"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLiveHarness uses the wall clock so the pool's polling loop can run.
func newLiveHarness(t *testing.T, opts ...worker.PoolOption) (*harness, *worker.Pool) {
	t.Helper()
	st := storemock.NewMemoryStore()
	b := queuemock.NewMockBroker()
	reg := processor.NewDefaultRegistry()
	policy := worker.Policy{MaxRetries: 3, RetryDelay: time.Minute, TimeLimit: 5 * time.Second}
	e := worker.NewEngine(st, b, reg, policy, discardLogger())

	h := &harness{engine: e, store: st, broker: b, registry: reg, clock: &fakeClock{now: time.Now()}, policy: policy}
	base := []worker.PoolOption{worker.WithPollInterval(10 * time.Millisecond), worker.WithRateLimit(0)}
	p := worker.NewPool(e, b, discardLogger(), append(base, opts...)...)
	return h, p
}

func TestPool_RunsSubmittedJobs(t *testing.T) {
	h, p := newLiveHarness(t, worker.WithConcurrency(2))
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	var jobs []*models.Job
	for i := 0; i < 3; i++ {
		jobs = append(jobs, h.submit(t, processor.TypeSum, map[string]any{"values": []any{1.0, 2.0, 3.0}}))
	}

	for _, j := range jobs {
		id := j.ID
		assert.Eventually(t, func() bool {
			got, err := h.store.GetJob(context.Background(), id)
			return err == nil && got.Status == models.StatusSuccess
		}, 3*time.Second, 10*time.Millisecond)
	}
}

func TestPool_RateLimitPerWorker(t *testing.T) {
	// One worker at 6 per minute may start one attempt every 10 seconds.
	h, p := newLiveHarness(t, worker.WithConcurrency(1), worker.WithRateLimit(6))
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	first := h.submit(t, processor.TypeSum, map[string]any{"values": []any{1.0}})
	second := h.submit(t, processor.TypeSum, map[string]any{"values": []any{2.0}})

	assert.Eventually(t, func() bool {
		a, _ := h.store.GetJob(context.Background(), first.ID)
		b, _ := h.store.GetJob(context.Background(), second.ID)
		return a.Status == models.StatusSuccess || b.Status == models.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(500 * time.Millisecond)
	done := 0
	for _, j := range []*models.Job{first, second} {
		if h.job(t, j.ID).Status == models.StatusSuccess {
			done++
		}
	}
	assert.Equal(t, 1, done, "second attempt must wait for the limiter")
}

func TestPool_StopCancelsActiveJobsAfterDeadline(t *testing.T) {
	h, p := newLiveHarness(t, worker.WithConcurrency(1))
	h.registry.Register("wait", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, p.Start(context.Background()))

	job := h.submit(t, "wait", map[string]any{})
	require.Eventually(t, func() bool { return p.ActiveJobs() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	assert.Zero(t, p.ActiveJobs())
	// Interrupted attempts are left for redelivery, not recorded as failures.
	assert.Equal(t, models.StatusStarted, h.job(t, job.ID).Status)
	assert.Equal(t, 1, h.broker.Pending())
}

func TestPool_StartStopIdempotent(t *testing.T) {
	_, p := newLiveHarness(t)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
}
