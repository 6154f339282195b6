package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/internal/queue"
	"golang.org/x/time/rate"
)

// Pool manages a set of concurrent worker goroutines that reserve messages
// and run them through the Engine.
type Pool struct {
	engine       *Engine
	broker       queue.Broker
	concurrency  int
	pollInterval time.Duration
	visibility   time.Duration
	ratePerMin   int
	logger       *slog.Logger

	stopCh     chan struct{}
	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[uuid.UUID]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithVisibilityTimeout sets how long a reserved message stays hidden before
// it is redelivered. Must exceed the engine time limit.
func WithVisibilityTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.visibility = d }
}

// WithRateLimit caps each worker goroutine at n attempts per minute.
// Zero disables the cap.
func WithRateLimit(n int) PoolOption {
	return func(p *Pool) { p.ratePerMin = n }
}

// NewPool creates a worker pool.
func NewPool(engine *Engine, broker queue.Broker, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		engine:       engine,
		broker:       broker,
		concurrency:  4,
		pollInterval: time.Second,
		visibility:   35 * time.Minute,
		ratePerMin:   10,
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.loopCtx, p.loopCancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.concurrency),
		slog.Int("rate_limit_per_min", p.ratePerMin),
		slog.Duration("visibility_timeout", p.visibility),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.dequeueLoop(i, p.newLimiter())
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time runs out
// and their messages are redelivered after the visibility timeout.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)
	p.loopCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}
	return nil
}

func (p *Pool) newLimiter() *rate.Limiter {
	if p.ratePerMin <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.ratePerMin)), 1)
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop(n int, limiter *rate.Limiter) {
	defer p.wg.Done()
	log := p.logger.With(slog.Int("worker", n))

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		msg, err := p.broker.Reserve(p.loopCtx, p.visibility)
		if err != nil {
			if p.loopCtx.Err() == nil {
				log.Error("reserve error", slog.String("error", err.Error()))
			}
			p.sleep()
			continue
		}
		if msg == nil {
			p.sleep()
			continue
		}

		if err := limiter.Wait(p.loopCtx); err != nil {
			// Stopping: hand the message straight back.
			if rerr := p.broker.Retry(context.Background(), *msg, time.Now()); rerr != nil {
				log.Error("failed to release message on shutdown",
					slog.String("job_id", msg.JobID.String()),
					slog.String("error", rerr.Error()),
				)
			}
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(msg.ID, cancel)

		if err := p.engine.Process(ctx, *msg); err != nil {
			log.Debug("attempt finished with error",
				slog.String("job_id", msg.JobID.String()),
				slog.String("error", err.Error()),
			)
		}

		p.untrackJob(msg.ID)
		cancel()
	}
}

func (p *Pool) sleep() {
	select {
	case <-p.stopCh:
	case <-time.After(p.pollInterval):
	}
}

func (p *Pool) trackJob(id uuid.UUID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[id] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(id uuid.UUID) {
	p.activeMu.Lock()
	delete(p.activeJobs, id)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, cancel := range p.activeJobs {
		cancel()
	}
}

// ActiveJobs returns the number of attempts currently running.
func (p *Pool) ActiveJobs() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}
