// Package workerpool fans a batch of jobs out to a bounded number of
// goroutines, retrying failed jobs with linear backoff.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds pool settings.
type Config struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns defaults sized for per-patient reminder fan-out.
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Job is one unit of work.
type Job[T any] struct {
	ID      string
	Payload T
}

// Result is the outcome of one job.
type Result struct {
	JobID    string
	Attempts int
	Err      error
}

// Report summarises a batch.
type Report struct {
	Succeeded int
	Failed    int
	Retried   int
	Results   []Result
}

// Failures returns the results that ended in error.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Pool runs batches of jobs.
type Pool[T any] struct {
	config Config
	fn     func(ctx context.Context, payload T) error
	logger *zap.Logger
}

// New creates a pool that applies fn to each job payload.
func New[T any](cfg Config, fn func(ctx context.Context, payload T) error, logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Pool[T]{config: cfg, fn: fn, logger: logger}, nil
}

// Run processes jobs and blocks until all have finished or ctx is done.
// Results are in job order.
func (p *Pool[T]) Run(ctx context.Context, jobs []Job[T]) Report {
	results := make([]Result, len(jobs))
	var retried atomic.Int64

	idx := make(chan int)
	var wg sync.WaitGroup
	workers := p.config.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range idx {
				results[i] = p.process(ctx, worker, jobs[i], &retried)
			}
		}(w)
	}

feed:
	for i := range jobs {
		select {
		case idx <- i:
		case <-ctx.Done():
			for j := i; j < len(jobs); j++ {
				results[j] = Result{JobID: jobs[j].ID, Err: ctx.Err()}
			}
			break feed
		}
	}
	close(idx)
	wg.Wait()

	report := Report{Results: results, Retried: int(retried.Load())}
	for _, r := range results {
		if r.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	return report
}

func (p *Pool[T]) process(ctx context.Context, worker int, job Job[T], retried *atomic.Int64) Result {
	res := Result{JobID: job.ID}
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		res.Attempts++
		res.Err = p.fn(ctx, job.Payload)
		if res.Err == nil {
			return res
		}
		if attempt == p.config.MaxRetries {
			break
		}

		retried.Add(1)
		p.logger.Debug("retrying job",
			zap.String("job_id", job.ID),
			zap.Int("worker_id", worker),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err))

		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	p.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Err))
	return res
}
