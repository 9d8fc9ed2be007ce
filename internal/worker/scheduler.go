// Package worker runs the periodic maintenance jobs: the attestation retry
// sweep, the expiry sweep, fund consolidation and payout.
//
// Each job gets its own goroutine and ticker, so a slow consolidation never
// delays the retry sweep. Runs of the same job never overlap.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestor_job_runs_total",
			Help: "Periodic job runs by job and result.",
		},
		[]string{"job", "result"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attestor_job_duration_seconds",
			Help:    "Duration of periodic job runs.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(jobRuns, jobDuration)
}

// Job is one periodic task.
type Job struct {
	Name  string
	Every time.Duration
	// Immediate runs the job once at Start instead of waiting a full period.
	Immediate bool
	Run       func(ctx context.Context) error
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	jobs []Job
	wg   sync.WaitGroup
}

// New returns a Scheduler for jobs. Jobs with a non-positive period or no
// Run func are skipped with a warning.
func New(jobs ...Job) *Scheduler {
	s := &Scheduler{}
	for _, j := range jobs {
		if j.Every <= 0 || j.Run == nil {
			log.Warn().Str("job", j.Name).Msg("skipping job without period or func")
			continue
		}
		s.jobs = append(s.jobs, j)
	}
	return s
}

// Start launches every job. They stop when ctx is cancelled; call Wait to
// block until the in-flight runs have returned.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	log.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Wait blocks until every job loop has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()

	if j.Immediate {
		runOnce(ctx, j)
	}

	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("job", j.Name).Msg("job stopped")
			return
		case <-ticker.C:
			runOnce(ctx, j)
		}
	}
}

// runOnce executes one run, recovering panics so one bad run does not end
// the loop.
func runOnce(ctx context.Context, j Job) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			jobRuns.WithLabelValues(j.Name, "panic").Inc()
			log.Error().Str("job", j.Name).Interface("panic", rec).Msg("job panicked")
		}
	}()

	err := j.Run(ctx)
	jobDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		jobRuns.WithLabelValues(j.Name, "error").Inc()
		log.Error().Err(err).Str("job", j.Name).Msg("job failed")
		return
	}
	jobRuns.WithLabelValues(j.Name, "ok").Inc()
}
