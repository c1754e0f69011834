package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/storagewatch/storagewatch/internal/logging"
	"github.com/storagewatch/storagewatch/internal/metrics"
	"github.com/storagewatch/storagewatch/internal/utils"
)

var (
	// ErrJobRunning is returned by RunOnce while the same job is in flight
	ErrJobRunning = errors.New("job already running")
	// ErrUnknownJob is returned for names that were never registered
	ErrUnknownJob = errors.New("unknown job")
)

const (
	maxReportBytes   = 60000
	maxCaptionLength = 200
)

// Func is the body of a scheduled job
type Func func(ctx context.Context) error

// Reporter delivers failure reports to the operator chat
type Reporter interface {
	SendDocument(ctx context.Context, chatID, filename, content, caption string) error
}

type job struct {
	name     string
	interval time.Duration
	jitter   time.Duration
	fn       Func
	running  atomic.Bool
}

// Scheduler runs registered jobs on fixed intervals, never two runs of the same job at once
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*job
	reporter Reporter
	chatID   string
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. Failures are reported to chatID through
// reporter when both are set.
func NewScheduler(reporter Reporter, chatID string) *Scheduler {
	return &Scheduler{
		jobs:     make(map[string]*job),
		reporter: reporter,
		chatID:   chatID,
	}
}

// Register adds a job. Registering a name twice replaces the earlier job.
func (s *Scheduler) Register(name string, interval, jitter time.Duration, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, interval: interval, jitter: jitter, fn: fn}
}

// Names returns the registered job names in sorted order
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run starts every job immediately and then on its interval until ctx is
// cancelled. It waits for in-flight runs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	log.Info().Int("jobs", len(jobs)).Msg("Scheduler started")

	err := g.Wait()
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
	return err
}

// RunOnce runs one job synchronously, failing if it is already in flight
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !j.running.CompareAndSwap(false, true) {
		metrics.JobRunsTotal.WithLabelValues(name, "skipped").Inc()
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	defer j.running.Store(false)
	return s.execute(ctx, j)
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	s.trigger(ctx, j)
	for {
		select {
		case <-ticker.C:
			s.trigger(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

// trigger starts a run in the background unless the previous one is still going
func (s *Scheduler) trigger(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		metrics.JobRunsTotal.WithLabelValues(j.name, "skipped").Inc()
		log.Warn().Str("job", j.name).Msg("Previous run still in progress, skipping tick")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)

		if j.jitter > 0 {
			delay := time.Duration(rand.Int64N(int64(j.jitter)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		_ = s.execute(ctx, j)
	}()
}

func (s *Scheduler) execute(ctx context.Context, j *job) (err error) {
	runID := uuid.New().String()
	logger := logging.WithJob(j.name, runID)
	ctx = logger.WithContext(ctx)
	start := time.Now()

	defer func() {
		elapsed := time.Since(start)
		metrics.JobDurationSeconds.WithLabelValues(j.name).Observe(elapsed.Seconds())

		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
			metrics.JobRunsTotal.WithLabelValues(j.name, "panic").Inc()
			logger.Error().Str("panic", fmt.Sprint(r)).Str("stack", stack).Msg("Job panicked")
			s.report(logger, j.name, runID, fmt.Sprintf("%v\n\n%s", r, stack))
			return
		}

		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				logger.Info().Dur("elapsed", elapsed).Msg("Job cancelled")
				return
			}
			metrics.JobRunsTotal.WithLabelValues(j.name, "error").Inc()
			logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Job failed")
			s.report(logger, j.name, runID, err.Error())
			return
		}

		metrics.JobRunsTotal.WithLabelValues(j.name, "success").Inc()
		logger.Debug().Dur("elapsed", elapsed).Msg("Job finished")
	}()

	return j.fn(ctx)
}

// report sends the failure text to the operator chat. Delivery problems are
// only logged so a broken chat cannot take the scheduler down.
func (s *Scheduler) report(logger zerolog.Logger, name, runID, text string) {
	if s.reporter == nil || s.chatID == "" {
		return
	}
	filename, err := utils.SanitizeFilename(fmt.Sprintf("error_%s.txt", name))
	if err != nil {
		filename = "error.txt"
	}
	caption := utils.TruncateText(fmt.Sprintf("Job %s failed (run %s): %s", name, runID, text), maxCaptionLength)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.reporter.SendDocument(ctx, s.chatID, filename, utils.TruncateLog(text, maxReportBytes), caption); err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues("operator").Inc()
		logger.Error().Err(err).Msg("Failed to report job failure to operator")
	}
}
