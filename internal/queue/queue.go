package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/voxqueue/internal/job"
	"github.com/fmueller/voxqueue/internal/logging"
	"github.com/fmueller/voxqueue/internal/status"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrQueueFull  = errors.New("job queue is full")
	ErrUnknownJob = errors.New("unknown job")
	ErrStopped    = errors.New("job queue is stopped")
)

// Attempter runs a single attempt of a job. *job.Runner implements it.
type Attempter interface {
	Attempt(ctx context.Context, j *job.Job) (job.Result, error)
}

type Releaser interface {
	Release(path string) bool
}

type Options struct {
	Workers    int
	Size       int
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{Workers: 1, Size: 64, MaxRetries: 2, RetryDelay: 10 * time.Second}
}

// Queue dispatches submitted jobs to a fixed worker pool and owns the retry
// policy. It releases a job's source artifact once the job is terminal.
type Queue struct {
	opts      Options
	runner    Attempter
	board     *status.Board
	artifacts Releaser
	logger    *zap.Logger
	newID     func() string

	pending chan *job.Job

	mu      sync.Mutex
	active  map[string]*job.Job
	retries map[string]*time.Timer
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(runner Attempter, board *status.Board, artifacts Releaser, opts Options, logger *zap.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Size <= 0 {
		opts.Size = DefaultOptions().Size
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		opts:      opts,
		runner:    runner,
		board:     board,
		artifacts: artifacts,
		logger:    logger,
		newID:     uuid.NewString,
		pending:   make(chan *job.Job, opts.Size),
		active:    make(map[string]*job.Job),
		retries:   make(map[string]*time.Timer),
	}
}

// Start launches the workers. Attempts run under a context derived from ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)

	for i := range q.opts.Workers {
		q.wg.Add(1)
		go q.work(i)
	}
	q.logger.Info("queue started", zap.Int("workers", q.opts.Workers), zap.Int("size", q.opts.Size))
}

// Submit enqueues a job for sourcePath, which must already be fully written.
func (q *Queue) Submit(sourcePath, language string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return "", ErrStopped
	}

	j := job.New(q.newID(), sourcePath, language)
	q.board.Register(j.ID)
	q.active[j.ID] = j

	select {
	case q.pending <- j:
	default:
		delete(q.active, j.ID)
		q.board.Forget(j.ID)
		return "", ErrQueueFull
	}

	q.logger.Info("job submitted", zap.String("job_id", j.ID), zap.String("source", sourcePath), zap.String("language", language))
	return j.ID, nil
}

// Owns reports whether path belongs to a job that is not terminal yet: its
// source or an artifact derived from it (segments, decoded copy, partial
// transcript). Queued, running and retry-waiting jobs all own their files.
func (q *Queue) Owns(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, j := range q.active {
		if j.SourcePath != "" && strings.HasPrefix(path, j.SourcePath) {
			return true
		}
	}
	return false
}

// Cancel requests cancellation. Running jobs stop at the next segment
// boundary; jobs waiting for a retry fail immediately. Terminal jobs are left
// as they are.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	j, ok := q.active[jobID]
	if !ok {
		q.mu.Unlock()
		if _, known := q.board.Lookup(jobID); known {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	j.Cancel()
	timer, waiting := q.retries[jobID]
	if waiting && timer.Stop() {
		delete(q.retries, jobID)
		q.mu.Unlock()
		q.fail(j, &job.Error{Kind: job.Cancelled, Segment: -1, Err: errors.New("job cancelled while waiting for retry")})
		return nil
	}
	q.mu.Unlock()

	q.logger.Info("job cancellation requested", zap.String("job_id", jobID))
	return nil
}

func (q *Queue) Status(jobID string) (status.Snapshot, error) {
	snap, ok := q.board.Lookup(jobID)
	if !ok {
		return status.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return snap, nil
}

// Shutdown stops intake, aborts running attempts and fails every job that
// has not finished, releasing its source artifact.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true

	var waiting []*job.Job
	for id, timer := range q.retries {
		if timer.Stop() {
			waiting = append(waiting, q.active[id])
		}
		delete(q.retries, id)
	}
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	shutdownErr := &job.Error{Kind: job.Cancelled, Segment: -1, Err: ErrStopped}
	for _, j := range waiting {
		q.fail(j, shutdownErr)
	}
	for {
		select {
		case j := <-q.pending:
			q.fail(j, shutdownErr)
		default:
			q.logger.Info("queue stopped")
			return nil
		}
	}
}

func (q *Queue) work(worker int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case j := <-q.pending:
			q.execute(j, worker)
		}
	}
}

func (q *Queue) execute(j *job.Job, worker int) {
	log := logging.ForJob(q.logger, j.ID, j.Attempt).With(zap.Int("worker", worker))

	if j.Cancelled() {
		q.fail(j, &job.Error{Kind: job.Cancelled, Segment: -1, Err: errors.New("job cancelled before start")})
		return
	}

	result, err := q.runner.Attempt(q.ctx, j)
	if err == nil {
		q.finish(j.ID)
		q.board.Succeed(j.ID, result.Transcription)
		log.Info("job succeeded", zap.Int("segments", result.Segments))
		return
	}

	jobErr := job.Classify(err)
	if q.ctx.Err() != nil {
		q.fail(j, &job.Error{Kind: job.Cancelled, Segment: jobErr.Segment, Err: fmt.Errorf("%w: %w", ErrStopped, err)})
		return
	}

	if jobErr.Kind.Retryable() && j.Attempt <= q.opts.MaxRetries && !j.Cancelled() {
		q.scheduleRetry(j, jobErr, log)
		return
	}

	q.fail(j, jobErr)
}

// scheduleRetry requeues j after RetryDelay as a fresh attempt with the same
// id. Progress of the failed attempt is discarded.
func (q *Queue) scheduleRetry(j *job.Job, cause *job.Error, log *zap.Logger) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.fail(j, cause)
		return
	}

	j.Attempt++
	q.board.Requeue(j.ID, j.Attempt, cause.Error())
	log.Warn("job attempt failed, retrying",
		zap.String("kind", string(cause.Kind)),
		zap.Int("next_attempt", j.Attempt),
		zap.Duration("delay", q.opts.RetryDelay),
		zap.Error(cause.Err),
	)

	q.retries[j.ID] = time.AfterFunc(q.opts.RetryDelay, func() {
		q.mu.Lock()
		delete(q.retries, j.ID)
		stopped := q.stopped
		q.mu.Unlock()

		if stopped {
			q.fail(j, &job.Error{Kind: job.Cancelled, Segment: -1, Err: ErrStopped})
			return
		}

		select {
		case q.pending <- j:
		case <-q.ctx.Done():
			q.fail(j, &job.Error{Kind: job.Cancelled, Segment: -1, Err: ErrStopped})
		}
	})
	q.mu.Unlock()
}

func (q *Queue) fail(j *job.Job, cause *job.Error) {
	q.finish(j.ID)
	if q.artifacts != nil {
		q.artifacts.Release(j.SourcePath)
	}
	q.board.Fail(j.ID, string(cause.Kind), cause.Error())

	logging.ForJob(q.logger, j.ID, j.Attempt).Warn("job failed",
		zap.String("kind", string(cause.Kind)),
		zap.Error(cause.Err),
	)
}

func (q *Queue) finish(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, jobID)
}
