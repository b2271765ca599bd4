package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fmueller/voxqueue/internal/audio"
	"github.com/fmueller/voxqueue/internal/logging"
	"github.com/fmueller/voxqueue/internal/status"
	"github.com/fmueller/voxqueue/internal/whisper"
	"go.uber.org/zap"
)

const blankAudioToken = "[BLANK_AUDIO]"

type Segmenter interface {
	Segment(ctx context.Context, sourcePath string, maxDuration time.Duration) ([]audio.Segment, error)
}

// Releaser deletes job artifacts. Release must be idempotent.
type Releaser interface {
	Release(path string) bool
}

// Reporter receives progress of a running attempt.
type Reporter interface {
	MarkRunning(jobID string, attempt int)
	Publish(jobID string, progress status.Progress)
}

type Options struct {
	MaxSegmentDuration time.Duration
	SoftTimeout        time.Duration
	HardTimeout        time.Duration
	PollAttempts       int
	PollInterval       time.Duration
	Language           string
	ModelSize          string
	Device             string

	// SilenceGate skips inference for segments quieter than
	// SilenceThresholdDBFS.
	SilenceGate          bool
	SilenceThresholdDBFS float64
}

func DefaultOptions() Options {
	return Options{
		MaxSegmentDuration:   audio.DefaultMaxSegmentDuration,
		SoftTimeout:          3600 * time.Second,
		HardTimeout:          3660 * time.Second,
		PollAttempts:         10,
		PollInterval:         500 * time.Millisecond,
		Language:             "auto",
		ModelSize:            whisper.DefaultModel,
		Device:               whisper.DeviceAuto,
		SilenceGate:          true,
		SilenceThresholdDBFS: -65,
	}
}

type Result struct {
	JobID         string
	Transcription string
	Segments      int
}

// Runner executes job attempts: wait for the source, load the model once,
// segment, then transcribe segments strictly in order.
type Runner struct {
	Options   Options
	Segmenter Segmenter
	Loader    whisper.Loader
	Artifacts Releaser
	Reporter  Reporter
	Logger    *zap.Logger

	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	stat     func(path string) (os.FileInfo, error)
	isSilent func(path string, thresholdDBFS float64) (bool, audio.SilenceMetrics, error)
}

// Run executes one attempt and releases the source artifact whatever the
// outcome. Use it when no outer queue will retry the job.
func (r *Runner) Run(ctx context.Context, j *Job) (Result, error) {
	result, err := r.Attempt(ctx, j)
	if err != nil {
		r.release(j.SourcePath)
	}
	return result, err
}

// Attempt executes one attempt of j. Segment artifacts are always removed.
// The source artifact is removed on success and kept on failure so a retry
// can reuse it. Failures are returned as *Error.
func (r *Runner) Attempt(ctx context.Context, j *Job) (Result, error) {
	log := logging.ForJob(r.Logger, j.ID, j.Attempt)
	started := r.clock()
	r.reporter().MarkRunning(j.ID, j.Attempt)

	attemptCtx, cancel := context.WithTimeout(ctx, r.Options.HardTimeout)
	defer cancel()

	fail := func(kind Kind, segment int, err error) (Result, error) {
		jobErr := r.classify(ctx, attemptCtx, kind, segment, err)
		log.Warn("attempt failed",
			zap.String("kind", string(jobErr.Kind)),
			zap.Int("segment", jobErr.Segment),
			zap.Duration("elapsed", r.clock().Sub(started)),
			zap.Error(jobErr.Err),
		)
		return Result{JobID: j.ID}, jobErr
	}

	if err := r.waitForSource(attemptCtx, j.SourcePath); err != nil {
		log.Warn("source never became visible", zap.String("source", j.SourcePath))
		return fail(SourceMissing, -1, err)
	}
	log.Debug("source ready", zap.String("source", j.SourcePath))

	model, err := r.Loader.LoadModel(attemptCtx, r.Options.ModelSize, r.Options.Device)
	if err != nil {
		return fail(ModelUnavailable, -1, err)
	}
	if err := r.checkSoftBudget(started); err != nil {
		return fail(JobTimeout, -1, err)
	}

	if j.Cancelled() {
		return fail(Cancelled, -1, errors.New("job cancelled"))
	}

	segments, err := r.Segmenter.Segment(attemptCtx, j.SourcePath, r.Options.MaxSegmentDuration)
	defer r.releaseSegments(segments)
	if err != nil {
		return fail(SegmentationFailed, -1, err)
	}
	if err := r.checkSoftBudget(started); err != nil {
		return fail(JobTimeout, -1, err)
	}

	total := len(segments)
	r.reporter().Publish(j.ID, status.Progress{Current: 0, Total: total})

	language := r.language(j)
	partialPath := PartialPath(j.SourcePath)
	lines := make([]string, 0, total)
	accumulated := ""

	for _, segment := range segments {
		if j.Cancelled() {
			return fail(Cancelled, segment.Index, errors.New("job cancelled"))
		}
		if err := r.checkSoftBudget(started); err != nil {
			return fail(JobTimeout, segment.Index, err)
		}

		segmentStarted := r.clock()
		text, err := r.transcribeSegment(attemptCtx, model, segment, language, log)
		r.release(segment.Path)
		if err != nil {
			return fail(InferenceFailed, segment.Index, err)
		}

		lines = append(lines, text)
		accumulated = strings.Join(lines, "\n")
		if err := writePartial(partialPath, accumulated); err != nil {
			return fail(Unknown, segment.Index, err)
		}

		r.reporter().Publish(j.ID, status.Progress{Current: segment.Index + 1, Total: total, PartialText: accumulated})
		log.Info("segment transcribed",
			zap.Int("segment", segment.Index),
			zap.Int("total", total),
			zap.Duration("elapsed", r.clock().Sub(segmentStarted)),
		)
	}

	// Line i of the transcript is segment i, so silent segments stay as empty lines.
	transcription := accumulated
	r.release(partialPath)
	r.release(j.SourcePath)

	log.Info("attempt succeeded", zap.Int("segments", total), zap.Duration("elapsed", r.clock().Sub(started)))
	return Result{JobID: j.ID, Transcription: transcription, Segments: total}, nil
}

// checkSoftBudget is evaluated at stage boundaries only; a stage already
// running is bounded by the hard timeout.
func (r *Runner) checkSoftBudget(started time.Time) error {
	if elapsed := r.clock().Sub(started); elapsed > r.Options.SoftTimeout {
		return fmt.Errorf("soft timeout of %s exceeded after %s", r.Options.SoftTimeout, elapsed)
	}
	return nil
}

func (r *Runner) transcribeSegment(ctx context.Context, model whisper.Model, segment audio.Segment, language string, log *zap.Logger) (string, error) {
	if r.Options.SilenceGate {
		silent, metrics, err := r.silenceCheck()(segment.Path, r.Options.SilenceThresholdDBFS)
		switch {
		case err != nil:
			log.Debug("silence check failed, transcribing anyway", zap.Int("segment", segment.Index), zap.Error(err))
		case silent:
			log.Debug("skipping silent segment",
				zap.Int("segment", segment.Index),
				zap.Float64("rms_dbfs", metrics.RMSdBFS),
				zap.Float64("peak_dbfs", metrics.PeakdBFS),
			)
			return "", nil
		}
	}

	text, err := model.Transcribe(ctx, segment.Path, language)
	if err != nil {
		return "", err
	}
	return normalizeText(text), nil
}

func normalizeText(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.EqualFold(trimmed, blankAudioToken) {
		return ""
	}
	return trimmed
}

// waitForSource polls for the source artifact a bounded number of times,
// sleeping PollInterval between checks.
func (r *Runner) waitForSource(ctx context.Context, path string) error {
	attempts := max(r.Options.PollAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := r.statFn()(path)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < attempts {
			if err := r.sleepFn()(ctx, r.Options.PollInterval); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("source %s not visible after %d attempts: %w", path, attempts, lastErr)
}

// classify resolves the final kind of a failure. Caller cancellation and the
// hard deadline take precedence over the stage that happened to observe them.
func (r *Runner) classify(parent, attemptCtx context.Context, kind Kind, segment int, err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case parent.Err() != nil:
		kind = Cancelled
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		kind = HardTimeout
	case kind == ModelUnavailable || kind == InferenceFailed:
		if inferred := Classify(err).Kind; inferred != Unknown {
			kind = inferred
		}
	}
	return newError(kind, segment, err)
}

func writePartial(path, text string) error {
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write partial transcript: %w", err)
	}
	return nil
}

func (r *Runner) releaseSegments(segments []audio.Segment) {
	for _, segment := range segments {
		r.release(segment.Path)
	}
}

func (r *Runner) release(path string) {
	if r.Artifacts != nil {
		r.Artifacts.Release(path)
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log().Warn("failed to remove artifact", zap.String("path", path), zap.Error(err))
	}
}

func (r *Runner) language(j *Job) string {
	if lang := strings.TrimSpace(j.Language); lang != "" {
		return lang
	}
	if lang := strings.TrimSpace(r.Options.Language); lang != "" {
		return lang
	}
	return "auto"
}

type nopReporter struct{}

func (nopReporter) MarkRunning(string, int) {}

func (nopReporter) Publish(string, status.Progress) {}

func (r *Runner) reporter() Reporter {
	if r.Reporter == nil {
		return nopReporter{}
	}
	return r.Reporter
}

func (r *Runner) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func (r *Runner) sleepFn() func(context.Context, time.Duration) error {
	if r.sleep == nil {
		return sleepContext
	}
	return r.sleep
}

func (r *Runner) statFn() func(string) (os.FileInfo, error) {
	if r.stat == nil {
		return os.Stat
	}
	return r.stat
}

func (r *Runner) silenceCheck() func(string, float64) (bool, audio.SilenceMetrics, error) {
	if r.isSilent == nil {
		return audio.IsSilentWAV
	}
	return r.isSilent
}

func (r *Runner) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
