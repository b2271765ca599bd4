package cli

import (
	"os"
	"sync"
	"time"

	"github.com/fmueller/voxqueue/internal/status"
	"github.com/schollz/progressbar/v3"
)

type stopFunc func()

func startSpinner(enabled bool, description string) stopFunc {
	if !enabled {
		return func() {}
	}

	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(80*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}

// segmentProgress renders a job's progress on stderr: a spinner while the
// model loads and the source is segmented, then one bar step per segment.
type segmentProgress struct {
	enabled bool

	mu          sync.Mutex
	stopSpinner stopFunc
	bar         *progressbar.ProgressBar
}

func newSegmentProgress(enabled bool) *segmentProgress {
	return &segmentProgress{enabled: enabled, stopSpinner: func() {}}
}

func (p *segmentProgress) MarkRunning(_ string, _ int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopSpinner()
	p.stopSpinner = startSpinner(p.enabled, "Preparing")
}

func (p *segmentProgress) Publish(_ string, progress status.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}

	if p.bar == nil {
		p.stopSpinner()
		p.stopSpinner = func() {}
		if progress.Total <= 0 {
			return
		}
		p.bar = progressbar.NewOptions(
			progress.Total,
			progressbar.OptionSetDescription("Transcribing segments"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(20),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}
	_ = p.bar.Set(progress.Current)
}

func (p *segmentProgress) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopSpinner()
	p.stopSpinner = func() {}
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
}
