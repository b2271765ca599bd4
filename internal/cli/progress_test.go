package cli

import (
	"testing"

	"github.com/fmueller/voxqueue/internal/status"
	"github.com/stretchr/testify/require"
)

func TestStartSpinnerDisabledIsNoop(t *testing.T) {
	t.Parallel()

	stop := startSpinner(false, "Transcribing")
	require.NotNil(t, stop)
	stop()
	stop()
}

func TestStartSpinnerStopIsIdempotent(t *testing.T) {
	t.Parallel()

	stop := startSpinner(true, "Transcribing")
	stop()
	stop()
}

func TestSegmentProgressDisabledIgnoresUpdates(t *testing.T) {
	t.Parallel()

	progress := newSegmentProgress(false)
	progress.MarkRunning("job", 1)
	progress.Publish("job", status.Progress{Current: 0, Total: 3})
	progress.Publish("job", status.Progress{Current: 1, Total: 3})
	require.Nil(t, progress.bar)
	progress.Stop()
}

func TestSegmentProgressSwitchesFromSpinnerToBar(t *testing.T) {
	t.Parallel()

	progress := newSegmentProgress(true)
	progress.MarkRunning("job", 1)
	progress.Publish("job", status.Progress{Current: 0, Total: 3})
	require.NotNil(t, progress.bar)

	progress.Publish("job", status.Progress{Current: 2, Total: 3, PartialText: "a\nb"})
	progress.Stop()
	require.Nil(t, progress.bar)
	progress.Stop()
}

func TestSegmentProgressWithoutSegmentsKeepsNoBar(t *testing.T) {
	t.Parallel()

	progress := newSegmentProgress(true)
	progress.MarkRunning("job", 1)
	progress.Publish("job", status.Progress{Current: 0, Total: 0})
	require.Nil(t, progress.bar)
	progress.Stop()
}
