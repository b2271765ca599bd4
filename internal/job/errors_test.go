package job

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fmueller/voxqueue/internal/audio"
	"github.com/fmueller/voxqueue/internal/whisper"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "segmentation", err: fmt.Errorf("%w: bad header", audio.ErrSegmentationFailed), kind: SegmentationFailed},
		{name: "model", err: fmt.Errorf("%w: missing", whisper.ErrModelUnavailable), kind: ModelUnavailable},
		{name: "inference", err: fmt.Errorf("%w: exit 1", whisper.ErrInferenceFailed), kind: InferenceFailed},
		{name: "inference past deadline", err: fmt.Errorf("%w: %w", whisper.ErrInferenceFailed, context.DeadlineExceeded), kind: HardTimeout},
		{name: "cancelled", err: context.Canceled, kind: Cancelled},
		{name: "unclassified", err: errors.New("disk full"), kind: Unknown},
		{name: "already classified", err: fmt.Errorf("wrapped: %w", &Error{Kind: JobTimeout, Segment: 2, Err: errors.New("slow")}), kind: JobTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.kind, KindOf(tt.err))
		})
	}

	require.Nil(t, Classify(nil))
}

func TestKindRetryable(t *testing.T) {
	t.Parallel()

	retryable := map[Kind]bool{
		SourceMissing:      true,
		SegmentationFailed: false,
		ModelUnavailable:   true,
		InferenceFailed:    false,
		JobTimeout:         true,
		HardTimeout:        false,
		Cancelled:          false,
		Unknown:            true,
	}
	for kind, expected := range retryable {
		require.Equalf(t, expected, kind.Retryable(), "kind %s", kind)
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	cause := errors.New("decoder crashed")
	err := &Error{Kind: InferenceFailed, Segment: 1, Err: cause}
	require.Equal(t, "InferenceFailed at segment 1: decoder crashed", err.Error())
	require.ErrorIs(t, err, cause)

	err = &Error{Kind: SourceMissing, Segment: -1, Err: errors.New("not visible")}
	require.Equal(t, "SourceMissing: not visible", err.Error())
}

func TestJobCancel(t *testing.T) {
	t.Parallel()

	j := New("id", "/tmp/a.wav", "en")
	require.Equal(t, 1, j.Attempt)
	require.False(t, j.Cancelled())
	j.Cancel()
	require.True(t, j.Cancelled())
	require.Equal(t, "/tmp/a.wav.partial.txt", PartialPath(j.SourcePath))
}
