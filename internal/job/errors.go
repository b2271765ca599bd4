package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/fmueller/voxqueue/internal/audio"
	"github.com/fmueller/voxqueue/internal/whisper"
)

type Kind string

const (
	SourceMissing      Kind = "SourceMissing"
	SegmentationFailed Kind = "SegmentationFailed"
	ModelUnavailable   Kind = "ModelUnavailable"
	InferenceFailed    Kind = "InferenceFailed"
	JobTimeout         Kind = "JobTimeout"
	HardTimeout        Kind = "HardTimeout"
	Cancelled          Kind = "Cancelled"
	Unknown            Kind = "Unknown"
)

// Retryable reports whether the queue may run another attempt after a
// failure of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case JobTimeout, SourceMissing, ModelUnavailable, Unknown:
		return true
	default:
		return false
	}
}

// Error is the classified failure of one job attempt. Segment is the index
// being processed when the attempt failed, or -1.
type Error struct {
	Kind    Kind
	Segment int
	Err     error
}

func (e *Error) Error() string {
	if e.Segment >= 0 {
		return fmt.Sprintf("%s at segment %d: %v", e.Kind, e.Segment, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, segment int, err error) *Error {
	return &Error{Kind: kind, Segment: segment, Err: err}
}

// Classify maps err onto the failure taxonomy. Already classified errors are
// returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, context.Canceled):
		return newError(Cancelled, -1, err)
	case errors.Is(err, audio.ErrSegmentationFailed):
		return newError(SegmentationFailed, -1, err)
	case errors.Is(err, whisper.ErrModelUnavailable):
		return newError(ModelUnavailable, -1, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(HardTimeout, -1, err)
	case errors.Is(err, whisper.ErrInferenceFailed):
		return newError(InferenceFailed, -1, err)
	default:
		return newError(Unknown, -1, err)
	}
}

// KindOf returns the failure kind of err, or Unknown.
func KindOf(err error) Kind {
	return Classify(err).Kind
}
