package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxSegmentDuration bounds each segment handed to the model.
const DefaultMaxSegmentDuration = 5 * time.Minute

// ErrSegmentationFailed wraps every error returned by Segmenter.Segment.
var ErrSegmentationFailed = errors.New("segmentation failed")

// Segment is one window of the source audio exported as its own WAV file.
// Segments of one source are contiguous and ordered by Index.
type Segment struct {
	Index    int
	Path     string
	Start    time.Duration
	Duration time.Duration
}

// Transcoder converts an arbitrary media file into a PCM WAV file.
type Transcoder interface {
	Transcode(ctx context.Context, sourcePath, destinationPath string) error
}

// Segmenter splits WAV sources into bounded windows. Sources that are not
// RIFF/WAVE are converted first when a Transcoder is configured.
type Segmenter struct {
	Transcoder Transcoder
	Logger     *zap.Logger
}

// SegmentPath is the deterministic location of the segment at index.
func SegmentPath(sourcePath string, index int) string {
	return fmt.Sprintf("%s_chunk_%d.wav", sourcePath, index)
}

// DecodedPath is where a transcoded copy of a non-WAV source is written.
func DecodedPath(sourcePath string) string {
	return sourcePath + ".decoded.wav"
}

// Segment partitions [0, duration) of sourcePath into consecutive windows of
// at most maxDuration and writes each to SegmentPath(sourcePath, index).
//
// A decodable source with no audio yields an empty slice and no error. Any
// decode failure yields an empty slice and an error wrapping
// ErrSegmentationFailed; segment files written before the failure are removed.
func (s *Segmenter) Segment(ctx context.Context, sourcePath string, maxDuration time.Duration) ([]Segment, error) {
	if maxDuration <= 0 {
		return []Segment{}, fmt.Errorf("%w: max segment duration must be positive, got %s", ErrSegmentationFailed, maxDuration)
	}

	wavPath, cleanup, err := s.decodable(ctx, sourcePath)
	if err != nil {
		return []Segment{}, err
	}
	defer cleanup()

	f, err := os.Open(wavPath)
	if err != nil {
		return []Segment{}, fmt.Errorf("%w: open source: %w", ErrSegmentationFailed, err)
	}
	defer f.Close()

	info, err := readWAVInfo(f)
	if err != nil {
		return []Segment{}, fmt.Errorf("%w: undecodable source: %w", ErrSegmentationFailed, err)
	}

	totalFrames := info.Frames()
	if totalFrames == 0 {
		s.log().Info("source has no audio frames", zap.String("source", sourcePath))
		return []Segment{}, nil
	}

	windowFrames := min(framesIn(maxDuration, info.SampleRate), totalFrames)

	segments := make([]Segment, 0, (totalFrames+windowFrames-1)/windowFrames)
	for start := int64(0); start < totalFrames; start += windowFrames {
		end := min(start+windowFrames, totalFrames)
		index := len(segments)

		if err := ctx.Err(); err != nil {
			removeSegments(segments)
			return []Segment{}, fmt.Errorf("%w: %w", ErrSegmentationFailed, err)
		}

		path := SegmentPath(sourcePath, index)
		if err := exportWindow(f, info, start, end, path); err != nil {
			_ = os.Remove(path)
			removeSegments(segments)
			return []Segment{}, fmt.Errorf("%w: decode failed at segment %d: %w", ErrSegmentationFailed, index, err)
		}

		segments = append(segments, Segment{
			Index:    index,
			Path:     path,
			Start:    info.FramesDuration(start),
			Duration: info.FramesDuration(end) - info.FramesDuration(start),
		})
		s.log().Debug("exported segment", zap.Int("index", index), zap.String("path", path))
	}

	s.log().Info(
		"source segmented",
		zap.String("source", sourcePath),
		zap.Int("segments", len(segments)),
		zap.Duration("duration", info.Duration()),
		zap.Duration("max_segment", maxDuration),
	)
	return segments, nil
}

// decodable returns a path holding WAV data for sourcePath, transcoding when
// the source is not already RIFF/WAVE.
func (s *Segmenter) decodable(ctx context.Context, sourcePath string) (string, func(), error) {
	noop := func() {}

	_, err := ReadWAVInfo(sourcePath)
	switch {
	case err == nil:
		return sourcePath, noop, nil
	case !(errors.Is(err, ErrInvalidWAV) || errors.Is(err, ErrUnsupportedWAV)) || s.Transcoder == nil:
		return "", noop, fmt.Errorf("%w: undecodable source: %w", ErrSegmentationFailed, err)
	}

	decoded := DecodedPath(sourcePath)
	s.log().Debug("transcoding source to wav", zap.String("source", sourcePath), zap.String("output", decoded))
	if err := s.Transcoder.Transcode(ctx, sourcePath, decoded); err != nil {
		_ = os.Remove(decoded)
		return "", noop, fmt.Errorf("%w: undecodable source: %w", ErrSegmentationFailed, err)
	}

	return decoded, func() {
		if err := os.Remove(decoded); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log().Warn("failed to remove decoded source", zap.String("path", decoded), zap.Error(err))
		}
	}, nil
}

func exportWindow(src io.ReaderAt, info WAVInfo, startFrame, endFrame int64, path string) error {
	blockAlign := int64(info.BlockAlign)
	size := (endFrame - startFrame) * blockAlign

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	defer out.Close()

	if _, err := out.Write(encodeWAVHeader(info, uint32(size))); err != nil {
		return fmt.Errorf("write segment header: %w", err)
	}

	section := io.NewSectionReader(src, info.DataOffset+startFrame*blockAlign, size)
	if _, err := io.CopyN(out, section, size); err != nil {
		return fmt.Errorf("copy samples: %w", err)
	}

	if size%2 != 0 {
		if _, err := out.Write([]byte{0}); err != nil {
			return fmt.Errorf("write segment padding: %w", err)
		}
	}

	return out.Close()
}

func removeSegments(segments []Segment) {
	for _, segment := range segments {
		_ = os.Remove(segment.Path)
	}
}

func (s *Segmenter) log() *zap.Logger {
	if s == nil || s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// framesIn is the number of frames d covers at rate, at least one.
// It saturates instead of overflowing for very long bounds.
func framesIn(d time.Duration, rate uint32) int64 {
	r := int64(rate)
	seconds := int64(d / time.Second)
	if seconds >= math.MaxInt64/r {
		return math.MaxInt64
	}
	frames := seconds*r + int64(d%time.Second)*r/int64(time.Second)
	return max(frames, 1)
}
