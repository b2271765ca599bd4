package whisper

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingEngine struct {
	mu       sync.Mutex
	requests []TranscriptionRequest
	text     string
	err      error
}

func (e *recordingEngine) Transcribe(_ context.Context, req TranscriptionRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	return e.text, e.err
}

func TestModelPassesConfigurationToEngine(t *testing.T) {
	t.Parallel()

	engine := &recordingEngine{text: "salam"}
	model := NewModel("small", "/models/ggml-small.bin", DeviceCPU, engine)

	text, err := model.Transcribe(context.Background(), "/tmp/seg_0.wav", "fa")
	require.NoError(t, err)
	require.Equal(t, "salam", text)
	require.Equal(t, "small", model.Name())
	require.Equal(t, []TranscriptionRequest{{
		AudioPath: "/tmp/seg_0.wav",
		ModelPath: "/models/ggml-small.bin",
		Language:  "fa",
		Device:    DeviceCPU,
	}}, engine.requests)
}

func TestModelWrapsEngineErrorsAsInferenceFailed(t *testing.T) {
	t.Parallel()

	cause := errors.New("decoder crashed")
	model := NewModel("small", "m.bin", DeviceAuto, &recordingEngine{err: cause})

	_, err := model.Transcribe(context.Background(), "a.wav", "en")
	require.ErrorIs(t, err, ErrInferenceFailed)
	require.ErrorIs(t, err, cause)
}

type countingLoader struct {
	mu    sync.Mutex
	loads int
	err   error
}

func (l *countingLoader) LoadModel(_ context.Context, size, device string) (Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	return NewModel(size, size+".bin", device, &recordingEngine{}), nil
}

func TestCachingLoaderLoadsOncePerConfiguration(t *testing.T) {
	t.Parallel()

	next := &countingLoader{}
	loader := NewCachingLoader(next)

	first, err := loader.LoadModel(context.Background(), "small", DeviceCPU)
	require.NoError(t, err)
	second, err := loader.LoadModel(context.Background(), "small", DeviceCPU)
	require.NoError(t, err)
	require.Same(t, first, second)

	_, err = loader.LoadModel(context.Background(), "tiny", DeviceCPU)
	require.NoError(t, err)
	require.Equal(t, 2, next.loads)
}

func TestCachingLoaderDoesNotCacheFailures(t *testing.T) {
	t.Parallel()

	next := &countingLoader{err: ErrModelUnavailable}
	loader := NewCachingLoader(next)

	_, err := loader.LoadModel(context.Background(), "small", DeviceAuto)
	require.ErrorIs(t, err, ErrModelUnavailable)
	_, err = loader.LoadModel(context.Background(), "small", DeviceAuto)
	require.ErrorIs(t, err, ErrModelUnavailable)
	require.Equal(t, 2, next.loads)
}
