package whisper

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrModelUnavailable means a model could not be resolved, fetched or
	// initialized.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInferenceFailed means the model could not transcribe one input.
	ErrInferenceFailed = errors.New("inference failed")
)

// TranscriptionRequest is one engine invocation. ModelPath is a local model
// file for whisper-cli or a remote model id for API engines.
type TranscriptionRequest struct {
	AudioPath string
	ModelPath string
	Language  string
	Device    string
}

type Engine interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (string, error)
}

// Model is a resolved model configuration. It is loaded once and reused for
// every segment of a job.
type Model interface {
	Name() string
	Transcribe(ctx context.Context, audioPath, language string) (string, error)
}

// Loader selects and initializes a model. Failures wrap ErrModelUnavailable.
type Loader interface {
	LoadModel(ctx context.Context, size, device string) (Model, error)
}

type engineModel struct {
	name   string
	path   string
	device string
	engine Engine
}

// NewModel binds a model file (or remote id) and device to an engine.
func NewModel(name, path, device string, engine Engine) Model {
	return &engineModel{name: name, path: path, device: device, engine: engine}
}

func (m *engineModel) Name() string {
	return m.name
}

func (m *engineModel) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	text, err := m.engine.Transcribe(ctx, TranscriptionRequest{
		AudioPath: audioPath,
		ModelPath: m.path,
		Language:  language,
		Device:    m.device,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}
	return text, nil
}

// CachingLoader keeps one model per size and device for the lifetime of a
// worker process instead of loading it again for every job.
type CachingLoader struct {
	next Loader

	mu     sync.Mutex
	models map[string]Model
}

func NewCachingLoader(next Loader) *CachingLoader {
	return &CachingLoader{next: next, models: make(map[string]Model)}
}

func (c *CachingLoader) LoadModel(ctx context.Context, size, device string) (Model, error) {
	key := size + "|" + device

	c.mu.Lock()
	defer c.mu.Unlock()

	if model, ok := c.models[key]; ok {
		return model, nil
	}

	model, err := c.next.LoadModel(ctx, size, device)
	if err != nil {
		return nil, err
	}
	c.models[key] = model
	return model, nil
}
