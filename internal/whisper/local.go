package whisper

import (
	"context"
	"fmt"
	"sync"

	"github.com/fmueller/voxqueue/internal/download"
	"go.uber.org/zap"
)

// LocalLoader resolves registry models under ModelDir, downloads missing ones
// when AutoDownload is set and runs them with whisper-cli.
type LocalLoader struct {
	ModelDir     string
	AutoDownload bool
	NoProgress   bool
	Logger       *zap.Logger

	NewEngine func(logger *zap.Logger) (Engine, error)
	Download  func(ctx context.Context, opts download.Options) error

	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
}

func (l *LocalLoader) LoadModel(ctx context.Context, size, device string) (Model, error) {
	device, err := NormalizeDevice(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	resolved, err := l.EnsureModel(ctx, size)
	if err != nil {
		return nil, err
	}

	engine, err := l.newEngine()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	name := resolved.Name
	if name == "" {
		name = resolved.Path
	}
	l.log().Info("model loaded", zap.String("model", name), zap.String("path", resolved.Path), zap.String("device", device))
	return NewModel(name, resolved.Path, device, engine), nil
}

// EnsureModel resolves size to a model file on disk, downloading it first
// when it is missing and AutoDownload is enabled.
func (l *LocalLoader) EnsureModel(ctx context.Context, size string) (ResolvedModel, error) {
	resolved, err := ResolveModel(size, l.ModelDir)
	if err != nil {
		return ResolvedModel{}, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	// One download per destination; callers that waited re-resolve and
	// find the finished file.
	unlock := l.lockPath(resolved.Path)
	defer unlock()

	resolved, err = ResolveModel(size, l.ModelDir)
	if err != nil {
		return ResolvedModel{}, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !l.AutoDownload {
		return ResolvedModel{}, fmt.Errorf("%w: model %q is missing at %s; run `voxqueue setup --model %s` or enable --auto-download", ErrModelUnavailable, resolved.Name, resolved.Path, resolved.Name)
	}

	l.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := l.download(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		NoProgress:     l.NoProgress,
		Logger:         l.log(),
	}); err != nil {
		return ResolvedModel{}, fmt.Errorf("%w: download model %q: %w", ErrModelUnavailable, resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}

func (l *LocalLoader) lockPath(path string) func() {
	l.mu.Lock()
	if l.pathLocks == nil {
		l.pathLocks = make(map[string]*sync.Mutex)
	}
	lock, ok := l.pathLocks[path]
	if !ok {
		lock = &sync.Mutex{}
		l.pathLocks[path] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (l *LocalLoader) newEngine() (Engine, error) {
	if l.NewEngine != nil {
		return l.NewEngine(l.log())
	}
	engine, err := NewCLIEngine(l.log())
	if err != nil {
		return nil, err
	}
	return engine, nil
}

func (l *LocalLoader) download(ctx context.Context, opts download.Options) error {
	if l.Download != nil {
		return l.Download(ctx, opts)
	}
	return download.DownloadFile(ctx, opts)
}

func (l *LocalLoader) log() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}
