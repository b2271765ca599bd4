package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fmueller/voxqueue/internal/artifact"
	"github.com/fmueller/voxqueue/internal/audio"
	"github.com/fmueller/voxqueue/internal/config"
	"github.com/fmueller/voxqueue/internal/job"
	"github.com/fmueller/voxqueue/internal/logging"
	"github.com/fmueller/voxqueue/internal/platform"
	"github.com/fmueller/voxqueue/internal/queue"
	"github.com/fmueller/voxqueue/internal/version"
	"github.com/fmueller/voxqueue/internal/whisper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

type appState struct {
	cfg      config.Config
	envFiles []string

	logger *zap.Logger

	newLoaderFn  func() (whisper.Loader, error)
	transcribeFn func(ctx context.Context, audioPath string) (string, error)
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&appState{cfg: config.Default()})
}

func newRootCmd(app *appState) *cobra.Command {
	if app.envFiles == nil {
		app.envFiles = []string{".env"}
	}

	cmd := &cobra.Command{
		Use:           "voxqueue",
		Short:         "Queue long audio files for segmented whisper transcription",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.prepare(cmd)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	app.cfg.BindFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().StringSliceVar(&app.envFiles, "env-file", app.envFiles, "Dotenv files loaded before reading VOXQUEUE_* variables")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// prepare resolves configuration in order of precedence: defaults, dotenv
// files, VOXQUEUE_* variables, then explicit flags.
func (a *appState) prepare(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(a.envFiles...); err != nil {
		return err
	}
	if err := config.ApplyEnv(cmd.Flags(), config.EnvPrefix, os.LookupEnv); err != nil {
		return err
	}

	a.cfg.Language = sanitizeLanguage(a.cfg.Language)
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{Verbose: a.cfg.Verbose, JSON: a.cfg.JSONLogs})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	return nil
}

func (a *appState) newLoader() (whisper.Loader, error) {
	if a.newLoaderFn != nil {
		return a.newLoaderFn()
	}

	var loader whisper.Loader
	switch a.cfg.Engine {
	case config.EngineOpenAI:
		apiKey := a.cfg.OpenAIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		loader = &whisper.OpenAILoader{APIKey: apiKey, BaseURL: a.cfg.OpenAIBaseURL, Logger: logging.ForComponent(a.log(), "openai")}
	default:
		modelDir, err := a.modelStorageDir()
		if err != nil {
			return nil, err
		}
		loader = &whisper.LocalLoader{
			ModelDir:     modelDir,
			AutoDownload: a.cfg.AutoDownload,
			NoProgress:   !a.progressEnabled(),
			Logger:       logging.ForComponent(a.log(), "model"),
		}
	}

	if a.cfg.ShareModel {
		return whisper.NewCachingLoader(loader), nil
	}
	return loader, nil
}

func (a *appState) newArtifacts() (*artifact.Manager, error) {
	dir, err := platform.ResolveUploadDir(a.cfg.UploadDir)
	if err != nil {
		return nil, err
	}
	return artifact.NewManager(dir, logging.ForComponent(a.log(), "artifacts"))
}

func (a *appState) newSegmenter() *audio.Segmenter {
	segmenter := &audio.Segmenter{Logger: logging.ForComponent(a.log(), "audio")}
	if transcoder, ok := audio.NewFFmpegTranscoder(); ok {
		segmenter.Transcoder = transcoder
	} else {
		a.log().Debug("ffmpeg not found; only WAV input is supported")
	}
	return segmenter
}

func (a *appState) newRunner(artifacts job.Releaser, reporter job.Reporter, loader whisper.Loader) *job.Runner {
	return &job.Runner{
		Options:   a.jobOptions(),
		Segmenter: a.newSegmenter(),
		Loader:    loader,
		Artifacts: artifacts,
		Reporter:  reporter,
		Logger:    logging.ForComponent(a.log(), "runner"),
	}
}

func (a *appState) jobOptions() job.Options {
	return job.Options{
		MaxSegmentDuration:   a.cfg.MaxSegmentDuration,
		SoftTimeout:          a.cfg.SoftTimeout,
		HardTimeout:          a.cfg.HardTimeout,
		PollAttempts:         a.cfg.PollAttempts,
		PollInterval:         a.cfg.PollInterval,
		Language:             a.cfg.Language,
		ModelSize:            a.cfg.Model,
		Device:               a.cfg.Device,
		SilenceGate:          a.cfg.SilenceGate,
		SilenceThresholdDBFS: a.cfg.SilenceThresholdDBFS,
	}
}

func (a *appState) queueOptions() queue.Options {
	return queue.Options{
		Workers:    a.cfg.Workers,
		Size:       a.cfg.QueueSize,
		MaxRetries: a.cfg.MaxRetries,
		RetryDelay: a.cfg.RetryDelay,
	}
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.cfg.ModelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.cfg.NoProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
