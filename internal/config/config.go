package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const EnvPrefix = "VOXQUEUE"

const (
	EngineWhisperCLI = "whisper-cli"
	EngineOpenAI     = "openai"
)

type Config struct {
	Verbose    bool
	JSONLogs   bool
	NoProgress bool

	ListenAddr     string
	UploadDir      string
	MaxUploadBytes int64

	Workers    int
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration

	MaxSegmentDuration time.Duration
	SoftTimeout        time.Duration
	HardTimeout        time.Duration
	PollAttempts       int
	PollInterval       time.Duration
	Language           string

	Engine        string
	Model         string
	ModelDir      string
	Device        string
	AutoDownload  bool
	ShareModel    bool
	OpenAIKey     string
	OpenAIBaseURL string

	SilenceGate          bool
	SilenceThresholdDBFS float64

	ArtifactTTL     time.Duration
	JanitorSchedule string
}

func Default() Config {
	return Config{
		ListenAddr:           ":8080",
		MaxUploadBytes:       500 << 20,
		Workers:              1,
		QueueSize:            64,
		MaxRetries:           2,
		RetryDelay:           10 * time.Second,
		MaxSegmentDuration:   5 * time.Minute,
		SoftTimeout:          3600 * time.Second,
		HardTimeout:          3660 * time.Second,
		PollAttempts:         10,
		PollInterval:         500 * time.Millisecond,
		Language:             "auto",
		Engine:               EngineWhisperCLI,
		Model:                "small",
		Device:               "auto",
		AutoDownload:         true,
		SilenceGate:          true,
		SilenceThresholdDBFS: -65,
		ArtifactTTL:          6 * time.Hour,
		JanitorSchedule:      "@every 10m",
	}
}

// BindFlags registers one flag per setting on fs, defaulting to the current
// values of c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "Enable verbose logs")
	fs.BoolVar(&c.JSONLogs, "json", c.JSONLogs, "Enable JSON logging")
	fs.BoolVar(&c.NoProgress, "no-progress", c.NoProgress, "Disable progress indicators")

	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address")
	fs.StringVar(&c.UploadDir, "upload-dir", c.UploadDir, "Directory for uploaded audio and job artifacts")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", c.MaxUploadBytes, "Maximum accepted upload size in bytes")

	fs.IntVar(&c.Workers, "workers", c.Workers, "Number of concurrent transcription workers")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "Maximum number of queued jobs")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Automatic retries after a timeout or unclassified failure")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "Delay before a failed job is retried")

	fs.DurationVar(&c.MaxSegmentDuration, "segment-duration", c.MaxSegmentDuration, "Maximum duration of one audio segment")
	fs.DurationVar(&c.SoftTimeout, "soft-timeout", c.SoftTimeout, "Per-attempt budget after which a job fails with a retryable timeout")
	fs.DurationVar(&c.HardTimeout, "hard-timeout", c.HardTimeout, "Per-attempt budget after which a job is aborted")
	fs.IntVar(&c.PollAttempts, "source-poll-attempts", c.PollAttempts, "How often to check for an uploaded source before failing")
	fs.DurationVar(&c.PollInterval, "source-poll-interval", c.PollInterval, "Delay between source visibility checks")
	fs.StringVar(&c.Language, "language", c.Language, "Default language code (auto|en|de|...)")

	fs.StringVar(&c.Engine, "engine", c.Engine, "Inference engine: whisper-cli|openai")
	fs.StringVar(&c.Model, "model", c.Model, "Model name or model file path")
	fs.StringVar(&c.ModelDir, "model-dir", c.ModelDir, "Directory where models are stored")
	fs.StringVar(&c.Device, "device", c.Device, "Compute device: auto|cpu|cuda")
	fs.BoolVar(&c.AutoDownload, "auto-download", c.AutoDownload, "Automatically download missing models")
	fs.BoolVar(&c.ShareModel, "share-model", c.ShareModel, "Load each model once per process instead of once per job")
	fs.StringVar(&c.OpenAIKey, "openai-api-key", c.OpenAIKey, "API key for the openai engine (falls back to OPENAI_API_KEY)")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", c.OpenAIBaseURL, "Base URL of an OpenAI-compatible API")

	fs.BoolVar(&c.SilenceGate, "silence-gate", c.SilenceGate, "Skip inference for near-silent segments")
	fs.Float64Var(&c.SilenceThresholdDBFS, "silence-threshold-dbfs", c.SilenceThresholdDBFS, "Silence gate threshold in dBFS")

	fs.DurationVar(&c.ArtifactTTL, "artifact-ttl", c.ArtifactTTL, "Age after which leftover artifacts and finished job statuses are removed")
	fs.StringVar(&c.JanitorSchedule, "janitor-schedule", c.JanitorSchedule, "Cron schedule of the artifact janitor")
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"segment-duration":     c.MaxSegmentDuration,
		"soft-timeout":         c.SoftTimeout,
		"hard-timeout":         c.HardTimeout,
		"source-poll-interval": c.PollInterval,
		"artifact-ttl":         c.ArtifactTTL,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("--%s must be positive, got %s", name, positive[name]))
		}
	}

	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("--retry-delay must not be negative, got %s", c.RetryDelay))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("--workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("--queue-size must be positive, got %d", c.QueueSize))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("--max-retries must not be negative, got %d", c.MaxRetries))
	}
	if c.PollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("--source-poll-attempts must be positive, got %d", c.PollAttempts))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("--max-upload-bytes must be positive, got %d", c.MaxUploadBytes))
	}
	if c.HardTimeout < c.SoftTimeout {
		errs = append(errs, fmt.Errorf("--hard-timeout (%s) must not be shorter than --soft-timeout (%s)", c.HardTimeout, c.SoftTimeout))
	}

	switch c.Engine {
	case EngineWhisperCLI, EngineOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown --engine %q (expected %s or %s)", c.Engine, EngineWhisperCLI, EngineOpenAI))
	}

	if cycle := c.RetryCycle(); c.ArtifactTTL > 0 && c.ArtifactTTL < cycle {
		errs = append(errs, fmt.Errorf("--artifact-ttl (%s) must cover a full retry cycle (%s)", c.ArtifactTTL, cycle))
	}

	return errors.Join(errs...)
}

// RetryCycle is the longest time a job spends executing once dispatched:
// every attempt running into the hard timeout plus the delays between them.
// Time waiting in the queue is not bounded; the janitor skips files of
// jobs that are still live.
func (c Config) RetryCycle() time.Duration {
	attempts := time.Duration(c.MaxRetries + 1)
	return attempts*c.HardTimeout + time.Duration(c.MaxRetries)*c.RetryDelay
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped and variables already set are left untouched.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// EnvName maps a flag name to its environment variable, e.g. "max-retries"
// to VOXQUEUE_MAX_RETRIES.
func EnvName(prefix, flagName string) string {
	return prefix + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// ApplyEnv sets every flag not given on the command line from its
// environment variable.
func ApplyEnv(fs *pflag.FlagSet, prefix string, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := EnvName(prefix, f.Name)
		value, ok := lookup(name)
		if !ok {
			return
		}
		if err := fs.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
