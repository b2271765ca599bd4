package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PathEnv overrides whisper-cli discovery.
const PathEnv = "VOXQUEUE_WHISPER_PATH"

// killGrace bounds how long a cancelled whisper-cli may take to exit.
const killGrace = 5 * time.Second

// CLIEngine runs one whisper-cli process per segment.
type CLIEngine struct {
	Executable string
	Logger     *zap.Logger
}

// NewCLIEngine locates whisper-cli: PathEnv first, then next to the running
// binary, then PATH.
func NewCLIEngine(logger *zap.Logger) (*CLIEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if override := strings.TrimSpace(os.Getenv(PathEnv)); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("%s is not executable: %w", PathEnv, err)
		}
		return &CLIEngine{Executable: override, Logger: logger}, nil
	}

	selfExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve voxqueue executable path: %w", err)
	}

	whisperExe, err := ResolveCLIPath(selfExe)
	if err != nil {
		return nil, err
	}
	return &CLIEngine{Executable: whisperExe, Logger: logger}, nil
}

func ResolveCLIPath(selfExecutable string) (string, error) {
	for _, candidate := range cliPathCandidates(selfExecutable) {
		if ensureExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	if onPath, err := exec.LookPath(cliBinaryName()); err == nil {
		return onPath, nil
	}
	return "", fmt.Errorf("whisper engine not found near %s or on PATH; install %s or set %s", selfExecutable, cliBinaryName(), PathEnv)
}

func cliPathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	name := cliBinaryName()
	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", name),
		filepath.Join(binDir, "libexec", "whisper", name),
		filepath.Join(binDir, name),
	}
}

func (e *CLIEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (string, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return "", errors.New("audio path is required")
	}
	if strings.TrimSpace(req.ModelPath) == "" {
		return "", errors.New("model path is required")
	}
	if err := ensureExecutable(e.Executable); err != nil {
		return "", fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	outDir, err := os.MkdirTemp("", "voxqueue-whisper-*")
	if err != nil {
		return "", fmt.Errorf("create whisper output directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	outBase := filepath.Join(outDir, "transcript")
	args := buildCLIArgs(req, outBase)

	cmd := exec.CommandContext(ctx, e.Executable, args...)
	cmd.WaitDelay = killGrace
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	started := time.Now()
	e.log().Debug("running whisper-cli", zap.String("engine", e.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("whisper-cli interrupted: %w", ctxErr)
		}
		return "", diagnoseCLIFailure(e.Executable, err, strings.TrimSpace(stderr.String()))
	}
	e.log().Debug("whisper-cli finished", zap.String("audio", req.AudioPath), zap.Duration("elapsed", time.Since(started)))

	content, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}
	return strings.TrimSpace(string(content)), nil
}

func (e *CLIEngine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func buildCLIArgs(req TranscriptionRequest, outBase string) []string {
	args := []string{"-m", req.ModelPath, "-f", req.AudioPath, "-nt", "-otxt", "-of", outBase}
	if lang := strings.TrimSpace(req.Language); lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}
	if req.Device == DeviceCPU {
		args = append(args, "-ng")
	}
	return args
}

// cliFailure maps well-known whisper-cli crash output onto an operator hint.
type cliFailure struct {
	patterns []string
	hint     string
}

var cliFailures = []cliFailure{
	{
		patterns: []string{
			"error while loading shared libraries",
			"cannot open shared object file",
			"dyld: library not loaded",
			"image not found",
		},
		hint: "whisper-cli is missing required shared libraries; rebuild it with BUILD_SHARED_LIBS=OFF",
	},
	{
		patterns: []string{"illegal instruction"},
		hint:     "whisper-cli crashed with an illegal CPU instruction; set " + PathEnv + " to a build for this CPU",
	},
	{
		patterns: []string{"failed to load model", "invalid model data"},
		hint:     "whisper-cli could not load the model file; run `voxqueue setup` to fetch a fresh copy",
	},
}

func diagnoseCLIFailure(executable string, runErr error, stderr string) error {
	haystack := strings.ToLower(stderr + "\n" + runErr.Error())
	for _, failure := range cliFailures {
		for _, pattern := range failure.patterns {
			if strings.Contains(haystack, pattern) {
				return fmt.Errorf("%s (%s): %w", failure.hint, executable, runErr)
			}
		}
	}
	if stderr == "" {
		return fmt.Errorf("whisper-cli failed: %w", runErr)
	}
	return fmt.Errorf("whisper-cli failed: %w (%s)", runErr, stderr)
}

func cliBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
