package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxqueue/internal/artifact"
	"github.com/fmueller/voxqueue/internal/job"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file in the foreground",
		Long: "Transcribe an audio file in the foreground. The file is copied into the upload directory,\n" +
			"split into segments and transcribed segment by segment; the original file is left untouched.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transcribeFn := app.transcribeFn
			if transcribeFn == nil {
				transcribeFn = app.transcribeAudio
			}

			transcript, err := transcribeFn(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), transcript)
			if isBlankTranscript(transcript) {
				app.log().Warn(noSpeechHint())
			}
			return nil
		},
	}
}

func (a *appState) transcribeAudio(ctx context.Context, audioPath string) (string, error) {
	audioPath = filepath.Clean(audioPath)
	if _, err := os.Stat(audioPath); err != nil {
		return "", fmt.Errorf("audio file not found: %w", err)
	}

	artifacts, err := a.newArtifacts()
	if err != nil {
		return "", err
	}

	source, err := stageSource(artifacts, audioPath)
	if err != nil {
		return "", err
	}

	loader, err := a.newLoader()
	if err != nil {
		artifacts.Release(source)
		return "", err
	}

	progress := newSegmentProgress(a.progressEnabled())
	defer progress.Stop()

	runner := a.newRunner(artifacts, progress, loader)
	j := job.New(uuid.NewString(), source, a.cfg.Language)

	a.log().Info("transcribing...", zap.String("audio", audioPath), zap.String("model", a.cfg.Model), zap.String("language", a.cfg.Language))
	result, err := runner.Run(ctx, j)
	if err != nil {
		if partial := job.PartialPath(source); fileExists(partial) {
			a.log().Warn("partial transcript kept for inspection", zap.String("path", partial))
		}
		return "", err
	}
	return result.Transcription, nil
}

// stageSource copies audioPath into the artifact directory so the job can
// own and delete its copy.
func stageSource(artifacts *artifact.Manager, audioPath string) (string, error) {
	src, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer src.Close()

	path := artifacts.Allocate(audioPath)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("stage audio file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		artifacts.Release(path)
		return "", fmt.Errorf("stage audio file: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		artifacts.Release(path)
		return "", fmt.Errorf("sync staged audio file: %w", err)
	}
	if err := dst.Close(); err != nil {
		artifacts.Release(path)
		return "", fmt.Errorf("close staged audio file: %w", err)
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sanitizeLanguage(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return "auto"
	}
	return trimmed
}
