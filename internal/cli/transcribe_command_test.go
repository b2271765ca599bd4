package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fmueller/voxqueue/internal/config"
	"github.com/fmueller/voxqueue/internal/job"
	"github.com/stretchr/testify/require"
)

func TestTranscribeCommandPrintsTranscript(t *testing.T) {
	t.Parallel()

	var gotPath string
	app := &appState{
		cfg:      config.Default(),
		envFiles: []string{},
		transcribeFn: func(_ context.Context, audioPath string) (string, error) {
			gotPath = audioPath
			return "hello world", nil
		},
	}

	stdout, _, err := runAppCommand(t, app, []string{"transcribe", "meeting.wav"})
	require.NoError(t, err)
	require.Equal(t, "hello world\n", stdout)
	require.Equal(t, "meeting.wav", gotPath)
}

func TestTranscribeCommandPropagatesFailure(t *testing.T) {
	t.Parallel()

	app := &appState{
		cfg:      config.Default(),
		envFiles: []string{},
		transcribeFn: func(context.Context, string) (string, error) {
			return "", errors.New("boom")
		},
	}

	stdout, _, err := runAppCommand(t, app, []string{"transcribe", "meeting.wav"})
	require.ErrorContains(t, err, "boom")
	require.Empty(t, stdout)
}

func TestTranscribeRunsSegmentedPipeline(t *testing.T) {
	t.Parallel()

	input := filepath.Join(t.TempDir(), "talk.wav")
	writeTestWAV(t, input, 7*60, 100)
	uploadDir := t.TempDir()

	app := newStubApp(&stubModel{})
	stdout, _, err := runAppCommand(t, app, []string{
		"transcribe", input,
		"--upload-dir", uploadDir,
		"--silence-gate=false",
		"--no-progress",
	})
	require.NoError(t, err)
	require.Equal(t, "seg0\nseg1\n", stdout)

	require.FileExists(t, input, "the original input must be left untouched")
	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	require.Empty(t, entries, "staged source, segments and partial transcript must be removed")
}

func TestTranscribeKeepsPartialTranscriptOnFailure(t *testing.T) {
	t.Parallel()

	input := filepath.Join(t.TempDir(), "talk.wav")
	writeTestWAV(t, input, 12*60, 100)
	uploadDir := t.TempDir()

	model := &stubModel{fail: func(index int) error {
		if index == 1 {
			return errors.New("decoder crashed")
		}
		return nil
	}}
	app := newStubApp(model)

	_, _, err := runAppCommand(t, app, []string{
		"transcribe", input,
		"--upload-dir", uploadDir,
		"--silence-gate=false",
		"--no-progress",
	})
	require.Error(t, err)
	require.Equal(t, job.InferenceFailed, job.KindOf(err))

	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasSuffix(entries[0].Name(), ".partial.txt"), "unexpected artifact %s", entries[0].Name())

	partial, err := os.ReadFile(filepath.Join(uploadDir, entries[0].Name()))
	require.NoError(t, err)
	require.Equal(t, "seg0", string(partial))
}

func TestStageSourceCopiesIntoArtifactDir(t *testing.T) {
	t.Parallel()

	input := filepath.Join(t.TempDir(), "note.wav")
	require.NoError(t, os.WriteFile(input, []byte("payload"), 0o644))

	app := &appState{cfg: config.Default()}
	app.cfg.UploadDir = t.TempDir()
	artifacts, err := app.newArtifacts()
	require.NoError(t, err)

	staged, err := stageSource(artifacts, input)
	require.NoError(t, err)
	require.Equal(t, artifacts.Dir(), filepath.Dir(staged))
	require.NotEqual(t, input, staged)

	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}
