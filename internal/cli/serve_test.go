package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fmueller/voxqueue/internal/config"
	"github.com/fmueller/voxqueue/internal/whisper"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestService(t *testing.T, model *stubModel) (*service, string) {
	t.Helper()

	return newTestServiceWithLoader(t, &stubLoader{model: model})
}

func newTestServiceWithLoader(t *testing.T, loader whisper.Loader) (*service, string) {
	t.Helper()

	app := &appState{
		cfg:         config.Default(),
		envFiles:    []string{},
		newLoaderFn: func() (whisper.Loader, error) { return loader, nil },
	}
	app.cfg.UploadDir = t.TempDir()
	app.cfg.SilenceGate = false
	app.cfg.NoProgress = true
	app.cfg.RetryDelay = 10 * time.Millisecond

	svc, err := app.newService()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	svc.start(ctx)
	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = svc.queue.Shutdown(shutdownCtx)
		cancel()
	})

	return svc, app.cfg.UploadDir
}

func postAudio(t *testing.T, handler http.Handler, path string) string {
	t.Helper()

	payload, err := os.ReadFile(path)
	require.NoError(t, err)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio_file"; filename=%q`, filepath.Base(path)))
	header.Set("Content-Type", "audio/wav")
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.TaskID)
	return accepted.TaskID
}

type taskStatus struct {
	TaskID        string `json:"task_id"`
	State         string `json:"state"`
	Attempt       int    `json:"attempt"`
	Current       int    `json:"current"`
	Total         int    `json:"total"`
	Transcription string `json:"transcription"`
	ErrorKind     string `json:"error_kind"`
}

func fetchStatus(t *testing.T, handler http.Handler, id string) taskStatus {
	t.Helper()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/transcriptions/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got taskStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	return got
}

func waitForTerminal(t *testing.T, handler http.Handler, id string) taskStatus {
	t.Helper()

	var last taskStatus
	require.Eventually(t, func() bool {
		last = fetchStatus(t, handler, id)
		return last.State == "succeeded" || last.State == "failed"
	}, 10*time.Second, 20*time.Millisecond)
	return last
}

func TestServiceTranscribesUploadedAudio(t *testing.T) {
	t.Parallel()

	svc, uploadDir := newTestService(t, &stubModel{})

	input := filepath.Join(t.TempDir(), "lecture.wav")
	writeTestWAV(t, input, 12*60, 100)

	id := postAudio(t, svc.handler, input)
	got := waitForTerminal(t, svc.handler, id)

	require.Equal(t, "succeeded", got.State)
	require.Equal(t, id, got.TaskID)
	require.Equal(t, "seg0\nseg1\nseg2", got.Transcription)
	require.Equal(t, 3, got.Current)
	require.Equal(t, 3, got.Total)
	require.Equal(t, 1, got.Attempt)

	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestServiceRetriesUnavailableModel(t *testing.T) {
	t.Parallel()

	model := &stubModel{}
	loader := &flakyLoader{failures: 1, model: model}
	svc, _ := newTestServiceWithLoader(t, loader)

	input := filepath.Join(t.TempDir(), "memo.wav")
	writeTestWAV(t, input, 60, 100)

	id := postAudio(t, svc.handler, input)
	got := waitForTerminal(t, svc.handler, id)

	require.Equal(t, "succeeded", got.State)
	require.Equal(t, 2, got.Attempt)
	require.Equal(t, "seg0", got.Transcription)
}

func TestServiceFailsTerminallyOnInferenceError(t *testing.T) {
	t.Parallel()

	model := &stubModel{fail: func(int) error { return errors.New("decoder crashed") }}
	svc, uploadDir := newTestService(t, model)

	input := filepath.Join(t.TempDir(), "memo.wav")
	writeTestWAV(t, input, 60, 100)

	id := postAudio(t, svc.handler, input)
	got := waitForTerminal(t, svc.handler, id)

	require.Equal(t, "failed", got.State)
	require.Equal(t, "InferenceFailed", got.ErrorKind)
	require.Equal(t, 1, got.Attempt)

	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.NotEqual(t, ".wav", filepath.Ext(entry.Name()), "source must be released after a terminal failure")
	}
}

func TestServiceReportsUnknownTask(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &stubModel{})

	rec := httptest.NewRecorder()
	svc.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/transcriptions/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
