package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/fmueller/voxqueue/internal/config"
	"github.com/fmueller/voxqueue/internal/whisper"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	return runAppCommand(t, &appState{cfg: config.Default()}, args)
}

func runAppCommand(t *testing.T, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetContext(context.Background())
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// stubModel returns "seg<n>" for the n-th call unless fail says otherwise.
type stubModel struct {
	mu    sync.Mutex
	calls int
	fail  func(index int) error
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Transcribe(_ context.Context, _ string, _ string) (string, error) {
	m.mu.Lock()
	index := m.calls
	m.calls++
	m.mu.Unlock()

	if m.fail != nil {
		if err := m.fail(index); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("seg%d", index), nil
}

type stubLoader struct {
	model *stubModel
}

func (l *stubLoader) LoadModel(context.Context, string, string) (whisper.Model, error) {
	return l.model, nil
}

// flakyLoader reports the model as unavailable for the first failures loads.
type flakyLoader struct {
	mu       sync.Mutex
	failures int
	model    *stubModel
}

func (l *flakyLoader) LoadModel(context.Context, string, string) (whisper.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failures > 0 {
		l.failures--
		return nil, fmt.Errorf("%w: still downloading", whisper.ErrModelUnavailable)
	}
	return l.model, nil
}

func newStubApp(model *stubModel) *appState {
	return &appState{
		cfg:      config.Default(),
		envFiles: []string{},
		newLoaderFn: func() (whisper.Loader, error) {
			return &stubLoader{model: model}, nil
		},
	}
}

func writeTestWAV(t *testing.T, path string, seconds, sampleRate int) {
	t.Helper()

	samples := make([]int16, seconds*sampleRate)
	require.NoError(t, os.WriteFile(path, makePCM16WAVForTest(samples, sampleRate, 1), 0o644))
}

func makePCM16WAVForTest(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], []byte("RIFF"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], []byte("WAVE"))
	off += 4

	copy(out[off:], []byte("fmt "))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], []byte("data"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}
