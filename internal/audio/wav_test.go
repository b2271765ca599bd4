package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadWAVInfoReportsDuration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, os.WriteFile(path, makePCM16WAV(make([]int16, 32000), 16000, 1), 0o644))

	info, err := ReadWAVInfo(path)
	require.NoError(t, err)
	require.EqualValues(t, 16000, info.SampleRate)
	require.EqualValues(t, 1, info.Channels)
	require.EqualValues(t, 2, info.BlockAlign)
	require.EqualValues(t, 32000, info.Frames())
	require.Equal(t, 2*time.Second, info.Duration())
}

func TestReadWAVInfoRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garbage.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not audio"), 0o644))

	_, err := ReadWAVInfo(path)
	require.ErrorIs(t, err, ErrInvalidWAV)
}

func TestReadWAVInfoRejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()

	data := makePCM16WAV(make([]int16, 10), 16000, 1)
	binary.LittleEndian.PutUint16(data[20:22], 2) // ADPCM

	path := filepath.Join(t.TempDir(), "adpcm.wav")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := ReadWAVInfo(path)
	require.ErrorIs(t, err, ErrUnsupportedWAV)
}

func makePCM16WAV(samples []int16, sampleRate int, channels int) []byte {
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
