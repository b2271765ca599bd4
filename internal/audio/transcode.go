package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// FFmpegTranscoder converts media into 16 kHz mono 16-bit PCM WAV, the
// format whisper models expect.
type FFmpegTranscoder struct {
	Path string
}

// NewFFmpegTranscoder returns a transcoder when ffmpeg is on PATH.
func NewFFmpegTranscoder() (*FFmpegTranscoder, bool) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, false
	}
	return &FFmpegTranscoder{Path: path}, true
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, sourcePath, destinationPath string) error {
	cmd := exec.CommandContext(ctx, t.Path, buildFFmpegArgs(sourcePath, destinationPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg decode failed: %w (%s)", err, lastLine(stderr.String()))
	}
	return nil
}

func buildFFmpegArgs(sourcePath, destinationPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", sourcePath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		"-f", "wav",
		destinationPath,
	}
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
