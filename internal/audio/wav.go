package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

// WAVInfo describes the fmt and data chunks of a RIFF/WAVE file.
type WAVInfo struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	BlockAlign    uint16
	DataOffset    int64
	DataSize      int64
}

// Frames is the number of sample frames declared by the data chunk.
func (w WAVInfo) Frames() int64 {
	if w.BlockAlign == 0 {
		return 0
	}
	return w.DataSize / int64(w.BlockAlign)
}

// FramesDuration converts a frame offset into elapsed time.
func (w WAVInfo) FramesDuration(frames int64) time.Duration {
	if w.SampleRate == 0 {
		return 0
	}
	rate := int64(w.SampleRate)
	return time.Duration(frames/rate)*time.Second + time.Duration(frames%rate*int64(time.Second)/rate)
}

func (w WAVInfo) Duration() time.Duration {
	return w.FramesDuration(w.Frames())
}

// ReadWAVInfo parses the header of the WAV file at path.
func ReadWAVInfo(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	return readWAVInfo(f)
}

func readWAVInfo(r io.ReadSeeker) (WAVInfo, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return WAVInfo{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return WAVInfo{}, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return WAVInfo{}, ErrInvalidWAV
	}

	var (
		info    WAVInfo
		hasFmt  bool
		hasData bool
	)

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return WAVInfo{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		chunkStart, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return WAVInfo{}, fmt.Errorf("seek wav chunk start: %w", err)
		}

		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return WAVInfo{}, ErrInvalidWAV
			}

			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return WAVInfo{}, fmt.Errorf("read wav fmt chunk: %w", err)
			}

			info.AudioFormat = binary.LittleEndian.Uint16(buf[0:2])
			info.Channels = binary.LittleEndian.Uint16(buf[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(buf[4:8])
			info.BlockAlign = binary.LittleEndian.Uint16(buf[12:14])
			info.BitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			hasFmt = true

			if chunkSize%2 != 0 {
				if _, err := r.Seek(1, io.SeekCurrent); err != nil {
					return WAVInfo{}, fmt.Errorf("seek wav fmt padding: %w", err)
				}
			}
		case "data":
			info.DataOffset = chunkStart
			info.DataSize = int64(chunkSize)
			hasData = true
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return WAVInfo{}, fmt.Errorf("seek wav data chunk: %w", err)
			}
		default:
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return WAVInfo{}, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return WAVInfo{}, ErrInvalidWAV
	}
	if info.Channels == 0 || info.SampleRate == 0 || info.BlockAlign == 0 {
		return WAVInfo{}, ErrInvalidWAV
	}

	if err := validateFormat(info.AudioFormat, info.BitsPerSample); err != nil {
		return WAVInfo{}, err
	}

	return info, nil
}

// WAVE_FORMAT tags understood by the segmenter and the level meter.
const (
	formatPCM       uint16 = 1
	formatIEEEFloat uint16 = 3
)

func validateFormat(audioFormat, bitsPerSample uint16) error {
	switch audioFormat {
	case formatPCM:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case formatIEEEFloat:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

// encodeWAVHeader renders a canonical 44-byte header for a data chunk of
// dataSize bytes in the format described by info.
func encodeWAVHeader(info WAVInfo, dataSize uint32) []byte {
	riffSize := 36 + dataSize + dataSize%2

	out := make([]byte, 44)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], riffSize)
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], info.AudioFormat)
	binary.LittleEndian.PutUint16(out[22:24], info.Channels)
	binary.LittleEndian.PutUint32(out[24:28], info.SampleRate)
	binary.LittleEndian.PutUint32(out[28:32], info.SampleRate*uint32(info.BlockAlign))
	binary.LittleEndian.PutUint16(out[32:34], info.BlockAlign)
	binary.LittleEndian.PutUint16(out[34:36], info.BitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], dataSize)
	return out
}
