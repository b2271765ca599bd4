package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// meterChunkFrames bounds memory use while metering a segment.
const meterChunkFrames = 16384

type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// Silent reports whether the measured level stays under thresholdDBFS. Short
// transients up to 6 dB above the threshold are tolerated.
func (m SilenceMetrics) Silent(thresholdDBFS float64) bool {
	if m.Samples == 0 {
		return true
	}
	if math.IsInf(m.RMSdBFS, -1) && math.IsInf(m.PeakdBFS, -1) {
		return true
	}
	return m.RMSdBFS <= thresholdDBFS && m.PeakdBFS <= thresholdDBFS+6
}

// IsSilentWAV meters the WAV file at path and applies the silence gate.
func IsSilentWAV(path string, thresholdDBFS float64) (bool, SilenceMetrics, error) {
	metrics, err := MeasureWAV(path)
	if err != nil {
		return false, SilenceMetrics{}, err
	}
	return metrics.Silent(thresholdDBFS), metrics, nil
}

// MeasureWAV streams the sample data of a WAV file through a level meter.
func MeasureWAV(path string) (SilenceMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return SilenceMetrics{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	info, err := readWAVInfo(f)
	if err != nil {
		return SilenceMetrics{}, err
	}

	meter, err := newLevelMeter(info.AudioFormat, info.BitsPerSample)
	if err != nil {
		return SilenceMetrics{}, err
	}

	data := io.NewSectionReader(f, info.DataOffset, info.DataSize)
	buf := make([]byte, meterChunkFrames*meter.sampleSize*max(int(info.Channels), 1))
	for {
		n, err := io.ReadFull(data, buf)
		if n > 0 {
			if measureErr := meter.measure(buf[:n]); measureErr != nil {
				return SilenceMetrics{}, measureErr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return SilenceMetrics{}, fmt.Errorf("read wav data: %w", err)
		}
	}

	return meter.metrics(), nil
}

// levelMeter accumulates peak and RMS over normalized samples in [-1, 1].
type levelMeter struct {
	audioFormat   uint16
	bitsPerSample uint16
	sampleSize    int

	peak       float64
	sumSquares float64
	samples    int64
}

func newLevelMeter(audioFormat, bitsPerSample uint16) (*levelMeter, error) {
	sampleSize := int(bitsPerSample / 8)
	if sampleSize <= 0 {
		return nil, ErrUnsupportedWAV
	}
	return &levelMeter{audioFormat: audioFormat, bitsPerSample: bitsPerSample, sampleSize: sampleSize}, nil
}

// measure consumes whole samples from data; a trailing partial sample is ignored.
func (m *levelMeter) measure(data []byte) error {
	for i := 0; i+m.sampleSize <= len(data); i += m.sampleSize {
		value, err := decodeSample(data[i:i+m.sampleSize], m.audioFormat, m.bitsPerSample)
		if err != nil {
			return err
		}

		m.peak = max(m.peak, math.Abs(value))
		m.sumSquares += value * value
		m.samples++
	}
	return nil
}

func (m *levelMeter) metrics() SilenceMetrics {
	if m.samples == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}
	}
	return SilenceMetrics{
		RMSdBFS:  amplitudeToDBFS(math.Sqrt(m.sumSquares / float64(m.samples))),
		PeakdBFS: amplitudeToDBFS(m.peak),
		Samples:  m.samples,
	}
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == formatIEEEFloat {
		switch bitsPerSample {
		case 32:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(sample))), nil
		case 64:
			return math.Float64frombits(binary.LittleEndian.Uint64(sample)), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch bitsPerSample {
	case 8:
		return (float64(sample[0]) - 128) / 128, nil
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(sample))) / (1 << 15), nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(int8(sample[2]))<<16
		return float64(v) / (1 << 23), nil
	case 32:
		return float64(int32(binary.LittleEndian.Uint32(sample))) / (1 << 31), nil
	default:
		return 0, ErrUnsupportedWAV
	}
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(amplitude)
}
