package audio

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rotisserie/eris"
	"github.com/tphakala/flac"

	"wildlife-backend/internal/inference"
)

const (
	// SampleRate is what the acoustic model was trained on.
	SampleRate = 48000
	// ChunkSeconds is the model's fixed input window.
	ChunkSeconds = 3.0
)

// Decode reads a WAV or FLAC file into mono float32 samples in [-1, 1] at
// SampleRate. Multi-channel audio keeps the first channel.
func Decode(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "audio: open file")
	}
	defer f.Close()

	var (
		samples []float32
		rate    int
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		samples, rate, err = decodeWAV(f)
	case ".flac":
		samples, rate, err = decodeFLAC(f)
	default:
		return nil, eris.Wrapf(inference.ErrUnsupportedFormat, "audio: extension %q", ext)
	}
	if err != nil {
		return nil, err
	}
	return Resample(samples, rate, SampleRate), nil
}

func decodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, 0, eris.Wrap(inference.ErrUndecodable, "audio: invalid WAV file")
	}

	divisor, err := audioDivisor(int(decoder.BitDepth))
	if err != nil {
		return nil, 0, err
	}
	channels := int(decoder.NumChans)
	if channels < 1 {
		return nil, 0, eris.Wrap(inference.ErrUndecodable, "audio: WAV without channels")
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, 64*1024*channels),
		Format: &audio.Format{SampleRate: int(decoder.SampleRate), NumChannels: channels},
	}

	var samples []float32
	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return nil, 0, eris.Wrapf(inference.ErrUndecodable, "audio: read WAV samples: %v", err)
		}
		if n == 0 {
			break
		}
		for i := 0; i < n; i += channels {
			samples = append(samples, float32(buf.Data[i])/divisor)
		}
	}
	return samples, int(decoder.SampleRate), nil
}

func decodeFLAC(r io.Reader) ([]float32, int, error) {
	decoder, err := flac.NewDecoder(r)
	if err != nil {
		return nil, 0, eris.Wrapf(inference.ErrUndecodable, "audio: open FLAC stream: %v", err)
	}

	divisor, err := audioDivisor(decoder.BitsPerSample)
	if err != nil {
		return nil, 0, err
	}
	frameSize := (decoder.BitsPerSample / 8) * decoder.NChannels
	if frameSize == 0 {
		return nil, 0, eris.Wrap(inference.ErrUndecodable, "audio: FLAC without channels")
	}

	var samples []float32
	for {
		frame, err := decoder.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, 0, eris.Wrapf(inference.ErrUndecodable, "audio: read FLAC frame: %v", err)
		}

		for i := 0; i+frameSize <= len(frame); i += frameSize {
			var sample int32
			switch decoder.BitsPerSample {
			case 16:
				sample = int32(int16(binary.LittleEndian.Uint16(frame[i:])))
			case 24:
				sample = int32(frame[i]) | int32(frame[i+1])<<8 | int32(int8(frame[i+2]))<<16
			case 32:
				sample = int32(binary.LittleEndian.Uint32(frame[i:]))
			}
			samples = append(samples, float32(sample)/divisor)
		}
	}
	return samples, decoder.SampleRate, nil
}

func audioDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	}
	return 0, eris.Wrapf(inference.ErrUnsupportedFormat, "audio: bit depth %d", bitDepth)
}

// Resample converts between sample rates by linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || len(samples) == 0 {
		return samples
	}
	ratio := float64(to) / float64(from)
	out := make([]float32, int(float64(len(samples))*ratio))
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// Split cuts samples into ChunkSeconds windows advancing by ChunkSeconds-overlap.
// A trailing remainder of at least half a window is zero padded; shorter ones are dropped.
func Split(samples []float32, overlap float64) [][]float32 {
	size := int(ChunkSeconds * SampleRate)
	step := int((ChunkSeconds - overlap) * SampleRate)
	if step <= 0 {
		step = size
	}
	minLen := size / 2

	var chunks [][]float32
	pos := 0
	for ; pos+size <= len(samples); pos += step {
		chunks = append(chunks, samples[pos:pos+size])
	}
	if rest := len(samples) - pos; rest >= minLen && rest > 0 {
		padded := make([]float32, size)
		copy(padded, samples[pos:])
		chunks = append(chunks, padded)
	}
	return chunks
}
