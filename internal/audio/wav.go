package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	formatPCM       = 1
	formatIEEEFloat = 3
)

var (
	// ErrNotWAV is returned when a payload lacks the RIFF/WAVE header.
	ErrNotWAV = errors.New("audio: not a wav payload")
	// ErrEmpty is returned when there is nothing to frame.
	ErrEmpty = errors.New("audio: no samples")
)

// Info summarizes a WAV payload.
type Info struct {
	Format        uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataBytes     int
	Duration      time.Duration
}

// EncodeFloat32WAV frames interleaved float samples as a 32-bit IEEE float WAV.
// The layout matches what scipy.io.wavfile writes for float32 arrays, so clips
// stay byte-compatible with files produced by the reference model tooling.
func EncodeFloat32WAV(samples []float32, sampleRate, channels int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrEmpty
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("audio: %d samples do not divide into %d channels", len(samples), channels)
	}

	const bytesPerSample = 4
	blockAlign := channels * bytesPerSample
	dataSize := len(samples) * bytesPerSample
	// fmt chunk carries cbSize for non-PCM formats, followed by a fact chunk.
	const fmtSize = 18
	const factSize = 4
	riffSize := 4 + (8 + fmtSize) + (8 + factSize) + (8 + dataSize)

	buf := bytes.NewBuffer(make([]byte, 0, 8+riffSize))
	buf.WriteString("RIFF")
	writeLE(buf, uint32(riffSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	writeLE(buf, uint32(fmtSize))
	writeLE(buf, uint16(formatIEEEFloat))
	writeLE(buf, uint16(channels))
	writeLE(buf, uint32(sampleRate))
	writeLE(buf, uint32(sampleRate*blockAlign))
	writeLE(buf, uint16(blockAlign))
	writeLE(buf, uint16(bytesPerSample*8))
	writeLE(buf, uint16(0))

	buf.WriteString("fact")
	writeLE(buf, uint32(factSize))
	writeLE(buf, uint32(len(samples)/channels))

	buf.WriteString("data")
	writeLE(buf, uint32(dataSize))
	for _, s := range samples {
		writeLE(buf, math.Float32bits(s))
	}
	return buf.Bytes(), nil
}

// Inspect walks the RIFF chunks of a WAV payload.
func Inspect(data []byte) (Info, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Info{}, ErrNotWAV
	}
	var (
		info    Info
		haveFmt bool
	)
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		switch id {
		case "fmt ":
			if size < 16 || end > len(data) {
				return Info{}, fmt.Errorf("audio: truncated fmt chunk")
			}
			info.Format = binary.LittleEndian.Uint16(data[body:])
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return Info{}, fmt.Errorf("audio: data chunk before fmt chunk")
			}
			// Streamed writers sometimes leave the size unset; fall back to what is present.
			if end > len(data) || size == 0 {
				size = len(data) - body
			}
			info.DataBytes = size
			frameBytes := info.Channels * info.BitsPerSample / 8
			if frameBytes > 0 && info.SampleRate > 0 {
				frames := size / frameBytes
				info.Duration = time.Duration(frames) * time.Second / time.Duration(info.SampleRate)
			}
			return info, nil
		}
		// Chunks are word aligned.
		offset = end + size%2
	}
	if !haveFmt {
		return Info{}, fmt.Errorf("audio: missing fmt chunk")
	}
	return Info{}, fmt.Errorf("audio: missing data chunk")
}

// IsFloat reports whether the payload stores IEEE float samples.
func (i Info) IsFloat() bool {
	return i.Format == formatIEEEFloat
}

func writeLE(buf *bytes.Buffer, v any) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}
