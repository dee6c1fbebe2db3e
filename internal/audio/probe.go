package audio

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// ErrUnsupportedFormat is returned when a container cannot be probed for duration.
var ErrUnsupportedFormat = errors.New("audio: duration probing not supported for format")

// Probe reports stream parameters for the formats the service can measure.
func Probe(format Format, data []byte) (Info, error) {
	switch format {
	case FormatWAV:
		return Inspect(data)
	case FormatMP3:
		return inspectMP3(data)
	default:
		return Info{}, fmt.Errorf("%w %q", ErrUnsupportedFormat, format)
	}
}

// go-mp3 always decodes to 16-bit little endian stereo.
const mp3FrameBytes = 4

func inspectMP3(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrEmpty
	}
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("audio: decode mp3: %w", err)
	}
	info := Info{
		Channels:      2,
		SampleRate:    dec.SampleRate(),
		BitsPerSample: 16,
	}
	if length := dec.Length(); length > 0 && info.SampleRate > 0 {
		info.DataBytes = int(length)
		frames := length / mp3FrameBytes
		info.Duration = time.Duration(frames) * time.Second / time.Duration(info.SampleRate)
	}
	return info, nil
}
