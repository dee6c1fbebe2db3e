package audio

import (
	"bytes"
	"strings"
)

type Format string

const (
	FormatWAV  Format = "wav"
	FormatFLAC Format = "flac"
	FormatMP3  Format = "mp3"
	FormatOGG  Format = "ogg"
)

var formatToMimeType = map[Format]string{
	FormatWAV:  "audio/wav",
	FormatFLAC: "audio/flac",
	FormatMP3:  "audio/mpeg",
	FormatOGG:  "audio/ogg",
}

// MimeType returns the content type for a format, or application/octet-stream.
func (f Format) MimeType() string {
	if mt, ok := formatToMimeType[f]; ok {
		return mt
	}
	return "application/octet-stream"
}

// Extension returns the file extension used for downloads.
func (f Format) Extension() string {
	if f == "" {
		return ".bin"
	}
	return "." + string(f)
}

// FormatFromMimeType maps a content type header onto a known format.
func FormatFromMimeType(mimeType string) (Format, bool) {
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = mimeType[:idx]
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch mimeType {
	case "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return FormatWAV, true
	case "audio/x-flac":
		return FormatFLAC, true
	case "audio/mp3":
		return FormatMP3, true
	}
	for format, mt := range formatToMimeType {
		if mimeType == mt {
			return format, true
		}
	}
	return "", false
}

// Sniff identifies the container from magic bytes.
func Sniff(data []byte) (Format, bool) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV, true
	case bytes.HasPrefix(data, []byte("fLaC")):
		return FormatFLAC, true
	case bytes.HasPrefix(data, []byte("OggS")):
		return FormatOGG, true
	case bytes.HasPrefix(data, []byte("ID3")):
		return FormatMP3, true
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3, true
	}
	return "", false
}
