package utils

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// SERIAL_YYYYMMDD_HHMMSS.ext, as written by the field recorders and trail cameras.
var mediaFilenamePattern = regexp.MustCompile(`(?i)^([A-Z0-9]+)_(\d{8})_(\d{6})\.[A-Z0-9]+$`)

// ParseMediaFilename extracts the device serial and capture time from a media
// filename. Anything that does not match the convention yields (nil, nil).
// The timestamp carries no zone information and is returned as UTC.
func ParseMediaFilename(name string) (*string, *time.Time) {
	m := mediaFilenamePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return nil, nil
	}
	ts, err := time.ParseInLocation("20060102150405", m[2]+m[3], time.UTC)
	if err != nil {
		return nil, nil
	}
	serial := m[1]
	return &serial, &ts
}

var contentTypes = map[string]string{
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// ContentTypeFor maps a file extension to the MIME type stored with the object.
func ContentTypeFor(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}
