// Package tagging writes track metadata into finished audio files and
// reports the codec, bitrate and duration it finds there.
package tagging

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"go.senan.xyz/taglib"

	"harmony/internal/download"
)

// Result reports whether tags were applied plus whatever audio properties
// could be probed.
type Result struct {
	Applied         bool
	Codec           string
	Bitrate         int
	DurationSeconds float64
}

// Quality renders the "codec/bitrate" string for item results.
func (r Result) Quality() string {
	if r.Codec == "" {
		return ""
	}
	if r.Bitrate > 0 {
		return fmt.Sprintf("%s/%d", r.Codec, r.Bitrate)
	}
	return r.Codec
}

// Tagger applies item metadata to an on-disk file. Tagging is best-effort:
// an unsupported container yields Applied=false with a nil error.
type Tagger interface {
	ApplyTags(path string, item download.Item) (Result, error)
}

// TaglibTagger uses the CGO-free taglib bindings.
type TaglibTagger struct {
	log *slog.Logger
}

func NewTaglibTagger(log *slog.Logger) *TaglibTagger {
	return &TaglibTagger{log: log}
}

func (t *TaglibTagger) ApplyTags(path string, item download.Item) (Result, error) {
	tags := map[string][]string{
		taglib.Artist: {item.Artist},
		taglib.Title:  {item.Title},
	}
	if item.Album != "" {
		tags[taglib.Album] = []string{item.Album}
	}
	if item.ISRC != "" {
		tags[taglib.ISRC] = []string{item.ISRC}
	}
	if item.DurationSeconds > 0 {
		tags["LENGTH"] = []string{fmt.Sprintf("%.0f", item.DurationSeconds)}
	}

	if err := taglib.WriteTags(path, tags, 0); err != nil {
		t.log.Warn("tag write failed, skipping", "path", path, "error", err)
		return Result{}, nil
	}

	res := Result{Applied: true, Codec: codecFromPath(path)}
	props, err := taglib.ReadProperties(path)
	if err != nil {
		t.log.Warn("property probe failed", "path", path, "error", err)
		return res, nil
	}
	res.Bitrate = int(props.Bitrate)
	res.DurationSeconds = props.Length.Seconds()
	return res, nil
}

func codecFromPath(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return "unknown"
	}
	return ext
}
