package dedupe

import (
	"path/filepath"
	"regexp"
	"strings"

	"harmony/internal/config"
	"harmony/internal/download"
)

var placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

var knownPlaceholders = map[string]bool{
	"artist":     true,
	"album":      true,
	"title":      true,
	"dedupe_key": true,
	"batch_id":   true,
	"item_id":    true,
	"extension":  true,
}

func validateTemplate(template string) error {
	for _, match := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !knownPlaceholders[match[1]] {
			return &config.Error{Field: "move_template", Msg: "unknown placeholder {" + match[1] + "}"}
		}
	}
	return nil
}

// RenderDestination expands the move template for an item. The extension
// comes from the source file's suffix, lowercased, defaulting to "bin".
func (m *Manager) RenderDestination(item download.Item, sourcePath string) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(sourcePath)), ".")
	if ext == "" {
		ext = "bin"
	}

	values := map[string]string{
		"artist":     sanitizeComponent(item.Artist, "Unknown Artist"),
		"album":      sanitizeComponent(item.Album, "Unknown Album"),
		"title":      sanitizeComponent(item.Title, "Track"),
		"dedupe_key": sanitizeComponent(item.DedupeKey, "unknown"),
		"batch_id":   sanitizeComponent(item.BatchID, "batch"),
		"item_id":    sanitizeComponent(item.ItemID, "item"),
		"extension":  ext,
	}

	rendered := placeholderRe.ReplaceAllStringFunc(m.template, func(ph string) string {
		return values[strings.Trim(ph, "{}")]
	})
	return filepath.Join(m.musicDir, filepath.FromSlash(rendered)), nil
}

// sanitizeComponent strips path separators and control characters from a
// single path element and applies the fallback when nothing is left.
func sanitizeComponent(s, fallback string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return fallback
	}
	return out
}
