package download

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NormalizeBatch validates a request and turns it into immutable items.
// Dedupe keys are derived from the explicit field, else the ISRC
// (uppercased), else "artist|title" (plus album) lowercased; a batch prefix
// is prepended as "prefix:base".
func NormalizeBatch(req BatchRequest, maxItems int) ([]Item, error) {
	if len(req.Items) == 0 {
		return nil, &ValidationError{Field: "items", Msg: "batch must contain at least one item"}
	}
	if maxItems > 0 && len(req.Items) > maxItems {
		return nil, &ValidationError{Field: "items", Msg: fmt.Sprintf("batch has %d items, limit is %d", len(req.Items), maxItems)}
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		return nil, &ValidationError{Field: "requested_by", Msg: "must not be empty"}
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.New().String()
	}

	items := make([]Item, 0, len(req.Items))
	for i, ri := range req.Items {
		artist := strings.TrimSpace(ri.Artist)
		title := strings.TrimSpace(ri.Title)
		if artist == "" {
			return nil, &ValidationError{Field: "artist", Msg: fmt.Sprintf("item %d: must not be empty", i)}
		}
		if title == "" {
			return nil, &ValidationError{Field: "title", Msg: fmt.Sprintf("item %d: must not be empty", i)}
		}

		priority := req.Priority
		if ri.Priority != nil {
			priority = *ri.Priority
		}
		if priority < 0 {
			return nil, &ValidationError{Field: "priority", Msg: fmt.Sprintf("item %d: must not be negative", i)}
		}

		key := DeriveDedupeKey(ri, artist, title)
		if req.DedupePrefix != "" {
			key = req.DedupePrefix + ":" + key
		}

		items = append(items, Item{
			BatchID:         batchID,
			ItemID:          uuid.New().String(),
			Artist:          artist,
			Title:           title,
			Album:           strings.TrimSpace(ri.Album),
			ISRC:            strings.ToUpper(strings.TrimSpace(ri.ISRC)),
			RequestedBy:     req.RequestedBy,
			Priority:        priority,
			DedupeKey:       key,
			DurationSeconds: ri.DurationSeconds,
			Bitrate:         ri.Bitrate,
			Index:           i,
		})
	}
	return items, nil
}

// DeriveDedupeKey computes the base dedupe key for a request item.
func DeriveDedupeKey(ri RequestItem, artist, title string) string {
	if k := strings.TrimSpace(ri.DedupeKey); k != "" {
		return k
	}
	if isrc := strings.TrimSpace(ri.ISRC); isrc != "" {
		return strings.ToUpper(isrc)
	}
	parts := []string{strings.ToLower(artist), strings.ToLower(title)}
	if album := strings.TrimSpace(ri.Album); album != "" {
		parts = append(parts, strings.ToLower(album))
	}
	return strings.Join(parts, "|")
}
