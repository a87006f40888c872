package objectkey

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

// Layout generates the object keys the workers write to. Every key for an
// asset lives under {prefix}{customer}/{space}/{name}/ so re-ingesting the same
// asset overwrites rather than duplicates.
type Layout struct {
	Prefix string
}

// NewLayout creates a Layout. A non-empty prefix is joined with a single slash.
func NewLayout(prefix string) *Layout {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Layout{Prefix: prefix}
}

// AssetRoot returns the directory-like root for an asset, with a trailing slash.
func (l *Layout) AssetRoot(id engine.AssetID) string {
	return fmt.Sprintf("%s%d/%d/%s/", l.Prefix, id.Customer, id.Space, sanitizePathComponent(id.Asset))
}

// Original is where the verbatim origin is retained for the file channel.
func (l *Layout) Original(id engine.AssetID) string {
	return l.AssetRoot(id) + "original"
}

// Derivative is where the image-server-ready derivative is written.
func (l *Layout) Derivative(id engine.AssetID) string {
	return l.AssetRoot(id) + "derivative"
}

// ThumbnailsPrefix is the prefix thumbnails are written under.
func (l *Layout) ThumbnailsPrefix(id engine.AssetID) string {
	return l.AssetRoot(id) + "thumbs/"
}

// Thumbnail is the key of a single thumbnail, bounded by size on its longest edge.
func (l *Layout) Thumbnail(id engine.AssetID, size int) string {
	return fmt.Sprintf("%s%d.jpg", l.ThumbnailsPrefix(id), size)
}

// TimebasedOutput is the key for a transcoded output of the given preset.
func (l *Layout) TimebasedOutput(id engine.AssetID, preset string) string {
	return l.AssetRoot(id) + "full/" + sanitizePathComponent(preset)
}

// TranscodeInput is where an origin is staged for the transcoder. jobID keeps
// concurrent attempts for the same asset apart.
func (l *Layout) TranscodeInput(id engine.AssetID, jobID string) string {
	return fmt.Sprintf("%stranscode/%s/%d/%d/%s", l.Prefix, jobID, id.Customer, id.Space, sanitizePathComponent(id.Asset))
}

// TransientOrigin returns a unique key for an origin fetched into transient storage.
func (l *Layout) TransientOrigin(id engine.AssetID) string {
	return l.AssetRoot(id) + "origin-" + uuid.NewString()
}

// Helper functions for path sanitization
func sanitizePathComponent(component string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
	)
	component = replacer.Replace(component)
	if component == "." || component == ".." {
		return "_"
	}
	return component
}
