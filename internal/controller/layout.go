package controller

import (
	"path/filepath"
	"strings"
)

// Layout places every artifact of a job under <root>/<id>/.
type Layout struct {
	Root string
}

// Dir is the directory that holds all of a job's files.
func (l Layout) Dir(id string) string {
	return filepath.Join(l.Root, id)
}

// Source is where the uploaded video is stored. The original extension is
// kept so ffmpeg can sniff the container.
func (l Layout) Source(id, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".mp4"
	}
	return filepath.Join(l.Dir(id), "original"+ext)
}

// Preview is the preview render. It never shares a path with the full render.
func (l Layout) Preview(id string) string {
	return filepath.Join(l.Dir(id), "preview.mp4")
}

// Output is the full render.
func (l Layout) Output(id string) string {
	return filepath.Join(l.Dir(id), "output.mp4")
}

// DownloadName is the filename offered to clients for the full render.
func DownloadName(original string) string {
	return "blurred_" + cleanBase(original)
}

// PreviewName is the filename offered to clients for a preview.
func PreviewName(original string) string {
	return "preview_" + cleanBase(original)
}

func cleanBase(name string) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "video.mp4"
	}
	return base
}
