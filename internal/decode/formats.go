package decode

import (
	"path/filepath"
	"slices"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// SupportedMimeTypes lists the raster formats with a registered decoder.
func SupportedMimeTypes() []string {
	return []string{
		"image/tiff",
		"image/png",
		"image/jpeg",
		"image/gif",
		"image/bmp",
		"image/webp",
	}
}

// SupportedExtensions lists file extensions accepted when scanning directories.
func SupportedExtensions() []string {
	return []string{".tif", ".tiff", ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp"}
}

// Supports reports whether mimeType names a decodable raster format.
func Supports(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return slices.Contains(SupportedMimeTypes(), mimeType)
}

// SupportsPath reports whether the file extension of path is accepted.
func SupportsPath(path string) bool {
	return slices.Contains(SupportedExtensions(), strings.ToLower(filepath.Ext(path)))
}
