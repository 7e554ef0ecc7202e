package pipeline

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

var imageExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"webp": true, "bmp": true, "tiff": true, "tif": true,
}

var imageMimeTypes = map[string]bool{
	"image/jpeg":    true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/bmp":     true,
	"image/tiff":    true,
	"image/x-tiff":  true,
	"image/svg+xml": true,
}

func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

func baseMime(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

// IsImage reports whether the file name or MIME hint is on the allow-list
func IsImage(name, mimeHint string) bool {
	return imageExtensions[extension(name)] || imageMimeTypes[baseMime(mimeHint)]
}

// HasTypeHint reports whether a descriptor carries enough to check its type before download
func HasTypeHint(name, mimeHint string) bool {
	return extension(name) != "" || baseMime(mimeHint) != ""
}

// Sniff detects the content type from the first bytes of a file
func Sniff(head []byte) string {
	return baseMime(http.DetectContentType(head))
}

// IsImageContent reports whether sniffed content is an allowed image type
func IsImageContent(sniffed string) bool {
	return imageMimeTypes[sniffed]
}

// ResolveMime picks the MIME type stored with the asset. Sniffed image
// content wins over the listing's hint, which wins over the extension.
func ResolveMime(name, mimeHint, sniffed string) string {
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	if m := baseMime(mimeHint); m != "" && m != "application/octet-stream" {
		return m
	}
	if m := baseMime(mime.TypeByExtension("." + extension(name))); m != "" {
		return m
	}
	return "application/octet-stream"
}
