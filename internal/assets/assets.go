// Package assets embeds the default browser player served when no static
// directory is configured.
package assets

import (
	"embed"
	"io/fs"
	"mime"
	"path/filepath"
	"strings"
)

// StaticFS embeds the static/ directory.
//
//go:embed static
var StaticFS embed.FS

// GetStaticFS returns the embedded files rooted at static/.
func GetStaticFS() (fs.FS, error) {
	return fs.Sub(StaticFS, "static")
}

// GetContentType returns the MIME type for a path based on its extension.
func GetContentType(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "application/octet-stream"
	}

	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}

	// Minimal containers often ship without a mime.types file.
	switch strings.ToLower(ext) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".svg":
		return "image/svg+xml; charset=utf-8"
	case ".ico":
		return "image/x-icon"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// ListAssets returns every embedded file path relative to static/.
func ListAssets() ([]string, error) {
	var assets []string
	err := fs.WalkDir(StaticFS, "static", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			assets = append(assets, strings.TrimPrefix(path, "static/"))
		}
		return nil
	})
	return assets, err
}
