package handlers

import (
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/jmylchreest/camrelay/internal/assets"
)

// StaticHandler serves the browser player. Files come from a configured
// directory when it exists, otherwise from the embedded default player.
type StaticHandler struct {
	files      fs.FS
	fileServer http.Handler
	source     string
}

// NewStaticHandler creates a static handler rooted at dir. An empty or
// missing dir falls back to the embedded assets.
func NewStaticHandler(dir string, logger *slog.Logger) *StaticHandler {
	if logger == nil {
		logger = slog.Default()
	}

	var files fs.FS
	source := "embedded"
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			files = os.DirFS(dir)
			source = dir
		} else {
			logger.Warn("static directory unavailable, serving embedded player",
				slog.String("static_dir", dir),
			)
		}
	}
	if files == nil {
		embedded, err := assets.GetStaticFS()
		if err != nil {
			logger.Error("embedded assets unavailable", slog.String("error", err.Error()))
			embedded = emptyFS{}
		}
		files = embedded
	}

	return &StaticHandler{
		files:      files,
		fileServer: http.FileServer(http.FS(files)),
		source:     source,
	}
}

// Source names where files are served from.
func (h *StaticHandler) Source() string {
	return h.source
}

// ServeHTTP serves the requested file, or index.html for directory paths.
func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}

	filePath := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if filePath == "" {
		filePath = "index.html"
	}

	info, err := fs.Stat(h.files, filePath)
	if err == nil && info.IsDir() {
		filePath = path.Join(filePath, "index.html")
		info, err = fs.Stat(h.files, filePath)
	}
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	h.setHeaders(w, filePath)
	// http.FileServer redirects /index.html to /, so serve the file directly.
	if path.Base(filePath) == "index.html" {
		data, err := fs.ReadFile(h.files, filePath)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + filePath
	h.fileServer.ServeHTTP(w, r2)
}

// setHeaders sets content-type and cache headers.
func (h *StaticHandler) setHeaders(w http.ResponseWriter, filePath string) {
	w.Header().Set("Content-Type", assets.GetContentType(filePath))
	if strings.HasSuffix(filePath, ".html") {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}
}

type emptyFS struct{}

func (emptyFS) Open(string) (fs.File, error) { return nil, fs.ErrNotExist }
