package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/yegors/co-coach/pkg/logger"
)

var errOutsideRoot = errors.New("path escapes static root")

// StaticFileHandler serves the coach web client from a directory, uncached.
// Extensionless paths that match no file get the root index.html so that
// client-side routes such as /sessions/{id} load the app.
type StaticFileHandler struct {
	root   string
	logger *logger.Logger
}

func NewStaticFileHandler(root string, log *logger.Logger) *StaticFileHandler {
	return &StaticFileHandler{
		root:   root,
		logger: log.Named("static"),
	}
}

func (h *StaticFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	file, err := h.resolve(r.URL.Path)
	switch {
	case errors.Is(err, errOutsideRoot):
		h.logger.Warn("Rejected path outside static root", logger.String("path", r.URL.Path))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case errors.Is(err, fs.ErrNotExist):
		h.logger.Debug("Static file not found", logger.String("path", r.URL.Path))
		http.NotFound(w, r)
		return
	case err != nil:
		h.logger.Error("Failed to resolve static file", logger.String("path", r.URL.Path), logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	f, err := os.Open(file)
	if err != nil {
		h.logger.Error("Failed to open static file", logger.String("file", file), logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// resolve maps a URL path onto a regular file under the root. Candidates are
// the file itself, its directory index, then the app index for routes.
func (h *StaticFileHandler) resolve(urlPath string) (string, error) {
	root, err := filepath.Abs(h.root)
	if err != nil {
		return "", err
	}

	rel := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	full := filepath.Join(root, filepath.FromSlash(rel))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", errOutsideRoot
	}

	candidates := []string{full, filepath.Join(full, "index.html")}
	if path.Ext(rel) == "" {
		candidates = append(candidates, filepath.Join(root, "index.html"))
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		switch {
		case err == nil && info.Mode().IsRegular():
			return candidate, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return "", err
		}
	}
	return "", fs.ErrNotExist
}
