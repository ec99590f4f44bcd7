package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/co-coach/pkg/logger"
)

func TestStaticFileHandler(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>coach</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "help"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "help", "index.html"), []byte("<html>breathing guide</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))

	h := NewStaticFileHandler(dir, logger.NewNop())

	tests := []struct {
		path        string
		status      int
		contains    string
		contentType string
	}{
		{"/", http.StatusOK, "coach", "text/html"},
		{"/app.js", http.StatusOK, "console.log", "javascript"},
		{"/sessions/abc", http.StatusOK, "coach", "text/html"},
		{"/missing.css", http.StatusNotFound, "", ""},
		{"/help", http.StatusOK, "breathing guide", "text/html"},
		{"/help/", http.StatusOK, "breathing guide", "text/html"},
		{"/assets/", http.StatusOK, "coach", "text/html"},
		{"/../../secret.txt", http.StatusNotFound, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			if tt.contains != "" {
				assert.Contains(t, rec.Body.String(), tt.contains)
				assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
				assert.Contains(t, rec.Header().Get("Content-Type"), tt.contentType)
			}
		})
	}
}
