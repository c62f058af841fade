package control

import (
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const fallbackContentType = "text/plain"

// staticFiles serves the dashboard from a directory. "/" maps to
// /index.html; paths that try to leave the directory are treated as missing.
type staticFiles struct {
	dir string
	log *slog.Logger
}

func (s staticFiles) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if p == "/" {
		p = "/index.html"
	}
	if strings.Contains(p, "..") || path.Clean(p) != p {
		s.log.Debug("rejected static path", slog.String("path", r.URL.Path))
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	full := filepath.Join(s.dir, filepath.FromSlash(p))
	data, err := os.ReadFile(full)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	ct := mime.TypeByExtension(filepath.Ext(full))
	if ct == "" {
		ct = fallbackContentType
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
