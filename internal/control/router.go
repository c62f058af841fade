package control

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamnode/internal/platform/logger"
	"streamnode/internal/platform/metrics"
)

// RouterOptions wires the plain HTTP side of the control server.
type RouterOptions struct {
	Handler *Handler
	// WebDir holds the dashboard's static files.
	WebDir  string
	Log     *slog.Logger
	Metrics *metrics.Metrics
	// UpdateGauges runs before every /metrics scrape.
	UpdateGauges func()
}

// NewRouter builds the request router: the stream API, the viewer page and
// /metrics, with static files as the fallback. Unmatched /api/ paths get a
// JSON 404 instead of a static lookup.
func NewRouter(opts RouterOptions) http.Handler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	h := opts.Handler
	static := staticFiles{dir: opts.WebDir, log: log}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(opts.Metrics))

	r.HandleFunc("/api/streams", h.ListStreams)
	r.HandleFunc("/api/stream/{id:[0-9]+}/{action}", h.StreamAction)
	r.HandleFunc("/stream/{id:[0-9]+}", h.Viewer)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler(opts.UpdateGauges))
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		if strings.HasPrefix(req.URL.Path, "/api/") {
			writeError(w, http.StatusNotFound, "API endpoint not found")
			return
		}
		static.ServeHTTP(w, req)
	})
	return r
}
