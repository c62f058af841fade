package control

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"streamnode/internal/registry"
)

const jsonContentType = "application/json"

// Registry is the part of registry.Registry the control API needs.
type Registry interface {
	StartStream(id int, format registry.VideoFormat) error
	StopStream(id int) bool
	IsStreamActive(id int) bool
	Status() []registry.ChannelStatus
	StreamURL(id int) string
	Format(id int) (registry.VideoFormat, bool)
}

type streamEntry struct {
	ID     int  `json:"id"`
	Active bool `json:"active"`
}

type streamList struct {
	Streams []streamEntry `json:"streams"`
}

type actionResult struct {
	Success  bool `json:"success"`
	StreamID int  `json:"streamId"`
}

type statusResult struct {
	StreamID int  `json:"streamId"`
	Active   bool `json:"active"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler exposes the stream control API.
type Handler struct {
	reg    Registry
	format registry.VideoFormat
	log    *slog.Logger
}

// NewHandler returns a Handler that starts channels with format.
func NewHandler(reg Registry, format registry.VideoFormat, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{reg: reg, format: format, log: log}
}

// ListStreams handles /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	status := h.reg.Status()
	out := streamList{Streams: make([]streamEntry, 0, len(status))}
	for _, st := range status {
		out.Streams = append(out.Streams, streamEntry{ID: st.ID, Active: st.Active})
	}
	writeJSON(w, http.StatusOK, out)
}

// StreamAction handles /api/stream/{id}/{action} for start, stop and status.
func (h *Handler) StreamAction(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(w, r)
	if !ok {
		return
	}

	switch chi.URLParam(r, "action") {
	case "start":
		// The registry logs why a start failed; callers only see the flag.
		err := h.reg.StartStream(id, h.format)
		writeJSON(w, http.StatusOK, actionResult{Success: err == nil, StreamID: id})
	case "stop":
		writeJSON(w, http.StatusOK, actionResult{Success: h.reg.StopStream(id), StreamID: id})
	case "status":
		writeJSON(w, http.StatusOK, statusResult{StreamID: id, Active: h.reg.IsStreamActive(id)})
	default:
		writeError(w, http.StatusNotFound, "API endpoint not found")
	}
}

var viewerPage = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html><head><title>Stream {{.ID}}</title></head>
<body style="margin:0;background:#000;color:#fff;font-family:Arial,sans-serif">
<div style="display:flex;justify-content:center;align-items:center;height:100vh">
<div style="text-align:center">
<h1>Stream {{.ID}}</h1>
<p>Stream URL: {{.URL}}</p>
{{with .Format}}<p>Resolution: {{.Width}}x{{.Height}} @ {{.Framerate}}fps</p>{{end}}
<p>Codec: H.264</p>
<p><a href="/stream/{{.ID}}" style="color:#fff">Refresh Stream</a> | <a href="/" style="color:#fff">Back to Dashboard</a></p>
</div>
</div>
</body></html>
`))

type viewerData struct {
	ID     int
	URL    string
	Format *registry.VideoFormat
}

// Viewer handles /stream/{id}: a page describing an active channel.
func (h *Handler) Viewer(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(w, r)
	if !ok {
		return
	}
	if !h.reg.IsStreamActive(id) {
		writeError(w, http.StatusNotFound, "Stream not found or inactive")
		return
	}

	data := viewerData{ID: id, URL: h.reg.StreamURL(id)}
	if f, ok := h.reg.Format(id); ok {
		data.Format = &f
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := viewerPage.Execute(w, data); err != nil {
		h.log.Error("render viewer failed", slog.Int("stream_id", id), slog.String("error", err.Error()))
	}
}

// streamID parses the route's id. The route only admits digits, so an error
// here means the value overflows an int.
func streamID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	b, _ := json.Marshal(errorBody{Error: msg})
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	w.Write(b)
}
