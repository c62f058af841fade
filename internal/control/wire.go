package control

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
)

// fixedHeaders are emitted by writeTo in this order on every response and
// are therefore never copied from the handler's header map.
var fixedHeaders = map[string]bool{
	"Content-Type":                true,
	"Content-Length":              true,
	"Access-Control-Allow-Origin": true,
	"Connection":                  true,
}

const defaultContentType = "text/plain; charset=utf-8"

// wireWriter is an http.ResponseWriter that buffers the whole response so it
// can be framed with a known Content-Length on a raw connection.
type wireWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newWireWriter() *wireWriter {
	return &wireWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *wireWriter) Header() http.Header { return w.header }

func (w *wireWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
}

func (w *wireWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(b)
}

// writeTo emits the status line, the fixed header block, any extra handler
// headers, a blank line and the body.
func (w *wireWriter) writeTo(out io.Writer) error {
	bw := bufio.NewWriter(out)

	reason := http.StatusText(w.status)
	if reason == "" {
		reason = "Unknown"
	}
	ct := w.header.Get("Content-Type")
	if ct == "" {
		ct = defaultContentType
	}

	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", w.status, reason)
	fmt.Fprintf(bw, "Content-Type: %s\r\n", ct)
	fmt.Fprintf(bw, "Content-Length: %s\r\n", strconv.Itoa(w.body.Len()))
	bw.WriteString("Access-Control-Allow-Origin: *\r\n")
	bw.WriteString("Connection: close\r\n")

	keys := make([]string, 0, len(w.header))
	for k := range w.header {
		if !fixedHeaders[http.CanonicalHeaderKey(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range w.header[k] {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}

	bw.WriteString("\r\n")
	bw.Write(w.body.Bytes())
	return bw.Flush()
}

// writeRaw frames a single response without going through a handler.
func writeRaw(out io.Writer, status int, contentType string, body []byte) error {
	w := newWireWriter()
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(body)
	return w.writeTo(out)
}
