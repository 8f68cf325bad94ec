package server

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/google/uuid"
)

// beginResponse sets the content headers and writes the status code.
func beginResponse(w http.ResponseWriter, status int, contentType string, contentLength int) {
	w.Header().Set("Content-Length", strconv.Itoa(contentLength))
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
}

// simpleTextResponse sends a text/plain response.
func simpleTextResponse(w http.ResponseWriter, status int, output string) {
	beginResponse(w, status, "text/plain; charset=utf-8", len(output))
	_, _ = w.Write([]byte(output))
}

// render executes t into a buffer first so a failing template still gets a
// clean 500.
func render(t *template.Template, w http.ResponseWriter, data any) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		simpleTextResponse(w, http.StatusInternalServerError, "Error rendering template")
		return
	}
	beginResponse(w, http.StatusOK, "text/html; charset=utf-8", buf.Len())
	_, _ = w.Write(buf.Bytes())
}

// recoverer turns a handler panic into a 500 carrying a request id that is
// also logged with the stack.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				// the proxy aborts on broken backend connections; let net/http handle it
				panic(rec)
			}

			id := uuid.NewString()
			s.logger.Error("panic serving request",
				"request_id", id,
				"host", r.Host,
				"path", r.URL.Path,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			simpleTextResponse(w, http.StatusInternalServerError,
				fmt.Sprintf("Internal server error (request id %s).", id))
		}()

		next.ServeHTTP(w, r)
	})
}
