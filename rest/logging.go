package rest

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
)

type filteredLoggingHandler struct {
	filteredPaths  map[string]struct{}
	handler        http.Handler
	loggingHandler http.Handler
}

// LoggingHandler writes an access log line to writer for every request,
// except for GET requests of the paths polled by monitoring.
func LoggingHandler(writer io.Writer, router http.Handler) http.Handler {
	return filteredLoggingHandler{
		filteredPaths: map[string]struct{}{
			"/v1/devices": {},
			"/metrics":    {},
		},
		handler:        router,
		loggingHandler: handlers.LoggingHandler(writer, router),
	}
}

func (h filteredLoggingHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == "GET" {
		if _, exists := h.filteredPaths[req.URL.Path]; exists {
			h.handler.ServeHTTP(w, req)
			return
		}
	}
	h.loggingHandler.ServeHTTP(w, req)
}
