package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// routeIDs are the URL parameters copied onto the request log line.
var routeIDs = []struct{ param, field string }{
	{"executionID", "execution_id"},
	{"taskID", "task_id"},
	{"workerID", "worker_id"},
}

// Logger logs one line per request. Reads log at debug so health probes and
// polling clients stay quiet; mutations log at info, client errors at warn
// and server errors at error.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := requestEvent(r.Method, status)
		if !event.Enabled() {
			return
		}

		event = event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context()))
		if rc := chi.RouteContext(r.Context()); rc != nil {
			for _, id := range routeIDs {
				if v := rc.URLParam(id.param); v != "" {
					event = event.Str(id.field, v)
				}
			}
		}
		event.Msg("request")
	})
}

func requestEvent(method string, status int) *zerolog.Event {
	switch {
	case status >= 500:
		return log.Error()
	case status >= 400:
		return log.Warn()
	case method == http.MethodGet || method == http.MethodHead:
		return log.Debug()
	default:
		return log.Info()
	}
}
