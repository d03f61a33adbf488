package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	code  int
	bytes int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	n, err := s.ResponseWriter.Write(p)
	s.bytes += n
	return n, err
}

// AccessLog logs every request. Polls of /healthz and the status endpoint
// are logged at debug level.
func AccessLog(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(rec, r)

		level := zerolog.InfoLevel
		switch {
		case rec.code >= 500:
			level = zerolog.ErrorLevel
		case r.URL.Path == "/healthz" || r.URL.Path == "/v1/build/status":
			level = zerolog.DebugLevel
		}
		log.WithLevel(level).
			Str("rid", GetRequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("code", rec.code).
			Int("bytes", rec.bytes).
			Dur("dur", time.Since(start)).
			Msg("request")
	})
}
