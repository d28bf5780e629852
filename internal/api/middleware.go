package api

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// instrument records request metrics labelled with the matched route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.HTTPRequestsInFlight.Inc()
		defer s.metrics.HTTPRequestsInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w}
		timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
			// Pattern is only known after routing.
			s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, routeLabel(r)).Observe(v)
		}))

		next.ServeHTTP(rec, r)
		timer.ObserveDuration()

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		path := routeLabel(r)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rec.size))
	})
}

func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}
