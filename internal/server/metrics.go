package server

import (
	"net/http"
	"strconv"
	"time"

	strider "github.com/striderhq/strider/internal"
)

// statusText maps HTTP status codes to pre-allocated strings,
// avoiding a strconv.Itoa allocation per request.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// measure records request count, duration, and the active gauge, labeled by
// client dialect rather than route pattern: six dialects keep the
// cardinality bounded and the series line up with the relay's attempt
// metrics.
func (s *server) measure(next http.Handler) http.Handler {
	m := s.deps.Metrics
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ActiveRequests.Inc()
		start := time.Now()

		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false

		next.ServeHTTP(sw, r)

		elapsed := time.Since(start).Seconds()
		status := sw.status
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)

		m.ActiveRequests.Dec()

		format := string(strider.FormatFromContext(r.Context()))
		m.RequestsTotal.WithLabelValues(format, statusText[status]).Inc()
		m.RequestDuration.WithLabelValues(format).Observe(elapsed)
	})
}
