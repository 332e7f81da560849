// Package statusapi exposes a read-only HTTP surface over a running
// subscriber: a JSON /status document and a Prometheus /metrics endpoint.
// This generalizes the teacher's internal/server/http.go -- same
// ServeMux-per-route shape, CORS header, JSON encoding -- but reports the
// subscriber's own state instead of a Raft node's, and delegates metrics
// exposition to promhttp rather than the teacher's hand-rolled percentile
// snapshot.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mathdee/cluster-log-subscriber/internal/subscriber"
)

// StatusResponse mirrors the shape of the teacher's own StatusResponse
// (internal/server/http.go), scoped to the fields this subscriber exposes.
type StatusResponse struct {
	CurrentLeadershipTerm int32 `json:"currentLeadershipTerm"`
	StreamPosition        int64 `json:"streamPosition"`
}

// Server serves /status and /metrics for a Subscriber.
type Server struct {
	sub *subscriber.Subscriber
	mux *http.ServeMux
}

// New builds a Server reporting on sub.
func New(sub *subscriber.Subscriber) *Server {
	s := &Server{sub: sub, mux: http.NewServeMux()}

	s.mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(StatusResponse{
			CurrentLeadershipTerm: s.sub.CurrentLeadershipTerm(),
			StreamPosition:        s.sub.StreamPosition(),
		})
	})

	s.mux.Handle("/metrics", promhttp.Handler())

	return s
}

// ListenAndServe blocks serving the status surface on addr.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}
