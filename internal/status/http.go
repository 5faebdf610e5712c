package status

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StateStopped is the scheduler state in which /healthz reports unavailable.
const StateStopped = "stopped"

// NewRouter serves /status, /status/points/{id}, /healthz and /metrics.
func NewRouter(tracker *Tracker, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := tracker.Snapshot().State
		if state == StateStopped {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(state))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, tracker.Snapshot())
	}).Methods(http.MethodGet)

	r.HandleFunc("/status/points/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		p, ok := tracker.Point(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown measure point"})
			return
		}
		writeJSON(w, http.StatusOK, p)
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
