package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwv/fragmesh/scene"
)

// newHTTPServer creates an HTTP server with all endpoints. trigger queues a
// registration run and reports whether it was accepted.
func newHTTPServer(stateTracker *scene.StateTracker, registry *prometheus.Registry, config *scene.Config, trigger func() bool) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasGraph  bool      `json:"hasGraph"`
			Running   bool      `json:"running"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasGraph:  stateTracker.GetGraph() != nil,
			Running:   stateTracker.IsRunning(),
		}
		writeJSON(w, status)
	})

	// Run progress and last summary
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Progress scene.Progress `json:"progress"`
			Summary  *scene.Summary `json:"summary,omitempty"`
		}{
			Progress: stateTracker.GetProgress(),
			Summary:  stateTracker.GetSummary(),
		}
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(w, status)
	})

	// Pose graph in the Open3D JSON layout
	mux.HandleFunc("/graph.json", func(w http.ResponseWriter, r *http.Request) {
		g := stateTracker.GetGraph()
		if g == nil {
			http.Error(w, "No pose graph available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(w, g)
	})

	// Top-down trajectory and edges
	mux.HandleFunc("/graph.geojson", func(w http.ResponseWriter, r *http.Request) {
		g := stateTracker.GetGraph()
		if g == nil {
			http.Error(w, "No pose graph available", http.StatusServiceUnavailable)
			return
		}
		data, err := scene.GraphGeoJSON(g, config.Export.SimplifyTolerance).MarshalJSON()
		if err != nil {
			log.Printf("[HTTP] Error encoding GeoJSON: %v", err)
			http.Error(w, "Failed to encode GeoJSON", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(data); err != nil {
			log.Printf("[HTTP] Error writing GeoJSON: %v", err)
		}
	})

	// SVG render
	mux.HandleFunc("/graph.svg", func(w http.ResponseWriter, r *http.Request) {
		g := stateTracker.GetGraph()
		if g == nil {
			http.Error(w, "No pose graph available", http.StatusServiceUnavailable)
			return
		}
		var buf bytes.Buffer
		if err := scene.NewGraphRenderer(g).RenderToSVG(&buf); err != nil {
			log.Printf("[HTTP] Error rendering SVG: %v", err)
			http.Error(w, "Failed to render SVG", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(buf.Bytes()); err != nil {
			log.Printf("[HTTP] Error writing SVG: %v", err)
		}
	})

	// PNG render
	mux.HandleFunc("/graph.png", func(w http.ResponseWriter, r *http.Request) {
		g := stateTracker.GetGraph()
		if g == nil {
			http.Error(w, "No pose graph available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := scene.NewGraphRenderer(g).RenderToPNG(w); err != nil {
			log.Printf("[HTTP] Error encoding PNG: %v", err)
		}
	})

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Start a registration run
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !trigger() {
			http.Error(w, "A registration run is already in progress", http.StatusConflict)
			return
		}
		log.Printf("[HTTP] Run requested by %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "queued"}); err != nil {
			log.Printf("[HTTP] Error encoding JSON response: %v", err)
		}
	})

	return mux
}

// writeJSON encodes v as the JSON response body
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding JSON response: %v", err)
	}
}
