package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/flowdispatch/internal/runtime/jsoncodec"
)

const defaultWebUIPort = 8081

func (f *Flow) registerStatsServers() {
	if f.Conf.WebUIEnabled {
		port := f.Conf.WebUIPort
		if port == 0 {
			port = defaultWebUIPort
		}
		f.RegisterHTTPHandler(port, "/api/strategy", http.HandlerFunc(f.handleGetStrategy))
	}

	if f.Conf.MetricsEnabled && f.Conf.MetricsPort != 0 {
		f.RegisterHTTPHandler(f.Conf.MetricsPort, "/metrics", f.metricsHandler())
	}
}

func (f *Flow) metricsHandler() http.Handler {
	if gatherer, ok := f.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (f *Flow) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if f.Conf != nil && len(f.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := f.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, f.Stats()); err != nil {
		f.Logger.Error("Failed to encode strategy stats", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (f *Flow) getAllowedCORSOrigin(requestOrigin string) string {
	if f.Conf == nil {
		return ""
	}
	for _, allowed := range f.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
