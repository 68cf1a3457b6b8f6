package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/testweaver/bridge/internal/config"
	"github.com/testweaver/bridge/internal/serverstate"
)

// NewServer constructs the HTTP handler for the relay broker: the websocket
// endpoint, a JSON health endpoint, a plaintext root, and /metrics.
func NewServer(cfg config.RelayConfig, b *Broker) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	RegisterMetrics(preg)

	r.Get(cfg.RelayPath, b.WSHandler(cfg.AllowedOrigins))
	r.Get("/healthz", healthHandler(b))
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "testweaver relay: %d active sessions\n", b.SessionCount())
	})

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}

func healthHandler(b *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    serverstate.Status(),
			"sessions":  b.SessionCount(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
