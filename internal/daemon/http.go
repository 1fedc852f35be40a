package daemon

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/harun/chatgate/internal/metrics"
	"github.com/harun/chatgate/pkg/gateway"
	"github.com/harun/chatgate/pkg/webhook"
)

// Handler returns the daemon's HTTP surface. Paths not claimed by the daemon
// itself fall through to the webhook handler, which answers 404 for paths no
// account registered.
func (d *Daemon) Handler() http.Handler {
	cfg := d.Config()
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", d.handleHealth)
	mux.HandleFunc("/status", d.handleStatus)

	metricsPath := cfg.Server.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.Handle(webhook.NormalizePath(metricsPath), metrics.Default().Handler())

	if d.bridge != nil {
		bridgePath := webhook.NormalizePath(cfg.Bridge.Path)
		mux.Handle(bridgePath, d.bridge)
		mux.HandleFunc(strings.TrimSuffix(bridgePath, "/")+"/rpc", d.bridge.HandleRPC)
	}

	mux.Handle("/", d.webhookHandler)
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	body := map[string]interface{}{"status": "ok"}
	if !d.Status().Running {
		status = http.StatusServiceUnavailable
		body["status"] = "stopped"
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleStatus serves account snapshots. When the bridge has a shared secret
// the caller must present it.
func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if secret := d.Config().Bridge.SharedSecret; secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(gateway.SecretHeader)), []byte(secret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.Status()); err != nil {
		d.log.Error().Err(err).Msg("Failed to encode status")
	}
}
