package handlers

import (
	"fmt"
	"net/http"

	"github.com/LisaMayr/WeatherAndDelay/internal/common/constants"
	"github.com/LisaMayr/WeatherAndDelay/internal/gateway/metrics"
)

// Root reports the service identity and the upstream it proxies.
type Root struct {
	client UpstreamClient
}

// NewRoot creates a handler for the service info document.
func NewRoot(client UpstreamClient) *Root {
	return &Root{client: client}
}

type serviceInfo struct {
	Service string `json:"service"`
	BaseURL string `json:"base_url"`
}

func (h *Root) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serviceInfo{
		Service: constants.ServiceName,
		BaseURL: h.client.BaseURL(),
	})
}

// HealthHandler reports process liveness.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionHandler returns the version of the service.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	metrics.ApplyLabels(r)

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"version":"%s"}`, constants.Version)
}
