package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/LisaMayr/WeatherAndDelay/internal/upstream"
	"github.com/google/uuid"
)

// paramSpec describes one forwarded query parameter.
type paramSpec struct {
	name     string
	required bool // at least one value must be present in the request
	ints     bool // every value must parse as an integer
}

// Forward relays one realtime API endpoint through the gateway.
type Forward struct {
	client   UpstreamClient
	endpoint string
	params   []paramSpec
}

// NewMonitor creates the handler forwarding departure monitor requests.
func NewMonitor(client UpstreamClient) *Forward {
	return &Forward{
		client:   client,
		endpoint: upstream.EndpointMonitor,
		params: []paramSpec{
			{name: "rbl", required: true, ints: true},
			{name: "activateTrafficInfo"},
		},
	}
}

// NewTrafficInfoList creates the handler forwarding traffic info list requests.
func NewTrafficInfoList(client UpstreamClient) *Forward {
	return &Forward{
		client:   client,
		endpoint: upstream.EndpointTrafficInfoList,
		params: []paramSpec{
			{name: "relatedLine"},
			{name: "relatedStop"},
			{name: "name"},
		},
	}
}

// NewTrafficInfo creates the handler forwarding single traffic info requests.
func NewTrafficInfo(client UpstreamClient) *Forward {
	return &Forward{
		client:   client,
		endpoint: upstream.EndpointTrafficInfo,
		params: []paramSpec{
			{name: "name", required: true},
		},
	}
}

// NewNewsList creates the handler forwarding news list requests.
func NewNewsList(client UpstreamClient) *Forward {
	return &Forward{
		client:   client,
		endpoint: upstream.EndpointNewsList,
		params: []paramSpec{
			{name: "relatedLine"},
			{name: "relatedStop"},
			{name: "name"},
		},
	}
}

// NewNews creates the handler forwarding single news requests.
func NewNews(client UpstreamClient) *Forward {
	return &Forward{
		client:   client,
		endpoint: upstream.EndpointNews,
		params: []paramSpec{
			{name: "name", required: true},
		},
	}
}

func (h *Forward) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()

	params, err := h.buildParams(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Debug("Forwarding request", "req_id", reqID, "endpoint", h.endpoint)
	resp, err := h.client.Get(r.Context(), h.endpoint, params)
	if err != nil {
		slog.Warn("Upstream request failed", "req_id", reqID, "endpoint", h.endpoint, "err", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Upstream request failed: %v", err))
		return
	}

	relay(w, resp, reqID)
}

// buildParams validates the inbound query against the endpoint's parameter
// specs and turns it into the ordered upstream parameter list. Values are
// trimmed, and values left empty by trimming are dropped rather than forwarded.
func (h *Forward) buildParams(query url.Values) (upstream.Params, error) {
	params := upstream.Params{}
	for _, spec := range h.params {
		values := query[spec.name]
		if spec.required && len(values) == 0 {
			return nil, fmt.Errorf("Missing required query parameter %q", spec.name)
		}

		for _, value := range values {
			value = strings.TrimSpace(value)
			if spec.ints {
				if _, err := strconv.Atoi(value); err != nil {
					return nil, fmt.Errorf("Query parameter %q must be an integer, got %q", spec.name, value)
				}
			}
			if value == "" {
				continue
			}
			params.Add(spec.name, value)
		}
	}
	return params, nil
}

// relay writes the upstream response through to the caller. JSON bodies are
// decoded and re-encoded; anything else, including JSON that fails to decode,
// is relayed byte for byte under the upstream content type.
func relay(w http.ResponseWriter, resp *upstream.Response, reqID string) {
	if resp.IsJSON() {
		if v, err := resp.JSON(); err == nil {
			writeJSON(w, resp.StatusCode, v)
			return
		}
		slog.Warn("Upstream declared JSON but the body does not decode", "req_id", reqID, "status", resp.StatusCode)
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		slog.Warn("Failed to relay upstream body", "req_id", reqID, "err", err)
	}
}
