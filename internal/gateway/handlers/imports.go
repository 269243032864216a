package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/LisaMayr/WeatherAndDelay/internal/common/constants"
	"github.com/LisaMayr/WeatherAndDelay/internal/importer"
	"github.com/LisaMayr/WeatherAndDelay/internal/store"
	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
)

// ImportDefaults hold the request parameter defaults of the import route.
type ImportDefaults struct {
	SourceURL string
	BatchSize int
}

// Import runs one historical dataset import per request.
type Import struct {
	client   UpstreamClient
	store    StorePinger
	importer HistoricalImporter
	defaults ImportDefaults
}

// NewImport creates the handler running historical imports.
func NewImport(client UpstreamClient, store StorePinger, imp HistoricalImporter, defaults ImportDefaults) *Import {
	return &Import{
		client:   client,
		store:    store,
		importer: imp,
		defaults: defaults,
	}
}

type importRequest struct {
	SourceURL string `mapstructure:"source_url"`
	ParseData bool   `mapstructure:"parse_data"`
	Upsert    bool   `mapstructure:"upsert"`
	BatchSize int    `mapstructure:"batch_size"`
}

func (h *Import) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()

	req, err := h.parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("Historical import requested", "req_id", reqID, "source_url", req.SourceURL, "batch_size", req.BatchSize)

	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("Store unreachable for historical import", "req_id", reqID, "err", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("MongoDB connection failed: %v", err))
		return
	}

	resp, err := h.client.Fetch(r.Context(), req.SourceURL)
	if err != nil {
		slog.Warn("Historical fetch failed", "req_id", reqID, "source_url", req.SourceURL, "err", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Upstream request failed: %v", err))
		return
	}
	if resp.StatusCode >= 400 {
		writeError(w, resp.StatusCode, fmt.Sprintf("Historical fetch failed with status %d", resp.StatusCode))
		return
	}

	body, err := resp.JSON()
	if err != nil {
		writeError(w, http.StatusBadGateway, "Historical data response is not valid JSON")
		return
	}
	payload, ok := body.(map[string]any)
	if !ok {
		writeError(w, http.StatusBadGateway, "Historical data response must be a JSON object")
		return
	}

	summary, err := h.importer.Import(r.Context(), payload, importer.Config{
		SourceURL: req.SourceURL,
		ParseData: req.ParseData,
		Upsert:    req.Upsert,
		BatchSize: req.BatchSize,
	})
	switch {
	case errors.Is(err, importer.ErrInvalidPayload):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, store.ErrBulkWrite):
		slog.Error("Historical import bulk write failed", "req_id", reqID, "err", err,
			"processed", summary.Processed, "inserted", summary.Inserted, "upserted", summary.Upserted)
		writeError(w, http.StatusInternalServerError, "Bulk write failed")
	case err != nil:
		slog.Error("Historical import write failed", "req_id", reqID, "err", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("MongoDB write failed: %v", err))
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

// parseRequest decodes the query string into the import parameters, starting
// from the configured defaults. Unknown parameters are ignored; for repeated
// parameters the last value wins.
func (h *Import) parseRequest(r *http.Request) (importRequest, error) {
	batchSize := h.defaults.BatchSize
	if batchSize == 0 {
		batchSize = constants.DefaultImportBatchSize
	}
	req := importRequest{
		SourceURL: h.defaults.SourceURL,
		ParseData: true,
		Upsert:    true,
		BatchSize: batchSize,
	}

	query := r.URL.Query()
	raw := make(map[string]string, len(query))
	for key, values := range query {
		raw[key] = values[len(values)-1]
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &req,
	})
	if err != nil {
		return req, fmt.Errorf("Failed to build query decoder: %v", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return req, fmt.Errorf("Invalid query parameters: %v", err)
	}

	if req.BatchSize < 1 || req.BatchSize > constants.MaxImportBatchSize {
		return req, fmt.Errorf("Query parameter %q must be between 1 and %d", "batch_size", constants.MaxImportBatchSize)
	}
	return req, nil
}
