// Package handlers implements the HTTP handlers of the gateway listener.
package handlers

import (
	"context"

	"github.com/LisaMayr/WeatherAndDelay/internal/importer"
	"github.com/LisaMayr/WeatherAndDelay/internal/upstream"
)

// UpstreamClient is an interface that defines the upstream calls the handlers make.
type UpstreamClient interface {
	BaseURL() string // BaseURL returns the configured realtime API base URL.
	Get(ctx context.Context, endpoint string, params upstream.Params) (*upstream.Response, error)
	Fetch(ctx context.Context, rawURL string) (*upstream.Response, error)
}

// StorePinger reports whether the persistent store is reachable.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// HistoricalImporter runs one historical import pass.
type HistoricalImporter interface {
	Import(ctx context.Context, payload map[string]any, cfg importer.Config) (importer.Summary, error)
}
