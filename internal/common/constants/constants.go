// Package constants is responsible for defining the constants used in the application.
package constants

import (
	"log/slog"
	"time"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn
)

const (
	// CmdName is the name of the gateway command.
	CmdName = "wl-gateway"

	// ServiceName is the name reported by the root info endpoint.
	ServiceName = "wiener-linien-ogd-realtime-proxy"
)

// Upstream constants.
const (
	// DefaultBaseURL is the base URL of the Wiener Linien OGD realtime API, including the trailing slash.
	DefaultBaseURL = "https://www.wienerlinien.at/ogd_realtime/"

	// DefaultUserAgent is the User-Agent header sent with every upstream request.
	DefaultUserAgent = "WeatherAndDelay/1.0"

	// DefaultUpstreamTimeout bounds every single upstream request.
	DefaultUpstreamTimeout = 30 * time.Second
)

// Store constants.
const (
	// DefaultMongoURI is the default MongoDB connection string.
	DefaultMongoURI = "mongodb://mongodb:27017"

	// DefaultMongoDB is the default MongoDB database name.
	DefaultMongoDB = "big_data_austria"

	// DefaultRealtimeCollection holds the poll snapshots.
	DefaultRealtimeCollection = "wienerlinien_realtime"

	// DefaultHistoricalCollection holds the imported historical records.
	DefaultHistoricalCollection = "wienerlinien_historical"
)

// Historical import constants.
const (
	// DefaultHistoricalURL is the default source of the historical incident dataset.
	DefaultHistoricalURL = "https://cipfileshareprod.blob.core.windows.net/wlcip/WL_Incidents_2025-12-16_13-36-43.json"

	// DefaultImportBatchSize is the default number of write operations per bulk request.
	DefaultImportBatchSize = 1000

	// MaxImportBatchSize is the largest accepted batch size for an import request.
	MaxImportBatchSize = 5000
)

// Poller constants.
const (
	// DefaultFetchInterval is the pause between two poll ticks.
	DefaultFetchInterval = 30 * time.Second

	// DefaultFetchEndpoint is the upstream endpoint polled by default.
	DefaultFetchEndpoint = "monitor"
)
