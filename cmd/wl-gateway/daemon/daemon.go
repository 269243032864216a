// Package daemon provides the Wiener Linien OGD realtime gateway daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/LisaMayr/WeatherAndDelay/internal/cli"
	"github.com/LisaMayr/WeatherAndDelay/internal/common/constants"
	"github.com/LisaMayr/WeatherAndDelay/internal/common/metrics"
	"github.com/LisaMayr/WeatherAndDelay/internal/gateway"
	"github.com/LisaMayr/WeatherAndDelay/internal/gateway/handlers"
	"github.com/LisaMayr/WeatherAndDelay/internal/importer"
	"github.com/LisaMayr/WeatherAndDelay/internal/poller"
	"github.com/LisaMayr/WeatherAndDelay/internal/stoplist"
	"github.com/LisaMayr/WeatherAndDelay/internal/store"
	"github.com/LisaMayr/WeatherAndDelay/internal/upstream"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *gateway.Server

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Daemon   gateway.StaticConfig
	Metrics  metrics.Config
	Store    store.Config
	Upstream upstream.Config
	Poll     poller.Config

	RealtimeCollection   string
	HistoricalCollection string

	HistoricalURL   string
	ImportBatchSize int

	FetchEnabled bool
	FetchStops   string
	StopsConfig  string

	MigrationsDir string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.CmdName,
		Short:         "Wiener Linien OGD realtime gateway",
		Long: "Wiener Linien OGD realtime gateway proxying the public transport realtime endpoints, " +
			"polling monitor snapshots into MongoDB, and importing historical incident exports on demand.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Info("got app config", "config", a.config)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	defaultConf := gateway.StaticConfig{
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 0, // imports can legitimately run for minutes
		MaxHeaderBytes: 1 << 13, // 8 KB

		ListenPort: 8000,
	}

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Gateway listener flags
	cmd.Flags().StringVar(&app.config.Daemon.ListenHost, "listen-host", defaultConf.ListenHost, "host to listen on")
	cmd.Flags().IntVar(&app.config.Daemon.ListenPort, "listen-port", defaultConf.ListenPort, "port to listen on")
	cmd.Flags().DurationVar(&app.config.Daemon.ReadTimeout, "read-timeout", defaultConf.ReadTimeout, "read timeout for the gateway HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.WriteTimeout, "write-timeout", defaultConf.WriteTimeout, "write timeout for the gateway HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.RequestTimeout, "request-timeout", defaultConf.RequestTimeout, "request timeout for the gateway HTTP server, 0 disables it")
	cmd.Flags().IntVar(&app.config.Daemon.MaxHeaderBytes, "max-header-bytes", defaultConf.MaxHeaderBytes, "maximum header bytes for the gateway HTTP server")

	// Metrics server flags
	cmd.Flags().StringVar(&app.config.Metrics.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.Metrics.Port, "metrics-port", 2112, "port for the metrics endpoint")
	cmd.Flags().DurationVar(&app.config.Metrics.ReadTimeout, "metrics-read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.Metrics.WriteTimeout, "metrics-write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")

	// Upstream flags
	cmd.Flags().StringVar(&app.config.Upstream.BaseURL, "base-url", constants.DefaultBaseURL, "base URL of the realtime API")
	cmd.Flags().StringVar(&app.config.Upstream.UserAgent, "user-agent", constants.DefaultUserAgent, "User-Agent header sent upstream")
	cmd.Flags().DurationVar(&app.config.Upstream.Timeout, "upstream-timeout", constants.DefaultUpstreamTimeout, "timeout for upstream requests")

	addStoreFlags(cmd, &app.config)

	// Historical import flags
	cmd.Flags().StringVar(&app.config.HistoricalURL, "historical-url", constants.DefaultHistoricalURL, "default source URL for historical imports")
	cmd.Flags().IntVar(&app.config.ImportBatchSize, "import-batch-size", constants.DefaultImportBatchSize, "default bulk write batch size for historical imports")

	// Poller flags
	cmd.Flags().BoolVar(&app.config.FetchEnabled, "fetch-enabled", true, "enable the background realtime poller")
	cmd.Flags().DurationVar(&app.config.Poll.Interval, "fetch-interval", constants.DefaultFetchInterval, "pause between two poll ticks")
	cmd.Flags().StringVar(&app.config.Poll.Endpoint, "fetch-endpoint", constants.DefaultFetchEndpoint, "realtime endpoint polled in the background")
	cmd.Flags().StringVar(&app.config.FetchStops, "fetch-stops", "", "comma-separated stop identifiers polled from the monitor endpoint")
	cmd.Flags().StringVar(&app.config.StopsConfig, "stops-config", "", "path to a watched JSON file holding the polled stop identifiers")

	if err := cmd.MarkFlagFilename("stops-config"); err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark stops-config flag as filename: %v", err))
	}
}

func addStoreFlags(cmd *cobra.Command, config *appConfig) {
	cmd.Flags().StringVar(&config.Store.URI, "mongo-uri", constants.DefaultMongoURI, "MongoDB connection string")
	cmd.Flags().StringVar(&config.Store.Database, "mongo-db", constants.DefaultMongoDB, "MongoDB database name")
	cmd.Flags().StringVar(&config.RealtimeCollection, "realtime-collection", constants.DefaultRealtimeCollection, "collection holding the realtime snapshots")
	cmd.Flags().StringVar(&config.HistoricalCollection, "historical-collection", constants.DefaultHistoricalCollection, "collection holding the imported historical records")
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	ctx := context.Background()

	client := upstream.New(a.config.Upstream)

	st, err := store.New(ctx, a.config.Store)
	if err != nil {
		return fmt.Errorf("failed to connect to the store: %v", err)
	}

	registry := prometheus.NewRegistry()

	deps := gateway.Deps{
		Client:   client,
		Store:    st,
		Importer: importer.New(st.Collection(a.config.HistoricalCollection)),
		ImportDefaults: handlers.ImportDefaults{
			SourceURL: a.config.HistoricalURL,
			BatchSize: a.config.ImportBatchSize,
		},
		Registry: registry,
		Metrics:  metrics.New(a.config.Metrics, registry),
	}

	if a.config.FetchEnabled {
		var stops stoplist.Source
		if a.config.StopsConfig != "" {
			path, err := filepath.Abs(a.config.StopsConfig)
			if err != nil {
				return fmt.Errorf("failed to get absolute path for the stop list file: %v", err)
			}
			m := stoplist.New(path)
			stops = m
			deps.Stops = m
		} else {
			stops = stoplist.ParseStatic(a.config.FetchStops)
		}

		p, err := poller.New(client, st.Collection(a.config.RealtimeCollection), stops, a.config.Poll, registry)
		if err != nil {
			return fmt.Errorf("failed to create the poller: %v", err)
		}
		deps.Poller = p
	}

	a.daemon, err = gateway.New(ctx, deps, a.config.Daemon)
	close(a.ready)
	if err != nil {
		return fmt.Errorf("failed to create the gateway: %v", err)
	}

	err = a.daemon.Run()
	client.CloseIdleConnections()
	if cErr := st.Close(context.Background()); cErr != nil {
		slog.Warn("Failed to close the store connection", "error", cErr)
	}
	return err
}
