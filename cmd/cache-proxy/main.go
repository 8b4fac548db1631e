package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	cacheproxy "github.com/always-cache/cache-proxy"
	"github.com/always-cache/cache-proxy/cache"
	"github.com/always-cache/cache-proxy/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

var (
	// CLI flags
	configFilenameFlag string
	serverFlag         string
	portFlag           int
	ttlFlag            int
	metricsAddrFlag    string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file (default $"+configFilenameEnv+" or "+defaultConfigFilename+")")
	flag.StringVar(&serverFlag, "server", "", "Host to listen on")
	flag.StringVar(&serverFlag, "s", "", "Host to listen on (shorthand)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.IntVar(&portFlag, "p", 0, "Port to listen on (shorthand)")
	flag.IntVar(&ttlFlag, "ttl", 0, "Seconds to keep responses cached")
	flag.IntVar(&ttlFlag, "t", 0, "Seconds to keep responses cached (shorthand)")
	flag.StringVar(&metricsAddrFlag, "metrics-addr", "", "Address to serve Prometheus metrics on (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// flagOverrides collects the listen overrides given on the command line.
func flagOverrides() overrides {
	o := overrides{server: serverFlag, port: portFlag, ttl: ttlFlag}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "s", "server":
			o.serverSet = true
		case "p", "port":
			o.portSet = true
		case "t", "ttl":
			o.ttlSet = true
		}
	})
	return o
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	if err := godotenv.Load(); err != nil {
		log.Trace().Err(err).Msg("No .env file loaded")
	}

	config, err := loadConfig(configFilename(configFilenameFlag, os.Getenv), flagOverrides())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if metricsAddrFlag != "" {
		config.Metrics.Addr = metricsAddrFlag
	}

	provider, err := cache.New(config.Cache.Provider, config.cacheOptions())
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Cache.Provider).Msg("Could not create cache provider")
	}
	defer provider.Close()

	var m *metrics.Metrics
	if config.Metrics.Addr != "" {
		m = metrics.New()
	}

	proxyConfig := config.proxyConfig(provider)
	proxyConfig.Logger = &log.Logger
	proxyConfig.Metrics = m
	proxy := cacheproxy.CreateProxy(proxyConfig)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{{
		Addr:    config.listenAddr(),
		Handler: cacheproxy.NewRouter(proxy),
	}}
	if m != nil {
		metricsRouter := chi.NewRouter()
		metricsRouter.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{
			Addr:    config.Metrics.Addr,
			Handler: metricsRouter,
		})
		log.Info().Msgf("Serving metrics on %s/metrics", config.Metrics.Addr)
	}

	serveErrors := make(chan error, len(servers))
	for _, server := range servers {
		go func(server *http.Server) {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErrors <- err
			}
		}(server)
	}

	log.Info().
		Str("cache", config.Cache.Provider).
		Int("ttl", config.ProxyServer.TTL).
		Msgf("Proxying %s to %s:%d", config.listenAddr(), config.Upstream.Host, config.Upstream.Port)

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-serveErrors:
		log.Error().Err(err).Msg("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("addr", server.Addr).Msg("Unclean shutdown")
		}
	}
}

// loadConfig reads the config file and applies the command line overrides.
// Without a complete set of overrides the usage is printed and the file is used as is.
func loadConfig(filename string, o overrides) (Config, error) {
	config, err := getConfig(filename)
	switch {
	case err == nil:
	case o.complete() && errors.Is(err, os.ErrNotExist):
		log.Warn().Str("file", filename).Msg("Config file not found, using defaults")
	default:
		return config, err
	}

	if o.complete() {
		config = o.apply(config)
	} else {
		flag.CommandLine.SetOutput(os.Stdout)
		flag.Usage()
		log.Info().Msgf("Used configuration file: %s", filename)
	}

	if limit := config.limitBodyForProvider(); limit > 0 {
		log.Debug().Int64("maxBodyBytes", limit).Msg("Limiting upstream bodies to the memcached item size")
	}
	return config, config.validate()
}
