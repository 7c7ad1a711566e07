package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/salonflow/edge"
	"github.com/salonflow/edge/cache"
	"github.com/salonflow/edge/queue"
	"github.com/salonflow/edge/replay"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	cacheDbFlag        string
	queueDbFlag        string
	cacheVersionFlag   string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&cacheDbFlag, "cache-db", "edge-cache.db", "Cache DB file name (use 'memory' for in-memory)")
	flag.StringVar(&queueDbFlag, "queue-db", "edge-queue.db", "Queue DB file name (use 'memory' for in-memory)")
	flag.StringVar(&cacheVersionFlag, "cache-version", "", "Cache bucket version suffix (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
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

	var config Config
	if configFilenameFlag != "" {
		var err error
		config, err = getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if config.Port <= 0 {
		config.Port = portFlag
	}
	if config.CacheDB == "" {
		config.CacheDB = cacheDbFlag
	}
	if config.QueueDB == "" {
		config.QueueDB = queueDbFlag
	}
	if cacheVersionFlag != "" {
		config.CacheVersion = cacheVersionFlag
	}
	if config.APIPrefix == "" {
		config.APIPrefix = "/api/"
	}

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin URL")
	}

	// cache bucket storage
	provider, err := newCacheProvider(config.CacheDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache storage")
	}

	// tiered response cache
	tiered, err := edge.New(edge.Config{
		Cache:     provider,
		OriginURL: *originURL,
		APIPrefix: config.APIPrefix,
		Version:   config.CacheVersion,
		Logger:    &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not initialize tiered cache")
	}

	// durable offline queue; failure to open is fatal to offline
	// functionality and must not be swallowed
	store, err := newQueueStore(config.QueueDB, config.QueueMax)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open offline queue storage")
	}

	// replay driver posting queued actions back to the origin API
	replayURL := config.Replay.URL
	if replayURL == "" {
		replayURL = strings.TrimSuffix(config.Origin, "/") + config.APIPrefix + "offline/actions"
	}
	driver := replay.NewDriver(store, httpReplayer(replayURL), replay.Policy{
		Interval:     time.Duration(config.Replay.IntervalSeconds) * time.Second,
		MaxRetries:   config.Replay.MaxRetries,
		MaxPerSecond: config.Replay.MaxPerSecond,
	}, &log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go driver.Run(ctx)

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Dur("duration", duration).
			Msg("Request handled")
	}))
	r.Mount("/offline", queue.Handler(store, log.Logger))
	r.Handle("/*", tiered)

	log.Info().Msgf("Proxying port %v to %s", config.Port, config.Origin)
	server := &http.Server{Addr: fmt.Sprintf(":%d", config.Port), Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func newCacheProvider(filename string) (cache.BucketProvider, error) {
	if filename == "memory" {
		return cache.NewMemCache(), nil
	}
	return cache.NewSQLiteCache(filename)
}

func newQueueStore(filename string, maxEntries int) (queue.Store, error) {
	if filename == "memory" {
		return queue.NewMemStore(maxEntries), nil
	}
	return queue.NewSQLiteStore(filename, maxEntries)
}

// httpReplayer posts the queued action envelope to the given URL.
// The per-type mapping to concrete endpoints is owned server-side.
func httpReplayer(replayURL string) replay.Func {
	client := &http.Client{Timeout: 15 * time.Second}
	return func(ctx context.Context, action queue.Action) error {
		body, err := json.Marshal(action)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, replayURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		io.Copy(io.Discard, res.Body)
		if res.StatusCode >= 300 {
			return fmt.Errorf("origin rejected action: %s", res.Status)
		}
		return nil
	}
}
