package server

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // by design
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/pkg/config"
	"github.com/kartware/kartlive/pkg/connection"
	"github.com/kartware/kartlive/pkg/db/postgres"
	"github.com/kartware/kartlive/pkg/model"
	"github.com/kartware/kartlive/pkg/orchestrator"
	"github.com/kartware/kartlive/pkg/pitcfg"
	"github.com/kartware/kartlive/pkg/processing/monitor"
	natspub "github.com/kartware/kartlive/pkg/publish/nats"
	"github.com/kartware/kartlive/pkg/utils"
	"github.com/kartware/kartlive/pkg/worker"
)

var appConfig config.Config // holds processed config values

//nolint:funlen // by design
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "starts the live timing ingestion server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&config.LogLevel,
		"log-level",
		"info",
		"controls the log level (debug, info, warn, error, fatal)")
	cmd.Flags().StringVar(&config.SQLLogLevel,
		"sql-log-level",
		"debug",
		"controls the log level for sql methods")
	cmd.Flags().StringVar(&config.LogFormat,
		"log-format",
		"json",
		"controls the log output format")
	cmd.Flags().StringVar(&config.LogFilter,
		"log-filter",
		"",
		"zapfilter rules for the default logger")
	cmd.Flags().BoolVar(&config.EnableTelemetry,
		"enable-telemetry",
		false,
		"enables telemetry")
	cmd.Flags().StringVar(&config.TelemetryEndpoint,
		"telemetry-endpoint",
		"localhost:4317",
		"Endpoint that receives open telemetry data")
	cmd.Flags().IntVar(&config.ProfilingPort,
		"profiling-port",
		0,
		"port to use for providing profiling data")
	cmd.Flags().StringVar(&config.PitConfigFile,
		"pit-config",
		"",
		"pit stop configuration file (yaml), reloaded on change")
	cmd.Flags().IntSliceVar(&config.TrackIDs,
		"track-ids",
		[]int{},
		"restrict the server to these track ids (default: all active tracks)")
	cmd.Flags().StringVar(&config.InactiveTimeout,
		"inactive-timeout",
		"2m",
		"a session counts as inactive after this duration without data")
	cmd.Flags().StringVar(&config.LivenessInterval,
		"liveness-interval",
		"30s",
		"cadence of the session liveness check")
	cmd.Flags().StringVar(&config.ReconnectMaxWait,
		"reconnect-max-wait",
		"2m",
		"upper bound for the reconnect backoff interval")
	cmd.Flags().BoolVar(&appConfig.PrintMessage,
		"print-message",
		false,
		"if true and log level is debug, the raw feed messages will be printed")
	return cmd
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

//nolint:funlen,cyclop // by design
func startServer(mainCtx context.Context) error {
	var logger *log.Logger
	var sqlLogger *log.Logger
	var telemetry *config.Telemetry
	switch config.LogFormat {
	case "json":
		logger = log.New(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
		sqlLogger = log.New(
			os.Stderr,
			parseLogLevel(config.SQLLogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))

	default:
		logger = log.DevLogger(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.DebugLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))

		sqlLogger = log.DevLogger(
			os.Stderr,
			parseLogLevel(config.SQLLogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	}
	if config.LogFilter != "" {
		logger = logger.WithFilters(config.LogFilter)
	}

	log.ResetDefault(logger)

	log.Debug("Config:",
		log.String("db", config.DB),
		log.String("nats", config.NatsURL),
		log.String("pitConfig", config.PitConfigFile),
	)

	if config.ProfilingPort > 0 {
		log.Info("Starting profiling server on port", log.Int("port", config.ProfilingPort))
		go func() {
			//nolint:gosec // by design
			err := http.ListenAndServe(
				fmt.Sprintf("localhost:%d", config.ProfilingPort),
				nil)
			if err != nil {
				log.Error("Profiling server stopped", log.ErrorField(err))
			}
		}()
	}

	waitForRequiredServices()

	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		var err error
		if telemetry, err = config.SetupTelemetry(context.Background()); err != nil {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	log.Info("Starting server")
	pool, err := postgres.InitWithURL(
		config.DB,
		postgres.WithTracer(sqlLogger, log.DebugLevel),
	)
	if err != nil {
		log.Error("database not available", log.ErrorField(err))
		return err
	}
	defer pool.Close()

	natsConn, err := natspub.Connect(config.NatsURL)
	if err != nil {
		log.Error("nats not available", log.ErrorField(err))
		return err
	}
	pub := natspub.NewPublisher(natsConn)
	defer pub.Close()

	ctx, cancel := context.WithCancel(mainCtx)
	defer cancel()

	pits, err := setupPitConfig(ctx)
	if err != nil {
		return err
	}

	orch := orchestrator.New(pool, pub, pits,
		orchestrator.WithWorkerOptions(
			worker.WithMonitorOptions(
				monitor.WithInactiveTimeout(
					parseDuration(config.InactiveTimeout, monitor.DefaultInactiveTimeout)),
				monitor.WithCheckInterval(
					parseDuration(config.LivenessInterval, monitor.DefaultCheckInterval))),
			worker.WithConnectionOptions(
				connection.WithMaxBackoff(
					parseDuration(config.ReconnectMaxWait, 2*time.Minute))),
			worker.WithPrintMessage(appConfig.PrintMessage)))
	if err := orch.Start(ctx, config.TrackIDs); err != nil {
		log.Error("could not start track workers", log.ErrorField(err))
		return err
	}

	if err := pub.SubscribeSimulate(func(trackID int, start bool) {
		if err := orch.Simulate(trackID, start); err != nil {
			log.Warn("simulate request ignored",
				log.Int("trackId", trackID), log.ErrorField(err))
		}
	}); err != nil {
		log.Warn("simulate subscription failed", log.ErrorField(err))
	}
	if err := pub.SubscribeRefresh(func() {
		if _, err := orch.Refresh(); err != nil {
			log.Warn("track registry refresh failed", log.ErrorField(err))
		}
	}); err != nil {
		log.Warn("refresh subscription failed", log.ErrorField(err))
	}
	if err := pub.ServeStatus(
		func() any { return orch.Status() },
		func(trackID int) (any, bool) {
			s, ok := orch.TrackStatus(trackID)
			return s, ok
		}); err != nil {
		log.Warn("status subscription failed", log.ErrorField(err))
	}

	log.Info("Server started")
	setupGoRoutinesDump()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	v := <-sigChan
	log.Debug("Got signal ", log.Any("signal", v))
	orch.Shutdown()
	if telemetry != nil {
		telemetry.Shutdown()
	}

	log.Info("Server terminated")
	return nil
}

// setupPitConfig prefers the hot-reloaded file provider; without a file
// every track gets the built-in defaults.
func setupPitConfig(ctx context.Context) (pitcfg.Provider, error) {
	if config.PitConfigFile == "" {
		return pitcfg.Static{Cfg: model.PitStopConfig{
			RequiredStops:  0,
			AvgPitDuration: 150,
			DefaultLapTime: 90,
		}}, nil
	}
	fp, err := pitcfg.NewFileProvider(config.PitConfigFile)
	if err != nil {
		log.Error("pit config not usable", log.ErrorField(err))
		return nil, err
	}
	go func() {
		if err := fp.Watch(ctx); err != nil {
			log.Warn("pit config watcher stopped", log.ErrorField(err))
		}
	}()
	return fp, nil
}

func setupGoRoutinesDump() {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		buf := make([]byte, 1<<20)
		for {
			<-sigs
			stacklen := runtime.Stack(buf, true)
			fmt.Printf("=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end\n",
				buf[:stacklen])
		}
	}()
}

func waitForRequiredServices() {
	timeout, err := time.ParseDuration(config.WaitForServices)
	if err != nil {
		log.Warn("Invalid duration value. Setting default 60s", log.ErrorField(err))
		timeout = 60 * time.Second
	}

	wg := sync.WaitGroup{}
	checkTCP := func(addr string) {
		if err = utils.WaitForTCP(addr, timeout); err != nil {
			log.Fatal("required services not ready", log.ErrorField(err))
		}
		wg.Done()
	}

	if postgresAddr := utils.ExtractFromDBURL(config.DB); postgresAddr != "" {
		wg.Add(1)
		go checkTCP(postgresAddr)
	}
	if natsAddr := utils.ExtractFromNatsURL(config.NatsURL); natsAddr != "" {
		wg.Add(1)
		go checkTCP(natsAddr)
	}
	log.Debug("Waiting for connection checks to return")
	wg.Wait()
	log.Debug("Required services are available")
}
