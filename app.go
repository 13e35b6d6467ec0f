package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/natefinch/lumberjack"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kwv/fragmesh/pointcloud"
	"github.com/kwv/fragmesh/scene"
)

const defaultHTTPPort = 8080

// App encapsulates the application state and dependencies
type App struct {
	Config       *scene.Config
	StateTracker *scene.StateTracker
	Registry     *prometheus.Registry
	Metrics      *scene.Metrics
	MQTTClient   mqtt.Client
	Publisher    *scene.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile  string
	DatasetDir  string
	WriteConfig string
	Serve       bool
	HttpPort    int
	Workers     int
	Sequential  bool
	Debug       bool

	runs    chan struct{}
	logFile io.Closer
}

// NewApp creates a new App instance
func NewApp() *App {
	registry := prometheus.NewRegistry()
	return &App{
		StateTracker: scene.NewStateTracker(),
		Registry:     registry,
		Metrics:      scene.NewMetrics(registry),
		runs:         make(chan struct{}, 1),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DatasetDir = opts.DatasetDir
	a.WriteConfig = opts.WriteConfig
	a.Serve = opts.Serve
	a.HttpPort = opts.HttpPort
	a.Workers = opts.Workers
	a.Sequential = opts.Sequential
	a.Debug = opts.Debug
}

// LoadConfig reads the config file, falling back to defaults when the default
// config.yaml is absent, and applies the CLI overrides
func (a *App) LoadConfig() (*scene.Config, error) {
	var config *scene.Config
	if _, err := os.Stat(a.ConfigFile); err == nil || a.ConfigFile != "config.yaml" {
		config, err = scene.LoadConfig(a.ConfigFile)
		if err != nil {
			return nil, err
		}
		log.Printf("Loaded config from %s", a.ConfigFile)
	} else {
		config = scene.DefaultConfig()
		log.Printf("No %s found, using defaults", a.ConfigFile)
	}

	if a.DatasetDir != "" {
		config.PathDataset = a.DatasetDir
	}
	if a.Workers > 0 {
		config.MaxWorkers = a.Workers
	}
	if a.Sequential {
		parallel := false
		config.MultiThreading = &parallel
	}
	if a.Debug {
		config.DebugMode = true
	}
	if a.HttpPort > 0 {
		config.HTTP.Port = a.HttpPort
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	a.Config = config
	return config, nil
}

// setupLogging mirrors the log to a rotating file when log_file is set
func (a *App) setupLogging(config *scene.Config) {
	if config.LogFile == "" {
		return
	}
	l := &lumberjack.Logger{
		Filename: config.LogFile,
		MaxSize:  config.LogMaxSize,
		MaxAge:   config.LogMaxAge,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, l))
	a.logFile = l
	log.Printf("Logging to %s", config.LogFile)
}

// connectMQTT attaches the publisher when a broker is configured
func (a *App) connectMQTT(config *scene.Config) error {
	client, err := scene.ConnectMQTT(config.MQTT)
	if err != nil {
		return err
	}
	a.MQTTClient = client
	a.Publisher = scene.NewPublisher(client, config.MQTT.PublishPrefix)
	if client != nil {
		fmt.Printf("MQTT publisher initialized (prefix %s)\n", a.Publisher.Prefix())
	}
	return nil
}

// NewOrchestrator wires the registration backend, odometry source and
// optimizer into an orchestrator reporting to the app's state and metrics
func (a *App) NewOrchestrator(config *scene.Config) *scene.Orchestrator {
	backend := pointcloud.NewBackend(config.Seed)
	registrar := scene.NewRegistrar(config, backend, backend, scene.NewFileOdometrySource(config))
	return scene.NewOrchestrator(config, registrar, scene.NewOptimizer(config)).
		WithPublisher(a.Publisher).
		WithMetrics(a.Metrics).
		WithState(a.StateTracker)
}

// RunOnce performs a single registration run and prints the summary
func (a *App) RunOnce() error {
	config, err := a.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.setupLogging(config)
	defer a.close()

	if err := a.connectMQTT(config); err != nil {
		log.Printf("[MQTT] %v; continuing without MQTT", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := a.NewOrchestrator(config).Run(ctx)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, summary)
	return nil
}

// RunWriteConfig writes the effective configuration and exits
func (a *App) RunWriteConfig() error {
	config, err := a.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := scene.SaveConfig(a.WriteConfig, config); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", a.WriteConfig)
	return nil
}

// RunService serves HTTP status endpoints and runs registrations on demand
func (a *App) RunService() error {
	fmt.Println("Starting fragmesh service...")

	config, err := a.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.setupLogging(config)
	defer a.close()

	a.StateTracker = scene.NewStateTrackerWithCache(config.DatasetPath(scene.TemplateGlobalPoseGraph))
	if a.StateTracker.GetGraph() != nil {
		log.Printf("Loaded previous pose graph from %s", config.DatasetPath(scene.TemplateGlobalPoseGraph))
	}

	if err := a.connectMQTT(config); err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if a.Publisher.Enabled() {
		if err := a.Publisher.SubscribeRuns(func() { a.TriggerRun() }); err != nil {
			log.Printf("[MQTT] %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := config.HTTP.Port
	if port == 0 {
		port = defaultHTTPPort
	}
	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           newHTTPServer(a.StateTracker, a.Registry, config, a.TriggerRun),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[HTTP] Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[HTTP] Server error: %v", err)
			stop()
		}
	}()

	go a.runLoop(ctx, config)

	fmt.Println("\nService Running")
	fmt.Println("===============")
	if a.Publisher.Enabled() {
		fmt.Println("\nMQTT:")
		fmt.Printf("  Run trigger: %s\n", a.Publisher.RunTopic())
		fmt.Printf("  Pair events: %s/pairs/{s}_{t}\n", a.Publisher.Prefix())
		fmt.Printf("  Run summary: %s\n", a.Publisher.SummaryTopic())
	}
	fmt.Printf("\nHTTP endpoints (port %d):\n", port)
	fmt.Println("  GET  /health        - Health check")
	fmt.Println("  GET  /status        - Run progress and last summary")
	fmt.Println("  GET  /graph.json    - Pose graph (Open3D JSON)")
	fmt.Println("  GET  /graph.geojson - Top-down trajectory and edges")
	fmt.Println("  GET  /graph.svg     - Pose graph render (SVG)")
	fmt.Println("  GET  /graph.png     - Pose graph render (PNG)")
	fmt.Println("  GET  /metrics       - Prometheus metrics")
	fmt.Println("  POST /run           - Start a registration run")
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[HTTP] Shutdown error: %v", err)
	}
	fmt.Println("Service stopped")
	return nil
}

// TriggerRun queues a registration run. It returns false when a run is
// already running or queued.
func (a *App) TriggerRun() bool {
	if a.StateTracker.IsRunning() {
		return false
	}
	select {
	case a.runs <- struct{}{}:
		return true
	default:
		return false
	}
}

// runLoop executes queued runs one at a time until ctx is cancelled
func (a *App) runLoop(ctx context.Context, config *scene.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.runs:
			summary, err := a.NewOrchestrator(config).Run(ctx)
			if err != nil {
				continue
			}
			printSummary(os.Stdout, summary)
		}
	}
}

func (a *App) close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect(250)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// printSummary writes a human-readable run summary
func printSummary(w io.Writer, s *scene.Summary) {
	fmt.Fprintf(w, "\n=== Scene registration %s ===\n", s.RunID)
	fmt.Fprintf(w, "Fragments:      %d\n", s.Fragments)
	fmt.Fprintf(w, "Pairs:          %d (%d registered)\n", s.Pairs, s.Succeeded)
	fmt.Fprintf(w, "Nodes:          %d\n", s.Nodes)
	fmt.Fprintf(w, "Odometry edges: %d\n", s.OdometryEdges)
	fmt.Fprintf(w, "Loop closures:  %d\n", s.LoopClosures)
	if len(s.OdometryGaps) > 0 {
		fmt.Fprintf(w, "Odometry gaps:  %v\n", s.OdometryGaps)
	}
	fmt.Fprintf(w, "Trajectory:     %.3f\n", s.TrajectoryLength)
	fmt.Fprintf(w, "Pose graph:     %s\n", s.PoseGraphPath)
	if s.OptimizedPath != "" {
		fmt.Fprintf(w, "Optimized:      %s\n", s.OptimizedPath)
	}
	for _, p := range []string{s.GeoJSONPath, s.SVGPath, s.PNGPath} {
		if p != "" {
			fmt.Fprintf(w, "Export:         %s\n", p)
		}
	}
	fmt.Fprintf(w, "Duration:       %.1fs\n", s.DurationSeconds)
}
