package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/streamhook/media-processor/internal/analyzer"
	"github.com/streamhook/media-processor/internal/hook"
	"github.com/streamhook/media-processor/internal/logger"
	"github.com/streamhook/media-processor/internal/media"
	"github.com/streamhook/media-processor/internal/metrics"
	"github.com/streamhook/media-processor/internal/signaling"
	"github.com/streamhook/media-processor/pkg/types"
)

var (
	// Command-line flags, defaulted from the environment
	serverURL   = flag.String("server", envOr("SERVER_URL", "ws://localhost:3001/ws"), "Coordination server URL")
	framesDir   = flag.String("frames-dir", envOr("SAVE_FRAMES_DIR", "./frames"), "Directory to save frames")
	apiKey      = flag.String("api-key", os.Getenv("ANALYSIS_API_KEY"), "Analysis service API key")
	model       = flag.String("model", envOr("ANALYSIS_MODEL", "gemini-2.0-flash"), "Analysis model to use")
	interval    = flag.Int("analysis-interval", envInt("FRAME_ANALYSIS_INTERVAL", 5), "Analyze every X sampled frames")
	maxHistory  = flag.Int("max-history", envInt("MAX_FRAME_HISTORY", 10), "Number of frames to keep in history")
	autoDetect  = flag.Bool("auto-detect", envBool("AUTO_DETECT", true), "Automatically send all analysis results to chat")
	contextPath = flag.String("context", envOr("CONTEXT_PATH", "implementation_plan.md"), "Domain-context document for analysis prompts")
	maxInFlight = flag.Int64("max-in-flight", 4, "Per-stream cap on concurrent analysis calls")
	metricsAddr = flag.String("metrics", ":9090", "Metrics server address")
	logLevel    = flag.String("log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Media processor starting...")
	logger.Info("Main", "  Server: %s", *serverURL)
	logger.Info("Main", "  Frames dir: %s", *framesDir)
	logger.Info("Main", "  Metrics: %s", *metricsAddr)

	if err := os.MkdirAll(*framesDir, 0755); err != nil {
		log.Fatalf("Failed to create frames directory: %v", err)
	}

	m := metrics.New()
	go func() {
		logger.Info("Main", "Starting metrics server on %s", *metricsAddr)
		if err := m.StartServer(*metricsAddr); err != nil {
			logger.Error("Main", "Metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var vision analyzer.VisionClient
	if *apiKey != "" {
		client, err := analyzer.NewGeminiClient(ctx, *apiKey, *model)
		if err != nil {
			log.Fatalf("Failed to create analysis client: %v", err)
		}
		vision = client
		logger.Info("Main", "Analysis enabled with model %s", client.Model())
	} else {
		logger.Warn("Main", "No analysis API key provided, frame analysis will be disabled")
		logger.Warn("Main", "Set the ANALYSIS_API_KEY environment variable or use -api-key")
	}

	contextDoc := ""
	if data, err := os.ReadFile(*contextPath); err == nil {
		contextDoc = string(data)
		logger.Info("Main", "Loaded context document from %s (%d bytes)", *contextPath, len(data))
	} else {
		logger.Warn("Main", "Context document not found at %s", *contextPath)
		logger.Warn("Main", "Create this file to provide context for frame analysis")
	}

	cfg := types.Config{
		ServerURL:        *serverURL,
		FramesDir:        *framesDir,
		APIKey:           *apiKey,
		Model:            *model,
		AnalysisInterval: *interval,
		MaxHistory:       *maxHistory,
		AutoDetect:       *autoDetect,
		ContextPath:      *contextPath,
		MaxInFlight:      *maxInFlight,
	}

	sig := signaling.NewClient(*serverURL)
	h := hook.New(cfg, sig, m, vision, media.JPEGDecoder{}, contextDoc)

	if err := h.Start(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	h.Close()
	if err := sig.Close(); err != nil {
		logger.Warn("Main", "Error closing signaling connection: %v", err)
	}
	logger.Info("Main", "Stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	switch v {
	case "true", "1", "yes", "y":
		return true
	default:
		return false
	}
}
