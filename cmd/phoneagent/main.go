// phoneagent answers Twilio calls with a streaming STT → LLM → TTS voice
// agent that can be interrupted by the caller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-phoneagent/internal/config"
	"github.com/teslashibe/go-phoneagent/internal/log"
	"github.com/teslashibe/go-phoneagent/internal/providers"
	"github.com/teslashibe/go-phoneagent/pkg/hub"
	"github.com/teslashibe/go-phoneagent/pkg/inference"
	"github.com/teslashibe/go-phoneagent/pkg/metrics"
	"github.com/teslashibe/go-phoneagent/pkg/session"
	"github.com/teslashibe/go-phoneagent/pkg/telephony"
	"github.com/teslashibe/go-phoneagent/pkg/web"
)

var (
	version    = "0.1.0"
	configPath = flag.String("config", "", "Path to YAML config file")
	port       = flag.Int("port", 0, "HTTP server port (overrides config)")
	debug      = flag.Bool("debug", false, "Enable debug logging and request logs")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "phoneagent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger := log.Component("main")
	logger.Info("starting phoneagent", "version", version, "tts_mode", cfg.TTS.Mode, "model", cfg.LLM.Model)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llm, err := providers.NewGenerator(cfg, log.L())
	if err != nil {
		return err
	}
	defer llm.Close()

	checkProviders(ctx, cfg, llm)

	m := metrics.New("")
	monitor := hub.New("monitor", log.L())
	dashboard := web.NewDashboard(monitor, 0)

	registry := session.NewRegistry(
		providers.NewChannelFactory(cfg, llm, log.L()),
		session.WithSystemPrompt(cfg.Agent.SystemPrompt),
		session.WithSampleRate(cfg.Agent.SampleRate),
		session.WithBargeInThreshold(cfg.Agent.BargeInThreshold),
		session.WithGeneration(cfg.LLM.Model, cfg.LLM.Temperature, cfg.LLM.MaxTokens),
		session.WithLogger(log.L()),
		session.WithMetrics(m),
		session.WithMonitor(dashboard),
	)

	server := telephony.NewServer(registry,
		telephony.WithPublicHost(cfg.Server.PublicHost),
		telephony.WithMediaPath(cfg.Server.MediaPath),
		telephony.WithLogger(log.L()),
		telephony.WithMetrics(m),
	)

	app := fiber.New(fiber.Config{
		AppName:               "phoneagent",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if *debug {
		app.Use(fiberlog.New())
	}

	api := app.Group("/api")
	server.RegisterRoutes(app)
	server.RegisterAPIRoutes(api)
	dashboard.RegisterRoutes(app, api)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"version":  version,
			"sessions": registry.Count(),
			"monitors": monitor.ClientCount(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(ctx)
		return nil
	})

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Info("listening", "addr", addr, "webhook", "/call", "media", cfg.Server.MediaPath)
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", "sessions", registry.Count())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if err := registry.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("goodbye")
	return nil
}

// checkProviders warns about unreachable providers. Calls are still
// accepted; each session reports its own channel failures.
func checkProviders(ctx context.Context, cfg *config.Config, llm inference.Provider) {
	logger := log.Component("main")
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := llm.Health(ctx); err != nil {
		logger.Warn("llm health check failed", "error", err)
	}

	probe, err := providers.NewSpeechProvider(cfg, log.L())
	if err != nil {
		logger.Warn("tts provider unavailable", "error", err)
		return
	}
	defer probe.Close()
	if err := probe.Health(ctx); err != nil {
		logger.Warn("tts health check failed", "error", err)
	}
}
