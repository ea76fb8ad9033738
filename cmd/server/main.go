package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/high-horse/biocapture/internal/api"
	"github.com/high-horse/biocapture/internal/capture"
	"github.com/high-horse/biocapture/internal/config"
	"github.com/high-horse/biocapture/internal/crypto"
	"github.com/high-horse/biocapture/internal/device"
	"github.com/high-horse/biocapture/internal/logging"
	"github.com/high-horse/biocapture/internal/scan"
	"github.com/high-horse/biocapture/internal/session"
	"github.com/high-horse/biocapture/internal/store"
)

func main() {
	configPath := flag.String("config", "biocapture.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("could not load configuration")
	}
	if err := logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFile); err != nil {
		log.Fatal().Err(err).Msg("could not set up logging")
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open store")
	}
	defer st.Close()

	sealer, err := crypto.NewSealerFromHex(cfg.Seal.KeyHex)
	if err != nil {
		log.Fatal().Err(err).Msg("could not build template sealer")
	}
	if cfg.Seal.KeyHex == "" {
		log.Warn().Msg("no seal key configured, using an ephemeral key; stored templates will be unreadable after restart")
	}

	clock := clockwork.NewRealClock()
	lock := device.NewLock()
	dispatch := device.NewDispatcher(cfg.Device.MaxConcurrentCalls)
	hub := scan.NewHub()
	newReader := func() device.Reader { return device.NewSimulator(cfg.Device.SampleDir) }

	sessionCfg := session.Config{
		Timeout:        cfg.SessionTimeout(),
		Brightness:     cfg.Device.Brightness,
		TemplateFormat: device.ParseTemplateFormat(cfg.Device.TemplateFormat),
		BlinkInterval:  cfg.LEDBlinkInterval(),
		Capture: capture.Config{
			MaxAttempts:      cfg.Capture.MaxAttempts,
			AttemptTimeout:   cfg.AttemptTimeout(),
			Backoff:          cfg.Backoff(),
			QualityThreshold: cfg.Capture.QualityThreshold,
			QualityWarnBelow: cfg.Capture.QualityWarnBelow,
		},
	}

	orch := scan.NewOrchestrator(st, sealer, newReader, lock, dispatch, clock, hub, sessionCfg, cfg.Scan.MaxSessionsPerConn)
	status := scan.NewStatusBroadcaster(hub, lock, clock, cfg.StatusPeriod())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go status.Run(ctx)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(api.ErrorResponse{Error: err.Error()})
		},
	})
	app.Use(fiberlogger.New())
	app.Use(cors.New())

	api.New(st, orch, status, lock, newReader).Register(app)

	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("server starting")
		if err := app.Listen(cfg.Server.Listen); err != nil {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warn().Err(err).Msg("shutdown did not complete cleanly")
	}
}
