package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"Botify/internal/backend"
	"Botify/internal/chatbot"
	"Botify/internal/config"
	"Botify/internal/document"
	"Botify/internal/server"
	"Botify/internal/session"
	"Botify/internal/telemetry"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "botify",
		Usage:   "Chat with the contents of a PDF",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   config.DefaultPath,
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			initConfigCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the web UI",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides server.addr)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Action: runServe,
	}
}

func initConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-config",
		Usage: "Write a sample configuration file",
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if err := config.InitConfig(path); err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}
			fmt.Printf("Created configuration file at %s\n", path)
			return nil
		},
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}

	// a missing key only disables chat
	chatUnavailable := config.Validate(cfg)
	if chatUnavailable != nil && !errors.Is(chatUnavailable, config.ErrMissingCredential) {
		return fmt.Errorf("invalid configuration: %w", chatUnavailable)
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.Log, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.Telemetry, cfg.Log.Dir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	sessions, err := openSessionStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	documents, err := document.NewStore(document.PDFExtractor{}, cfg.Document.CacheSize, cfg.Document.MaxUploadBytes(), logger)
	if err != nil {
		return fmt.Errorf("failed to create document store: %w", err)
	}

	var bot *chatbot.ChatBot
	if chatUnavailable == nil {
		client, err := backend.New(cfg.Chat, logger, tracer, meter)
		if err != nil {
			return fmt.Errorf("failed to create chat client: %w", err)
		}
		opts := chatbot.OptionsFromConfig(cfg)
		opts.Logger = logger
		opts.Tracer = tracer
		opts.Meter = meter
		bot, err = chatbot.New(client, opts)
		if err != nil {
			return fmt.Errorf("failed to create chatbot: %w", err)
		}
		logger.Info("chat enabled", "backend", cfg.Chat.Backend, "model", cfg.Chat.Model)
	} else {
		logger.Warn("chat disabled", "error", chatUnavailable)
	}

	srv, err := server.New(server.Options{
		Addr:            cfg.Server.Addr,
		Bot:             bot,
		ChatUnavailable: chatUnavailable,
		Documents:       documents,
		Sessions:        sessions,
		Persona:         cfg.Prompt.Persona,
		MaxUploadBytes:  cfg.Document.MaxUploadBytes(),
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	fmt.Printf("Botify listening on %s\n", cfg.Server.Addr)
	return srv.Start(ctx)
}

func openSessionStore(cfg config.StoreConfig, logger *slog.Logger) (session.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		store, err := session.OpenSQLite(cfg.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return store, nil
	default:
		return session.NewMemoryStore(cfg.MaxSessions, cfg.SessionTTL), nil
	}
}
