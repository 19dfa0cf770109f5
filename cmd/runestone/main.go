// Command runestone manages an encrypted, local-first notebook store
// and synchronizes it with a remote file relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/speedyibbi/runestone/crypto"
	"github.com/speedyibbi/runestone/telemetry"
	"github.com/speedyibbi/runestone/tier"
	"github.com/speedyibbi/runestone/vault"
)

type cli struct {
	DataDir    string `help:"Local storage directory." default:"~/.runestone" env:"RUNESTONE_DATA_DIR" type:"path"`
	Account    string `help:"Account identifier." default:"default" env:"RUNESTONE_ACCOUNT"`
	Passphrase string `help:"Account passphrase." env:"RUNESTONE_PASSPHRASE" required:""`
	RelayURL   string `help:"File relay base URL; empty disables remote access." env:"RUNESTONE_RELAY_URL"`
	LogLevel   string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat  string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	Init     initCmd     `cmd:"" help:"Create a new account."`
	Notebook notebookCmd `cmd:"" help:"Manage notebooks."`
	Note     noteCmd     `cmd:"" help:"Manage notes inside a notebook."`
	Sync     syncCmd     `cmd:"" help:"Synchronize with the remote relay."`
	Rekey    rekeyCmd    `cmd:"" help:"Change the account or a notebook passphrase."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("runestone"),
		kong.Description("Encrypted local-first notebook storage and sync."),
		kong.UsageOnError())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, &c)
	if err != nil {
		kctx.FatalIfErrorf(err)
	}
	defer app.close()

	kctx.FatalIfErrorf(kctx.Run(app))
}

// app carries the wired components every command needs.
type app struct {
	ctx        context.Context
	cli        *cli
	logger     *slog.Logger
	engine     *crypto.Engine
	local      tier.Store
	vault      *vault.Vault
	metrics    *telemetry.Metrics
	passphrase []byte
}

func newApp(ctx context.Context, c *cli) (*app, error) {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	switch c.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}
	logger := slog.New(handler)

	metrics, err := telemetry.Init(telemetry.Config{
		ServiceName:    "runestone",
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	local, err := tier.NewFilesystem(c.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	engine, err := crypto.NewEngine(crypto.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("starting crypto engine: %w", err)
	}
	v := vault.New(engine, tier.NewInstrumented(local, "local"), vault.WithLogger(logger))

	return &app{
		ctx:        ctx,
		cli:        c,
		logger:     logger,
		engine:     engine,
		local:      local,
		vault:      v,
		metrics:    metrics,
		passphrase: []byte(c.Passphrase),
	}, nil
}

func (a *app) close() {
	a.engine.Close()
	if err := a.metrics.Shutdown(context.Background()); err != nil {
		a.logger.Warn("metrics shutdown failed", "error", err)
	}
}

var version = "dev"
