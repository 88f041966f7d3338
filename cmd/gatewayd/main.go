package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"github.com/miid-sh/miid/did"
	"github.com/miid-sh/miid/gateway"
	"github.com/miid-sh/miid/store"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:  "gatewayd",
		Usage: "decentralized-identity authorization gateway",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			Value:   "sqlite://./data/gateway/gateway.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "api-listen",
			Value:   ":14000",
			EnvVars: []string{"GATEWAY_API_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "jwt-secret",
			Usage:   "secret used for signing id tokens",
			Value:   "jwtsecretplaceholder",
			EnvVars: []string{"GATEWAY_JWT_SECRET"},
		},
		&cli.BoolFlag{
			Name:    "wallet-authoritative",
			Usage:   "route every login through wallet approval",
			Value:   true,
			EnvVars: []string{"WALLET_AUTHORITATIVE_MODE"},
		},
		&cli.BoolFlag{
			Name:    "require-wallet-ready",
			Usage:   "refuse challenge creation while no wallet stream is connected",
			Value:   true,
			EnvVars: []string{"LOCAL_WALLET_REQUIRED"},
		},
		&cli.BoolFlag{
			Name:    "allow-session-reuse",
			Usage:   "enable the session reuse shortcut (ignored while wallet-authoritative)",
			Value:   false,
			EnvVars: []string{"ALLOW_SESSION_REUSE"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"GATEWAY_LOG_LEVEL"},
		},
	}

	app.Action = runGateway
	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func runGateway(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stdout)

	db, err := store.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return err
	}

	resolver := did.NewMultiResolver()
	resolver.AddHandler("miid", did.NewWalletResolver())

	srv, err := gateway.NewServer(db, resolver, []byte(cctx.String("jwt-secret")), gateway.Config{
		WalletAuthoritative: cctx.Bool("wallet-authoritative"),
		RequireWalletReady:  cctx.Bool("require-wallet-ready"),
		AllowSessionReuse:   cctx.Bool("allow-session-reuse"),
	})
	if err != nil {
		return err
	}

	listen := cctx.String("api-listen")
	logger.Info("starting gateway", "listen", listen)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.RunAPI(listen)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
