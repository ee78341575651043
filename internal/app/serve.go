package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"horse.fit/newsdedup/internal/cli"
	"horse.fit/newsdedup/internal/httpapi"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "", "HTTP listen host (default: HTTP_HOST)")
	port := fs.Int("port", 0, "HTTP listen port (default: HTTP_PORT)")
	adjudicatorName := fs.String("adjudicator", "", "Adjudicator for ambiguous pairs: llm|rules (default: ADJUDICATOR)")
	runTimeout := fs.Duration("run-timeout", 10*time.Minute, "Timeout for one dedup run request")
	startupTimeout := fs.Duration("startup-timeout", 15*time.Second, "Timeout for opening the database and Redis")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, ok := loadRuntime(envLoader)
	if !ok {
		return 1
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), *startupTimeout)
	svc, err := openServices(startupCtx, cfg, logger, *adjudicatorName)
	cancelStartup()
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
		return 1
	}
	defer svc.Close()

	listenHost := cfg.HTTPHost
	if strings.TrimSpace(*host) != "" {
		listenHost = *host
	}
	listenPort := cfg.HTTPPort
	if *port > 0 {
		listenPort = *port
	}

	server := httpapi.NewServer(httpapi.Deps{
		Runner: svc.pipeline,
		Readers: func(dataset string) (httpapi.DatasetReader, error) {
			return svc.pool.Dataset(dataset)
		},
		Health:         svc.pool,
		MetricsHandler: svc.metrics.Handler(),
	}, logger, httpapi.Options{
		Host:               listenHost,
		Port:               listenPort,
		RunTimeout:         cfg.BoundedRunTimeout(*runTimeout),
		CORSAllowedOrigins: cfg.CORSAllowedOriginsList(),
		APITokenHash:       cfg.APITokenHash,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
		return 1
	}
	return 0
}
