package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/shruggr/spv-verifier/config"
	"github.com/shruggr/spv-verifier/server"
	"github.com/shruggr/spv-verifier/spv"
)

var CONCURRENCY uint
var PORT int

func init() {
	wd, _ := os.Getwd()
	log.Println("CWD:", wd)
	godotenv.Load(".env")

	flag.UintVar(&CONCURRENCY, "c", 0, "Concurrency Limit")
	flag.IntVar(&PORT, "p", 0, "Port to listen on")
	flag.Parse()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Panic("Failed to load config:", err)
	}

	logger := slog.Default()

	services, err := cfg.Initialize(ctx, logger)
	if err != nil {
		log.Panic("Failed to initialize services:", err)
	}
	defer services.Close()

	if loaded, err := services.Headers.LoadCache(ctx); err != nil {
		logger.Error("failed to load header cache", "err", err)
	} else {
		logger.Info("header cache loaded", "headers", loaded)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return services.Headers.StartSync(ctx, services.Gateway, cfg.Headers.SyncInterval)
	})

	concurrency := int(CONCURRENCY)
	if concurrency == 0 {
		concurrency = cfg.Verify.Concurrency
	}

	g.Go(func() error {
		for {
			v := &spv.Verifier{
				Headers:          services.Headers,
				Wallet:           services.Wallet,
				Source:           services.Gateway,
				Tag:              "verify",
				SkipMerkleChecks: cfg.Verify.SkipMerkleChecks,
				Interval:         cfg.Verify.Interval,
				Concurrency:      concurrency,
				Logger:           logger,
				OnViolation: func(err error) {
					logger.Error("peer violation", "err", err)
					services.Gateway.Disconnect()
				},
			}
			err := v.Run(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("verifier stopped, restarting", "err", err)
			services.Gateway.Disconnect()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	})

	port := PORT
	if port == 0 {
		port = cfg.Server.Port
	}

	app := server.Initialize(services)
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", port))
	})
	g.Go(func() error {
		<-ctx.Done()
		return app.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Panic(err)
	}
}
