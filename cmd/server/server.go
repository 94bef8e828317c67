package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/shruggr/spv-verifier/config"
	"github.com/shruggr/spv-verifier/server"
)

var PORT int

func init() {
	wd, _ := os.Getwd()
	log.Println("CWD:", wd)
	godotenv.Load(".env")

	flag.IntVar(&PORT, "p", 0, "Port to listen on")
	flag.Parse()
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Panic("Failed to load config:", err)
	}

	services, err := cfg.Initialize(ctx, nil)
	if err != nil {
		log.Panic("Failed to initialize services:", err)
	}
	defer services.Close()

	if _, err := services.Headers.LoadCache(ctx); err != nil {
		log.Println("Failed to load header cache:", err)
	}
	go func() {
		if err := services.Headers.StartSync(ctx, services.Gateway, cfg.Headers.SyncInterval); err != nil {
			log.Println("Header sync stopped:", err)
		}
	}()

	port := PORT
	if port == 0 {
		port = cfg.Server.Port
	}

	app := server.Initialize(services)
	log.Panic(app.Listen(fmt.Sprintf(":%d", port)))
}
