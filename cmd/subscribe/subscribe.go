package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/shruggr/spv-verifier/config"
	"github.com/shruggr/spv-verifier/sub"
)

var TOPIC string
var FROM_BLOCK uint
var VERBOSE uint
var TAG string
var MEMPOOL bool
var BLOCK bool

func init() {
	flag.StringVar(&TAG, "tag", "spv", "Subscription Tag")
	flag.StringVar(&TOPIC, "t", "", "Junglebus SubscriptionID")
	flag.UintVar(&FROM_BLOCK, "s", 0, "Start from block")
	flag.UintVar(&VERBOSE, "v", 0, "Verbose")
	flag.BoolVar(&MEMPOOL, "m", false, "Watch Mempool")
	flag.BoolVar(&BLOCK, "b", true, "Watch Blocks")
	flag.Parse()
}

func main() {
	wd, _ := os.Getwd()
	log.Println("CWD:", wd)
	godotenv.Load(".env")

	ctx := context.Background()

	// Load and initialize services
	cfg, err := config.Load()
	if err != nil {
		log.Panic("Failed to load config:", err)
	}

	services, err := cfg.Initialize(ctx, nil)
	if err != nil {
		log.Panic("Failed to initialize services:", err)
	}
	defer services.Close()

	topic := TOPIC
	if topic == "" {
		topic = cfg.Sub.TopicID
	}
	if topic == "" {
		log.Panic("Topic is required")
	}
	fromBlock := FROM_BLOCK
	if fromBlock == 0 {
		fromBlock = uint(cfg.Sub.FromBlock)
	}

	if err := (&sub.Sub{
		Tag:          TAG,
		Topic:        topic,
		FromBlock:    fromBlock,
		IndexBlocks:  BLOCK,
		IndexMempool: MEMPOOL,
		Verbose:      VERBOSE > 0,
		Wallet:       services.Wallet,
		JungleBus:    services.JungleBus,
	}).Exec(ctx); err != nil {
		log.Panic(err)
	}
}
