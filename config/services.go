package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/b-open-io/go-junglebus"
	"github.com/b-open-io/overlay/pubsub"
	"github.com/b-open-io/overlay/queue"
	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/redis/go-redis/v9"

	"github.com/shruggr/spv-verifier/gateway"
	"github.com/shruggr/spv-verifier/headers"
	"github.com/shruggr/spv-verifier/wallet"
)

// Services holds all initialized services for the verifier.
type Services struct {
	// QueueStorage is the underlying queue storage backend
	QueueStorage queue.QueueStorage

	// PubSub is the event publishing backend
	PubSub pubsub.PubSub

	// SSEManager manages SSE client subscriptions
	SSEManager *pubsub.SSEManager

	// Cache is the redis client for header and proof caches (nil when
	// caching is disabled)
	Cache *redis.Client

	// Headers is the fork-aware header tree
	Headers *headers.Store

	// Wallet is the tx verification state store
	Wallet *wallet.Store

	// Gateway is the proof and header client
	Gateway *gateway.Client

	// JungleBus is the JungleBus client
	JungleBus *junglebus.Client

	// Logger for the services
	Logger *slog.Logger

	// Config holds the configuration used to create services
	Config *Config
}

// Initialize creates all services from configuration.
// The logger parameter is optional (nil = use default logger).
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	services := &Services{
		Config: c,
		Logger: logger,
	}

	var err error

	// Initialize PubSub first (needed by the wallet and header cache)
	services.PubSub, err = pubsub.CreatePubSub(c.PubSub.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}
	logger.Info("Initialized pubsub", slog.String("url", c.PubSub.URL))

	// Initialize SSEManager for server-sent events
	services.SSEManager = pubsub.NewSSEManager(ctx, services.PubSub)
	logger.Info("Initialized SSE manager")

	// Initialize QueueStorage backend based on store.type
	var storeURL string
	switch c.Store.Type {
	case "badger", "":
		// Badger is the default
		storePath := c.Store.Path
		if storePath == "" {
			storePath = "~/.spv/wallet"
		}
		storeURL = "badger://" + storePath
		services.QueueStorage, err = queue.NewBadgerQueueStorage(storeURL, logger)
	default:
		err = fmt.Errorf("unsupported store type: %s (only 'badger' is currently supported)", c.Store.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize queue storage: %w", err)
	}
	logger.Info("Initialized queue storage", slog.String("url", storeURL))

	services.Wallet = wallet.NewStore(services.QueueStorage, services.PubSub)

	// Initialize redis cache (optional)
	if c.Cache.Redis != "" {
		opts, err := redis.ParseURL(c.Cache.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cache redis url: %w", err)
		}
		services.Cache = redis.NewClient(opts)
		logger.Info("Initialized cache", slog.String("url", c.Cache.Redis))
	}

	// Initialize the header tree from its configured anchor
	anchor := headers.Genesis()
	anchorHeight := uint32(0)
	if c.Headers.Anchor != "" {
		anchor, err = block.NewHeaderFromHex(c.Headers.Anchor)
		if err != nil {
			return nil, fmt.Errorf("failed to parse anchor header: %w", err)
		}
		anchorHeight = c.Headers.AnchorHeight
	}
	var cache *headers.Cache
	if services.Cache != nil {
		cache = headers.NewCache(services.Cache, services.PubSub)
	}
	services.Headers, err = headers.NewStore(headers.StoreConfig{
		Anchor:       anchor,
		AnchorHeight: anchorHeight,
		Checkpoint:   c.Headers.Checkpoint,
		Cache:        cache,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize headers: %w", err)
	}
	logger.Info("Initialized headers",
		slog.Any("anchor", anchorHeight), slog.Any("checkpoint", c.Headers.Checkpoint))

	// Initialize the gateway client
	var cpRoot *chainhash.Hash
	if c.Gateway.CheckpointRoot != "" {
		cpRoot, err = chainhash.NewHashFromHex(c.Gateway.CheckpointRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint root: %w", err)
		}
	}
	services.Gateway = gateway.New(gateway.Config{
		Url:            c.Gateway.URL,
		CheckpointRoot: cpRoot,
		Headers:        services.Headers,
		Cache:          services.Cache,
		Logger:         logger,
	})
	logger.Info("Initialized gateway", slog.String("url", c.Gateway.URL))

	// Initialize JungleBus
	if c.Network.JungleBus != "" {
		services.JungleBus, err = junglebus.New(junglebus.WithHTTP(c.Network.JungleBus))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize junglebus: %w", err)
		}
		logger.Info("Initialized JungleBus", slog.String("url", c.Network.JungleBus))
	}

	return services, nil
}

// Close gracefully shuts down all services.
func (s *Services) Close() error {
	if s.Cache != nil {
		if err := s.Cache.Close(); err != nil {
			return err
		}
	}
	if s.QueueStorage != nil {
		if err := s.QueueStorage.Close(); err != nil {
			return err
		}
	}
	if s.PubSub != nil {
		return s.PubSub.Close()
	}
	return nil
}
