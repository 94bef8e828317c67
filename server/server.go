package server

import (
	"context"

	"github.com/b-open-io/overlay/queue"
	"github.com/b-open-io/overlay/routes"
	"github.com/bsv-blockchain/go-chaintracks/chaintracks"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"github.com/shruggr/spv-verifier/config"
	"github.com/shruggr/spv-verifier/server/routes/blocks"
	"github.com/shruggr/spv-verifier/server/routes/tx"
)

// @title SPV Verifier API
// @version 1.0
// @description Verification state for watched transactions, block headers and events

// @contact.name API Support
// @contact.url https://github.com/shruggr/spv-verifier

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @BasePath /

// StatusResponse reports the verifier's progress.
type StatusResponse struct {
	Tip        *chaintracks.BlockHeader `json:"tip"`
	Unverified int64                    `json:"unverified"`
	Verified   int64                    `json:"verified"`
}

func Initialize(services *config.Services) *fiber.App {
	app := fiber.New()
	app.Use(logger.New())
	app.Use(compress.New())
	app.Use(cors.New(cors.Config{AllowOrigins: "*"}))

	// @Summary Health check
	// @Description Simple health check endpoint
	// @Tags health
	// @Success 200 {string} string "yo"
	// @Router /yo [get]
	app.Get("/yo", func(c *fiber.Ctx) error {
		return c.SendString("yo")
	})

	v1 := app.Group("/v1")

	blocks.NewBlocksController(services.Headers).RegisterRoutes(v1.Group("/blocks"))
	tx.NewTxController(services.Wallet, services.Gateway, services.Headers).RegisterRoutes(v1.Group("/tx"))

	// @Summary Verifier status
	// @Description Current tip and wallet verification counts
	// @Tags status
	// @Produce json
	// @Success 200 {object} StatusResponse
	// @Router /v1/status [get]
	v1.Get("/status", func(c *fiber.Ctx) error {
		unverified, verified, err := services.Wallet.Counts(c.Context())
		if err != nil {
			return err
		}
		return c.JSON(&StatusResponse{
			Tip:        services.Headers.Tip(),
			Unverified: unverified,
			Verified:   verified,
		})
	})

	// Register SSE routes using overlay's implementation
	routes.RegisterSSERoutes(v1, &routes.SSERoutesConfig{
		SSEManager: services.SSEManager,
		Catchup: func(ctx context.Context, keys []string, fromScore float64) ([]queue.ScoredMember, error) {
			return services.Wallet.VerifiedSince(ctx, fromScore)
		},
		Context: context.Background(),
	})

	app.Static("/api-spec", "./docs")

	app.Get("/docs", func(c *fiber.Ctx) error {
		html := `<!doctype html>
<html>
<head>
    <title>SPV Verifier API</title>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
</head>
<body>
    <script id="api-reference" data-url="/api-spec/swagger.json"></script>
    <script src="https://cdn.jsdelivr.net/npm/@scalar/api-reference"></script>
</body>
</html>`
		c.Set("Content-Type", "text/html")
		return c.SendString(html)
	})

	return app
}
