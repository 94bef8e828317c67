package blocks

import (
	"strconv"

	"github.com/bsv-blockchain/go-chaintracks/chaintracks"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/gofiber/fiber/v2"

	"github.com/shruggr/spv-verifier/headers"
)

// BlocksController handles block header routes
type BlocksController struct {
	Headers *headers.Store
}

// NewBlocksController creates a new BlocksController with the given dependencies
func NewBlocksController(store *headers.Store) *BlocksController {
	return &BlocksController{
		Headers: store,
	}
}

// RegisterRoutes registers all block routes
func (ctrl *BlocksController) RegisterRoutes(r fiber.Router) {
	r.Get("/tip", ctrl.GetChaintip)
	r.Get("/height/:height", ctrl.GetBlockByHeight)
	r.Get("/hash/:hash", ctrl.GetBlockByHash)
	r.Get("/list/:from", ctrl.ListBlocks)
}

// @Summary Get chain tip
// @Description Get the current best chain tip (highest block)
// @Tags blocks
// @Produce json
// @Success 200 {object} chaintracks.BlockHeader
// @Failure 500 {string} string "Internal server error"
// @Router /v1/blocks/tip [get]
func (ctrl *BlocksController) GetChaintip(c *fiber.Ctx) error {
	tip := ctrl.Headers.Tip()
	if tip == nil {
		return c.SendStatus(500)
	}
	return c.JSON(tip)
}

// @Summary Get block by height
// @Description Get block header information by block height
// @Tags blocks
// @Produce json
// @Param height path int true "Block height"
// @Success 200 {object} chaintracks.BlockHeader
// @Failure 400 {string} string "Invalid height"
// @Failure 404 {string} string "Block not found"
// @Router /v1/blocks/height/{height} [get]
func (ctrl *BlocksController) GetBlockByHeight(c *fiber.Ctx) error {
	height, err := strconv.ParseUint(c.Params("height"), 10, 32)
	if err != nil {
		return c.SendStatus(400)
	}
	header := ctrl.Headers.BlockHeader(uint32(height))
	if header == nil {
		return c.SendStatus(404)
	}
	if header.Height+5 < ctrl.Headers.Best().Height() {
		c.Set("Cache-Control", "public,max-age=31536000,immutable")
	} else {
		c.Set("Cache-Control", "public,max-age=60")
	}
	return c.JSON(header)
}

// @Summary Get block by hash
// @Description Get block header information by block hash
// @Tags blocks
// @Produce json
// @Param hash path string true "Block hash"
// @Success 200 {object} chaintracks.BlockHeader
// @Failure 400 {string} string "Invalid hash"
// @Failure 404 {string} string "Block not found"
// @Router /v1/blocks/hash/{hash} [get]
func (ctrl *BlocksController) GetBlockByHash(c *fiber.Ctx) error {
	hash, err := chainhash.NewHashFromHex(c.Params("hash"))
	if err != nil {
		return c.SendStatus(400)
	}
	header := ctrl.Headers.BlockHeaderByHash(*hash)
	if header == nil {
		return c.SendStatus(404)
	}
	c.Set("Cache-Control", "public,max-age=31536000,immutable")
	return c.JSON(header)
}

// @Summary List blocks
// @Description List up to 10,000 block headers starting from a given height
// @Tags blocks
// @Produce json
// @Param from path int true "Starting block height"
// @Success 200 {array} chaintracks.BlockHeader
// @Failure 400 {string} string "Invalid height"
// @Router /v1/blocks/list/{from} [get]
func (ctrl *BlocksController) ListBlocks(c *fiber.Ctx) error {
	fromHeight, err := strconv.ParseUint(c.Params("from"), 10, 32)
	if err != nil {
		return c.SendStatus(400)
	}

	tipHeight := ctrl.Headers.Best().Height()
	if uint32(fromHeight) > tipHeight {
		return c.JSON([]*chaintracks.BlockHeader{})
	}
	maxCount := uint32(10000)
	if uint32(fromHeight)+maxCount > tipHeight {
		maxCount = tipHeight - uint32(fromHeight) + 1
	}

	responses := make([]*chaintracks.BlockHeader, 0, maxCount)
	for i := uint32(0); i < maxCount; i++ {
		header := ctrl.Headers.BlockHeader(uint32(fromHeight) + i)
		if header == nil {
			break
		}
		responses = append(responses, header)
	}
	return c.JSON(responses)
}
