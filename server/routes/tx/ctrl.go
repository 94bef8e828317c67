package tx

import (
	"errors"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/gofiber/fiber/v2"

	"github.com/shruggr/spv-verifier/gateway"
	"github.com/shruggr/spv-verifier/headers"
	"github.com/shruggr/spv-verifier/spv"
	"github.com/shruggr/spv-verifier/wallet"
)

// TxController handles tx verification state routes
type TxController struct {
	Wallet  *wallet.Store
	Gateway *gateway.Client
	Headers *headers.Store
}

// NewTxController creates a new TxController with the given dependencies
func NewTxController(w *wallet.Store, gw *gateway.Client, store *headers.Store) *TxController {
	return &TxController{
		Wallet:  w,
		Gateway: gw,
		Headers: store,
	}
}

// RegisterRoutes registers all tx routes
func (ctrl *TxController) RegisterRoutes(r fiber.Router) {
	r.Get("/unverified", ctrl.ListUnverified)
	r.Get("/:txid", ctrl.GetTxStatus)
	r.Post("/:txid", ctrl.WatchTx)
	r.Delete("/:txid", ctrl.ForgetTx)
	r.Get("/:txid/proof", ctrl.GetProof)
}

// StatusResponse reports a tx's verification state.
type StatusResponse struct {
	Txid       string `json:"txid"`
	Status     string `json:"status"` // verified, pending, unknown
	Height     int32  `json:"height,omitempty"`
	Timestamp  uint32 `json:"time,omitempty"`
	Pos        uint64 `json:"idx,omitempty"`
	HeaderHash string `json:"headerHash,omitempty"`
}

// @Summary List unverified txs
// @Description List every tx awaiting verification with its claimed height
// @Tags tx
// @Produce json
// @Success 200 {object} map[string]int32
// @Router /v1/tx/unverified [get]
func (ctrl *TxController) ListUnverified(c *fiber.Ctx) error {
	txs, err := ctrl.Wallet.UnverifiedTxs(c.Context())
	if err != nil {
		return err
	}
	out := make(map[string]int32, len(txs))
	for txid, height := range txs {
		out[txid.String()] = height
	}
	return c.JSON(out)
}

// @Summary Get tx verification status
// @Description Get a tx's verification state and mined context
// @Tags tx
// @Produce json
// @Param txid path string true "Transaction ID"
// @Success 200 {object} StatusResponse
// @Failure 400 {string} string "Invalid txid"
// @Router /v1/tx/{txid} [get]
func (ctrl *TxController) GetTxStatus(c *fiber.Ctx) error {
	txid, err := chainhash.NewHashFromHex(c.Params("txid"))
	if err != nil {
		return c.SendStatus(400)
	}
	resp := &StatusResponse{Txid: txid.String(), Status: "unknown"}
	if info, err := ctrl.Wallet.TxInfo(c.Context(), *txid); err != nil {
		return err
	} else if info != nil {
		resp.Status = "verified"
		resp.Height = int32(info.Height)
		resp.Timestamp = info.Timestamp
		resp.Pos = info.Pos
		resp.HeaderHash = info.HeaderHash.String()
		return c.JSON(resp)
	}
	if height, ok, err := ctrl.Wallet.UnverifiedHeight(c.Context(), *txid); err != nil {
		return err
	} else if ok {
		resp.Status = "pending"
		resp.Height = height
	}
	return c.JSON(resp)
}

// @Summary Watch a tx
// @Description Queue a tx for verification at its claimed height
// @Tags tx
// @Param txid path string true "Transaction ID"
// @Param height query int false "Claimed block height, 0 for mempool"
// @Success 202 {string} string "Accepted"
// @Failure 400 {string} string "Invalid txid"
// @Router /v1/tx/{txid} [post]
func (ctrl *TxController) WatchTx(c *fiber.Ctx) error {
	txid, err := chainhash.NewHashFromHex(c.Params("txid"))
	if err != nil {
		return c.SendStatus(400)
	}
	height := c.QueryInt("height", 0)
	if err := ctrl.Wallet.AddUnverifiedTx(c.Context(), *txid, int32(height)); err != nil {
		return err
	}
	return c.SendStatus(202)
}

// @Summary Forget a tx
// @Description Drop a tx's verification state entirely
// @Tags tx
// @Param txid path string true "Transaction ID"
// @Success 204 {string} string "No Content"
// @Failure 400 {string} string "Invalid txid"
// @Router /v1/tx/{txid} [delete]
func (ctrl *TxController) ForgetTx(c *fiber.Ctx) error {
	txid, err := chainhash.NewHashFromHex(c.Params("txid"))
	if err != nil {
		return c.SendStatus(400)
	}
	if err := ctrl.Wallet.RemoveTx(c.Context(), *txid); err != nil {
		return err
	}
	return c.SendStatus(204)
}

// @Summary Get tx proof
// @Description Get the merkle proof of a verified tx
// @Tags tx
// @Produce json
// @Param txid path string true "Transaction ID"
// @Success 200 {object} spv.MerkleProof
// @Failure 400 {string} string "Invalid txid"
// @Failure 404 {string} string "Tx not verified"
// @Router /v1/tx/{txid}/proof [get]
func (ctrl *TxController) GetProof(c *fiber.Ctx) error {
	txid, err := chainhash.NewHashFromHex(c.Params("txid"))
	if err != nil {
		return c.SendStatus(400)
	}
	info, err := ctrl.Wallet.TxInfo(c.Context(), *txid)
	if err != nil {
		return err
	}
	if info == nil {
		return c.SendStatus(404)
	}
	proof, err := ctrl.Gateway.MerkleProof(c.Context(), *txid, info.Height)
	if err != nil {
		if errors.Is(err, spv.ErrNotFoundAtHeight) {
			return c.SendStatus(404)
		}
		return err
	}
	if proof.BlockHeight+5 < ctrl.Headers.Best().Height() {
		c.Set("Cache-Control", "public,max-age=31536000,immutable")
	} else {
		c.Set("Cache-Control", "public,max-age=60")
	}
	return c.JSON(proof)
}
