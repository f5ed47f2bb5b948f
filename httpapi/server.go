// Package httpapi exposes the settlement service over HTTP.
package httpapi

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/openmint/settlement"
	"github.com/openmint/settlement/auction"
	"github.com/openmint/settlement/payout"
	"github.com/openmint/settlement/voucher"
)

// Server wraps the settlement service with a gin HTTP surface.
type Server struct {
	service *settlement.Service
	log     logrus.FieldLogger
	engine  *gin.Engine
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger replaces the default logrus standard logger.
func WithLogger(log logrus.FieldLogger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// NewServer builds the HTTP surface over a settlement service.
func NewServer(service *settlement.Service, opts ...ServerOption) *Server {
	s := &Server{
		service: service,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.POST("/vouchers/redeem", s.handleRedeem)
	engine.POST("/vouchers/void", s.handleVoid)

	engine.POST("/auctions", s.handleCreateAuction)
	engine.GET("/auctions/:id", s.handleGetAuction)
	engine.POST("/auctions/:id/bids", s.handleBid)
	engine.PATCH("/auctions/:id", s.handleUpdateAuction)
	engine.DELETE("/auctions/:id", s.handleCancelAuction)
	engine.POST("/auctions/:id/finalize", s.handleFinalizeAuction)
	engine.POST("/auctions/finalize", s.handleFinalizeBatch)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.log.WithField("addr", addr).Info("settlement api listening")
	return s.engine.Run(addr)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("request")
	}
}

// voucherBody is the wire shape of a voucher. Amounts travel as decimal
// strings so they survive JSON number precision.
type voucherBody struct {
	Kind                 string   `json:"kind" binding:"required"`
	Price                string   `json:"price" binding:"required"`
	Expiry               uint64   `json:"expiry"`
	TokenID              string   `json:"tokenId" binding:"required"`
	Quantity             uint64   `json:"quantity"`
	Salt                 string   `json:"salt" binding:"required"`
	Buyer                string   `json:"buyer"`
	ContractSigner       string   `json:"contractSigner"`
	RoyaltyRecipient     string   `json:"royaltyRecipient"`
	RoyaltyBps           uint64   `json:"royaltyBps"`
	CommissionBps        []uint64 `json:"commissionBps"`
	CommissionRecipients []string `json:"commissionRecipients"`
}

func (b *voucherBody) toVoucher() (*voucher.Voucher, error) {
	price, err := parseBig(b.Price)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	tokenID, err := parseBig(b.TokenID)
	if err != nil {
		return nil, fmt.Errorf("tokenId: %w", err)
	}
	salt, err := parseBig(b.Salt)
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}

	quantity := b.Quantity
	if quantity == 0 {
		quantity = 1
	}
	recipients := make([]common.Address, len(b.CommissionRecipients))
	for i, r := range b.CommissionRecipients {
		recipients[i] = common.HexToAddress(r)
	}

	return &voucher.Voucher{
		Kind:                 voucher.Kind(b.Kind),
		Price:                price,
		Expiry:               b.Expiry,
		TokenID:              tokenID,
		Quantity:             quantity,
		Salt:                 salt,
		Buyer:                common.HexToAddress(b.Buyer),
		ContractSigner:       common.HexToAddress(b.ContractSigner),
		RoyaltyRecipient:     common.HexToAddress(b.RoyaltyRecipient),
		RoyaltyBps:           b.RoyaltyBps,
		CommissionBps:        b.CommissionBps,
		CommissionRecipients: recipients,
	}, nil
}

type redeemBody struct {
	Voucher   voucherBody `json:"voucher" binding:"required"`
	Signer    string      `json:"signer" binding:"required"`
	Signature string      `json:"signature" binding:"required"`
	Buyer     string      `json:"buyer" binding:"required"`
	Payment   string      `json:"payment" binding:"required"`
}

func (s *Server) handleRedeem(c *gin.Context) {
	var body redeemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeInvalidVoucher, err.Error(), nil))
		return
	}

	v, err := body.Voucher.toVoucher()
	if err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeInvalidVoucher, err.Error(), nil))
		return
	}
	signature, err := parseHexBytes(body.Signature)
	if err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeSignatureInvalid, err.Error(), nil))
		return
	}
	payment, err := parseBig(body.Payment)
	if err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeUnderpayment, err.Error(), nil))
		return
	}

	req := settlement.RedeemRequest{
		Voucher:   v,
		Signer:    common.HexToAddress(body.Signer),
		Signature: signature,
		Buyer:     common.HexToAddress(body.Buyer),
		Payment:   payment,
	}

	var result *settlement.RedeemResult
	if v.Kind == voucher.KindMint {
		result, err = s.service.RedeemMint(c.Request.Context(), req)
	} else {
		result, err = s.service.RedeemSale(c.Request.Context(), req)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settlementId": result.ID,
		"digest":       fmt.Sprintf("%#x", result.Digest),
		"tokenId":      result.TokenID.String(),
		"receipt":      receiptBody(result.Receipt),
	})
}

type voidBody struct {
	Caller   string        `json:"caller" binding:"required"`
	Signer   string        `json:"signer" binding:"required"`
	Vouchers []voucherBody `json:"vouchers" binding:"required"`
}

func (s *Server) handleVoid(c *gin.Context) {
	var body voidBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeInvalidVoucher, err.Error(), nil))
		return
	}

	vouchers := make([]*voucher.Voucher, 0, len(body.Vouchers))
	for _, vb := range body.Vouchers {
		v, err := vb.toVoucher()
		if err != nil {
			s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeInvalidVoucher, err.Error(), nil))
			return
		}
		vouchers = append(vouchers, v)
	}

	digests, err := s.service.VoidVouchers(
		c.Request.Context(),
		common.HexToAddress(body.Caller),
		common.HexToAddress(body.Signer),
		vouchers,
	)
	if err != nil {
		s.writeError(c, err)
		return
	}

	hexDigests := make([]string, len(digests))
	for i, d := range digests {
		hexDigests[i] = fmt.Sprintf("%#x", d)
	}
	c.JSON(http.StatusOK, gin.H{"voided": hexDigests})
}

type createAuctionBody struct {
	Operator             string   `json:"operator" binding:"required"`
	Seller               string   `json:"seller"`
	Asset                string   `json:"asset" binding:"required"`
	TokenID              string   `json:"tokenId" binding:"required"`
	Quantity             uint64   `json:"quantity"`
	Reserve              string   `json:"reserve" binding:"required"`
	PrimarySale          bool     `json:"primarySale"`
	CommissionBps        []uint64 `json:"commissionBps"`
	CommissionRecipients []string `json:"commissionRecipients"`
}

func (s *Server) handleCreateAuction(c *gin.Context) {
	var body createAuctionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeAuctionState, err.Error(), nil))
		return
	}
	tokenID, err := parseBig(body.TokenID)
	if err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeAuctionState, "tokenId: "+err.Error(), nil))
		return
	}
	reserve, err := parseBig(body.Reserve)
	if err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeAuctionState, "reserve: "+err.Error(), nil))
		return
	}
	recipients := make([]common.Address, len(body.CommissionRecipients))
	for i, r := range body.CommissionRecipients {
		recipients[i] = common.HexToAddress(r)
	}

	a, err := s.service.CreateAuction(c.Request.Context(), auction.CreateRequest{
		Operator:             common.HexToAddress(body.Operator),
		Seller:               common.HexToAddress(body.Seller),
		Asset:                common.HexToAddress(body.Asset),
		TokenID:              tokenID,
		Quantity:             body.Quantity,
		Reserve:              reserve,
		PrimarySale:          body.PrimarySale,
		CommissionBps:        body.CommissionBps,
		CommissionRecipients: recipients,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, auctionBody(a))
}

func (s *Server) handleGetAuction(c *gin.Context) {
	id, err := parseAuctionID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	a, err := s.service.GetAuction(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, auctionBody(a))
}

type bidBody struct {
	Bidder string `json:"bidder" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) handleBid(c *gin.Context) {
	id, err := parseAuctionID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var body bidBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeAuctionState, err.Error(), nil))
		return
	}
	amount, err := parseBig(body.Amount)
	if err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeAuctionState, "amount: "+err.Error(), nil))
		return
	}

	a, err := s.service.PlaceBid(c.Request.Context(), id, common.HexToAddress(body.Bidder), amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, auctionBody(a))
}

type updateAuctionBody struct {
	Operator             string   `json:"operator" binding:"required"`
	Reserve              *string  `json:"reserve"`
	CommissionBps        []uint64 `json:"commissionBps"`
	CommissionRecipients []string `json:"commissionRecipients"`
}

func (s *Server) handleUpdateAuction(c *gin.Context) {
	id, err := parseAuctionID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var body updateAuctionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeAuctionState, err.Error(), nil))
		return
	}

	var reserve *big.Int
	if body.Reserve != nil {
		reserve, err = parseBig(*body.Reserve)
		if err != nil {
			s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeAuctionState, "reserve: "+err.Error(), nil))
			return
		}
	}
	var recipients []common.Address
	if body.CommissionRecipients != nil {
		recipients = make([]common.Address, len(body.CommissionRecipients))
		for i, r := range body.CommissionRecipients {
			recipients[i] = common.HexToAddress(r)
		}
	}

	a, err := s.service.UpdateAuction(c.Request.Context(), id,
		common.HexToAddress(body.Operator), reserve, body.CommissionBps, recipients)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, auctionBody(a))
}

func (s *Server) handleCancelAuction(c *gin.Context) {
	id, err := parseAuctionID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	operator := c.Query("operator")
	if operator == "" {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeNotAuthorized, "operator query parameter is required", nil))
		return
	}
	if err := s.service.CancelAuction(c.Request.Context(), id, common.HexToAddress(operator)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleFinalizeAuction(c *gin.Context) {
	id, err := parseAuctionID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	result, err := s.service.FinalizeAuction(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auction": auctionBody(result.Auction),
		"receipt": receiptBody(result.Receipt),
	})
}

type finalizeBatchBody struct {
	IDs []uint64 `json:"ids" binding:"required"`
}

func (s *Server) handleFinalizeBatch(c *gin.Context) {
	var body finalizeBatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, settlement.NewSettlementError(settlement.ErrCodeAuctionState, err.Error(), nil))
		return
	}
	results, err := s.service.FinalizeAuctions(c.Request.Context(), body.IDs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]gin.H, len(results))
	for i, result := range results {
		out[i] = gin.H{
			"auction": auctionBody(result.Auction),
			"receipt": receiptBody(result.Receipt),
		}
	}
	c.JSON(http.StatusOK, gin.H{"finalized": out})
}

// writeError maps settlement and auction errors onto HTTP statuses with a
// JSON envelope carrying the machine-readable code.
func (s *Server) writeError(c *gin.Context, err error) {
	var serr *settlement.SettlementError
	if errors.As(err, &serr) {
		c.JSON(statusForCode(serr.Code), gin.H{"error": gin.H{
			"code":    serr.Code,
			"message": serr.Message,
		}})
		return
	}

	status := http.StatusInternalServerError
	code := settlement.ErrCodeSettlementFailed
	switch {
	case errors.Is(err, auction.ErrNotFound):
		status, code = http.StatusNotFound, settlement.ErrCodeAuctionState
	case errors.Is(err, auction.ErrNotOperator):
		status, code = http.StatusForbidden, settlement.ErrCodeNotAuthorized
	case errors.Is(err, auction.ErrStarted),
		errors.Is(err, auction.ErrNotStarted),
		errors.Is(err, auction.ErrRunning),
		errors.Is(err, auction.ErrEnded):
		status, code = http.StatusConflict, settlement.ErrCodeAuctionState
	case errors.Is(err, auction.ErrBelowReserve),
		errors.Is(err, auction.ErrRaiseTooSmall):
		status, code = http.StatusUnprocessableEntity, settlement.ErrCodeAuctionState
	}
	c.JSON(status, gin.H{"error": gin.H{
		"code":    code,
		"message": err.Error(),
	}})
}

func statusForCode(code string) int {
	switch code {
	case settlement.ErrCodeInvalidVoucher:
		return http.StatusBadRequest
	case settlement.ErrCodeSignatureInvalid:
		return http.StatusUnauthorized
	case settlement.ErrCodeNotAuthorized:
		return http.StatusForbidden
	case settlement.ErrCodeUnderpayment:
		return http.StatusPaymentRequired
	case settlement.ErrCodeVoucherVoided, settlement.ErrCodeAuctionState:
		return http.StatusConflict
	case settlement.ErrCodeVoucherExpired:
		return http.StatusGone
	case settlement.ErrCodeRoyaltyLookup, settlement.ErrCodeSettlementFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func auctionBody(a *auction.Auction) gin.H {
	body := gin.H{
		"id":       a.ID,
		"operator": a.Operator.Hex(),
		"seller":   a.Seller.Hex(),
		"asset":    a.Asset.Hex(),
		"tokenId":  a.TokenID.String(),
		"quantity": a.Quantity,
		"price":    a.Price.String(),
		"started":  a.Started(),
	}
	if a.Started() {
		body["highestBidder"] = a.HighestBidder.Hex()
		body["endTime"] = a.EndTime
	}
	return body
}

func receiptBody(r *payout.Receipt) gin.H {
	payments := func(role string, entries []payout.Payment) []gin.H {
		out := make([]gin.H, 0, len(entries))
		for _, p := range entries {
			out = append(out, gin.H{
				"role":      role,
				"recipient": p.Recipient.Hex(),
				"amount":    p.Amount.String(),
			})
		}
		return out
	}

	body := gin.H{
		"fee":            gin.H{"recipient": r.Fee.Recipient.Hex(), "amount": r.Fee.Amount.String()},
		"sellerProceeds": gin.H{"recipient": r.SellerProceeds.Recipient.Hex(), "amount": r.SellerProceeds.Amount.String()},
	}
	if len(r.Royalties) > 0 {
		body["royalties"] = payments("royalty", r.Royalties)
	}
	if len(r.Commissions) > 0 {
		body["commissions"] = payments("commission", r.Commissions)
	}
	return body
}

func parseAuctionID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, settlement.NewSettlementError(settlement.ErrCodeAuctionState, "invalid auction id", nil)
	}
	return id, nil
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal integer %q", s)
	}
	return v, nil
}

func parseHexBytes(s string) ([]byte, error) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return decoded, nil
}
