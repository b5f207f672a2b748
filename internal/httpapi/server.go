// Package httpapi exposes the loyalty core over HTTP for outlet tablets and
// the member-facing app. Every route except /healthz sits behind the tauth
// session middleware; the authenticated session identifies the staff member
// or member driving the request.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/loyalty/pkg/qrtoken"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Server wires the loyalty service and token codec into a gin router.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	service *loyalty.Service
	codec   *qrtoken.Codec
	router  *gin.Engine
}

// New builds a Server ready to run. The configuration is validated and
// defaulted in place.
func New(cfg Config, service *loyalty.Service, codec *qrtoken.Codec, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, fmt.Errorf("loyalty service is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	server := &Server{
		cfg:     cfg,
		logger:  logger,
		service: service,
		codec:   codec,
	}
	server.router = server.setupRouter(validator)
	return server, nil
}

// Handler returns the underlying router for tests and embedding.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is done, then drains with a short grace period.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("loyalty api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter(validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/scan", server.handleScan)
	api.POST("/earn", server.handleEarn)
	api.POST("/adjustments", server.handleAdjust)
	api.POST("/redemptions", server.handleRedeemDirect)
	api.POST("/vouchers", server.handleIssueVoucher)
	api.POST("/referrals", server.handleApplyReferral)
	api.POST("/referrals/complete", server.handleCompleteReferral)
	api.GET("/accounts/:id/balance", server.handleBalance)
	api.GET("/accounts/:id/entries", server.handleEntries)
	api.POST("/tokens/identity", server.handleIdentityToken)
	api.POST("/tokens/voucher", server.handleVoucherToken)

	return router
}

type scanRequest struct {
	Token       string `json:"token"`
	AmountCents int64  `json:"amount_cents"`
	Outlet      string `json:"outlet"`
}

type earnRequest struct {
	AccountID   string `json:"account_id"`
	AmountCents int64  `json:"amount_cents"`
	Outlet      string `json:"outlet"`
}

type adjustRequest struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
}

type redeemRequest struct {
	AccountID    string `json:"account_id"`
	DefinitionID string `json:"definition_id"`
	Outlet       string `json:"outlet"`
}

type issueVoucherRequest struct {
	AccountID        string `json:"account_id"`
	DefinitionID     string `json:"definition_id"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
}

type applyReferralRequest struct {
	RefereeID string `json:"referee_id"`
	Code      string `json:"code"`
}

type completeReferralRequest struct {
	RefereeID string `json:"referee_id"`
}

type identityTokenRequest struct {
	AccountID string `json:"account_id"`
	Dynamic   bool   `json:"dynamic"`
}

type voucherTokenRequest struct {
	AccountID        string `json:"account_id"`
	DefinitionID     string `json:"definition_id"`
	InstanceID       string `json:"instance_id"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
	TTLSeconds       int64  `json:"ttl_seconds"`
}

type balancePayload struct {
	AccountID       string `json:"account_id"`
	Points          int64  `json:"points"`
	TotalSpendCents int64  `json:"total_spend_cents"`
	PurchaseCount   int64  `json:"purchase_count"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Kind           string `json:"kind"`
	PointsDelta    int64  `json:"points_delta"`
	AmountCents    int64  `json:"amount_cents"`
	DefinitionID   string `json:"definition_id,omitempty"`
	InstanceID     string `json:"instance_id,omitempty"`
	Outlet         string `json:"outlet,omitempty"`
	StaffID        string `json:"staff_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type scanPayload struct {
	Kind         string `json:"kind"`
	AccountID    string `json:"account_id"`
	PointsEarned int64  `json:"points_earned,omitempty"`
	NewBalance   int64  `json:"new_balance,omitempty"`
	InstanceID   string `json:"instance_id,omitempty"`
	CashValue    int64  `json:"cash_value,omitempty"`
	DefinitionID string `json:"definition_id,omitempty"`
}

type referralPayload struct {
	ReferralID       string `json:"referral_id"`
	ReferrerID       string `json:"referrer_id"`
	RefereeID        string `json:"referee_id"`
	Status           string `json:"status"`
	PointsAwarded    int64  `json:"points_awarded"`
	CompletedUnixUTC int64  `json:"completed_unix_utc,omitempty"`
}

func (server *Server) handleScan(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request scanRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	outlet, err := loyalty.NewOutletID(request.Outlet)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	staffID, err := loyalty.NewStaffID(claims.GetUserID())
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	result, err := server.service.Scan(requestCtx, request.Token, request.AmountCents, outlet, staffID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, scanPayload{
		Kind:         result.Kind,
		AccountID:    result.AccountID,
		PointsEarned: result.PointsEarned,
		NewBalance:   result.NewBalance,
		InstanceID:   result.InstanceID,
		CashValue:    result.CashValue,
		DefinitionID: result.DefinitionID,
	})
}

func (server *Server) handleEarn(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request earnRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := loyalty.NewAccountID(request.AccountID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	amount, err := loyalty.NewAmountCents(request.AmountCents)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	outlet, err := loyalty.NewOutletID(request.Outlet)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	staffID, err := loyalty.NewStaffID(claims.GetUserID())
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	balance, err := server.service.Earn(requestCtx, accountID, amount, outlet, staffID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": toBalancePayload(balance)})
}

func (server *Server) handleAdjust(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := loyalty.NewAccountID(request.AccountID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	actorID, err := loyalty.NewStaffID(claims.GetUserID())
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	balance, err := server.service.Adjust(requestCtx, accountID, loyalty.Points(request.Delta), request.Reason, actorID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": toBalancePayload(balance)})
}

func (server *Server) handleRedeemDirect(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := loyalty.NewAccountID(request.AccountID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	definitionID, err := loyalty.NewDefinitionID(request.DefinitionID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	outlet, err := loyalty.NewOutletID(request.Outlet)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	staffID, err := loyalty.NewStaffID(claims.GetUserID())
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	balance, err := server.service.RedeemDirect(requestCtx, accountID, definitionID, outlet, staffID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": toBalancePayload(balance)})
}

func (server *Server) handleIssueVoucher(ctx *gin.Context) {
	var request issueVoucherRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := loyalty.NewAccountID(request.AccountID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	definitionID, err := loyalty.NewDefinitionID(request.DefinitionID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	instance, err := server.service.IssueVoucher(requestCtx, accountID, definitionID, request.ExpiresAtUnixUTC)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"instance_id":         instance.InstanceID,
		"account_id":          instance.AccountID,
		"definition_id":       instance.DefinitionID,
		"status":              instance.Status.String(),
		"expires_at_unix_utc": instance.ExpiresAtUnixUTC,
	})
}

func (server *Server) handleApplyReferral(ctx *gin.Context) {
	var request applyReferralRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	refereeID, err := loyalty.NewAccountID(request.RefereeID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	code, err := loyalty.NewCode(request.Code)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	referral, err := server.service.ApplyReferralCode(requestCtx, refereeID, code)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"referral": toReferralPayload(referral)})
}

func (server *Server) handleCompleteReferral(ctx *gin.Context) {
	var request completeReferralRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	refereeID, err := loyalty.NewAccountID(request.RefereeID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	referral, err := server.service.CompleteReferral(requestCtx, refereeID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"referral": toReferralPayload(referral)})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, err := loyalty.NewAccountID(ctx.Param("id"))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	balance, err := server.service.Balance(requestCtx, accountID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": toBalancePayload(balance)})
}

func (server *Server) handleEntries(ctx *gin.Context) {
	accountID, err := loyalty.NewAccountID(ctx.Param("id"))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	before := time.Now().UTC().Add(time.Second).Unix()
	if raw := ctx.Query("before"); raw != "" {
		parsed, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "before must be a unix timestamp"))
			return
		}
		before = parsed
	}
	limit := defaultEntriesLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed <= 0 || parsed > maxEntriesLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", fmt.Sprintf("limit must be in [1,%d]", maxEntriesLimit)))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	entries, err := server.service.ListEntries(requestCtx, accountID, before, limit)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:        entry.EntryID,
			Kind:           entry.Kind.String(),
			PointsDelta:    entry.PointsDelta,
			AmountCents:    entry.AmountCents,
			DefinitionID:   entry.DefinitionID,
			InstanceID:     entry.InstanceID,
			Outlet:         entry.Outlet,
			StaffID:        entry.StaffID,
			Reason:         entry.Reason,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (server *Server) handleIdentityToken(ctx *gin.Context) {
	var request identityTokenRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if _, err := loyalty.NewAccountID(request.AccountID); err != nil {
		server.writeError(ctx, err)
		return
	}
	ttl := time.Duration(0)
	if request.Dynamic {
		ttl = qrtoken.DynamicIdentityTTL
	}
	token, err := server.codec.Encode(qrtoken.Claim{
		Kind:      qrtoken.ClaimIdentity,
		AccountID: request.AccountID,
	}, ttl)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"token": token, "ttl_seconds": int64(ttl / time.Second)})
}

func (server *Server) handleVoucherToken(ctx *gin.Context) {
	var request voucherTokenRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if _, err := loyalty.NewAccountID(request.AccountID); err != nil {
		server.writeError(ctx, err)
		return
	}
	if _, err := loyalty.NewDefinitionID(request.DefinitionID); err != nil {
		server.writeError(ctx, err)
		return
	}
	if _, err := loyalty.NewInstanceID(request.InstanceID); err != nil {
		server.writeError(ctx, err)
		return
	}
	ttl := time.Duration(0)
	if request.TTLSeconds > 0 {
		ttl = time.Duration(request.TTLSeconds) * time.Second
	}
	token, err := server.codec.Encode(qrtoken.Claim{
		Kind:                    qrtoken.ClaimVoucher,
		AccountID:               request.AccountID,
		DefinitionID:            request.DefinitionID,
		InstanceID:              request.InstanceID,
		VoucherExpiresAtUnixUTC: request.ExpiresAtUnixUTC,
	}, ttl)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"token": token})
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

// writeError translates a service error into the stable wire taxonomy.
// Raw driver and token internals never reach the response body.
func (server *Server) writeError(ctx *gin.Context, err error) {
	class := loyalty.Classify(err)
	status := statusForClass(class)
	if status >= http.StatusInternalServerError {
		server.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(codeForError(err, class), messageForClass(class)))
}

func statusForClass(class loyalty.Class) int {
	switch class {
	case loyalty.ClassValidation:
		return http.StatusBadRequest
	case loyalty.ClassTokenInvalid:
		return http.StatusUnauthorized
	case loyalty.ClassTokenExpired:
		return http.StatusGone
	case loyalty.ClassNotFound:
		return http.StatusNotFound
	case loyalty.ClassConflict:
		return http.StatusConflict
	case loyalty.ClassInsufficientBalance:
		return http.StatusUnprocessableEntity
	case loyalty.ClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeForError(err error, class loyalty.Class) string {
	switch {
	case errors.Is(err, qrtoken.ErrTokenExpired):
		return "qr_expired"
	case errors.Is(err, qrtoken.ErrTokenInvalid):
		return "qr_invalid"
	case errors.Is(err, loyalty.ErrVoucherAlreadyUsed):
		return "voucher_already_used"
	case errors.Is(err, loyalty.ErrVoucherExpired):
		return "voucher_expired"
	case errors.Is(err, loyalty.ErrReferralExists):
		return "referral_exists"
	case errors.Is(err, loyalty.ErrReferralCapReached):
		return "referral_cap_reached"
	case errors.Is(err, loyalty.ErrReferralClosed):
		return "referral_closed"
	case errors.Is(err, loyalty.ErrInsufficientBalance):
		return "insufficient_points"
	}
	switch class {
	case loyalty.ClassValidation:
		return "invalid_request"
	case loyalty.ClassNotFound:
		return "not_found"
	case loyalty.ClassConflict:
		return "conflict"
	case loyalty.ClassTransient:
		return "try_again"
	default:
		return "internal_error"
	}
}

func messageForClass(class loyalty.Class) string {
	switch class {
	case loyalty.ClassValidation:
		return "request rejected"
	case loyalty.ClassTokenInvalid:
		return "token rejected"
	case loyalty.ClassTokenExpired:
		return "token expired"
	case loyalty.ClassNotFound:
		return "resource not found"
	case loyalty.ClassConflict:
		return "state conflict"
	case loyalty.ClassInsufficientBalance:
		return "insufficient points"
	case loyalty.ClassTransient:
		return "temporarily unavailable"
	default:
		return "internal error"
	}
}

func toBalancePayload(balance loyalty.Balance) balancePayload {
	return balancePayload{
		AccountID:       balance.AccountID,
		Points:          balance.Points,
		TotalSpendCents: balance.TotalSpendCents,
		PurchaseCount:   balance.PurchaseCount,
	}
}

func toReferralPayload(referral loyalty.Referral) referralPayload {
	return referralPayload{
		ReferralID:       referral.ReferralID,
		ReferrerID:       referral.ReferrerID,
		RefereeID:        referral.RefereeID,
		Status:           referral.Status.String(),
		PointsAwarded:    referral.PointsAwarded,
		CompletedUnixUTC: referral.CompletedUnixUTC,
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
