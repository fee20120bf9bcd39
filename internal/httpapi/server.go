// Package httpapi exposes the points ledger to its collaborators over HTTP:
// purchase confirmation, feature consumption, the signup flow, and the
// dashboard history view.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pagelift/points/pkg/points"
	"go.uber.org/zap"
)

const (
	errorCodeInsufficientBalance = "insufficient_balance"
	errorCodeUnknownPolicy       = "unknown_policy"
	errorCodeContention          = "contention"
	errorCodeInvalidRequest      = "invalid_request"
	errorCodeStoreUnavailable    = "store_unavailable"
	errorCodeUnauthorized        = "unauthorized"

	adminRole       = "admin"
	roleClaim       = "role"
	bearerPrefix    = "Bearer "
	paymentsSubject = "purchase confirmation"
)

// Run boots the HTTP API using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *points.Service, logger *zap.Logger) error {
	router := NewRouter(cfg, service, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("points api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin router with all ledger routes registered.
func NewRouter(cfg Config, service *points.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{logger: logger, service: service, cfg: cfg}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/policies", handler.handlePolicies)
	api.GET("/accounts/:account_id/balance", handler.handleBalance)
	api.GET("/accounts/:account_id/transactions", handler.handleHistory)
	api.GET("/accounts/:account_id/verify", handler.handleVerify)
	api.POST("/accounts/:account_id/debits", handler.handleDebit)
	api.POST("/accounts/:account_id/credits", handler.handleCredit)
	api.POST("/accounts/:account_id/purchases", handler.handlePurchase)
	api.POST("/accounts/:account_id/signup-bonus", handler.handleSignupBonus)

	admin := router.Group("/api/admin")
	admin.Use(adminAuthMiddleware(cfg.AdminSigningKey))
	admin.POST("/accounts/:account_id/adjustments", handler.handleAdjustment)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *points.Service
	cfg     Config
}

func (handler *httpHandler) handlePolicies(ctx *gin.Context) {
	policies := handler.service.Policies()
	payload := make([]policyPayload, 0, len(policies))
	for _, policy := range policies {
		payload = append(payload, policyPayload{
			Name:        policy.Name,
			Kind:        string(policy.Kind),
			Amount:      policy.Amount,
			Description: policy.Description,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"policies": payload})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, ok := handler.accountIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account_id": accountID.String(), "balance": balance})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	accountID, ok := handler.accountIDParam(ctx)
	if !ok {
		return
	}
	filter, err := historyFilterFromQuery(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.service.History(requestCtx, accountID, filter)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload{
			ID:             transaction.ID,
			Type:           transaction.Type.String(),
			Amount:         transaction.Amount,
			BalanceAfter:   transaction.BalanceAfter,
			Description:    transaction.Description,
			IdempotencyKey: transaction.IdempotencyKey,
			Metadata:       json.RawMessage(transaction.MetadataJSON),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) handleVerify(ctx *gin.Context) {
	accountID, ok := handler.accountIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.service.VerifyHistory(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":      report.Balance,
		"sum":          report.Sum,
		"transactions": report.Transactions,
		"consistent":   report.Consistent,
	})
}

func (handler *httpHandler) handleDebit(ctx *gin.Context) {
	accountID, ok := handler.accountIDParam(ctx)
	if !ok {
		return
	}
	var request policyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "expected JSON body with policy"))
		return
	}
	idempotencyKey, ok := handler.optionalIdempotencyKey(ctx, request.IdempotencyKey)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Debit(requestCtx, accountID, request.Policy, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": result.Balance, "used": result.Used, "duplicate": result.Duplicate})
}

func (handler *httpHandler) handleCredit(ctx *gin.Context) {
	accountID, ok := handler.accountIDParam(ctx)
	if !ok {
		return
	}
	var request policyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "expected JSON body with policy"))
		return
	}
	idempotencyKey, ok := handler.optionalIdempotencyKey(ctx, request.IdempotencyKey)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Credit(requestCtx, accountID, request.Policy, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": result.Balance, "credited": result.Credited, "duplicate": result.Duplicate})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	accountID, ok := handler.accountIDParam(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "expected JSON body"))
		return
	}
	// The payment id is the natural idempotency key: webhook and callback
	// retries must not double-credit.
	idempotencyKey, err := points.NewIdempotencyKey(request.PaymentID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "payment_id is required"))
		return
	}
	metadata, err := points.NewMetadata(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "invalid metadata"))
		return
	}
	description := request.Description
	if description == "" {
		description = fmt.Sprintf("Point purchase (%s)", paymentsSubject)
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.CreditAmount(requestCtx, accountID, request.Amount, description, idempotencyKey, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": result.Balance, "credited": result.Credited, "duplicate": result.Duplicate})
}

func (handler *httpHandler) handleSignupBonus(ctx *gin.Context) {
	accountID, ok := handler.accountIDParam(ctx)
	if !ok {
		return
	}
	var request signupBonusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "expected JSON body"))
		return
	}
	var referredBy *points.AccountID
	if strings.TrimSpace(request.ReferredBy) != "" {
		referrerID, err := points.NewAccountID(request.ReferredBy)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "invalid referred_by"))
			return
		}
		referredBy = &referrerID
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.SignupBonus(requestCtx, accountID, referredBy)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := gin.H{"balance": result.Balance, "referral_credited": result.ReferralCredited}
	if result.ReferralErr != nil {
		handler.logger.Warn("referral credit failed",
			zap.String("account_id", accountID.String()),
			zap.Error(result.ReferralErr))
		payload["referral_error"] = result.ReferralErr.Error()
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	accountID, ok := handler.accountIDParam(ctx)
	if !ok {
		return
	}
	var request adjustmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "expected JSON body"))
		return
	}
	idempotencyKey, ok := handler.optionalIdempotencyKey(ctx, request.IdempotencyKey)
	if !ok {
		return
	}
	metadata, err := points.NewMetadata(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "invalid metadata"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Adjust(requestCtx, accountID, request.Amount, request.Description, idempotencyKey, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": result.Balance, "amount": result.Credited, "duplicate": result.Duplicate})
}

func (handler *httpHandler) accountIDParam(ctx *gin.Context) (points.AccountID, bool) {
	accountID, err := points.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "invalid account id"))
		return points.AccountID{}, false
	}
	return accountID, true
}

func (handler *httpHandler) optionalIdempotencyKey(ctx *gin.Context, raw string) (points.IdempotencyKey, bool) {
	if strings.TrimSpace(raw) == "" {
		return points.IdempotencyKey{}, true
	}
	idempotencyKey, err := points.NewIdempotencyKey(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "invalid idempotency key"))
		return points.IdempotencyKey{}, false
	}
	return idempotencyKey, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var insufficient *points.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":     errorCodeInsufficientBalance,
				"required": insufficient.Required,
				"current":  insufficient.Current,
				"shortage": insufficient.Shortage,
			},
		})
		return
	}
	switch {
	case errors.Is(err, points.ErrUnknownPolicy):
		// Config or programmer error, never user-recoverable.
		handler.logger.Error("unknown policy requested", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeUnknownPolicy, err.Error()))
	case errors.Is(err, points.ErrContention):
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeContention, "balance contention, retry the request"))
	case errors.Is(err, points.ErrInvalidAccountID),
		errors.Is(err, points.ErrInvalidAmount),
		errors.Is(err, points.ErrInvalidTransactionType),
		errors.Is(err, points.ErrInvalidIdempotencyKey),
		errors.Is(err, points.ErrInvalidMetadata),
		errors.Is(err, points.ErrInvalidPolicy),
		errors.Is(err, points.ErrInvalidHistoryFilter):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, err.Error()))
	default:
		handler.logger.Error("ledger operation failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStoreUnavailable, "ledger unavailable"))
	}
}

func adminAuthMiddleware(signingKey string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, bearerPrefix)
		token, err := jwt.Parse(rawToken, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(signingKey), nil
		})
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid token"))
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid claims"))
			return
		}
		role, _ := claims[roleClaim].(string)
		if role != adminRole {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(errorCodeUnauthorized, "admin role required"))
			return
		}
		ctx.Next()
	}
}

func historyFilterFromQuery(ctx *gin.Context) (points.HistoryFilter, error) {
	filter := points.HistoryFilter{}
	if rawType := ctx.Query("type"); rawType != "" {
		transactionType, err := points.ParseTransactionType(rawType)
		if err != nil {
			return points.HistoryFilter{}, err
		}
		filter.Type = &transactionType
	}
	var err error
	if filter.FromUnixUTC, err = unixQuery(ctx, "from"); err != nil {
		return points.HistoryFilter{}, err
	}
	if filter.ToUnixUTC, err = unixQuery(ctx, "to"); err != nil {
		return points.HistoryFilter{}, err
	}
	if filter.BeforeUnixUTC, err = unixQuery(ctx, "before"); err != nil {
		return points.HistoryFilter{}, err
	}
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		limit, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil {
			return points.HistoryFilter{}, fmt.Errorf("invalid limit %q", rawLimit)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func unixQuery(ctx *gin.Context, name string) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s timestamp %q", name, raw)
	}
	return value, nil
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type policyRequest struct {
	Policy         string `json:"policy"`
	IdempotencyKey string `json:"idempotency_key"`
}

type purchaseRequest struct {
	Amount      int64          `json:"amount"`
	Description string         `json:"description"`
	PaymentID   string         `json:"payment_id"`
	Metadata    map[string]any `json:"metadata"`
}

type signupBonusRequest struct {
	ReferredBy string `json:"referred_by"`
}

type adjustmentRequest struct {
	Amount         int64          `json:"amount"`
	Description    string         `json:"description"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type policyPayload struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type transactionPayload struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
