package walletapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	billingEventFundsReceived       = "funds_received"
	billingEventSubscriptionRenewed = "subscription_renewed"
	creditSourceBilling             = "billing"
	authorizationHeader             = "Authorization"
	bearerPrefix                    = "Bearer "
)

// Dependencies carries the wired domain components the façade serves.
type Dependencies struct {
	Service  *wallet.Service
	Plans    wallet.PlanCatalog
	Products wallet.ProductCatalog
	Logger   *zap.Logger
	Registry *prometheus.Registry
}

// Run boots the HTTP façade using the supplied configuration.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if deps.Service == nil {
		return fmt.Errorf("wallet service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	seenEvents, err := lru.New[string, struct{}](cfg.WebhookCacheSize)
	if err != nil {
		return fmt.Errorf("webhook cache init: %w", err)
	}

	handler := &httpHandler{
		logger:     logger,
		service:    deps.Service,
		plans:      deps.Plans,
		products:   deps.Products,
		seenEvents: seenEvents,
		cfg:        cfg,
	}

	router := setupRouter(cfg, handler, deps.Registry)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("walletapi listening", zap.String("addr", cfg.ListenAddr))
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

func setupRouter(cfg Config, handler *httpHandler, registry *prometheus.Registry) *gin.Engine {
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

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	} else {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	api.Use(serviceTokenAuth(cfg))

	api.POST("/accounts/:account_id/charges", handler.handleCharge)
	api.POST("/accounts/:account_id/credits", handler.handleAddCredits)
	api.GET("/accounts/:account_id/balance", handler.handleBalance)
	api.GET("/accounts/:account_id/allowance", handler.handleAllowance)
	api.POST("/admin/flush", handler.handleFlush)
	api.POST("/webhooks/billing", handler.handleBillingWebhook)

	return router
}

// serviceTokenAuth validates the HS256 bearer token internal callers present.
func serviceTokenAuth(cfg Config) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader(authorizationHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, bearerPrefix)
		parsed, err := jwt.Parse(rawToken, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(cfg.TokenSigningKey), nil
		})
		if err != nil || !parsed.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid service token"))
			return
		}
		issuer, err := parsed.Claims.GetIssuer()
		if err != nil || issuer != cfg.TokenIssuer {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "unexpected token issuer"))
			return
		}
		ctx.Next()
	}
}

type httpHandler struct {
	logger     *zap.Logger
	service    *wallet.Service
	plans      wallet.PlanCatalog
	products   wallet.ProductCatalog
	seenEvents *lru.Cache[string, struct{}]
	cfg        Config
}

func (handler *httpHandler) handleCharge(ctx *gin.Context) {
	accountID, ok := handler.bindAccountID(ctx)
	if !ok {
		return
	}
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	cost, err := wallet.NewCreditAmount(request.Cost)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "cost must be greater than zero"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	receipt, err := handler.service.ChargeCredits(requestCtx, accountID, cost)
	if err != nil {
		handler.respondError(ctx, "charge", err)
		return
	}
	ctx.JSON(http.StatusOK, chargeResponse{
		Source:             string(receipt.Source),
		Cost:               receipt.Cost,
		FromAllowance:      receipt.FromAllowance,
		FromWallet:         receipt.FromWallet,
		AllowanceRemaining: receipt.AllowanceRemaining,
		WalletRemaining:    receipt.WalletRemaining,
	})
}

func (handler *httpHandler) handleAddCredits(ctx *gin.Context) {
	accountID, ok := handler.bindAccountID(ctx)
	if !ok {
		return
	}
	var request creditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be greater than zero"))
		return
	}
	source := defaultIfEmpty(request.Source, "manual")

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.AddCredits(requestCtx, accountID, amount, source)
	if err != nil {
		handler.respondError(ctx, "credit", err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{AccountID: accountID.String(), Balance: balance})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, ok := handler.bindAccountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "balance read", err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{AccountID: accountID.String(), Balance: balance})
}

func (handler *httpHandler) handleAllowance(ctx *gin.Context) {
	accountID, ok := handler.bindAccountID(ctx)
	if !ok {
		return
	}
	period := handler.service.CurrentPeriod()
	if rawPeriod := ctx.Query("period"); rawPeriod != "" {
		parsed, err := wallet.NewBillingPeriod(rawPeriod)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_period", "period must look like 2024-03"))
			return
		}
		period = parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	status, err := handler.service.Allowance(requestCtx, accountID, period)
	if err != nil {
		handler.respondError(ctx, "allowance read", err)
		return
	}
	ctx.JSON(http.StatusOK, allowanceResponse{
		AccountID:       accountID.String(),
		Period:          period.String(),
		Used:            status.Used,
		Limit:           status.Limit,
		Remaining:       status.Remaining(),
		SubscriptionRef: status.SubscriptionRef,
	})
}

func (handler *httpHandler) handleFlush(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	flushed, err := handler.service.FlushAll(requestCtx)
	if err != nil {
		handler.logger.Error("admin flush failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "flush failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"flushed": flushed})
}

func (handler *httpHandler) handleBillingWebhook(ctx *gin.Context) {
	var request billingEventRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if strings.TrimSpace(request.EventID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "event_id is required"))
		return
	}
	if handler.seenEvents.Contains(request.EventID) {
		ctx.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	switch request.Type {
	case billingEventFundsReceived:
		handler.handleFundsReceived(ctx, request)
	case billingEventSubscriptionRenewed:
		handler.handleSubscriptionRenewed(ctx, request)
	default:
		// Unhandled event types are acknowledged so the provider stops retrying.
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (handler *httpHandler) handleFundsReceived(ctx *gin.Context, request billingEventRequest) {
	accountID, err := wallet.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", "account_id must not be blank"))
		return
	}
	productID, err := wallet.NewProductID(request.ProductID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_product", "product_id must not be blank"))
		return
	}
	credits, err := handler.products.CreditAmount(productID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_product", fmt.Sprintf("product %q is not in the catalog", productID)))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.AddCredits(requestCtx, accountID, credits, creditSourceBilling)
	if err != nil {
		handler.respondError(ctx, "webhook credit", err)
		return
	}
	handler.seenEvents.Add(request.EventID, struct{}{})
	ctx.JSON(http.StatusOK, gin.H{"status": "processed", "balance": balance})
}

func (handler *httpHandler) handleSubscriptionRenewed(ctx *gin.Context, request billingEventRequest) {
	accountID, err := wallet.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", "account_id must not be blank"))
		return
	}
	planID, err := wallet.NewPlanID(request.PlanID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_plan", "plan_id must not be blank"))
		return
	}
	plan, err := handler.plans.Plan(planID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_plan", fmt.Sprintf("plan %q is not in the catalog", planID)))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	period := handler.service.CurrentPeriod()
	if err := handler.service.ResetPeriod(requestCtx, accountID, period, plan.MonthlyCredits, request.SubscriptionID); err != nil {
		handler.respondError(ctx, "webhook renewal", err)
		return
	}
	handler.seenEvents.Add(request.EventID, struct{}{})
	ctx.JSON(http.StatusOK, gin.H{"status": "processed", "period": period.String()})
}

func (handler *httpHandler) bindAccountID(ctx *gin.Context) (wallet.AccountID, bool) {
	accountID, err := wallet.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", "account id must not be blank"))
		return wallet.AccountID{}, false
	}
	return accountID, true
}

func (handler *httpHandler) respondError(ctx *gin.Context, action string, err error) {
	var shortfall wallet.InsufficientCreditsError
	if errors.As(err, &shortfall) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":    "insufficient_credits",
				"message": "not enough credits to cover the charge",
			},
			"required":            shortfall.Required,
			"available":           shortfall.Available,
			"allowance_remaining": shortfall.AllowanceRemaining,
			"wallet_balance":      shortfall.WalletBalance,
		})
		return
	}
	switch {
	case errors.Is(err, wallet.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "no such account"))
	case errors.Is(err, wallet.ErrInvalidAmount):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount is out of range"))
	default:
		handler.logger.Error(action+" failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", action+" failed"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type chargeRequest struct {
	Cost int64 `json:"cost"`
}

type creditRequest struct {
	Amount int64  `json:"amount"`
	Source string `json:"source"`
}

type billingEventRequest struct {
	EventID        string `json:"event_id"`
	Type           string `json:"type"`
	AccountID      string `json:"account_id"`
	ProductID      string `json:"product_id"`
	PlanID         string `json:"plan_id"`
	SubscriptionID string `json:"subscription_id"`
}

type chargeResponse struct {
	Source             string `json:"source"`
	Cost               int64  `json:"cost"`
	FromAllowance      int64  `json:"from_allowance"`
	FromWallet         int64  `json:"from_wallet"`
	AllowanceRemaining int64  `json:"allowance_remaining"`
	WalletRemaining    int64  `json:"wallet_remaining"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type allowanceResponse struct {
	AccountID       string `json:"account_id"`
	Period          string `json:"period"`
	Used            int64  `json:"used"`
	Limit           int64  `json:"limit"`
	Remaining       int64  `json:"remaining"`
	SubscriptionRef string `json:"subscription_ref"`
}
