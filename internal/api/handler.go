package api

import (
	"net/http"
	"strconv"
	"time"

	"kiosk-service/internal/models"
	"kiosk-service/internal/service"
	"kiosk-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	sessions     *service.SessionService
	orchestrator *service.PaymentOrchestrator
	webhooks     *service.WebhookService
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions *service.SessionService, orchestrator *service.PaymentOrchestrator, webhooks *service.WebhookService) *Handler {
	return &Handler{
		sessions:     sessions,
		orchestrator: orchestrator,
		webhooks:     webhooks,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sessions", h.createSession)
		v1.GET("/sessions/:id", h.getSession)
		v1.POST("/sessions/:id/register", h.registerUser)
		v1.POST("/sessions/:id/summary", h.attachSummary)
		v1.POST("/sessions/:id/payment", h.initiatePayment)
		v1.GET("/sessions/:id/order", h.getOrderInfo)
		v1.DELETE("/sessions/:id", h.cancelSession)

		v1.POST("/partner/payment-callback", h.paymentCallback)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type createSessionRequest struct {
	MachineID      string                 `json:"machine_id" binding:"required"`
	Location       string                 `json:"location"`
	TimeoutMinutes int                    `json:"timeout_minutes"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// createSession handles session creation
func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	session, err := h.sessions.CreateSession(c.Request.Context(), req.MachineID, req.Location, req.TimeoutMinutes, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// getSession handles status queries; ?recover=1 replaces an expired session
func (h *Handler) getSession(c *gin.Context) {
	recover := c.Query("recover") == "1"

	session, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"), recover)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"session": session}
	if session.ID != c.Param("id") {
		resp["recovered"] = true
	}
	c.JSON(http.StatusOK, resp)
}

// registerUser handles the QR scan
func (h *Handler) registerUser(c *gin.Context) {
	session, err := h.sessions.RegisterUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type attachSummaryRequest struct {
	Summary       models.OrderSummary `json:"summary" binding:"required"`
	FinalImageURL string              `json:"final_image_url"`
}

// attachSummary attaches the shopper's selections to the session
func (h *Handler) attachSummary(c *gin.Context) {
	var req attachSummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	session, err := h.sessions.AttachOrderSummary(c.Request.Context(), c.Param("id"), req.Summary, req.FinalImageURL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// initiatePayment starts payment collection on the kiosk
func (h *Handler) initiatePayment(c *gin.Context) {
	correlationID, err := h.orchestrator.InitiatePayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"correlation_id": correlationID})
}

// getOrderInfo returns the order linked to a session
func (h *Handler) getOrderInfo(c *gin.Context) {
	order, err := h.sessions.GetOrderInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// cancelSession cancels a session
func (h *Handler) cancelSession(c *gin.Context) {
	if err := h.sessions.CancelSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type paymentCallbackRequest struct {
	CorrelationID string  `json:"out_trade_no"`
	StatusCode    string  `json:"status"`
	Amount        float64 `json:"amount"`
}

// paymentCallback receives the partner's asynchronous payment-status push.
// It always acknowledges success: the partner redelivers indefinitely on
// anything else, and internal failures are recorded on our side instead.
func (h *Handler) paymentCallback(c *gin.Context) {
	var req paymentCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.WebhooksReceivedTotal.WithLabelValues("undecodable").Inc()
		c.JSON(http.StatusOK, gin.H{"code": "SUCCESS"})
		return
	}

	h.webhooks.OnPaymentStatus(c.Request.Context(), req.CorrelationID, req.StatusCode, req.Amount)
	c.JSON(http.StatusOK, gin.H{"code": "SUCCESS"})
}

// respondError maps domain error kinds to HTTP statuses. Expiry is distinct
// from not-found so kiosks can offer the rescan flow.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch models.KindOf(err) {
	case models.ErrKindValidation:
		status = http.StatusBadRequest
	case models.ErrKindNotFound:
		status = http.StatusNotFound
	case models.ErrKindExpired:
		status = http.StatusGone
	case models.ErrKindConflict:
		status = http.StatusConflict
	case models.ErrKindPartnerTransient:
		status = http.StatusServiceUnavailable
	case models.ErrKindPartnerRejected, models.ErrKindFulfillment:
		status = http.StatusBadGateway
	}

	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(models.KindOf(err)),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
