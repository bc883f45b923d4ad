// Package server exposes the payment gate over HTTP: the 402-gated resource
// surface, the facilitator verify/settle/supported endpoints, checkout
// session management, the access check, and the processor webhook.
package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/basehealth/paygate"
	"github.com/basehealth/paygate/checkout"
	"github.com/basehealth/paygate/gate"
	"github.com/basehealth/paygate/ledger"
)

// SessionHeader carries the checkout session id on resource requests so a
// settled session grants access without re-presenting the proof.
const SessionHeader = "X-Checkout-Session"

// PrincipalHeader identifies the caller for entitlement checks. It is only
// an identity hint; access is still decided by the ledger.
const PrincipalHeader = "X-Payer"

// Server wires the gate's components to HTTP routes.
type Server struct {
	registry      *paygate.Registry
	facilitator   *paygate.Facilitator
	machine       *checkout.Machine
	gate          *gate.Gate
	webhooks      *ledger.WebhookConsumer
	webhookSecret string
	gatherer      prometheus.Gatherer
	log           *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithWebhookSecret enables signature verification on the processor webhook.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) { s.webhookSecret = secret }
}

// WithGatherer sets the metrics gatherer backing GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a Server over the given components.
func New(registry *paygate.Registry, facilitator *paygate.Facilitator, machine *checkout.Machine, g *gate.Gate, webhooks *ledger.WebhookConsumer, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		registry:    registry,
		facilitator: facilitator,
		machine:     machine,
		gate:        g,
		webhooks:    webhooks,
		gatherer:    prometheus.DefaultGatherer,
		log:         log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with every route attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/resource/:id", s.handleResource)

	r.POST("/verify", s.handleVerify)
	r.POST("/settle", s.handleSettle)
	r.GET("/supported", s.handleSupported)

	r.POST("/checkout", s.handleCheckoutCreate)
	r.GET("/checkout/:id", s.handleCheckoutGet)
	r.POST("/checkout/:id/wallet", s.handleCheckoutWallet)
	r.POST("/checkout/:id/proof", s.handleCheckoutProof)
	r.POST("/checkout/:id/advance", s.handleCheckoutAdvance)
	r.POST("/checkout/:id/retry", s.handleCheckoutRetry)
	r.DELETE("/checkout/:id", s.handleCheckoutAbandon)

	r.POST("/access/check", s.handleAccessCheck)
	r.POST("/webhooks/processor", s.handleProcessorWebhook)

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	return r
}

// requestLogger logs one line per request at debug, errors at warn.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request", fields...)
		} else {
			s.log.Debug("request", fields...)
		}
	}
}

// handleResource serves a priced resource. Without an acceptable proof the
// answer is always 402 with the requirements; a valid X-PAYMENT settles
// inline and the settlement result rides back in X-PAYMENT-RESPONSE.
func (s *Server) handleResource(c *gin.Context) {
	resource := c.Param("id")
	requirements, err := s.registry.GetRequirement(resource)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	principal := c.GetHeader(PrincipalHeader)
	sessionID := c.GetHeader(SessionHeader)
	if principal != "" || sessionID != "" {
		granted, err := s.gate.HasAccess(c.Request.Context(), principal, resource, sessionID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "access check failed"})
			return
		}
		if granted {
			s.serveContent(c, resource)
			return
		}
	}

	header := c.GetHeader(paygate.PaymentHeader)
	if header == "" {
		s.paymentRequired(c, "", requirements)
		return
	}

	result := s.machine.Settle(c.Request.Context(), header, &requirements)
	if !result.Success {
		s.paymentRequired(c, result.Error, requirements)
		return
	}

	encoded, err := paygate.EncodeSettleResponse(&result)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to encode settlement"})
		return
	}
	c.Header("X-PAYMENT-RESPONSE", encoded)
	s.serveContent(c, resource)
}

func (s *Server) serveContent(c *gin.Context, resource string) {
	c.JSON(http.StatusOK, gin.H{
		"resource": resource,
		"granted":  true,
	})
}

// paymentRequired writes the 402 body. Every unsatisfied request gets the
// same status and the full accepts list, so clients can always re-quote.
func (s *Server) paymentRequired(c *gin.Context, reason string, requirements paygate.PaymentRequirements) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, paygate.PaymentRequired{
		X402Version: paygate.ProtocolVersion,
		Error:       reason,
		Accepts:     []paygate.PaymentRequirements{requirements},
	})
}

// handleVerify answers whether a proof satisfies the given requirements,
// without recording anything. Protocol-level decode failures come back as an
// invalid verdict, not a transport error, so clients get one result shape.
func (s *Server) handleVerify(c *gin.Context) {
	var req paygate.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	payload, err := paygate.DecodePaymentHeader(req.PaymentHeader)
	if err != nil {
		c.JSON(http.StatusOK, paygate.Invalid(paygate.FailureNotFound, err.Error()))
		return
	}
	if err := paygate.MatchRequirements(payload, &req.PaymentRequirements); err != nil {
		c.JSON(http.StatusOK, paygate.Invalid(paygate.FailureNotFound, err.Error()))
		return
	}

	result, err := s.facilitator.Verify(c.Request.Context(), payload, &req.PaymentRequirements)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleSettle verifies and records a payment. The response always has the
// SettleResponse shape: protocol-level failures (bad body, malformed or
// mismatched header) are a 400 with that shape, verification outcomes a 200.
func (s *Server) handleSettle(c *gin.Context) {
	var req paygate.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			paygate.SettleResponse{Error: "invalid request body"})
		return
	}

	payload, err := paygate.DecodePaymentHeader(req.PaymentHeader)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			paygate.SettleResponse{Error: err.Error(), NetworkID: req.PaymentRequirements.Network})
		return
	}
	if err := paygate.MatchRequirements(payload, &req.PaymentRequirements); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			paygate.SettleResponse{Error: err.Error(), NetworkID: req.PaymentRequirements.Network})
		return
	}

	result := s.machine.Settle(c.Request.Context(), req.PaymentHeader, &req.PaymentRequirements)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.Supported())
}

func (s *Server) handleCheckoutCreate(c *gin.Context) {
	var req struct {
		Resource  string `json:"resource" binding:"required"`
		Principal string `json:"principal"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	session, err := s.machine.Create(c.Request.Context(), req.Resource, req.Principal)
	if err != nil {
		s.checkoutError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleCheckoutGet(c *gin.Context) {
	session, err := s.machine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.checkoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleCheckoutWallet(c *gin.Context) {
	var req struct {
		Scheme  string          `json:"scheme" binding:"required"`
		Network paygate.Network `json:"network" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	session, err := s.machine.AttachWallet(c.Request.Context(), c.Param("id"), req.Scheme, req.Network)
	if err != nil {
		s.checkoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleCheckoutProof(c *gin.Context) {
	var req struct {
		PaymentHeader string `json:"paymentHeader" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	session, err := s.machine.SubmitProof(c.Request.Context(), c.Param("id"), req.PaymentHeader)
	if err != nil {
		s.checkoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleCheckoutAdvance(c *gin.Context) {
	session, err := s.machine.Advance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.checkoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleCheckoutRetry(c *gin.Context) {
	session, err := s.machine.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.checkoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleCheckoutAbandon(c *gin.Context) {
	if err := s.machine.Abandon(c.Request.Context(), c.Param("id")); err != nil {
		s.checkoutError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// checkoutError maps machine errors onto HTTP statuses.
func (s *Server) checkoutError(c *gin.Context, err error) {
	var notFound *checkout.ErrSessionNotFound
	var resourceNotFound *paygate.ErrResourceNotFound
	var invalidTransition *checkout.ErrInvalidTransition
	var paymentErr *paygate.PaymentError

	switch {
	case errors.As(err, &notFound), errors.As(err, &resourceNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &paymentErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": paymentErr.Message,
			"code":  paymentErr.Code,
		})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleAccessCheck answers whether a principal currently has access to a
// resource, including the entitlement window when one applies.
func (s *Server) handleAccessCheck(c *gin.Context) {
	var req struct {
		Principal string `json:"principal"`
		Resource  string `json:"resource" binding:"required"`
		SessionID string `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	granted, err := s.gate.HasAccess(c.Request.Context(), req.Principal, req.Resource, req.SessionID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "access check failed"})
		return
	}

	resp := gin.H{"hasAccess": granted}
	if ent, err := s.gate.Entitlement(c.Request.Context(), req.Principal, req.Resource); err == nil && ent != nil {
		resp["validUntil"] = ent.ValidUntil
	}
	c.JSON(http.StatusOK, resp)
}

// handleProcessorWebhook ingests card-processor events. The signature, when
// configured, is an HMAC-SHA256 of the raw body. Events are acknowledged
// even when they reference unknown payments; redelivery would never help.
func (s *Server) handleProcessorWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if s.webhookSecret != "" {
		if !s.validSignature(body, c.GetHeader("X-Webhook-Signature")) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var event ledger.ProcessorEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}

	if err := s.webhooks.Handle(c.Request.Context(), event); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event handling failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) validSignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
