package payment

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rentcore/internal/domain"
	"rentcore/internal/middleware"
	"rentcore/internal/pkg/response"
	"rentcore/internal/pkg/validator"
)

const maxCallbackBody = 1 << 20

// signatureHeaders lists where each provider puts its signature, if anywhere.
var signatureHeaders = map[domain.PaymentMethod]string{
	domain.MethodCheckout:    "Stripe-Signature",
	domain.MethodMobileMoney: "X-Signature",
}

type Handler struct {
	service *Service
	log     logrus.FieldLogger
}

func NewHandler(service *Service, log logrus.FieldLogger) *Handler {
	return &Handler{service: service, log: log}
}

func (h *Handler) RegisterProtectedRoutes(rg *gin.RouterGroup) {
	rg.POST("/bookings/:id/payments", h.InitiatePayment)
	rg.GET("/bookings/:id/payments", h.ListAttempts)
	rg.POST("/bookings/:id/payments/poll", h.PollStatus)
	rg.POST("/bookings/:id/payments/refund", h.Refund)
}

// RegisterAdminRoutes expects rg to be behind middleware.AdminOnly.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.GET("/payment-attempts/:correlation_id", h.FindAttempt)
}

func (h *Handler) RegisterPublicRoutes(rg *gin.RouterGroup) {
	rg.POST("/payments/:provider/callback", h.Callback)
}

func bookingID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, http.StatusBadRequest, "INVALID_ID", "Invalid booking ID")
		return 0, false
	}
	return id, true
}

func actor(c *gin.Context) (domain.Actor, bool) {
	a, ok := middleware.Actor(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	}
	return a, ok
}

// InitiatePayment godoc
// @Summary      Start a payment for an approved booking
// @Tags         Payments
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id   path int true "Booking ID"
// @Param        body body InitiatePaymentRequest true "Provider choice"
// @Success      201 {object} InitiatePaymentResponse
// @Success      200 {object} InitiatePaymentResponse "existing session resumed"
// @Router       /bookings/{id}/payments [post]
func (h *Handler) InitiatePayment(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	a, ok := actor(c)
	if !ok {
		return
	}

	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", errs)
		return
	}

	res, err := h.service.InitiatePayment(c.Request.Context(), id, a, domain.PaymentMethod(req.Method))
	if err != nil {
		response.FromError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	response.Success(c, status, toInitiateResponse(res))
}

// ListAttempts godoc
// @Summary      Payment attempts of a booking, newest first
// @Tags         Payments
// @Security     BearerAuth
// @Produce      json
// @Param        id path int true "Booking ID"
// @Router       /bookings/{id}/payments [get]
func (h *Handler) ListAttempts(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	a, ok := actor(c)
	if !ok {
		return
	}

	attempts, err := h.service.ListAttempts(c.Request.Context(), id, a)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempts": attempts})
}

// PollStatus godoc
// @Summary      Ask the provider for the latest payment status
// @Tags         Payments
// @Security     BearerAuth
// @Produce      json
// @Param        id path int true "Booking ID"
// @Success      200 {object} PaymentStatusResponse
// @Router       /bookings/{id}/payments/poll [post]
func (h *Handler) PollStatus(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	a, ok := actor(c)
	if !ok {
		return
	}

	res, err := h.service.PollStatus(c.Request.Context(), id, a)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, PaymentStatusResponse{
		BookingID:     res.Booking.ID,
		Outcome:       res.Outcome,
		Changed:       res.Changed,
		PaymentStatus: res.Booking.PaymentStatus,
		PaidAt:        res.Booking.PaidAt,
	})
}

// Refund godoc
// @Summary      Refund a paid booking
// @Tags         Payments
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id   path int true "Booking ID"
// @Param        body body RefundRequestBody false "Reason"
// @Router       /bookings/{id}/payments/refund [post]
func (h *Handler) Refund(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	a, ok := actor(c)
	if !ok {
		return
	}

	var req RefundRequestBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
			return
		}
	}
	if errs := validator.Validate(req); errs != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", errs)
		return
	}

	b, err := h.service.Refund(c.Request.Context(), id, a, req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"booking": b})
}

func (h *Handler) FindAttempt(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	attempt, err := h.service.FindAttempt(c.Request.Context(), a, c.Param("correlation_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempt": attempt})
}

// Callback godoc
// @Summary      Provider payment notification
// @Description  Receives the raw provider body. Any payload that cannot be verified or matched gets the same 400.
// @Tags         Payments
// @Param        provider path string true "checkout or mobile_money"
// @Success      200 {string} string "OK"
// @Router       /payments/{provider}/callback [post]
func (h *Handler) Callback(c *gin.Context) {
	method := domain.PaymentMethod(c.Param("provider"))

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		response.FromError(c, domain.ErrCallbackRejected)
		return
	}

	res, err := h.service.HandleCallback(c.Request.Context(), method, Callback{
		RawBody:   raw,
		Signature: c.GetHeader(signatureHeaders[method]),
	})
	if err != nil {
		if domain.KindOf(err) != domain.KindRejected {
			_ = c.Error(err)
		}
		response.FromError(c, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"provider":  method,
		"outcome":   res.Outcome,
		"changed":   res.Changed,
		"duplicate": res.Duplicate,
	}).Info("payment callback handled")
	c.String(http.StatusOK, "OK")
}
