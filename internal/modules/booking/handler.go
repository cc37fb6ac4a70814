package booking

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"rentcore/internal/domain"
	"rentcore/internal/middleware"
	"rentcore/internal/pkg/response"
	"rentcore/internal/pkg/validator"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	bookings := rg.Group("/bookings")
	{
		bookings.POST("", h.CreateBooking)
		bookings.GET("", h.ListMine)
		bookings.GET("/:id", h.GetBooking)
		bookings.PATCH("/:id/respond", h.Respond)
		bookings.PATCH("/:id/cancel", h.Cancel)
		bookings.PATCH("/:id/complete", h.Complete)
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, http.StatusBadRequest, "INVALID_ID", "Invalid booking ID")
		return 0, false
	}
	return id, true
}

func currentActor(c *gin.Context) (domain.Actor, bool) {
	a, ok := middleware.Actor(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	}
	return a, ok
}

// bindJSON decodes and validates the body. optional allows an empty body.
func bindJSON(c *gin.Context, req any, optional bool) bool {
	if !optional || c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(req); err != nil {
			response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
			return false
		}
	}
	if errs := validator.Validate(req); errs != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", errs)
		return false
	}
	return true
}

// CreateBooking godoc
// @Summary      Request a booking
// @Tags         Bookings
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        body body CreateBookingRequest true "Listing and dates"
// @Success      201 {object} domain.Booking
// @Router       /bookings [post]
func (h *Handler) CreateBooking(c *gin.Context) {
	a, ok := currentActor(c)
	if !ok {
		return
	}
	var req CreateBookingRequest
	if !bindJSON(c, &req, false) {
		return
	}

	b, err := h.service.CreateBooking(c.Request.Context(), a, req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"booking": b})
}

func (h *Handler) ListMine(c *gin.Context) {
	a, ok := currentActor(c)
	if !ok {
		return
	}
	var q ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters")
		return
	}
	if errs := validator.Validate(q); errs != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", errs)
		return
	}

	list, err := h.service.ListMine(c.Request.Context(), a, q)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"bookings": list})
}

func (h *Handler) GetBooking(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	a, ok := currentActor(c)
	if !ok {
		return
	}

	b, err := h.service.GetByID(c.Request.Context(), id, a)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"booking": b})
}

// Respond godoc
// @Summary      Approve or reject a pending booking
// @Tags         Bookings
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id   path int true "Booking ID"
// @Param        body body RespondRequest true "Decision"
// @Router       /bookings/{id}/respond [patch]
func (h *Handler) Respond(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	a, ok := currentActor(c)
	if !ok {
		return
	}
	var req RespondRequest
	if !bindJSON(c, &req, false) {
		return
	}

	b, err := h.service.Respond(c.Request.Context(), id, a, domain.Decision(req.Decision), req.Message)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"booking": b})
}

func (h *Handler) Cancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	a, ok := currentActor(c)
	if !ok {
		return
	}
	var req CancelRequest
	if !bindJSON(c, &req, true) {
		return
	}

	b, err := h.service.Cancel(c.Request.Context(), id, a, req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"booking": b})
}

func (h *Handler) Complete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	a, ok := currentActor(c)
	if !ok {
		return
	}

	b, err := h.service.Complete(c.Request.Context(), id, a)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"booking": b})
}
