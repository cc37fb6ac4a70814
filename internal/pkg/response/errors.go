package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rentcore/internal/domain"
)

// FromError writes the envelope for err, choosing the status from its kind.
// Errors outside the domain taxonomy become a bare 500.
func FromError(c *gin.Context, err error) {
	var de *domain.Error
	isDomain := errors.As(err, &de)
	if isDomain && (de.Kind == domain.KindRejected || de.Kind == domain.KindVerification) {
		Error(c, http.StatusBadRequest, domain.ErrCallbackRejected.Code, domain.ErrCallbackRejected.Message)
		return
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		status := http.StatusBadGateway
		if pe.Timeout {
			status = http.StatusGatewayTimeout
		}
		msg := pe.Message
		if msg == "" {
			msg = "payment provider call failed"
		}
		ErrorWithDetails(c, status, domain.ErrProvider.Code, msg, gin.H{"provider": pe.Provider, "provider_code": pe.Code})
		return
	}

	if !isDomain {
		_ = c.Error(err)
		Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}
	msg := de.Message
	if msg == "" {
		msg = de.Code
	}
	Error(c, StatusFor(de), de.Code, msg)
}

func StatusFor(e *domain.Error) int {
	switch e.Kind {
	case domain.KindValidation:
		if e.Code == domain.ErrNotAvailable.Code {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindState:
		if e.Code == domain.ErrPaymentRequired.Code {
			return http.StatusPaymentRequired
		}
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindProvider:
		return http.StatusBadGateway
	case domain.KindVerification, domain.KindRejected:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
