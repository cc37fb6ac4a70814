package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rentcore/internal/middleware"
	"rentcore/internal/modules/booking"
	"rentcore/internal/modules/notification"
	"rentcore/internal/modules/payment"
	"rentcore/internal/pkg/jwt"
	"rentcore/internal/repository"
)

type deps struct {
	db        *gorm.DB
	log       logrus.FieldLogger
	jwt       *jwt.Service
	hub       *notification.Hub
	providers []payment.Provider
	nonces    payment.NonceStore
	// extra notifiers run after the in-app one, e.g. email or AMQP.
	extra       []notification.Notifier
	paymentOpts payment.Options
	corsOrigins string
}

func newRouter(d deps) *gin.Engine {
	bookingRepo := repository.NewBookingRepository(d.db)
	attemptRepo := repository.NewPaymentAttemptRepository(d.db)
	listingRepo := repository.NewListingRepository(d.db)
	notificationRepo := repository.NewNotificationRepository(d.db)

	notificationService := notification.NewService(notificationRepo, d.hub)
	notifiers := append(notification.Multi{notificationService}, d.extra...)

	bookingService := booking.NewService(bookingRepo, listingRepo, notifiers, d.log)
	paymentService := payment.NewService(bookingRepo, attemptRepo, d.providers, d.nonces, notifiers, d.log, d.paymentOpts)

	bookingHandler := booking.NewHandler(bookingService)
	paymentHandler := payment.NewHandler(paymentService, d.log)
	notificationHandler := notification.NewHandler(notificationService)
	wsHandler := notification.NewWSHandler(d.hub, d.jwt, d.log)

	r := gin.New()
	r.Use(middleware.ErrorLogger(d.log))
	r.Use(middleware.CORS(d.corsOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		paymentHandler.RegisterPublicRoutes(v1)
		wsHandler.RegisterRoutes(v1)

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(d.jwt))
		{
			bookingHandler.RegisterRoutes(protected)
			paymentHandler.RegisterProtectedRoutes(protected)
			notificationHandler.RegisterRoutes(protected)

			admin := protected.Group("/admin")
			admin.Use(middleware.AdminOnly())
			paymentHandler.RegisterAdminRoutes(admin)
		}
	}
	return r
}
