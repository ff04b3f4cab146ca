package http_api

import "github.com/gin-gonic/gin"

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	v1 := s.router.Group("/api/v1")

	payments := v1.Group("/payments")
	payments.POST("", s.createPayment)
	payments.GET("/active", s.activePayment)
	payments.GET("/:id", s.getPayment)

	// operator overrides settle or abandon payments by hand
	if s.adminKey != "" {
		admin := payments.Group("", requireAPIKey(s.adminKey))
		admin.POST("/:id/complete", s.completePayment)
		admin.POST("/:id/fail", s.failPayment)
		admin.POST("/:id/provision", s.retryProvisioning)
		admin.POST("/:id/dispatch", s.retryDispatch)
	}

	v1.GET("/users/:user_id/payments", s.userPayments)
	v1.GET("/users/:user_id/courses/:course_id/access", s.courseAccess)
	if s.inbox != nil {
		v1.GET("/users/:user_id/notifications", s.notifications)
	}

	v1.POST("/webhooks/gateway", s.gatewayWebhook)

	s.router.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
}
