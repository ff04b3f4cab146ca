package http_api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/core-coin/solvo/internal/models"
)

// CompleteRequest represents the JSON body for a manual completion
type CompleteRequest struct {
	TxHash string `json:"tx_hash"`
}

// FailRequest represents the JSON body for giving up on a payment
type FailRequest struct {
	Reason string `json:"reason"`
}

// webhookPayload accepts the correlation data either flat or nested the way
// it was attached at provisioning time.
type webhookPayload struct {
	models.GatewayCallback
	Callback *models.CallbackRef `json:"callback,omitempty"`
}

// AccessResponse tells whether a user bought a course.
type AccessResponse struct {
	UserID   string `json:"user_id"`
	CourseID string `json:"course_id"`
	Access   bool   `json:"access"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRequest), errors.Is(err, models.ErrUnknownCurrency):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPaymentNotFound), errors.Is(err, models.ErrBookingNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrActivePayment), errors.Is(err, models.ErrAddressInUse):
		return http.StatusConflict
	case errors.Is(err, models.ErrDispatchFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrConversionFailure), errors.Is(err, models.ErrProvisioningFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes err, keeping the record in the body when the engine returned one.
func (s *HTTPServer) fail(c *gin.Context, err error, record *models.PaymentRecord) {
	code := statusFor(err)
	body := gin.H{"success": false, "error": err.Error()}
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		body["error"] = "internal error"
	}
	if record != nil {
		body["payment"] = record
	}
	c.JSON(code, body)
}

// createPayment is a handler for POST /payments.
// An active payment for the same action is returned instead of a new one.
func (s *HTTPServer) createPayment(c *gin.Context) {
	var req models.CreatePaymentRequest

	// Parse and validate JSON request body
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Debug("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
		})
		return
	}

	record, err := s.solvo.CreatePayment(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err, record)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *HTTPServer) getPayment(c *gin.Context) {
	record, err := s.solvo.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, record)
}

// activePayment is a handler for GET /payments/active.
func (s *HTTPServer) activePayment(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	purpose := models.Purpose(c.Query("purpose"))
	if userID == "" || !purpose.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid purpose are required"})
		return
	}

	record, err := s.solvo.GetActivePayment(c.Request.Context(), userID, purpose, c.Query("related_id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active payment"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// completePayment settles a payment by hand. Repeating it is harmless.
func (s *HTTPServer) completePayment(c *gin.Context) {
	var req CompleteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
	}

	record, err := s.solvo.MarkComplete(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.TxHash))
	if err != nil {
		s.fail(c, err, record)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *HTTPServer) failPayment(c *gin.Context) {
	var req FailRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
	}

	record, err := s.solvo.MarkFailed(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.fail(c, err, record)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *HTTPServer) retryProvisioning(c *gin.Context) {
	record, err := s.solvo.RetryProvisioning(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, record)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *HTTPServer) retryDispatch(c *gin.Context) {
	record, err := s.solvo.RetryDispatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, record)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *HTTPServer) userPayments(c *gin.Context) {
	records, err := s.solvo.GetPaymentsByUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if records == nil {
		records = []*models.PaymentRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// courseAccess is derived from a succeeded course payment.
func (s *HTTPServer) courseAccess(c *gin.Context) {
	userID, courseID := c.Param("user_id"), c.Param("course_id")
	ok, err := s.solvo.HasSucceededPayment(c.Request.Context(), userID, models.PurposeCourse, courseID)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, AccessResponse{UserID: userID, CourseID: courseID, Access: ok})
}

func (s *HTTPServer) notifications(c *gin.Context) {
	list, err := s.inbox.Inbox(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if list == nil {
		list = []*models.Notification{}
	}
	c.JSON(http.StatusOK, list)
}

// gatewayWebhook receives the gateway's deposit callbacks.
func (s *HTTPServer) gatewayWebhook(c *gin.Context) {
	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.logger.Debug("Invalid webhook payload", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	cb := payload.GatewayCallback
	if cb.PaymentID == "" && payload.Callback != nil {
		cb.PaymentID = payload.Callback.PaymentID
	}

	if _, err := s.solvo.HandleGatewayCallback(c.Request.Context(), cb); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
