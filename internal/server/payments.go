package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/clientportal/internal/payment/domain"
	"github.com/smallbiznis/clientportal/internal/payment/receipt"
	"github.com/smallbiznis/clientportal/pkg/db/pagination"
)

type createPaymentRequest struct {
	ProjectID   string `json:"project_id"`
	TicketID    string `json:"ticket_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	DueAt       string `json:"due_at"`
}

type checkoutSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

func (s *Server) CreatePayment(c *gin.Context) {
	p, err := currentPrincipal(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	projectID, err := optionalID("project_id", req.ProjectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ticketID, err := optionalID("ticket_id", req.TicketID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	dueAt, err := parseOptionalTime(req.DueAt, true)
	if err != nil {
		AbortWithError(c, newValidationError("due_at", "invalid_due_at", "invalid due_at"))
		return
	}

	resp, err := s.paymentSvc.Create(c.Request.Context(), p, paymentdomain.CreateRequest{
		ProjectID:   projectID,
		TicketID:    ticketID,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		AmountCents: req.AmountCents,
		Currency:    strings.TrimSpace(req.Currency),
		DueAt:       dueAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListPayments(c *gin.Context) {
	p, err := currentPrincipal(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query struct {
		pagination.Pagination
		ProjectID string `form:"project_id"`
		TicketID  string `form:"ticket_id"`
		Status    string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	projectID, err := optionalID("project_id", query.ProjectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ticketID, err := optionalID("ticket_id", query.TicketID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.List(c.Request.Context(), p, paymentdomain.ListRequest{
		Pagination: query.Pagination,
		ProjectID:  projectID,
		TicketID:   ticketID,
		Status:     strings.TrimSpace(query.Status),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPayment(c *gin.Context) {
	p, err := currentPrincipal(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.Get(c.Request.Context(), p, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelPayment(c *gin.Context) {
	p, err := currentPrincipal(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.Cancel(c.Request.Context(), p, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	p, err := currentPrincipal(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.checkoutSvc.CreateSession(c.Request.Context(), p, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": checkoutSessionResponse{
		SessionID: session.ID,
		URL:       session.URL,
	}})
}

func (s *Server) DownloadPaymentReceipt(c *gin.Context) {
	p, err := currentPrincipal(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	doc, err := s.receiptSvc.Render(c.Request.Context(), p, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename))
	c.Data(http.StatusOK, receipt.ContentType, doc.Content)
}

func isPaymentValidationError(err error) bool {
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidProject),
		errors.Is(err, paymentdomain.ErrInvalidTitle),
		errors.Is(err, paymentdomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidCurrency),
		errors.Is(err, paymentdomain.ErrInvalidStatus),
		errors.Is(err, paymentdomain.ErrTicketMismatch):
		return true
	default:
		return false
	}
}
