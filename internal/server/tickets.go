package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/clientportal/internal/principal"
	ticketdomain "github.com/smallbiznis/clientportal/internal/ticket/domain"
	"github.com/smallbiznis/clientportal/pkg/db/pagination"
)

type createTicketRequest struct {
	ProjectID       string `json:"project_id"`
	Type            string `json:"type"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	RequiresPayment bool   `json:"requires_payment"`
	PriceCents      *int64 `json:"price_cents"`
	Currency        string `json:"currency"`
}

type ticketReasonRequest struct {
	Reason string `json:"reason"`
}

type requestPaymentRequest struct {
	PriceCents  int64  `json:"price_cents"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

func (s *Server) CreateTicket(c *gin.Context) {
	p, err := currentPrincipal(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	projectID, err := optionalID("project_id", req.ProjectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ticketSvc.Create(c.Request.Context(), p, ticketdomain.CreateRequest{
		ProjectID:       projectID,
		Type:            strings.TrimSpace(req.Type),
		Title:           strings.TrimSpace(req.Title),
		Description:     strings.TrimSpace(req.Description),
		RequiresPayment: req.RequiresPayment,
		PriceCents:      req.PriceCents,
		Currency:        strings.TrimSpace(req.Currency),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListTickets(c *gin.Context) {
	p, err := currentPrincipal(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query struct {
		pagination.Pagination
		ProjectID string `form:"project_id"`
		Status    string `form:"status"`
		Type      string `form:"type"`
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

	resp, err := s.ticketSvc.List(c.Request.Context(), p, ticketdomain.ListRequest{
		Pagination: query.Pagination,
		ProjectID:  projectID,
		Status:     strings.TrimSpace(query.Status),
		Type:       strings.TrimSpace(query.Type),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetTicket(c *gin.Context) {
	s.ticketAction(c, func(ctx context.Context, p principal.Principal, id snowflake.ID) (*ticketdomain.Ticket, error) {
		return s.ticketSvc.Get(ctx, p, id)
	})
}

func (s *Server) AcceptTicket(c *gin.Context) {
	s.ticketAction(c, func(ctx context.Context, p principal.Principal, id snowflake.ID) (*ticketdomain.Ticket, error) {
		return s.ticketSvc.Accept(ctx, p, id)
	})
}

func (s *Server) RejectTicket(c *gin.Context) {
	s.ticketAction(c, func(ctx context.Context, p principal.Principal, id snowflake.ID) (*ticketdomain.Ticket, error) {
		reason, err := bindReason(c)
		if err != nil {
			return nil, err
		}
		return s.ticketSvc.Reject(ctx, p, id, reason)
	})
}

func (s *Server) MarkTicketNeedsInfo(c *gin.Context) {
	s.ticketAction(c, func(ctx context.Context, p principal.Principal, id snowflake.ID) (*ticketdomain.Ticket, error) {
		reason, err := bindReason(c)
		if err != nil {
			return nil, err
		}
		return s.ticketSvc.MarkNeedsInfo(ctx, p, id, reason)
	})
}

func (s *Server) RequestTicketPayment(c *gin.Context) {
	s.ticketAction(c, func(ctx context.Context, p principal.Principal, id snowflake.ID) (*ticketdomain.Ticket, error) {
		var req requestPaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, invalidRequestError()
		}
		return s.ticketSvc.RequestPayment(ctx, p, id, ticketdomain.PaymentTerms{
			PriceCents:  req.PriceCents,
			Currency:    strings.TrimSpace(req.Currency),
			Description: strings.TrimSpace(req.Description),
		})
	})
}

func (s *Server) ConvertTicket(c *gin.Context) {
	s.ticketAction(c, func(ctx context.Context, p principal.Principal, id snowflake.ID) (*ticketdomain.Ticket, error) {
		return s.ticketSvc.Convert(ctx, p, id)
	})
}

func (s *Server) DeleteTicket(c *gin.Context) {
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

	if err := s.ticketSvc.Delete(c.Request.Context(), p, id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ticketAction runs fn against the ticket named by :id once the caller is known.
func (s *Server) ticketAction(c *gin.Context, fn func(context.Context, principal.Principal, snowflake.ID) (*ticketdomain.Ticket, error)) {
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

	resp, err := fn(c.Request.Context(), p, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// bindReason reads an optional reason; an empty body is accepted.
func bindReason(c *gin.Context) (string, error) {
	if c.Request.ContentLength == 0 {
		return "", nil
	}
	var req ticketReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return "", invalidRequestError()
	}
	return strings.TrimSpace(req.Reason), nil
}

func isTicketValidationError(err error) bool {
	switch {
	case errors.Is(err, ticketdomain.ErrInvalidProject),
		errors.Is(err, ticketdomain.ErrInvalidType),
		errors.Is(err, ticketdomain.ErrInvalidTitle),
		errors.Is(err, ticketdomain.ErrInvalidPrice),
		errors.Is(err, ticketdomain.ErrInvalidCurrency),
		errors.Is(err, ticketdomain.ErrInvalidStatus):
		return true
	default:
		return false
	}
}
