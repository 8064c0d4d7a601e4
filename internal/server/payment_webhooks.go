package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody bounds a single provider callback.
const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.webhookSvc.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Debug("webhook accepted",
		zap.String("provider", provider),
		zap.String("outcome", string(outcome)),
	)
	c.JSON(http.StatusOK, gin.H{"received": true})
}
