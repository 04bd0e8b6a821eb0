package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/plenumlabs/plenum/pkg/llm"
	"github.com/plenumlabs/plenum/pkg/pipeline"
)

// statusClientClosedRequest is nginx's convention for a client that went
// away before the response was ready.
const statusClientClosedRequest = 499

// writeError maps pipeline-layer errors to HTTP error responses.
func (s *Server) writeError(c *gin.Context, err error) {
	// Cancellation wins even when wrapped in a transport error: the
	// backend call fails because the caller hung up.
	if errors.Is(err, context.Canceled) {
		c.JSON(statusClientClosedRequest, gin.H{"error": "request cancelled"})
		return
	}
	if errors.Is(err, pipeline.ErrInvalidInput) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var terr *llm.TransportError
	if errors.As(err, &terr) {
		s.logger.Error("LLM transport failure", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": terr.Error()})
		return
	}

	// Unexpected error
	s.logger.Error("Unexpected pipeline error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
