package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/plenumlabs/plenum/pkg/pipeline"
)

// apiKeyHeader carries the per-request OpenAI credential. It overrides the
// configured key for that request only and never reaches the local backend.
const apiKeyHeader = "X-OpenAI-API-Key"

// root handles GET /. The body is the sentinel upstream health checks
// expect.
func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"Hello": "World"})
}

// topicTree handles POST /topic_tree.
func (s *Server) topicTree(c *gin.Context) {
	var req pipeline.TopicTreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, ok := s.apiKey(c)
	if !ok {
		return
	}
	req.APIKey = key

	res, err := s.pipeline.TopicTree(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// claims handles POST /claims.
func (s *Server) claims(c *gin.Context) {
	var req pipeline.ClaimsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, ok := s.apiKey(c)
	if !ok {
		return
	}
	req.APIKey = key

	res, err := s.pipeline.Claims(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// sortClaimsTree handles PUT /sort_claims_tree/.
func (s *Server) sortClaimsTree(c *gin.Context) {
	var req pipeline.SortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, ok := s.apiKey(c)
	if !ok {
		return
	}
	req.APIKey = key

	res, err := s.pipeline.SortClaims(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// cruxes handles POST /cruxes.
func (s *Server) cruxes(c *gin.Context) {
	var req pipeline.CruxesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, ok := s.apiKey(c)
	if !ok {
		return
	}
	req.APIKey = key

	res, err := s.pipeline.Cruxes(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// apiKey reads the per-request credential. When the server requires one,
// absence is a client error and the response is already written.
func (s *Server) apiKey(c *gin.Context) (string, bool) {
	key := c.GetHeader(apiKeyHeader)
	if key == "" && s.requireKey {
		c.JSON(http.StatusBadRequest, gin.H{"error": apiKeyHeader + " header is required"})
		return "", false
	}
	return key, true
}
