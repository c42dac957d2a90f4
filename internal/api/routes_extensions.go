package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/linkproxy/internal/extension"
	"github.com/energizer-project/linkproxy/internal/registry"
)

// handleGetExtensions lists loaded extensions and registry owners.
func (s *Server) handleGetExtensions(c *gin.Context) {
	var exts []extension.Info
	if s.deps.Extensions != nil {
		exts = s.deps.Extensions.List()
	}
	if exts == nil {
		exts = []extension.Info{}
	}

	var owners []registry.Owner
	if s.deps.Catalog != nil {
		owners = s.deps.Catalog.Owners()
	}

	c.JSON(http.StatusOK, gin.H{
		"extensions": exts,
		"owners":     owners,
	})
}

// handleUnloadExtension removes an extension and its registrations.
func (s *Server) handleUnloadExtension(c *gin.Context) {
	if s.deps.Extensions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "extensions are not available"})
		return
	}

	owner := registry.Owner(c.Param("owner"))
	if err := s.deps.Extensions.Unload(c.Request.Context(), owner); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, extension.ErrNotLoaded) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Str("owner", string(owner)).Msg("API: extension unloaded")
	c.JSON(http.StatusOK, gin.H{"status": "unloaded", "owner": owner})
}
