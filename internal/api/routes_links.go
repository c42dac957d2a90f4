package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/linkproxy/internal/db"
	"github.com/energizer-project/linkproxy/internal/link"
	"github.com/energizer-project/linkproxy/internal/proxy"
)

// handleGetLinks returns the running links.
func (s *Server) handleGetLinks(c *gin.Context) {
	links := s.deps.Proxy.Links()
	c.JSON(http.StatusOK, gin.H{
		"links":      links.List(),
		"total":      links.Count(),
		"by_backend": links.CountByBackend(),
	})
}

// handleGetLink returns one running link.
func (s *Server) handleGetLink(c *gin.Context) {
	l, ok := s.deps.Proxy.Links().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": proxy.ErrLinkNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, l.Info())
}

// handleStopLink stops one link with the requested reason.
func (s *Server) handleStopLink(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Proxy.Links().Stop(id, link.ReasonRequested); err != nil {
		if errors.Is(err, proxy.ErrLinkNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Str("link_id", id).Msg("API: link stopped")
	c.JSON(http.StatusOK, gin.H{"status": "stopping", "id": id})
}

// handleStopAllLinks stops every running link.
func (s *Server) handleStopAllLinks(c *gin.Context) {
	n := s.deps.Proxy.Links().StopAll(link.ReasonRequested)
	s.logger.Info().Int("count", n).Msg("API: all links stopped")
	c.JSON(http.StatusOK, gin.H{"status": "stopping", "count": n})
}

// handleGetHistory returns stopped links, newest first.
func (s *Server) handleGetHistory(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "link history is disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	records, err := s.deps.History.Recent(c.Request.Context(), db.HistoryFilter{
		Backend: c.Query("backend"),
		Player:  c.Query("player"),
		Reason:  c.Query("reason"),
		Limit:   limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// handleGetHistoryReasons returns stopped link counts per reason.
func (s *Server) handleGetHistoryReasons(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "link history is disabled"})
		return
	}

	counts, err := s.deps.History.CountByReason(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reasons": counts})
}

// handleGetBackends returns the routing table.
func (s *Server) handleGetBackends(c *gin.Context) {
	backends := s.deps.Proxy.Backends()
	counts := s.deps.Proxy.Links().CountByBackend()

	out := make([]gin.H, 0, len(backends))
	for _, b := range backends {
		entry := gin.H{
			"name":          b.Name,
			"address":       b.Address,
			"version":       b.Version,
			"version_name":  b.Version.Name(),
			"default":       b.Default,
			"virtual_hosts": b.VirtualHosts,
			"links":         counts[b.Name],
		}
		if s.deps.Health != nil {
			if st, ok := s.deps.Health.BackendStatus(b.Name); ok {
				entry["health"] = st
			}
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"backends": out})
}

// handleCheckBackends pings every backend now and returns the results.
func (s *Server) handleCheckBackends(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend health checks are disabled"})
		return
	}
	s.deps.Health.CheckBackends(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"backends": s.deps.Health.Status()})
}
