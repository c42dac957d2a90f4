package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/linkproxy/internal/config"
	"github.com/energizer-project/linkproxy/internal/events"
)

// handleGetConfig returns the current configuration with secrets redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	apiCfg := s.cfg.GetAPI()
	if apiCfg.Token != "" {
		apiCfg.Token = "********"
	}

	c.JSON(http.StatusOK, gin.H{
		"proxy":    s.cfg.GetProxy(),
		"backends": s.cfg.GetBackends(),
		"api":      apiCfg,
		"mqtt":     s.cfg.GetMQTT(),
		"database": s.cfg.GetDatabase(),
		"logging":  s.cfg.GetLogging(),
	})
}

// handleSetProxyField updates one proxy setting. The change is persisted
// and applies to the next restart.
func (s *Server) handleSetProxyField(c *gin.Context) {
	var body struct {
		Key   string      `json:"key" binding:"required"`
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}

	previous := s.cfg.GetProxy()
	if err := s.cfg.UpdateProxyField(body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetProxy(previous)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "details": result.Errors})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	if s.deps.Bus != nil {
		s.deps.Bus.Emit(c.Request.Context(), events.NewEvent(events.EventConfigChanged, "api",
			events.ConfigChangedPayload{Section: "proxy", Key: body.Key, Value: body.Value}))
	}

	s.logger.Info().Str("key", body.Key).Interface("value", body.Value).Msg("API: proxy setting updated")

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"proxy":  s.cfg.GetProxy(),
	})
}
