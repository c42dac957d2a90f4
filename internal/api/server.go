package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/config"
	"github.com/energizer-project/linkproxy/internal/db"
	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/extension"
	"github.com/energizer-project/linkproxy/internal/health"
	"github.com/energizer-project/linkproxy/internal/proxy"
	"github.com/energizer-project/linkproxy/internal/registry"
	"github.com/energizer-project/linkproxy/internal/util"
)

// Version is reported by the ping endpoint.
var Version = "dev"

// Deps are the components the API exposes.
type Deps struct {
	Proxy      *proxy.Proxy
	Catalog    *registry.Catalog
	Extensions *extension.Manager
	Bus        *events.EventBus
	// History is nil when the database is disabled.
	History *db.LinkStore
	// Health is nil when backend health checks are disabled.
	Health *health.Manager
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
}

// Server is the admin REST API.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()

	s.httpServer = &http.Server{
		Addr:         apiCfg.Listen,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := proxy.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", apiCfg.Listen)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if apiCfg.TLSEnabled {
		tlsConfig, err := s.tlsConfig(apiCfg)
		if err != nil {
			ln.Close()
			return err
		}
		s.httpServer.TLSConfig = tlsConfig
		ln = tls.NewListener(ln, tlsConfig)
	}

	s.logger.Info().Str("addr", apiCfg.Listen).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// tlsConfig loads the configured pair, generating a self-signed one on
// first start.
func (s *Server) tlsConfig(apiCfg config.APIConfig) (*tls.Config, error) {
	certFile, keyFile := apiCfg.TLSCertFile, apiCfg.TLSKeyFile
	if certFile == "" {
		certFile, keyFile = "data/tls/api.crt", "data/tls/api.key"
	}
	host, _, _ := net.SplitHostPort(apiCfg.Listen)
	if err := util.EnsureCertificate(certFile, keyFile, host, "localhost"); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())
	router.Use(IPWhitelist(apiCfg.IPWhitelist))

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	router.GET("/healthz", s.handleHealth)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
	}
	router.GET("/api/versions", s.handleGetVersions)

	protected := router.Group("/api")
	protected.Use(TokenAuth(apiCfg.Token))
	{
		protected.GET("/links", s.handleGetLinks)
		protected.GET("/links/history", s.handleGetHistory)
		protected.GET("/links/history/reasons", s.handleGetHistoryReasons)
		protected.GET("/links/:id", s.handleGetLink)
		protected.DELETE("/links/:id", s.handleStopLink)
		protected.DELETE("/links", s.handleStopAllLinks)

		protected.GET("/backends", s.handleGetBackends)
		protected.POST("/backends/check", s.handleCheckBackends)

		protected.GET("/extensions", s.handleGetExtensions)
		protected.DELETE("/extensions/:owner", s.handleUnloadExtension)

		protected.GET("/system", s.handleGetSystem)
		protected.GET("/logs", s.handleGetLogEntries)

		protected.GET("/config", s.handleGetConfig)
		protected.PATCH("/config/proxy", s.handleSetProxyField)
	}

	if apiCfg.MetricsEnabled && s.deps.Gatherer != nil {
		router.GET("/metrics", TokenAuth(apiCfg.Token),
			gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
