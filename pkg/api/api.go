// Package api serves the exporter's HTTP surface: health and build info,
// the Prometheus scrape endpoint, the structured error summary and the
// config reload trigger.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/mail-e2e-exporter/pkg/config"
	"github.com/telekom/mail-e2e-exporter/pkg/metrics"
	"github.com/telekom/mail-e2e-exporter/pkg/ratelimit"
	"github.com/telekom/mail-e2e-exporter/pkg/version"
)

const project = "mail-e2e-exporter"

type Server struct {
	gin     *gin.Engine
	log     *zap.SugaredLogger
	store   *config.Store
	metrics *metrics.Metrics
	limiter *ratelimit.IPRateLimiter
	opts    Options
}

type Options struct {
	// Debug switches gin into debug mode and relaxes CORS for local work.
	Debug bool
	// APIKey guards the management endpoints when non-empty.
	APIKey string
	// MetricsUser/MetricsPass enable basic auth on /metrics when both set.
	MetricsUser string
	MetricsPass string
}

func NewServer(log *zap.Logger, store *config.Store, m *metrics.Metrics, opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)

	if opts.Debug {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins: []string{"http://localhost:5173", "127.0.0.1:8080"},
				AllowMethods: []string{"GET", "POST", "OPTIONS"},
				AllowHeaders: []string{"Origin", "Authorization", "Content-Type", "X-API-Key"},
				MaxAge:       12 * time.Hour,
			}),
		)
	}

	s := &Server{
		gin:     engine,
		log:     log.Sugar().Named("api"),
		store:   store,
		metrics: m,
		limiter: ratelimit.New(ratelimit.DefaultConfig()),
		opts:    opts,
	}

	limited := engine.Group("", s.limiter.Middleware())
	limited.GET("/health", s.getHealth)
	limited.GET("/metrics", basicAuth(opts.MetricsUser, opts.MetricsPass), gin.WrapH(m.Handler()))

	// everything below carries operational detail and honors the API key
	guarded := limited.Group("", apiKeyAuth(opts.APIKey))
	guarded.GET("/info", s.getInfo)
	guarded.GET("/version", s.getVersion)
	guarded.GET("/errors", s.getErrors)
	guarded.POST("/reload", s.postReload)

	return s
}

// Handler exposes the underlying engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.gin }

// Listen serves until the listener fails.
func (s *Server) Listen(addr string) error {
	s.log.Infow("HTTP server listening", "addr", addr)
	return s.gin.Run(addr)
}

// Stop releases the rate limiter's cleanup goroutine.
func (s *Server) Stop() { s.limiter.Stop() }

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// VersionInfo is the build block shared by /info and /version.
type VersionInfo struct {
	App       string `json:"app"`
	Revision  string `json:"revision"`
	BuildDate string `json:"build_date"`
}

// ConfigInfo describes the loaded configuration without exposing secrets.
type ConfigInfo struct {
	HasConfig bool     `json:"has_config"`
	Path      string   `json:"path"`
	MtimeNS   int64    `json:"mtime_ns,omitempty"`
	Size      int64    `json:"size,omitempty"`
	Tests     []string `json:"tests"`
}

type InfoResponse struct {
	Project string      `json:"project"`
	Version VersionInfo `json:"version"`
	Config  ConfigInfo  `json:"config"`
}

func (s *Server) getInfo(c *gin.Context) {
	cfg := s.store.Snapshot()
	fi := s.store.FileInfo()

	tests := make([]string, 0, len(cfg.Tests))
	for _, r := range cfg.Tests {
		tests = append(tests, r.DisplayName())
	}

	build := version.GetBuildInfo()
	c.JSON(http.StatusOK, InfoResponse{
		Project: project,
		Version: VersionInfo{App: build.App, Revision: build.Revision, BuildDate: build.BuildDate},
		Config: ConfigInfo{
			HasConfig: fi.Exists,
			Path:      fi.Path,
			MtimeNS:   fi.MtimeNS,
			Size:      fi.Size,
			Tests:     tests,
		},
	})
}

func (s *Server) getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetBuildInfo())
}

func (s *Server) getErrors(c *gin.Context) {
	entries, err := s.metrics.ErrorSummary()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []metrics.ErrorEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"errors": entries})
}

func (s *Server) postReload(c *gin.Context) {
	reloaded, err := s.store.ReloadIfChanged(true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "reloaded": false})
		return
	}
	s.log.Infow("Config reload requested via API", "reloaded", reloaded)
	c.JSON(http.StatusOK, gin.H{"reloaded": reloaded})
}
