package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/dreamware/replmon/internal/cluster"
	"github.com/dreamware/replmon/internal/config"
	"github.com/dreamware/replmon/internal/observability"
	"github.com/dreamware/replmon/internal/replication"
)

const serviceName = "replication-monitor"

// readyTimeout bounds the /_up probe behind /ready.
const readyTimeout = 5 * time.Second

type server struct {
	cfg        config.Config
	client     cluster.Client
	reconciler *replication.Reconciler
	logger     zerolog.Logger
}

func newServer(cfg config.Config, client cluster.Client, logger zerolog.Logger) *server {
	return &server{
		cfg:    cfg,
		client: client,
		reconciler: replication.NewReconciler(client, replication.Options{
			LegacyFallback: cfg.LegacyFallback,
			Logger:         logger,
		}),
		logger: logger,
	}
}

// router builds the gin engine with middleware and every route enabled by
// the configuration.
func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(s.logger))
	if s.cfg.Metrics {
		observability.RegisterMetrics()
		r.Use(observability.RequestMetricsMiddleware())
	}
	if len(s.cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  s.cfg.CorsOrigins,
			AllowMethods:  []string{http.MethodGet},
			AllowHeaders:  []string{"Origin", "Content-Type", observability.RequestIDHeader},
			ExposeHeaders: []string{observability.RequestIDHeader},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/", s.handleHealth)
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	if s.cfg.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	r.GET("/replication/status/:database", s.handleStatus)
	r.GET("/replication/status/:database/:replication_id", s.handleDetail)

	if s.cfg.DebugRoutes {
		debug := r.Group("/debug")
		debug.GET("/replications", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "Debug endpoint working"})
		})
		debug.GET("/replications/full", s.handleDebugReplications)
		debug.GET("/active-tasks", s.passthrough("/_active_tasks", "Failed to fetch active tasks"))
		debug.GET("/scheduler-jobs", s.passthrough("/_scheduler/jobs", "Failed to fetch scheduler jobs"))
	}
	return r
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
}

func (s *server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()
	if err := s.client.Up(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *server) handleStatus(c *gin.Context) {
	database := c.Param("database")
	targetOnly := c.Query("target") == "true"

	statuses, err := s.reconciler.ReplicationStatus(c.Request.Context(), database, targetOnly)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, replication.ErrInvalidDatabase) {
			code = http.StatusBadRequest
		}
		s.logger.Error().Err(err).
			Str("database", database).
			Str("request_id", observability.RequestIDFrom(c)).
			Msg("replication status failed")
		c.JSON(code, gin.H{"error": "Failed to check replication status", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"database":      database,
		"target_filter": targetOnly,
		"replications":  statuses,
	})
}

func (s *server) handleDetail(c *gin.Context) {
	database := c.Param("database")
	id := c.Param("replication_id")

	detail, err := s.reconciler.ReplicationDetail(c.Request.Context(), database, id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, detail)
	case errors.Is(err, replication.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Replication not found for this database"})
	default:
		s.logger.Error().Err(err).
			Str("database", database).
			Str("replication_id", id).
			Str("request_id", observability.RequestIDFrom(c)).
			Msg("replication detail failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get replication details", "message": err.Error()})
	}
}

func (s *server) handleDebugReplications(c *gin.Context) {
	path := "/" + url.PathEscape(s.cfg.CouchDB.ReplicatorDB) + "/_all_docs?include_docs=true"
	body, err := s.client.Raw(c.Request.Context(), path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch replications", "message": err.Error()})
		return
	}
	rows := gjson.GetBytes(body, "rows")
	if !rows.IsArray() {
		c.JSON(http.StatusOK, gin.H{"total_rows": 0, "rows": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_rows": len(rows.Array()),
		"rows":       rawJSON(rows.Raw),
	})
}

// passthrough relays an upstream JSON document unchanged.
func (s *server) passthrough(path, failure string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := s.client.Raw(c.Request.Context(), path)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": failure, "message": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

type rawJSON string

func (r rawJSON) MarshalJSON() ([]byte, error) { return []byte(r), nil }
