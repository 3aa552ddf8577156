// Package api is the HTTP ingress: Telegram webhooks for the manager
// bot and every secondary bot, the PIX gateway callback, health and
// metrics. Handlers validate, dedup and enqueue; all real work happens
// in the task runtime.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vkultra/mitski/pkg/config"
	"github.com/vkultra/mitski/pkg/database"
	"github.com/vkultra/mitski/pkg/kv"
	"github.com/vkultra/mitski/pkg/queue"
	"github.com/vkultra/mitski/pkg/services"
	"github.com/vkultra/mitski/pkg/store"
)

// Server holds the ingress dependencies.
type Server struct {
	cfg    *config.Config
	db     *database.Client
	kv     *kv.Store
	store  *store.Store
	svc    *services.Services
	enq    queue.Enqueuer
	logger *slog.Logger
}

// NewServer builds the ingress over the shared dependencies.
func NewServer(cfg *config.Config, db *database.Client, kvStore *kv.Store,
	st *store.Store, svc *services.Services, enq queue.Enqueuer, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, db: db, kv: kvStore, store: st, svc: svc, enq: enq, logger: logger}
}

// Router assembles the gin engine with all routes.
func (s *Server) Router() *gin.Engine {
	if s.cfg.AppEnv == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/webhook/manager", s.ManagerWebhook)
	r.POST("/webhook/pix", s.PixWebhook)
	r.POST("/webhook/:botID", s.BotWebhook)

	admin := r.Group("/admin")
	{
		admin.GET("/ledger", s.GetLedger)
		admin.POST("/balance/recompute", s.PostBalanceRecompute)

		bots := admin.Group("/bots/:botID")
		bots.PUT("/active", s.PutBotActive)
		bots.PUT("/ai-config", s.PutAIConfig)
		bots.POST("/offers", s.PostOffer)
		bots.GET("/offers/:offerID", s.GetOffer)
		bots.POST("/actions", s.PostAction)
		bots.PUT("/upsells", s.PutUpsell)
		bots.PUT("/phases", s.PutPhase)
		bots.DELETE("/phases/:phaseID", s.DeletePhase)
		bots.POST("/blocks", s.PostBlock)
		bots.GET("/blocks", s.GetBlocks)
		bots.PUT("/blocks/:blockID", s.PutBlock)
		bots.DELETE("/blocks/:blockID", s.DeleteBlock)
		bots.POST("/start-template/bump", s.PostStartBump)
		bots.PUT("/recovery", s.PutRecovery)
		bots.PUT("/antispam", s.PutAntiSpam)
		bots.GET("/sessions/:userTG", s.GetUserSession)
	}

	return r
}

// HTTPServer wraps the router in an http.Server bound to the configured
// port.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.ServerPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Health returns the health status of the process's own components.
// External services (Telegram, LLM, gateway) are excluded so a flaky
// upstream never makes an orchestrator restart us.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK

	if err := database.Health(ctx, s.db.DB()); err != nil {
		checks["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
		status = http.StatusServiceUnavailable
	} else {
		checks["database"] = gin.H{"status": "healthy"}
	}

	if err := s.kv.Ping(ctx); err != nil {
		checks["redis"] = gin.H{"status": "unhealthy", "error": err.Error()}
		status = http.StatusServiceUnavailable
	} else {
		checks["redis"] = gin.H{"status": "healthy"}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}
