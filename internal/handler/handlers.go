package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"social-ratelimit/internal/domain"
	"social-ratelimit/internal/middleware"
	"social-ratelimit/internal/service"
)

const healthTimeout = 2 * time.Second

// Options reúne parâmetros das rotas que não vêm do Protector
type Options struct {
	AdminToken  string
	Window      time.Duration
	MaxRequests int
}

// Handlers contém os handlers da API
type Handlers struct {
	protector *service.Protector
	admin     *service.AdminService
	gatherer  prometheus.Gatherer
	logger    domain.Logger
	options   Options
	startTime time.Time
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(protector *service.Protector, admin *service.AdminService, gatherer prometheus.Gatherer, logger domain.Logger, options Options) *Handlers {
	if options.Window <= 0 {
		options.Window = service.DefaultWindow
	}
	if options.MaxRequests <= 0 {
		options.MaxRequests = service.DefaultMaxRequests
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		protector: protector,
		admin:     admin,
		gatherer:  gatherer,
		logger:    logger,
		options:   options,
		startTime: time.Now(),
	}
}

// route descreve uma rota de demonstração e o rótulo que a protege
type route struct {
	method   string
	path     string
	label    string
	override domain.ChainConfig
	action   string
}

// routes é a tabela de rotas sociais protegidas
func (h *Handlers) routes() []route {
	endpoint := func(name string) domain.StrategyConfig {
		return domain.StrategyConfig{Kind: domain.EndpointStrategy, Name: name, Window: h.options.Window, MaxRequests: h.options.MaxRequests}
	}
	ip := domain.StrategyConfig{Kind: domain.IPStrategy, Window: h.options.Window, MaxRequests: h.options.MaxRequests}
	userAction := func(name string) domain.ChainConfig {
		return domain.ChainConfig{
			{Kind: domain.UserStrategy, Window: h.options.Window, MaxRequests: h.options.MaxRequests},
			{Kind: domain.ActionStrategy, Name: name, Window: h.options.Window, MaxRequests: h.options.MaxRequests},
		}
	}

	return []route{
		{method: http.MethodPost, path: "/auth/login", label: domain.AuthConfig},
		{method: http.MethodPost, path: "/auth/register", label: "registration", override: domain.ChainConfig{ip, endpoint("register")}},
		{method: http.MethodPost, path: "/auth/password-reset", label: "passwordReset", override: domain.ChainConfig{ip, endpoint("password-reset")}},
		{method: http.MethodPut, path: "/auth/password", label: "passwordChange", override: userAction(domain.ActionPasswordChange)},
		{method: http.MethodGet, path: "/timeline", label: domain.AuthenticatedConfig},
		{method: http.MethodPost, path: "/tweets", label: domain.ContentCreationConfig},
		{method: http.MethodPost, path: "/tweets/:id/like", label: domain.SocialActionConfig},
		{method: http.MethodPost, path: "/tweets/:id/retweet", label: domain.SocialActionConfig, action: domain.ActionRetweet},
		{method: http.MethodPost, path: "/users/:id/follow", label: domain.SocialActionConfig, action: domain.ActionFollow},
		{method: http.MethodPost, path: "/users/bulk-follow", label: domain.BulkOperationConfig},
		{method: http.MethodPost, path: "/users/bulk-unfollow", label: domain.BulkOperationConfig, action: domain.ActionBulkUnfollow},
		{method: http.MethodGet, path: "/search", label: "search"},
		{method: http.MethodPut, path: "/profile", label: "profileUpdate", override: userAction(domain.ActionProfileUpdate)},
	}
}

// SetupRoutes configura as rotas da API.
// Rótulos sem cadeia e sem fallback falham aqui, antes de o servidor subir.
func (h *Handlers) SetupRoutes(router *gin.Engine) error {
	router.Use(middleware.RequestID())

	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.Use(middleware.UserIdentity())
	for _, r := range h.routes() {
		protect, err := middleware.Protect(h.protector, r.label, r.override, r.action, h.logger)
		if err != nil {
			return fmt.Errorf("route %s %s: %w", r.method, r.path, err)
		}
		api.Handle(r.method, r.path, protect, h.SocialHandler(r.label, r.action))
	}

	admin := router.Group("/admin")
	admin.Use(middleware.AdminAuth(h.options.AdminToken, h.logger))
	{
		admin.GET("/stats", h.AdminStatsHandler)
		admin.POST("/reset", h.AdminResetHandler)
		admin.POST("/cleanup", h.AdminCleanupHandler)
	}

	return nil
}

// HealthHandler implementa health check com ping no store
func (h *Handlers) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	response := gin.H{
		"status":         "healthy",
		"service":        "Social Rate Limiter API",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"version":        "1.0.0",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"storage":        "up",
	}

	if err := h.admin.Ping(ctx); err != nil {
		h.logger.WithContext(ctx).Error("Health check failed", err, nil)
		response["status"] = "unhealthy"
		response["storage"] = "down"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

// SocialHandler responde às rotas de demonstração já liberadas pelo rate limiter
func (h *Handlers) SocialHandler(label, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := gin.H{
			"success":   true,
			"label":     label,
			"path":      c.FullPath(),
			"client_ip": middleware.GetClientIP(c),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if action != "" {
			response["action"] = action
		}
		if userID := c.GetString(middleware.UserIDKey); userID != "" {
			response["user_id"] = userID
		}
		if id := c.Param("id"); id != "" {
			response["target_id"] = id
		}

		c.JSON(http.StatusOK, response)
	}
}

// AdminStatsHandler lista os buckets sob um prefixo
func (h *Handlers) AdminStatsHandler(c *gin.Context) {
	prefix := strings.TrimSpace(c.Query("prefix"))
	stats := h.admin.GetStats(c.Request.Context(), prefix)

	buckets := make(gin.H, len(stats))
	for key, stat := range stats {
		buckets[key] = gin.H{
			"count":       stat.Count,
			"ttl_seconds": int64(math.Ceil(stat.TTL.Seconds())),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"prefix":    prefix,
		"total":     len(stats),
		"buckets":   buckets,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminResetRequest representa o corpo da requisição para reset
type AdminResetRequest struct {
	Key string `json:"key" binding:"required"`
}

// AdminResetHandler remove os contadores de uma identidade
func (h *Handlers) AdminResetHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req AdminResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	deleted, err := h.admin.ResetLimits(ctx, req.Key)
	if errors.Is(err, domain.ErrInvalidArgument) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "key must be a concrete identity such as user:42 or ip:203.0.113.9",
		})
		return
	}
	if err != nil {
		h.logger.WithContext(ctx).Error("Failed to reset rate limits", err, map[string]interface{}{
			"key": req.Key,
		})
		c.JSON(storeErrorStatus(err), gin.H{
			"success": false,
			"error":   "internal_server_error",
			"message": "Failed to reset rate limits",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"key":       strings.TrimSpace(req.Key),
		"deleted":   deleted,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminCleanupHandler executa a limpeza de buckets sem expiração sob demanda
func (h *Handlers) AdminCleanupHandler(c *gin.Context) {
	ctx := c.Request.Context()

	deleted, err := h.admin.Cleanup(ctx)
	if err != nil {
		h.logger.WithContext(ctx).Error("Rate limit cleanup failed", err, nil)
		c.JSON(storeErrorStatus(err), gin.H{
			"success": false,
			"error":   "internal_server_error",
			"message": "Cleanup failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"deleted":   deleted,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// storeErrorStatus responde 503 quando o store não está conectado
func storeErrorStatus(err error) int {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
