package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"social-ratelimit/internal/domain"
	"social-ratelimit/internal/logger"
	"social-ratelimit/internal/service"
)

const (
	// UserIDKey é a chave do contexto gin onde a camada de autenticação grava a identidade
	UserIDKey = "user_id"

	// RequestIDKey é a chave do contexto gin com o ID da requisição
	RequestIDKey = "request_id"

	checkTimeout = 5 * time.Second
	maxBodyBytes = 1 << 20
)

// Checker é a cadeia de estratégias aplicada pelo middleware
type Checker interface {
	Label() string
	Uses(kind domain.StrategyKind) bool
	Check(ctx context.Context, req domain.RequestInfo) (service.Result, error)
}

// RateLimiterMiddleware traduz o resultado de uma cadeia em headers e status HTTP
type RateLimiterMiddleware struct {
	chain           Checker
	logger          domain.Logger
	readCredentials bool
	now             func() time.Time
}

// NewRateLimiterMiddleware cria o middleware para uma cadeia já resolvida
func NewRateLimiterMiddleware(chain Checker, logger domain.Logger) gin.HandlerFunc {
	middleware := &RateLimiterMiddleware{
		chain:           chain,
		logger:          logger,
		readCredentials: chain.Uses(domain.CredentialStrategy),
		now:             time.Now,
	}

	return middleware.Handle
}

// Protect resolve o rótulo no Protector e devolve o middleware da rota.
// Erros de configuração aparecem aqui, no registro da rota, e não por requisição.
func Protect(protector *service.Protector, label string, override domain.ChainConfig, overrideAction string, logger domain.Logger) (gin.HandlerFunc, error) {
	chain, err := protector.Chain(label, override, overrideAction)
	if err != nil {
		return nil, err
	}
	return NewRateLimiterMiddleware(chain, logger), nil
}

// MustProtect é como Protect, mas entra em pânico com configuração inválida
func MustProtect(protector *service.Protector, label string, override domain.ChainConfig, overrideAction string, logger domain.Logger) gin.HandlerFunc {
	handler, err := Protect(protector, label, override, overrideAction, logger)
	if err != nil {
		panic(fmt.Sprintf("rate limiter for %q: %v", label, err))
	}
	return handler
}

// Handle é o handler principal do middleware
func (m *RateLimiterMiddleware) Handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	req := m.requestInfo(c)
	ctx = logger.ContextWithRequestInfo(ctx, getRequestID(c), req.ClientIP, req.UserID, c.GetHeader("User-Agent"))
	log := m.logger.WithContext(ctx)

	result, err := m.chain.Check(ctx, req)

	for _, decision := range result.Decisions {
		if decision.Outcome == domain.StoreError {
			logger.LogDecision(log, result.Label, decision)
		}
	}

	if exceeded, ok := domain.IsRateLimitExceeded(err); ok {
		logger.LogDecision(log, result.Label, result.Effective)
		m.deny(c, result, exceeded)
		return
	}
	if err != nil {
		// A cadeia só devolve negações; qualquer outro erro é tratado como fail-open
		log.Error("Unexpected rate limiter error, request admitted", err, map[string]interface{}{
			"label": m.chain.Label(),
			"path":  c.Request.URL.Path,
		})
		c.Next()
		return
	}

	logger.LogDecision(log, result.Label, result.Effective)
	m.setRateLimitHeaders(c, result)
	c.Next()
}

// requestInfo monta os dados da requisição usados pelas estratégias
func (m *RateLimiterMiddleware) requestInfo(c *gin.Context) domain.RequestInfo {
	req := domain.RequestInfo{
		ClientIP: GetClientIP(c),
		UserID:   c.GetString(UserIDKey),
		Endpoint: c.FullPath(),
	}

	if m.readCredentials {
		req.Username, req.Email = readCredentials(c)
	}

	return req
}

// deny responde 429 com Retry-After e o corpo padronizado
func (m *RateLimiterMiddleware) deny(c *gin.Context, result service.Result, exceeded *domain.RateLimitExceededError) {
	retryAfter := exceeded.RetryAfter(m.now())

	m.setRateLimitHeaders(c, result)
	c.Header("Retry-After", strconv.Itoa(retryAfter))

	message := "Too many requests. Please try again later."
	switch {
	case exceeded.Strategy == domain.CredentialStrategy:
		message = "Too many authentication attempts. Please try again later."
	case exceeded.Action != "":
		message = fmt.Sprintf("Too many %s actions. Please try again later.", exceeded.Action)
	}

	response := gin.H{
		"success":    false,
		"error":      "Rate limit exceeded",
		"message":    message,
		"retryAfter": retryAfter,
	}
	if exceeded.Action != "" {
		response["action"] = exceeded.Action
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, response)
}

// setRateLimitHeaders define headers informativos de rate limiting
func (m *RateLimiterMiddleware) setRateLimitHeaders(c *gin.Context, result service.Result) {
	effective := result.Effective
	if effective.Outcome == domain.Skipped {
		return
	}

	c.Header("X-RateLimit-Limit", strconv.Itoa(effective.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(effective.Remaining))
	if !effective.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(effective.ResetAt.Unix(), 10))
	}
	if effective.Action != "" {
		c.Header("X-RateLimit-Action", effective.Action)
	}
	if effective.Endpoint != "" {
		c.Header("X-RateLimit-Endpoint", effective.Endpoint)
	}

	for _, decision := range result.Decisions {
		if decision.Strategy == domain.ProgressiveStrategy && decision.Penalty > 0 {
			c.Header("X-RateLimit-Violations", strconv.Itoa(decision.Violations))
			c.Header("X-RateLimit-Penalty", strconv.Itoa(decision.Penalty))
		}
	}
}

// readCredentials lê username/email de um corpo JSON.
// O handler seguinte recebe o corpo inteiro: o trecho lido é recolocado na frente do restante.
func readCredentials(c *gin.Context) (username, email string) {
	if c.Request.Body == nil || !strings.Contains(c.ContentType(), "json") {
		return "", ""
	}

	original := c.Request.Body
	data, err := io.ReadAll(io.LimitReader(original, maxBodyBytes+1))
	c.Request.Body = &restoredBody{
		Reader: io.MultiReader(bytes.NewReader(data), original),
		closer: original,
	}
	// Corpos acima do limite seguem intactos, sem extração de credenciais
	if err != nil || len(data) > maxBodyBytes {
		return "", ""
	}

	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", ""
	}
	return body.Username, body.Email
}

// restoredBody devolve o corpo reconstituído e fecha o corpo original
type restoredBody struct {
	io.Reader
	closer io.Closer
}

func (b *restoredBody) Close() error {
	return b.closer.Close()
}

// GetClientIP extrai o IP do cliente considerando proxies e load balancers
func GetClientIP(c *gin.Context) string {
	// Prioridade: X-Forwarded-For > X-Real-IP > RemoteAddr

	// X-Forwarded-For pode conter múltiplos IPs separados por vírgula
	// O primeiro é o IP original do cliente
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if clientIP := strings.TrimSpace(strings.Split(xff, ",")[0]); clientIP != "" {
			return clientIP
		}
	}

	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return host
	}

	return c.Request.RemoteAddr
}

// RequestID garante um X-Request-ID em toda requisição
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// getRequestID obtém o ID gravado pelo middleware RequestID ou gera um novo
func getRequestID(c *gin.Context) string {
	if requestID := c.GetString(RequestIDKey); requestID != "" {
		return requestID
	}
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		return requestID
	}
	return uuid.New().String()
}

// UserIdentity copia o cabeçalho X-User-ID para o contexto gin.
// Substitui a camada de autenticação real nos ambientes de demonstração.
func UserIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := strings.TrimSpace(c.GetHeader("X-User-ID")); userID != "" {
			c.Set(UserIDKey, userID)
		}
		c.Next()
	}
}

// AdminAuth protege rotas administrativas com um token estático.
// Token vazio desliga a verificação.
func AdminAuth(token string, log domain.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		provided := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			log.Warn("Admin request rejected", map[string]interface{}{
				"client_ip": GetClientIP(c),
				"token":     maskToken(provided),
				"path":      c.Request.URL.Path,
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// maskToken mascara o token para logs de segurança.
// Tokens curtos nunca aparecem, nem parcialmente.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "***"
}
