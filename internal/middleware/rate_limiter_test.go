package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"social-ratelimit/internal/domain"
	"social-ratelimit/internal/logger"
	"social-ratelimit/internal/service"
	"social-ratelimit/internal/storage"
)

// MockLogger é um mock do Logger para testes
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Info(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Warn(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Error(msg string, err error, fields map[string]interface{}) {
	m.Called(msg, err, fields)
}

func (m *MockLogger) WithContext(ctx context.Context) domain.Logger {
	args := m.Called(ctx)
	return args.Get(0).(domain.Logger)
}

// MockChecker é um mock da cadeia de estratégias
type MockChecker struct {
	mock.Mock
}

func (m *MockChecker) Label() string {
	return "mock"
}

func (m *MockChecker) Uses(kind domain.StrategyKind) bool {
	return false
}

func (m *MockChecker) Check(ctx context.Context, req domain.RequestInfo) (service.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(service.Result), args.Error(1)
}

func quietLogger() domain.Logger {
	return logger.NewLoggerWithOutput("error", "json", io.Discard)
}

func newTestProtector(t *testing.T, chains map[string]domain.ChainConfig) *service.Protector {
	t.Helper()
	counter := service.NewWindowCounter(storage.NewMemoryStore(nil), nil)
	protector, err := service.NewProtector(counter, chains, service.ProgressiveOptions{}, nil)
	require.NoError(t, err)
	return protector
}

func limit(kind domain.StrategyKind, name string, max int) domain.StrategyConfig {
	return domain.StrategyConfig{Kind: kind, Name: name, Window: 10 * time.Minute, MaxRequests: max}
}

// setupTestRouter cria um router Gin para testes
func setupTestRouter(middleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), UserIdentity())

	handler := func(c *gin.Context) {
		var body struct {
			Username string `json:"username"`
		}
		_ = c.ShouldBindJSON(&body)
		c.JSON(http.StatusOK, gin.H{"message": "success", "username": body.Username})
	}
	router.GET("/test", middleware, handler)
	router.POST("/test", middleware, handler)
	return router
}

func doRequest(router http.Handler, method, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "/test", reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRateLimiterMiddleware_AllowedRequestSetsHeaders(t *testing.T) {
	protector := newTestProtector(t, service.DefaultChains(10*time.Minute, 3, 1))
	router := setupTestRouter(MustProtect(protector, domain.PublicConfig, nil, "", quietLogger()))
	headers := map[string]string{"X-Forwarded-For": "192.168.1.1"}

	for _, expected := range []string{"2", "1", "0"} {
		w := doRequest(router, http.MethodGet, "", headers)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, expected, w.Header().Get("X-RateLimit-Remaining"))

		reset, err := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, reset, time.Now().Unix()-1)
		assert.LessOrEqual(t, reset, time.Now().Add(10*time.Minute).Unix())
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	}
}

// Cenário 1 na borda HTTP: a quarta requisição recebe 429 com Retry-After
func TestRateLimiterMiddleware_DeniedRequest(t *testing.T) {
	protector := newTestProtector(t, service.DefaultChains(10*time.Minute, 3, 1))
	router := setupTestRouter(MustProtect(protector, domain.PublicConfig, nil, "", quietLogger()))
	headers := map[string]string{"X-Real-IP": "10.9.9.9"}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "", headers).Code)
	}

	w := doRequest(router, http.MethodGet, "", headers)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retryHeader, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryHeader, 0)
	assert.LessOrEqual(t, retryHeader, 600)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	body := decodeBody(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, "Too many requests. Please try again later.", body["message"])
	assert.Equal(t, float64(retryHeader), body["retryAfter"])
	assert.NotContains(t, body, "action")

	// Outro endereço tem cota própria
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "", map[string]string{"X-Real-IP": "10.9.9.10"}).Code)
}

func TestRateLimiterMiddleware_CredentialDenialMessage(t *testing.T) {
	protector := newTestProtector(t, map[string]domain.ChainConfig{
		domain.AuthConfig: {
			limit(domain.IPStrategy, "", 10),
			limit(domain.CredentialStrategy, "", 2),
		},
	})
	router := setupTestRouter(MustProtect(protector, domain.AuthConfig, nil, "", quietLogger()))
	headers := map[string]string{"X-Forwarded-For": "172.16.0.5"}

	for i := 0; i < 2; i++ {
		w := doRequest(router, http.MethodPost, `{"username":"Alice","password":"x"}`, headers)
		require.Equal(t, http.StatusOK, w.Code)
		// O corpo continua disponível para o handler
		assert.Equal(t, "Alice", decodeBody(t, w)["username"])
	}

	w := doRequest(router, http.MethodPost, `{"username":"alice","password":"y"}`, headers)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Too many authentication attempts. Please try again later.", decodeBody(t, w)["message"])

	// Outra conta a partir do mesmo endereço ainda pode tentar
	w = doRequest(router, http.MethodPost, `{"email":"bob@example.com"}`, headers)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterMiddleware_OversizedBodyReachesHandlerIntact(t *testing.T) {
	protector := newTestProtector(t, map[string]domain.ChainConfig{
		domain.AuthConfig: {
			limit(domain.IPStrategy, "", 10),
			limit(domain.CredentialStrategy, "", 10),
		},
	})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/test", MustProtect(protector, domain.AuthConfig, nil, "", quietLogger()), func(c *gin.Context) {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": len(data), "valid_json": json.Valid(data)})
	})

	payload := `{"username":"alice","padding":"` + strings.Repeat("x", 2*maxBodyBytes) + `"}`
	w := doRequest(router, http.MethodPost, payload, map[string]string{"X-Forwarded-For": "172.16.0.9"})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(len(payload)), body["received"])
	assert.Equal(t, true, body["valid_json"])
}

func TestReadCredentials_ClosesOriginalBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	original := &trackingBody{Reader: strings.NewReader(`{"email":"Bob@Example.com"}`)}
	c.Request = httptest.NewRequest(http.MethodPost, "/test", nil)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Request.Body = original

	username, email := readCredentials(c)
	assert.Empty(t, username)
	assert.Equal(t, "Bob@Example.com", email)
	assert.False(t, original.closed, "the handler still owns the body")

	data, err := io.ReadAll(c.Request.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"email":"Bob@Example.com"}`, string(data))

	require.NoError(t, c.Request.Body.Close())
	assert.True(t, original.closed)
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestRateLimiterMiddleware_ActionDenialIncludesAction(t *testing.T) {
	protector := newTestProtector(t, map[string]domain.ChainConfig{
		"likes": {limit(domain.ActionStrategy, domain.ActionLike, 1)},
	})
	router := setupTestRouter(MustProtect(protector, "likes", nil, "", quietLogger()))
	alice := map[string]string{"X-Forwarded-For": "10.0.0.1", "X-User-ID": "alice"}

	w := doRequest(router, http.MethodPost, "", alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.ActionLike, w.Header().Get("X-RateLimit-Action"))

	w = doRequest(router, http.MethodPost, "", alice)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, domain.ActionLike, body["action"])
	assert.Equal(t, "Too many like actions. Please try again later.", body["message"])

	// A mesma cadeia com a ação renomeada tem cota própria
	retweets := setupTestRouter(MustProtect(protector, "likes", nil, domain.ActionRetweet, quietLogger()))
	w = doRequest(retweets, http.MethodPost, "", alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.ActionRetweet, w.Header().Get("X-RateLimit-Action"))
}

func TestRateLimiterMiddleware_ProgressiveHeaders(t *testing.T) {
	protector := newTestProtector(t, map[string]domain.ChainConfig{
		domain.SocialActionConfig: {limit(domain.ProgressiveStrategy, "", 2)},
	})
	router := setupTestRouter(MustProtect(protector, domain.SocialActionConfig, nil, "", quietLogger()))
	headers := map[string]string{"X-User-ID": "42"}

	w := doRequest(router, http.MethodPost, "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Violations"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Penalty"))
}

func TestRateLimiterMiddleware_SkippedChainSetsNoHeaders(t *testing.T) {
	protector := newTestProtector(t, map[string]domain.ChainConfig{
		domain.AuthenticatedConfig: {limit(domain.UserStrategy, "", 1)},
	})
	router := setupTestRouter(MustProtect(protector, domain.AuthenticatedConfig, nil, "", quietLogger()))

	for i := 0; i < 3; i++ {
		w := doRequest(router, http.MethodGet, "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

// Cenário 2 na borda HTTP: store fora do ar nunca vira erro para o usuário
func TestRateLimiterMiddleware_FailsOpenWhenStoreIsDown(t *testing.T) {
	counter := service.NewWindowCounter(nil, nil)
	protector, err := service.NewProtector(counter, service.DefaultChains(time.Minute, 1, 1), service.ProgressiveOptions{}, nil)
	require.NoError(t, err)
	router := setupTestRouter(MustProtect(protector, domain.ContentCreationConfig, nil, "", quietLogger()))

	for i := 0; i < 3; i++ {
		w := doRequest(router, http.MethodPost, "", map[string]string{"X-User-ID": "bob"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimiterMiddleware_UnexpectedErrorAdmits(t *testing.T) {
	checker := new(MockChecker)
	checker.On("Check", mock.Anything, mock.Anything).Return(service.Result{Effective: domain.Decision{Outcome: domain.Skipped}}, errors.New("boom"))

	mockLogger := new(MockLogger)
	mockLogger.On("WithContext", mock.Anything).Return(mockLogger)
	mockLogger.On("Error", "Unexpected rate limiter error, request admitted", mock.Anything, mock.Anything).Once()

	router := setupTestRouter(NewRateLimiterMiddleware(checker, mockLogger))
	w := doRequest(router, http.MethodGet, "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	mockLogger.AssertExpectations(t)
}

func TestRateLimiterMiddleware_LogsDenial(t *testing.T) {
	exceeded := &domain.RateLimitExceededError{Strategy: domain.UserStrategy, Label: "user", Limit: 1, Current: 2, ResetAt: time.Now().Add(time.Minute)}
	checker := new(MockChecker)
	checker.On("Check", mock.Anything, mock.MatchedBy(func(req domain.RequestInfo) bool {
		return req.UserID == "7" && req.ClientIP == "203.0.113.1" && req.Endpoint == "/test"
	})).Return(service.Result{
		Label:     "authenticated",
		Decisions: []domain.Decision{{Outcome: domain.Denied, Strategy: domain.UserStrategy, Err: exceeded}},
		Effective: domain.Decision{Outcome: domain.Denied, Strategy: domain.UserStrategy, Limit: 1, Current: 2, ResetAt: exceeded.ResetAt, Err: exceeded},
	}, exceeded)

	mockLogger := new(MockLogger)
	mockLogger.On("WithContext", mock.Anything).Return(mockLogger)
	mockLogger.On("Warn", "Rate limit exceeded", mock.MatchedBy(func(fields map[string]interface{}) bool {
		return fields["label"] == "authenticated" && fields["strategy"] == "user"
	})).Once()

	router := setupTestRouter(NewRateLimiterMiddleware(checker, mockLogger))
	w := doRequest(router, http.MethodGet, "", map[string]string{"X-User-ID": "7", "X-Forwarded-For": "203.0.113.1, 10.0.0.1"})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	checker.AssertExpectations(t)
	mockLogger.AssertExpectations(t)
}

func TestProtect_ConfigurationErrors(t *testing.T) {
	protector := newTestProtector(t, map[string]domain.ChainConfig{
		"only": {limit(domain.IPStrategy, "", 1)},
	})

	_, err := Protect(protector, "missing", nil, "", quietLogger())
	var configErr *domain.ConfigurationError
	assert.True(t, errors.As(err, &configErr))

	handler, err := Protect(protector, "custom", domain.ChainConfig{limit(domain.EndpointStrategy, "export", 1)}, "", quietLogger())
	require.NoError(t, err)
	assert.NotNil(t, handler)

	assert.Panics(t, func() {
		MustProtect(protector, "missing", nil, "", quietLogger())
	})
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expected   string
	}{
		{name: "X-Forwarded-For single", headers: map[string]string{"X-Forwarded-For": "203.0.113.1"}, remoteAddr: "10.0.0.1:1234", expected: "203.0.113.1"},
		{name: "X-Forwarded-For chain", headers: map[string]string{"X-Forwarded-For": " 203.0.113.1 , 10.0.0.2"}, remoteAddr: "10.0.0.1:1234", expected: "203.0.113.1"},
		{name: "X-Real-IP", headers: map[string]string{"X-Real-IP": "198.51.100.4"}, remoteAddr: "10.0.0.1:1234", expected: "198.51.100.4"},
		{name: "Forwarded-For wins over Real-IP", headers: map[string]string{"X-Forwarded-For": "203.0.113.1", "X-Real-IP": "198.51.100.4"}, remoteAddr: "10.0.0.1:1234", expected: "203.0.113.1"},
		{name: "RemoteAddr with port", remoteAddr: "192.0.2.1:5555", expected: "192.0.2.1"},
		{name: "RemoteAddr without port", remoteAddr: "192.0.2.1", expected: "192.0.2.1"},
	}

	gin.SetMode(gin.TestMode)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.RemoteAddr = tt.remoteAddr
			for key, value := range tt.headers {
				c.Request.Header.Set(key, value)
			}

			assert.Equal(t, tt.expected, GetClientIP(c))
		})
	}
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.GET("/id", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(RequestIDKey))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/id", nil))
	generated := w.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
}

func TestAdminAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		token    string
		header   string
		expected int
	}{
		{name: "Disabled without token", token: "", header: "", expected: http.StatusOK},
		{name: "Valid bearer token", token: "s3cret-admin-token", header: "Bearer s3cret-admin-token", expected: http.StatusOK},
		{name: "Missing header", token: "s3cret-admin-token", header: "", expected: http.StatusUnauthorized},
		{name: "Wrong token", token: "s3cret-admin-token", header: "Bearer nope", expected: http.StatusUnauthorized},
		{name: "Same length wrong token", token: "s3cret-admin-token", header: "Bearer s3cret-admin-tokeN", expected: http.StatusUnauthorized},
		{name: "Token prefix only", token: "s3cret-admin-token", header: "Bearer s3cret", expected: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/admin", AdminAuth(tt.token, quietLogger()), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestAdminAuth_RejectedTokenIsMaskedInLogs(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockLogger := new(MockLogger)
	mockLogger.On("Warn", "Admin request rejected", mock.MatchedBy(func(fields map[string]interface{}) bool {
		return fields["token"] == "***" && fields["path"] == "/admin"
	})).Return().Once()

	router := gin.New()
	router.GET("/admin", AdminAuth("s3cret-admin-token", mockLogger), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer guess")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	mockLogger.AssertExpectations(t)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", maskToken(""))
	assert.Equal(t, "***", maskToken("short"))
	assert.Equal(t, "***", maskToken("12345678"))
	assert.Equal(t, "very***", maskToken("verylongtoken123456789"))
}
