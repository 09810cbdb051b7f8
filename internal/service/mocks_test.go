package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/mock"

	"social-ratelimit/internal/domain"
	"social-ratelimit/internal/storage"
)

// MockStore é um mock do CounterStore para testes
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Incr(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	args := m.Called(ctx, key, ttl)
	return args.Error(0)
}

func (m *MockStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(time.Duration), args.Error(1)
}

func (m *MockStore) Get(ctx context.Context, key string) (int64, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MockStore) Del(ctx context.Context, keys ...string) (int64, error) {
	args := m.Called(ctx, keys)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	args := m.Called(ctx, pattern)
	var keys []string
	if args.Get(0) != nil {
		keys = args.Get(0).([]string)
	}
	return keys, args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockLogger é um mock do Logger; chamadas sem expectativa falham o teste
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
	return m
}

// MockStrategy é um mock de domain.Strategy para testes de cadeia
type MockStrategy struct {
	mock.Mock
	kind domain.StrategyKind
}

func (m *MockStrategy) Kind() domain.StrategyKind {
	return m.kind
}

func (m *MockStrategy) Check(ctx context.Context, req domain.RequestInfo) domain.Decision {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.Decision)
}

// flakyStore delega ao store real e falha enquanto fail estiver ligado
type flakyStore struct {
	domain.CounterStore
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *flakyStore) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return 0, context.DeadlineExceeded
	}
	return f.CounterStore.Incr(ctx, key)
}

// testClock é um relógio manual para controlar as janelas
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	// 12:00:00 é alinhado a janelas de 10 minutos
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newMemoryCounter cria um contador sobre o store em memória com relógio manual
func newMemoryCounter(t *testing.T) (*WindowCounter, *storage.MemoryStore, *testClock) {
	t.Helper()
	clock := newTestClock()
	store := storage.NewMemoryStoreWithClock(nil, clock.Now)
	return NewWindowCounter(store, nil, WithClock(clock.Now)), store, clock
}

// newRedisCounter cria um contador sobre um Redis em memória (miniredis)
func newRedisCounter(t *testing.T) (*WindowCounter, *storage.RedisStore, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	clock := newTestClock()
	store := storage.NewRedisStoreFromClient(client, nil)
	return NewWindowCounter(store, nil, WithClock(clock.Now)), store, mr, clock
}
