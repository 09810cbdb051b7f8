package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"social-ratelimit/internal/domain"

	"github.com/go-redis/redis/v8"
)

// scanBatchSize é o COUNT usado nas iterações de SCAN
const scanBatchSize = 100

// RedisStore implementa a interface domain.CounterStore usando Redis
type RedisStore struct {
	client redis.Cmdable
	logger domain.Logger
}

// RedisOptions contém os parâmetros de conexão com o Redis
type RedisOptions struct {
	Host     string
	Port     string
	Password string
	DB       int
	Timeout  time.Duration
}

// NewRedisStore cria o RedisStore e testa a conexão.
// Redis fora do ar na subida não impede o processo: o cliente reconecta sozinho
// e até lá cada verificação falha aberta.
func NewRedisStore(opts RedisOptions, logger domain.Logger) (*RedisStore, error) {
	if opts.Host == "" || opts.Port == "" {
		return nil, fmt.Errorf("redis host and port are required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       opts.DB,

		// Configurações de performance
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolTimeout:  timeout + time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	// Testa a conexão
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		if logger != nil {
			logger.Warn("Redis unreachable at startup, rate limits fail open until it recovers", map[string]interface{}{
				"host":  opts.Host,
				"port":  opts.Port,
				"db":    opts.DB,
				"error": err.Error(),
			})
		}
		return NewRedisStoreFromClient(rdb, logger), nil
	}

	if logger != nil {
		logger.Info("Redis connection established", map[string]interface{}{
			"host": opts.Host,
			"port": opts.Port,
			"db":   opts.DB,
		})
	}

	return NewRedisStoreFromClient(rdb, logger), nil
}

// NewRedisStoreFromClient cria o store a partir de um cliente já configurado
func NewRedisStoreFromClient(client redis.Cmdable, logger domain.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

// Incr incrementa atomicamente o contador
func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	start := time.Now()

	value, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		r.logStorageOperation("INCR", key, false, time.Since(start).Seconds()*1000, err)
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}

	r.logStorageOperation("INCR", key, true, time.Since(start).Seconds()*1000, nil)
	return value, nil
}

// Expire define o TTL de uma chave
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()

	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		r.logStorageOperation("EXPIRE", key, false, time.Since(start).Seconds()*1000, err)
		return fmt.Errorf("failed to expire key %s: %w", key, err)
	}

	r.logStorageOperation("EXPIRE", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// TTL retorna o tempo restante de uma chave
func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	start := time.Now()

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		r.logStorageOperation("TTL", key, false, time.Since(start).Seconds()*1000, err)
		return 0, fmt.Errorf("failed to read ttl of key %s: %w", key, err)
	}

	r.logStorageOperation("TTL", key, true, time.Since(start).Seconds()*1000, nil)
	return ttl, nil
}

// Get recupera o valor atual de um contador
func (r *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	start := time.Now()

	value, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Chave não existe
			r.logStorageOperation("GET", key, true, time.Since(start).Seconds()*1000, nil)
			return 0, false, nil
		}
		r.logStorageOperation("GET", key, false, time.Since(start).Seconds()*1000, err)
		return 0, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	r.logStorageOperation("GET", key, true, time.Since(start).Seconds()*1000, nil)
	return value, true, nil
}

// Del remove as chaves informadas
func (r *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	start := time.Now()

	deleted, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		r.logStorageOperation("DEL", keys[0], false, time.Since(start).Seconds()*1000, err)
		return 0, fmt.Errorf("failed to delete %d keys: %w", len(keys), err)
	}

	r.logStorageOperation("DEL", keys[0], true, time.Since(start).Seconds()*1000, nil)
	return deleted, nil
}

// Keys lista as chaves que casam com o padrão usando SCAN, sem bloquear o servidor
func (r *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	start := time.Now()

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logStorageOperation("SCAN", pattern, false, time.Since(start).Seconds()*1000, err)
		return keys, fmt.Errorf("failed to scan pattern %s: %w", pattern, err)
	}

	r.logStorageOperation("SCAN", pattern, true, time.Since(start).Seconds()*1000, nil)
	return keys, nil
}

// Ping verifica se o Redis está saudável
func (r *RedisStore) Ping(ctx context.Context) error {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logStorageOperation("PING", "ping", false, time.Since(start).Seconds()*1000, err)
		return fmt.Errorf("Redis health check failed: %w", err)
	}

	r.logStorageOperation("PING", "ping", true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// Close fecha a conexão com o Redis
func (r *RedisStore) Close() error {
	if client, ok := r.client.(*redis.Client); ok {
		if err := client.Close(); err != nil {
			if r.logger != nil {
				r.logger.Error("Failed to close Redis connection", err, nil)
			}
			return err
		}
		if r.logger != nil {
			r.logger.Info("Redis connection closed", nil)
		}
	}
	return nil
}

// logStorageOperation registra operações de storage
func (r *RedisStore) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	if r.logger == nil {
		return
	}
	fields := map[string]interface{}{
		"operation":  operation,
		"key":        key,
		"latency_ms": latency,
	}
	if success {
		r.logger.Debug("Storage operation completed", fields)
		return
	}
	r.logger.Error("Storage operation failed", err, fields)
}
