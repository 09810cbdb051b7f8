package service

import (
	"context"
	"fmt"
	"strings"

	"social-ratelimit/internal/domain"
)

// AdminService expõe operações de observabilidade e intervenção manual sobre os contadores
type AdminService struct {
	store   domain.CounterStore
	logger  domain.Logger
	metrics *Metrics
}

// NewAdminService cria o serviço administrativo
func NewAdminService(store domain.CounterStore, logger domain.Logger, metrics *Metrics) *AdminService {
	if logger == nil {
		logger = discardLogger{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &AdminService{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// GetStats lista os buckets sob o prefixo com contagem e TTL.
// Falhas parciais são registradas e o que foi coletado é devolvido.
func (a *AdminService) GetStats(ctx context.Context, prefix string) map[string]domain.BucketStat {
	stats := make(map[string]domain.BucketStat)
	pattern := bucketPattern(prefix)
	if a.store == nil {
		a.logger.Warn("Stats requested without a counter store", map[string]interface{}{
			"pattern": pattern,
		})
		return stats
	}

	keys, err := a.store.Keys(ctx, pattern)
	if err != nil {
		a.logger.Warn("Partial stats scan", map[string]interface{}{
			"pattern":   pattern,
			"collected": len(keys),
			"error":     err.Error(),
		})
	}

	for _, key := range keys {
		count, found, err := a.store.Get(ctx, key)
		if err != nil {
			a.logger.Warn("Failed to read bucket count", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		if !found {
			continue
		}

		ttl, err := a.store.TTL(ctx, key)
		if err != nil {
			a.logger.Warn("Failed to read bucket ttl", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}

		stats[key] = domain.BucketStat{Count: count, TTL: ttl}
	}

	return stats
}

// ResetLimits remove todos os buckets e violações de uma identidade (ex.: "user:42").
// É idempotente: sem chaves não há erro.
func (a *AdminService) ResetLimits(ctx context.Context, identityKey string) (int64, error) {
	identityKey = strings.TrimSpace(identityKey)
	if identityKey == "" || strings.ContainsAny(identityKey, "*?[]") {
		return 0, fmt.Errorf("%w: identity key %q", domain.ErrInvalidArgument, identityKey)
	}
	if err := a.connected(); err != nil {
		return 0, err
	}

	var keys []string
	for _, pattern := range []string{
		bucketPattern(identityKey),
		bucketPattern(string(domain.ProgressiveStrategy) + ":" + identityKey),
	} {
		found, err := a.store.Keys(ctx, pattern)
		if err != nil {
			return 0, fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		keys = append(keys, found...)
	}
	keys = append(keys, ViolationKey(identityKey))

	deleted, err := a.store.Del(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset limits for %s: %w", identityKey, err)
	}

	a.logger.Info("Rate limits reset", map[string]interface{}{
		"identity": identityKey,
		"deleted":  deleted,
	})
	return deleted, nil
}

// Cleanup remove buckets com TTL não positivo (sem expiração ou já expirados).
// Deve ser chamado periodicamente por um agendador externo.
func (a *AdminService) Cleanup(ctx context.Context) (int64, error) {
	if err := a.connected(); err != nil {
		return 0, err
	}
	pattern := domain.BucketPrefix + ":*"

	keys, err := a.store.Keys(ctx, pattern)
	if err != nil && len(keys) == 0 {
		return 0, fmt.Errorf("failed to scan bucket keys: %w", err)
	}
	if err != nil {
		a.logger.Warn("Partial cleanup scan", map[string]interface{}{
			"pattern":   pattern,
			"collected": len(keys),
			"error":     err.Error(),
		})
	}

	var stale []string
	for _, key := range keys {
		ttl, err := a.store.TTL(ctx, key)
		if err != nil {
			a.logger.Warn("Failed to read bucket ttl during cleanup", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		if ttl <= 0 {
			stale = append(stale, key)
		}
	}

	deleted, err := a.store.Del(ctx, stale...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale buckets: %w", err)
	}

	a.metrics.CleanupDeletedTotal.Add(float64(deleted))
	a.logger.Info("Rate limit cleanup completed", map[string]interface{}{
		"scanned": len(keys),
		"deleted": deleted,
	})
	return deleted, nil
}

// Ping verifica a saúde do store
func (a *AdminService) Ping(ctx context.Context) error {
	if err := a.connected(); err != nil {
		return err
	}
	return a.store.Ping(ctx)
}

// connected falha com ErrStoreUnavailable quando não há store
func (a *AdminService) connected() error {
	if a.store == nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, errNotConnected)
	}
	return nil
}

// bucketPattern monta o padrão de busca dos buckets de um prefixo
func bucketPattern(prefix string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		return domain.BucketPrefix + ":*"
	}
	return domain.BucketPrefix + ":" + prefix + ":*"
}
