package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"social-ratelimit/internal/domain"
)

var errNotConnected = errors.New("counter store not connected")

// WindowCounter implementa o contador por janela fixa alinhada à epoch.
// Toda verificação incrementa o contador no store; não há cache local.
type WindowCounter struct {
	store   domain.CounterStore
	logger  domain.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configura o WindowCounter
type Option func(w *WindowCounter)

// WithClock substitui o relógio usado para calcular as janelas
func WithClock(now func() time.Time) Option {
	return func(w *WindowCounter) {
		w.now = now
	}
}

// WithMetrics define as métricas utilizadas pelo contador
func WithMetrics(metrics *Metrics) Option {
	return func(w *WindowCounter) {
		w.metrics = metrics
	}
}

// NewWindowCounter cria o contador sobre um store já conectado.
// Um store nil é tratado como indisponível: todas as verificações admitem.
func NewWindowCounter(store domain.CounterStore, logger domain.Logger, opts ...Option) *WindowCounter {
	w := &WindowCounter{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = discardLogger{}
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(nil)
	}
	return w
}

// BucketKey monta a chave do contador de uma janela
func BucketKey(key string, windowIndex int64) string {
	return fmt.Sprintf("%s:%s:%d", domain.BucketPrefix, key, windowIndex)
}

// ExpiryFor converte a janela para o TTL do store, arredondando para cima em segundos
func ExpiryFor(window time.Duration) time.Duration {
	return (window + time.Second - 1).Truncate(time.Second)
}

// CheckAndIncrement incrementa o contador da janela atual e decide se a requisição é admitida.
// Falhas do store nunca são propagadas: a decisão resultante admite a requisição.
func (w *WindowCounter) CheckAndIncrement(ctx context.Context, key string, window time.Duration, maxRequests int, label string) (domain.Decision, error) {
	if key == "" || window < time.Millisecond || maxRequests < 1 {
		return domain.Decision{}, fmt.Errorf("%w: key=%q window=%s maxRequests=%d", domain.ErrInvalidArgument, key, window, maxRequests)
	}

	start := time.Now()
	now := w.now()
	windowMs := window.Milliseconds()
	windowIndex := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((windowIndex + 1) * windowMs)

	decision := domain.Decision{
		Key:       key,
		BucketKey: BucketKey(key, windowIndex),
		Label:     label,
		Limit:     maxRequests,
		Window:    window,
		ResetAt:   resetAt,
	}

	if w.store == nil {
		return w.failOpen(decision, "INCR", errNotConnected), nil
	}

	count, err := w.store.Incr(ctx, decision.BucketKey)
	if err != nil {
		return w.failOpen(decision, "INCR", err), nil
	}

	// Apenas o incremento que cria o bucket define a expiração
	if count == 1 {
		if err := w.store.Expire(ctx, decision.BucketKey, ExpiryFor(window)); err != nil {
			return w.failOpen(decision, "EXPIRE", err), nil
		}
	}

	decision.Current = int(count)
	w.metrics.CheckDuration.Observe(time.Since(start).Seconds())

	if count > int64(maxRequests) {
		decision.Outcome = domain.Denied
		decision.Remaining = 0
		decision.RetryAfter = retryAfter(now, resetAt)
		decision.Err = &domain.RateLimitExceededError{
			Label:   label,
			Limit:   maxRequests,
			Current: decision.Current,
			Window:  window,
			ResetAt: resetAt,
		}
		w.metrics.ChecksTotal.WithLabelValues(domain.Denied.String()).Inc()
		return decision, nil
	}

	decision.Outcome = domain.Admitted
	decision.Remaining = maxRequests - decision.Current
	w.metrics.ChecksTotal.WithLabelValues(domain.Admitted.String()).Inc()
	return decision, nil
}

// failOpen conta a falha do store e devolve uma decisão que admite a requisição.
// O registro em log fica com quem consome a decisão (logger.LogDecision).
func (w *WindowCounter) failOpen(decision domain.Decision, operation string, cause error) domain.Decision {
	w.metrics.StoreErrorsTotal.WithLabelValues(operation).Inc()
	w.metrics.ChecksTotal.WithLabelValues(domain.StoreError.String()).Inc()

	decision.Outcome = domain.StoreError
	decision.Current = 0
	decision.Remaining = decision.Limit
	decision.Err = fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, operation, cause)
	return decision
}

// retryAfter arredonda para cima em segundos, nunca menos que 1s
func retryAfter(now, resetAt time.Time) time.Duration {
	d := (resetAt.Sub(now) + time.Second - 1).Truncate(time.Second)
	if d < time.Second {
		return time.Second
	}
	return d
}

// discardLogger é usado quando nenhum logger é informado
type discardLogger struct{}

func (discardLogger) Debug(string, map[string]interface{})        {}
func (discardLogger) Info(string, map[string]interface{})         {}
func (discardLogger) Warn(string, map[string]interface{})         {}
func (discardLogger) Error(string, error, map[string]interface{}) {}
func (d discardLogger) WithContext(context.Context) domain.Logger { return d }
