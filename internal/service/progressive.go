package service

import (
	"context"
	"time"

	"social-ratelimit/internal/domain"
)

const (
	// DefaultViolationTTL é a duração do contador de violações
	DefaultViolationTTL = 24 * time.Hour

	// DefaultMaxViolationExponent limita a penalidade em 2^10
	DefaultMaxViolationExponent = 10

	// MaxWindow é a maior janela aceita, inclusive depois da penalidade
	MaxWindow = 365 * 24 * time.Hour
)

// ProgressiveOptions parametriza o contador de violações
type ProgressiveOptions struct {
	ViolationTTL         time.Duration
	MaxViolationExponent int
}

func (o ProgressiveOptions) withDefaults() ProgressiveOptions {
	if o.ViolationTTL <= 0 {
		o.ViolationTTL = DefaultViolationTTL
	}
	if o.MaxViolationExponent <= 0 {
		o.MaxViolationExponent = DefaultMaxViolationExponent
	}
	return o
}

// ViolationKey monta a chave do contador de violações
func ViolationKey(identityKey string) string {
	return domain.ViolationPrefix + ":" + identityKey
}

// Penalize aplica a penalidade exponencial: a janela cresce e o limite encolhe a cada violação
func Penalize(window time.Duration, maxRequests, violations, maxExponent int) (time.Duration, int, int) {
	exponent := violations
	if exponent < 0 {
		exponent = 0
	}
	if exponent > maxExponent {
		exponent = maxExponent
	}
	penalty := 1 << exponent

	limit := maxRequests / penalty
	if limit < 1 {
		limit = 1
	}

	// A divisão evita o overflow de window*penalty
	effective := window * time.Duration(penalty)
	if window > MaxWindow/time.Duration(penalty) {
		effective = MaxWindow
		if window > effective {
			effective = window
		}
	}
	return effective, limit, penalty
}

// ProgressiveLimiter escala a restrição de quem reincide em violações
type ProgressiveLimiter struct {
	counter     *WindowCounter
	window      time.Duration
	maxRequests int
	opts        ProgressiveOptions
}

// NewProgressiveLimiter cria a estratégia progressiva
func NewProgressiveLimiter(counter *WindowCounter, window time.Duration, maxRequests int, opts ProgressiveOptions) *ProgressiveLimiter {
	return &ProgressiveLimiter{
		counter:     counter,
		window:      window,
		maxRequests: maxRequests,
		opts:        opts.withDefaults(),
	}
}

func (p *ProgressiveLimiter) Kind() domain.StrategyKind {
	return domain.ProgressiveStrategy
}

// Check aplica o limite penalizado e registra uma violação a cada negação
func (p *ProgressiveLimiter) Check(ctx context.Context, req domain.RequestInfo) domain.Decision {
	var identityKey string
	switch {
	case req.UserID != "":
		identityKey = UserKey(req.UserID)
	case req.ClientIP != "":
		identityKey = IPKey(req.ClientIP)
	default:
		return skipped(domain.ProgressiveStrategy, "", "")
	}

	violations := p.violations(ctx, identityKey)
	window, limit, penalty := Penalize(p.window, p.maxRequests, violations, p.opts.MaxViolationExponent)

	decision, err := p.counter.CheckAndIncrement(ctx, string(domain.ProgressiveStrategy)+":"+identityKey, window, limit, "progressive")
	if err != nil {
		p.counter.logger.Error("Invalid progressive rate limit check", err, map[string]interface{}{
			"identity": identityKey,
		})
		decision = skipped(domain.ProgressiveStrategy, "", "")
		decision.Err = err
		return decision
	}

	annotate(&decision, domain.ProgressiveStrategy, "", "")
	decision.Violations = violations
	decision.Penalty = penalty

	if decision.Outcome == domain.Denied {
		p.recordViolation(ctx, identityKey)
	}
	return decision
}

// violations lê o contador de violações; falhas do store contam como zero
func (p *ProgressiveLimiter) violations(ctx context.Context, identityKey string) int {
	if p.counter.store == nil {
		return 0
	}

	value, _, err := p.counter.store.Get(ctx, ViolationKey(identityKey))
	if err != nil {
		p.counter.metrics.StoreErrorsTotal.WithLabelValues("GET").Inc()
		p.counter.logger.Warn("Failed to read violation counter, assuming none", map[string]interface{}{
			"identity": identityKey,
			"error":    err.Error(),
		})
		return 0
	}
	return int(value)
}

// recordViolation incrementa o contador de violações e renova seu TTL
func (p *ProgressiveLimiter) recordViolation(ctx context.Context, identityKey string) {
	key := ViolationKey(identityKey)

	total, err := p.counter.store.Incr(ctx, key)
	if err == nil {
		err = p.counter.store.Expire(ctx, key, p.opts.ViolationTTL)
	}
	if err != nil {
		p.counter.metrics.StoreErrorsTotal.WithLabelValues("VIOLATION").Inc()
		p.counter.logger.Warn("Failed to record violation", map[string]interface{}{
			"identity": identityKey,
			"error":    err.Error(),
		})
		return
	}

	p.counter.metrics.ViolationsTotal.Inc()
	p.counter.logger.Info("Progressive violation recorded", map[string]interface{}{
		"identity":   identityKey,
		"violations": total,
	})
}
