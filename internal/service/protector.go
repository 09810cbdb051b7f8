package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"social-ratelimit/internal/domain"
)

const (
	// DefaultWindow é a janela padrão dos rótulos pré-definidos
	DefaultWindow = 10 * time.Minute

	// DefaultMaxRequests é o limite padrão dos rótulos pré-definidos
	DefaultMaxRequests = 3

	// DefaultBulkMaxRequests é o limite padrão de operações em lote
	DefaultBulkMaxRequests = 1
)

// DefaultChains monta a tabela padrão de rótulos para cadeias de estratégias
func DefaultChains(window time.Duration, maxRequests, bulkMaxRequests int) map[string]domain.ChainConfig {
	strategy := func(kind domain.StrategyKind, name string, max int) domain.StrategyConfig {
		return domain.StrategyConfig{Kind: kind, Name: name, Window: window, MaxRequests: max}
	}

	return map[string]domain.ChainConfig{
		domain.PublicConfig: {
			strategy(domain.IPStrategy, "", maxRequests),
		},
		domain.AuthConfig: {
			strategy(domain.IPStrategy, "", maxRequests),
			strategy(domain.CredentialStrategy, "", maxRequests),
		},
		domain.AuthenticatedConfig: {
			strategy(domain.IPStrategy, "", maxRequests),
			strategy(domain.UserStrategy, "", maxRequests),
		},
		domain.ContentCreationConfig: {
			strategy(domain.IPStrategy, "", maxRequests),
			strategy(domain.UserStrategy, "", maxRequests),
			strategy(domain.ActionStrategy, domain.ActionCreateTweet, maxRequests),
		},
		domain.SocialActionConfig: {
			strategy(domain.IPStrategy, "", maxRequests),
			strategy(domain.ProgressiveStrategy, "", maxRequests),
			strategy(domain.ActionStrategy, domain.ActionLike, maxRequests),
		},
		domain.BulkOperationConfig: {
			strategy(domain.UserStrategy, "", bulkMaxRequests),
			strategy(domain.ActionStrategy, domain.ActionBulkFollow, bulkMaxRequests),
		},
	}
}

// ValidateChain verifica uma cadeia antes do uso
func ValidateChain(label string, chain domain.ChainConfig) error {
	if len(chain) == 0 {
		return &domain.ConfigurationError{Label: label, Reason: "chain has no strategies"}
	}
	for i, cfg := range chain {
		if err := validateStrategy(cfg); err != nil {
			return &domain.ConfigurationError{Label: label, Reason: fmt.Sprintf("strategy #%d: %v", i, err)}
		}
	}
	return nil
}

// Protector resolve rótulos de configuração em cadeias de estratégias
type Protector struct {
	counter     *WindowCounter
	chains      map[string]domain.ChainConfig
	progressive ProgressiveOptions
	logger      domain.Logger
}

// NewProtector valida a tabela de cadeias e cria o orquestrador.
// A tabela é copiada e não muda depois da criação.
func NewProtector(counter *WindowCounter, chains map[string]domain.ChainConfig, progressive ProgressiveOptions, logger domain.Logger) (*Protector, error) {
	if counter == nil {
		return nil, &domain.ConfigurationError{Label: "*", Reason: "window counter is required"}
	}
	if logger == nil {
		logger = discardLogger{}
	}

	table := make(map[string]domain.ChainConfig, len(chains))
	for label, chain := range chains {
		if err := ValidateChain(label, chain); err != nil {
			return nil, err
		}
		table[label] = append(domain.ChainConfig(nil), chain...)
	}

	return &Protector{
		counter:     counter,
		chains:      table,
		progressive: progressive.withDefaults(),
		logger:      logger,
	}, nil
}

// Labels retorna os rótulos configurados em ordem alfabética
func (p *Protector) Labels() []string {
	labels := make([]string, 0, len(p.chains))
	for label := range p.chains {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Chain resolve um rótulo em uma cadeia executável.
// Rótulo desconhecido usa override; sem override, cai no rótulo public.
func (p *Protector) Chain(label string, override domain.ChainConfig, overrideAction string) (*Chain, error) {
	resolved := label
	config, exists := p.chains[label]

	switch {
	case exists:
	case len(override) > 0:
		if err := ValidateChain(label, override); err != nil {
			return nil, err
		}
		config = override
	default:
		config, exists = p.chains[domain.PublicConfig]
		if !exists {
			return nil, &domain.ConfigurationError{Label: label, Reason: "unknown label and no public fallback configured"}
		}
		resolved = domain.PublicConfig
		p.logger.Warn("Unknown rate limit label, using public policy", map[string]interface{}{
			"label": label,
		})
	}

	strategies := make([]domain.Strategy, 0, len(config))
	for _, cfg := range config {
		strategy, err := NewStrategy(p.counter, cfg, overrideAction, p.progressive)
		if err != nil {
			return nil, &domain.ConfigurationError{Label: label, Reason: err.Error()}
		}
		strategies = append(strategies, strategy)
	}

	return NewChain(resolved, strategies, p.counter.metrics), nil
}

// Result agrega as decisões de uma cadeia
type Result struct {
	Label     string
	Decisions []domain.Decision

	// Effective é a decisão usada nos headers: a negação,
	// ou a admissão com menor cota restante
	Effective domain.Decision
}

// Chain aplica estratégias em sequência como um AND lógico
type Chain struct {
	label      string
	strategies []domain.Strategy
	metrics    *Metrics
}

// NewChain cria uma cadeia a partir de estratégias já construídas
func NewChain(label string, strategies []domain.Strategy, metrics *Metrics) *Chain {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Chain{
		label:      label,
		strategies: strategies,
		metrics:    metrics,
	}
}

// Label retorna o rótulo resolvido da cadeia
func (c *Chain) Label() string {
	return c.label
}

// Uses informa se a cadeia contém uma estratégia do tipo informado
func (c *Chain) Uses(kind domain.StrategyKind) bool {
	for _, strategy := range c.strategies {
		if strategy.Kind() == kind {
			return true
		}
	}
	return false
}

// Check executa as estratégias em ordem; a primeira negação interrompe a cadeia
// e é devolvida como *domain.RateLimitExceededError.
func (c *Chain) Check(ctx context.Context, req domain.RequestInfo) (Result, error) {
	result := Result{
		Label:     c.label,
		Decisions: make([]domain.Decision, 0, len(c.strategies)),
		Effective: domain.Decision{Outcome: domain.Skipped},
	}

	for _, strategy := range c.strategies {
		decision := strategy.Check(ctx, req)
		result.Decisions = append(result.Decisions, decision)

		switch decision.Outcome {
		case domain.Denied:
			result.Effective = decision
			return result, decision.Err
		case domain.Skipped:
			c.metrics.ChecksTotal.WithLabelValues(domain.Skipped.String()).Inc()
		default:
			if moreRestrictive(decision, result.Effective) {
				result.Effective = decision
			}
		}
	}

	return result, nil
}

// moreRestrictive compara duas admissões pela cota restante
func moreRestrictive(candidate, current domain.Decision) bool {
	if current.Outcome == domain.Skipped {
		return true
	}
	if candidate.Remaining != current.Remaining {
		return candidate.Remaining < current.Remaining
	}
	return candidate.ResetAt.After(current.ResetAt)
}
