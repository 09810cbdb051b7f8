package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"social-ratelimit/internal/domain"
)

// unknownCredential é usado quando a requisição não informa usuário nem email
const unknownCredential = "unknown"

// IPKey deriva a chave da estratégia por endereço
func IPKey(addr string) string {
	return "ip:" + addr
}

// UserKey deriva a chave da estratégia por identidade
func UserKey(userID string) string {
	return "user:" + userID
}

// ActionKey deriva a chave da estratégia por ação
func ActionKey(action, userID string) string {
	return "action:" + action + ":" + userID
}

// EndpointKey deriva a chave da estratégia por endpoint; identidade tem prioridade sobre o endereço
func EndpointKey(endpoint, userID, addr string) string {
	if userID != "" {
		return "endpoint:" + endpoint + ":" + userID
	}
	return "endpoint:" + endpoint + ":" + addr
}

// CredentialKey combina endereço e identidade declarada no corpo da requisição
func CredentialKey(addr, username, email string) string {
	claimed := strings.TrimSpace(username)
	if claimed == "" {
		claimed = strings.TrimSpace(email)
	}
	if claimed == "" {
		claimed = unknownCredential
	}
	return "auth:" + addr + ":" + strings.ToLower(claimed)
}

// windowStrategy adapta uma função de chave ao Window Counter Core
type windowStrategy struct {
	kind        domain.StrategyKind
	name        string
	window      time.Duration
	maxRequests int
	counter     *WindowCounter
}

// NewStrategy constrói a estratégia descrita pela configuração.
// overrideAction substitui o nome da ação de estratégias por ação.
func NewStrategy(counter *WindowCounter, cfg domain.StrategyConfig, overrideAction string, progressive ProgressiveOptions) (domain.Strategy, error) {
	if err := validateStrategy(cfg); err != nil {
		return nil, err
	}

	name := cfg.Name
	if cfg.Kind == domain.ActionStrategy && overrideAction != "" {
		name = overrideAction
	}

	if cfg.Kind == domain.ProgressiveStrategy {
		return NewProgressiveLimiter(counter, cfg.EffectiveWindow(), cfg.MaxRequests, progressive), nil
	}

	return &windowStrategy{
		kind:        cfg.Kind,
		name:        name,
		window:      cfg.EffectiveWindow(),
		maxRequests: cfg.MaxRequests,
		counter:     counter,
	}, nil
}

func validateStrategy(cfg domain.StrategyConfig) error {
	switch cfg.Kind {
	case domain.IPStrategy, domain.UserStrategy, domain.ActionStrategy,
		domain.EndpointStrategy, domain.CredentialStrategy, domain.ProgressiveStrategy:
	default:
		return fmt.Errorf("unknown strategy kind %q", cfg.Kind)
	}
	if cfg.EffectiveWindow() < time.Millisecond {
		return fmt.Errorf("strategy %s: window must be at least 1ms", cfg.Kind)
	}
	if cfg.EffectiveWindow() > MaxWindow {
		return fmt.Errorf("strategy %s: window must be at most %s", cfg.Kind, MaxWindow)
	}
	if cfg.MaxRequests < 1 {
		return fmt.Errorf("strategy %s: maxRequests must be at least 1", cfg.Kind)
	}
	return nil
}

func (s *windowStrategy) Kind() domain.StrategyKind {
	return s.kind
}

// Check deriva a chave da requisição e consulta o contador.
// Sem identidade suficiente a estratégia é ignorada e admite.
func (s *windowStrategy) Check(ctx context.Context, req domain.RequestInfo) domain.Decision {
	action, endpoint := s.names(req)

	key, label, ok := s.keyFor(req, action, endpoint)
	if !ok {
		return skipped(s.kind, action, endpoint)
	}

	decision, err := s.counter.CheckAndIncrement(ctx, key, s.window, s.maxRequests, label)
	if err != nil {
		s.counter.logger.Error("Invalid rate limit check", err, map[string]interface{}{
			"strategy": string(s.kind),
			"key":      key,
		})
		decision = skipped(s.kind, action, endpoint)
		decision.Err = err
		return decision
	}

	annotate(&decision, s.kind, action, endpoint)
	return decision
}

// names resolve os nomes de ação e endpoint: configuração primeiro, depois a requisição
func (s *windowStrategy) names(req domain.RequestInfo) (action, endpoint string) {
	switch s.kind {
	case domain.ActionStrategy:
		action = s.name
		if action == "" {
			action = req.Action
		}
	case domain.EndpointStrategy:
		endpoint = s.name
		if endpoint == "" {
			endpoint = req.Endpoint
		}
	}
	return action, endpoint
}

func (s *windowStrategy) keyFor(req domain.RequestInfo, action, endpoint string) (key, label string, ok bool) {
	switch s.kind {
	case domain.IPStrategy:
		if req.ClientIP == "" {
			return "", "", false
		}
		return IPKey(req.ClientIP), "ip", true
	case domain.UserStrategy:
		if req.UserID == "" {
			return "", "", false
		}
		return UserKey(req.UserID), "user", true
	case domain.ActionStrategy:
		if req.UserID == "" || action == "" {
			return "", "", false
		}
		return ActionKey(action, req.UserID), action, true
	case domain.EndpointStrategy:
		if endpoint == "" || (req.UserID == "" && req.ClientIP == "") {
			return "", "", false
		}
		return EndpointKey(endpoint, req.UserID, req.ClientIP), endpoint, true
	case domain.CredentialStrategy:
		return CredentialKey(req.ClientIP, req.Username, req.Email), "auth", true
	}
	return "", "", false
}

// skipped cria a decisão de uma estratégia que não pôde identificar o requisitante
func skipped(kind domain.StrategyKind, action, endpoint string) domain.Decision {
	return domain.Decision{
		Outcome:  domain.Skipped,
		Strategy: kind,
		Action:   action,
		Endpoint: endpoint,
	}
}

// annotate preenche os metadados da estratégia na decisão e no erro de negação
func annotate(decision *domain.Decision, kind domain.StrategyKind, action, endpoint string) {
	decision.Strategy = kind
	decision.Action = action
	decision.Endpoint = endpoint

	if exceeded, ok := domain.IsRateLimitExceeded(decision.Err); ok {
		exceeded.Strategy = kind
		exceeded.Action = action
		exceeded.Endpoint = endpoint
	}
}
