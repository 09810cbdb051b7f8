package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrStoreUnavailable indica falha ao acessar o Counter Store
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrInvalidArgument indica parâmetros inválidos para uma verificação
	ErrInvalidArgument = errors.New("invalid rate limit argument")
)

// RateLimitExceededError é retornado quando uma estratégia nega a requisição
type RateLimitExceededError struct {
	Strategy StrategyKind
	Label    string
	Limit    int
	Current  int
	Window   time.Duration
	ResetAt  time.Time
	Action   string
	Endpoint string
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d/%d requests in %s", e.Label, e.Current, e.Limit, e.Window)
}

// RetryAfter calcula em segundos quando o cliente pode tentar novamente.
// Nunca retorna menos que 1.
func (e *RateLimitExceededError) RetryAfter(now time.Time) int {
	seconds := int(math.Ceil(e.ResetAt.Sub(now).Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// ConfigurationError indica um rótulo de configuração sem fallback possível
// ou uma cadeia de estratégias inválida
type ConfigurationError struct {
	Label  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rate limit configuration %q: %s", e.Label, e.Reason)
}

// IsRateLimitExceeded verifica se o erro é uma negação de rate limit
func IsRateLimitExceeded(err error) (*RateLimitExceededError, bool) {
	var exceeded *RateLimitExceededError
	if errors.As(err, &exceeded) {
		return exceeded, true
	}
	return nil, false
}
