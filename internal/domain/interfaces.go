package domain

import (
	"context"
	"time"
)

// CounterStore define o contrato do store compartilhado de contadores.
// Implementa o Strategy Pattern: Redis em produção, memória em dev e testes.
type CounterStore interface {
	// Incr incrementa atomicamente o contador e retorna o valor pós-incremento
	Incr(ctx context.Context, key string) (int64, error)

	// Expire define o TTL da chave
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL retorna o tempo restante da chave; valores negativos indicam
	// chave inexistente ou sem expiração
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Get retorna o valor do contador; found é false se a chave não existe
	Get(ctx context.Context, key string) (value int64, found bool, err error)

	// Del remove as chaves e retorna quantas existiam
	Del(ctx context.Context, keys ...string) (int64, error)

	// Keys lista as chaves que casam com o padrão glob
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping verifica se o store está saudável
	Ping(ctx context.Context) error

	// Close fecha a conexão com o store
	Close() error
}

// Strategy define uma estratégia de limitação aplicada sobre o Window Counter Core
type Strategy interface {
	Kind() StrategyKind
	Check(ctx context.Context, req RequestInfo) Decision
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
}
