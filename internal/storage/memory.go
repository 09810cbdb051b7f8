package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"social-ratelimit/internal/domain"
)

// memoryEntry guarda o valor de um contador e quando ele expira
type memoryEntry struct {
	value     int64
	expiresAt time.Time // zero significa sem expiração
}

// MemoryStore implementa a interface domain.CounterStore em memória.
// A expiração é preguiçosa: entradas vencidas são descartadas no acesso.
type MemoryStore struct {
	data   map[string]*memoryEntry
	mutex  sync.Mutex
	now    func() time.Time
	logger domain.Logger
}

// NewMemoryStore cria uma nova instância do MemoryStore
func NewMemoryStore(logger domain.Logger) *MemoryStore {
	return NewMemoryStoreWithClock(logger, time.Now)
}

// NewMemoryStoreWithClock cria o store com um relógio customizado, útil em testes
func NewMemoryStoreWithClock(logger domain.Logger, now func() time.Time) *MemoryStore {
	if logger != nil {
		logger.Info("Memory storage initialized", nil)
	}
	return &MemoryStore{
		data:   make(map[string]*memoryEntry),
		now:    now,
		logger: logger,
	}
}

// lookup retorna a entrada viva para a chave; deve ser chamado com o mutex travado
func (m *MemoryStore) lookup(key string) (*memoryEntry, bool) {
	entry, exists := m.data[key]
	if !exists {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.data, key)
		return nil, false
	}
	return entry, true
}

// Incr incrementa atomicamente o contador
func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.lookup(key)
	if !exists {
		entry = &memoryEntry{}
		m.data[key] = entry
	}
	entry.value++

	m.logStorageOperation("INCR", key)
	return entry.value, nil
}

// Expire define o TTL de uma chave existente
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.lookup(key)
	if !exists {
		return nil
	}
	if ttl <= 0 {
		delete(m.data, key)
		return nil
	}
	entry.expiresAt = m.now().Add(ttl)

	m.logStorageOperation("EXPIRE", key)
	return nil
}

// TTL segue a convenção do Redis: -2 se a chave não existe, -1 se não expira
func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.lookup(key)
	if !exists {
		return -2, nil
	}
	if entry.expiresAt.IsZero() {
		return -1, nil
	}

	// Granularidade de segundos, como no Redis
	return entry.expiresAt.Sub(m.now()).Round(time.Second), nil
}

// Get recupera o valor atual de um contador
func (m *MemoryStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.lookup(key)
	if !exists {
		return 0, false, nil
	}
	return entry.value, true, nil
}

// Del remove as chaves informadas
func (m *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, exists := m.lookup(key); exists {
			delete(m.data, key)
			deleted++
		}
	}
	return deleted, nil
}

// Keys lista as chaves vivas que casam com o padrão glob
func (m *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var keys []string
	for key := range m.data {
		if _, exists := m.lookup(key); !exists {
			continue
		}
		if matchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping sempre responde para o store em memória
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close descarta todos os contadores
func (m *MemoryStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.data = make(map[string]*memoryEntry)
	if m.logger != nil {
		m.logger.Info("Memory storage closed", nil)
	}
	return nil
}

// logStorageOperation registra operações de storage
func (m *MemoryStore) logStorageOperation(operation, key string) {
	if m.logger != nil {
		m.logger.Debug("Storage operation completed", map[string]interface{}{
			"operation": operation,
			"key":       key,
		})
	}
}

// matchPattern casa a chave com um padrão no estilo do MATCH do Redis:
// * casa qualquer sequência (inclusive "/"), ? um caractere, [...] uma classe
// e \ escapa o caractere seguinte.
func matchPattern(pattern, key string) bool {
	p, k := 0, 0
	starP, starK := -1, 0

	for k < len(key) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starK = p, k
				p++
				continue
			case '?':
				p++
				k++
				continue
			case '[':
				if next, ok := matchClass(pattern, p, key[k]); ok {
					p = next
					k++
					continue
				}
			default:
				c := pattern[p]
				next := p + 1
				if c == '\\' && next < len(pattern) {
					c = pattern[next]
					next++
				}
				if c == key[k] {
					p = next
					k++
					continue
				}
			}
		}
		// Volta ao último * e deixa ele consumir mais um caractere
		if starP < 0 {
			return false
		}
		starK++
		p, k = starP+1, starK
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchClass avalia a classe [...] que começa em pattern[start].
// Devolve a posição depois do ] e se c pertence à classe.
func matchClass(pattern string, start int, c byte) (int, bool) {
	i := start + 1
	negate := i < len(pattern) && pattern[i] == '^'
	if negate {
		i++
	}

	matched := false
	for i < len(pattern) && pattern[i] != ']' {
		lo := pattern[i]
		if lo == '\\' && i+1 < len(pattern) {
			i++
			lo = pattern[i]
		}
		hi := lo
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			hi = pattern[i+2]
			i += 2
			if lo > hi {
				lo, hi = hi, lo
			}
		}
		if c >= lo && c <= hi {
			matched = true
		}
		i++
	}
	if i >= len(pattern) {
		// Classe sem ] de fechamento nunca casa
		return start, false
	}
	return i + 1, matched != negate
}
